package authcore

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries all tunables for a [Service]. Zero values are filled from
// [DefaultConfig] at build time; only the two JWT secrets have no default.
type Config struct {
	JWT           JWTConfig
	Session       SessionConfig
	Password      PasswordConfig
	Verification  VerificationConfig
	PasswordReset PasswordResetConfig
	Mail          MailConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

// JWTConfig configures the token issuer. AccessSecret and RefreshSecret must
// differ: a leaked access secret must not allow forging refresh tokens.
type JWTConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Leeway        time.Duration
}

// SessionConfig configures the Redis session store.
type SessionConfig struct {
	RedisPrefix string
}

// PasswordConfig configures Argon2id costs (Memory in KB) and the minimum
// accepted password length.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	MinLength   int
}

// VerificationConfig bounds email verification tokens.
type VerificationConfig struct {
	TokenTTL time.Duration
}

// PasswordResetConfig bounds password reset tokens.
type PasswordResetConfig struct {
	TokenTTL time.Duration
}

// MailConfig holds the link bases embedded in outbound mail. The raw token
// is appended to the configured URL.
type MailConfig struct {
	VerificationURL string
	ResetURL        string
}

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the recommended settings. JWT secrets are left empty
// and must be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "authcore",
			Leeway:     30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "ac",
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   8,
		},
		Verification: VerificationConfig{
			TokenTTL: 24 * time.Hour,
		},
		PasswordReset: PasswordResetConfig{
			TokenTTL: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = def.JWT.AccessTTL
	}
	if c.JWT.RefreshTTL == 0 {
		c.JWT.RefreshTTL = def.JWT.RefreshTTL
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = def.JWT.Issuer
	}
	if c.Session.RedisPrefix == "" {
		c.Session.RedisPrefix = def.Session.RedisPrefix
	}
	if c.Password.Memory == 0 {
		c.Password = def.Password
	}
	if c.Password.MinLength == 0 {
		c.Password.MinLength = def.Password.MinLength
	}
	if c.Verification.TokenTTL == 0 {
		c.Verification.TokenTTL = def.Verification.TokenTTL
	}
	if c.PasswordReset.TokenTTL == 0 {
		c.PasswordReset.TokenTTL = def.PasswordReset.TokenTTL
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = def.Audit.BufferSize
	}
}

// Validate rejects configurations that cannot run safely.
func (c Config) Validate() error {
	if len(c.JWT.AccessSecret) == 0 || len(c.JWT.RefreshSecret) == 0 {
		return errors.New("config: both JWT secrets are required")
	}
	if subtle.ConstantTimeCompare(c.JWT.AccessSecret, c.JWT.RefreshSecret) == 1 {
		return errors.New("config: access and refresh secrets must differ")
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("config: access token lifetime must be shorter than refresh lifetime")
	}
	if c.Verification.TokenTTL <= 0 {
		return errors.New("config: verification token lifetime must be positive")
	}
	if c.PasswordReset.TokenTTL <= 0 {
		return errors.New("config: reset token lifetime must be positive")
	}
	if c.Password.MinLength < 8 {
		return errors.New("config: minimum password length must be >= 8")
	}
	return nil
}

// fileConfig is the YAML shape accepted by [LoadConfigFile]. Durations are
// strings in time.ParseDuration form ("15m", "168h").
type fileConfig struct {
	JWT struct {
		AccessSecret  string `yaml:"access_secret"`
		RefreshSecret string `yaml:"refresh_secret"`
		AccessTTL     string `yaml:"access_ttl"`
		RefreshTTL    string `yaml:"refresh_ttl"`
		Issuer        string `yaml:"issuer"`
		Leeway        string `yaml:"leeway"`
	} `yaml:"jwt"`
	Session struct {
		RedisPrefix string `yaml:"redis_prefix"`
	} `yaml:"session"`
	Password struct {
		MemoryKB    uint32 `yaml:"memory_kb"`
		Time        uint32 `yaml:"time"`
		Parallelism uint8  `yaml:"parallelism"`
		MinLength   int    `yaml:"min_length"`
	} `yaml:"password"`
	Verification struct {
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"verification"`
	PasswordReset struct {
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"password_reset"`
	Mail struct {
		VerificationURL string `yaml:"verification_url"`
		ResetURL        string `yaml:"reset_url"`
	} `yaml:"mail"`
	Audit struct {
		Enabled    *bool `yaml:"enabled"`
		BufferSize int   `yaml:"buffer_size"`
		DropIfFull *bool `yaml:"drop_if_full"`
	} `yaml:"audit"`
	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

// LoadConfigFile reads a YAML file and overlays it on [DefaultConfig].
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := DefaultConfig()
	cfg.JWT.AccessSecret = []byte(fc.JWT.AccessSecret)
	cfg.JWT.RefreshSecret = []byte(fc.JWT.RefreshSecret)
	if fc.JWT.Issuer != "" {
		cfg.JWT.Issuer = fc.JWT.Issuer
	}
	if fc.Session.RedisPrefix != "" {
		cfg.Session.RedisPrefix = fc.Session.RedisPrefix
	}
	if fc.Password.MemoryKB != 0 {
		cfg.Password.Memory = fc.Password.MemoryKB
	}
	if fc.Password.Time != 0 {
		cfg.Password.Time = fc.Password.Time
	}
	if fc.Password.Parallelism != 0 {
		cfg.Password.Parallelism = fc.Password.Parallelism
	}
	if fc.Password.MinLength != 0 {
		cfg.Password.MinLength = fc.Password.MinLength
	}
	cfg.Mail.VerificationURL = fc.Mail.VerificationURL
	cfg.Mail.ResetURL = fc.Mail.ResetURL
	if fc.Audit.Enabled != nil {
		cfg.Audit.Enabled = *fc.Audit.Enabled
	}
	if fc.Audit.BufferSize != 0 {
		cfg.Audit.BufferSize = fc.Audit.BufferSize
	}
	if fc.Audit.DropIfFull != nil {
		cfg.Audit.DropIfFull = *fc.Audit.DropIfFull
	}
	if fc.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *fc.Metrics.Enabled
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.JWT.AccessTTL, &cfg.JWT.AccessTTL, "jwt.access_ttl"},
		{fc.JWT.RefreshTTL, &cfg.JWT.RefreshTTL, "jwt.refresh_ttl"},
		{fc.JWT.Leeway, &cfg.JWT.Leeway, "jwt.leeway"},
		{fc.Verification.TokenTTL, &cfg.Verification.TokenTTL, "verification.token_ttl"},
		{fc.PasswordReset.TokenTTL, &cfg.PasswordReset.TokenTTL, "password_reset.token_ttl"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
