package authcore

import (
	"context"
	"errors"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/brightclass/authcore/internal/stores"
	"github.com/brightclass/authcore/internal/token"
	"github.com/brightclass/authcore/jwt"
	"github.com/brightclass/authcore/password"
	"github.com/brightclass/authcore/session"
	"github.com/brightclass/authcore/userstore"
)

// Service is the credential and session core. Construct it through
// [New]; a zero Service is not usable.
//
// All methods are safe for concurrent use.
type Service struct {
	cfg      Config
	users    *userstore.Store
	sessions *session.Store
	consumed *stores.ConsumedTokenStore
	tokens   *jwt.Manager
	hasher   *password.Argon2
	mailer   Mailer
	profiles ProfileCreator
	audit    *auditDispatcher
	metrics  *Metrics
	logger   *log.Logger

	now func() time.Time
}

// Builder assembles a [Service]. Each With method overwrites the
// previous value; Build may be called once.
type Builder struct {
	config Config

	redis    redis.UniversalClient
	db       *gorm.DB
	mailer   Mailer
	profiles ProfileCreator
	sink     AuditSink
	logger   *log.Logger

	built bool
}

// New starts a builder loaded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis sets the client backing session and redeemed-token state.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDB sets the database holding credential records.
//
// Open the handle with gorm.Config{TranslateError: true} so unique
// violations surface as [userstore.ErrDuplicateEmail].
func (b *Builder) WithDB(db *gorm.DB) *Builder {
	b.db = db
	return b
}

// WithMailer sets the transactional mail delivery backend.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithProfileCreator sets the optional role-profile hook invoked after
// sign-up. Profile failures never fail the sign-up.
func (b *Builder) WithProfileCreator(p ProfileCreator) *Builder {
	b.profiles = p
	return b
}

// WithAuditSink sets the destination for audit events. Without a sink,
// enabled auditing falls back to [NoOpSink].
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithLogger sets the logger for operational detail that must not leak
// to callers. Defaults to [log.Default].
func (b *Builder) WithLogger(l *log.Logger) *Builder {
	b.logger = l
	return b
}

// Build validates configuration and dependencies and returns the service.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	cfg := b.config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.db == nil {
		return nil, errors.New("database handle required")
	}
	if b.mailer == nil {
		return nil, errors.New("mailer required")
	}

	users, err := userstore.NewStore(b.db)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
	})
	if err != nil {
		return nil, err
	}

	logger := b.logger
	if logger == nil {
		logger = log.Default()
	}

	return &Service{
		cfg:      cfg,
		users:    users,
		sessions: session.NewStore(b.redis, cfg.Session.RedisPrefix),
		consumed: stores.NewConsumedTokenStore(b.redis, cfg.Session.RedisPrefix),
		tokens:   tokens,
		hasher:   hasher,
		mailer:   b.mailer,
		profiles: b.profiles,
		audit:    newAuditDispatcher(cfg.Audit, b.sink),
		metrics:  NewMetrics(cfg.Metrics),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Close flushes the audit pipeline. The service must not be used after.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.audit.close()
}

// MetricsSnapshot copies the current counter values.
func (s *Service) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded under
// backpressure since the service started.
func (s *Service) AuditDropped() uint64 {
	return s.audit.droppedCount()
}

func (s *Service) metricInc(id MetricID) {
	s.metrics.Inc(id)
}

func (s *Service) emitAudit(ctx context.Context, eventType string, success bool, userID, ip string, opErr error, meta map[string]string) {
	if s.audit == nil {
		return
	}
	event := AuditEvent{
		Timestamp: s.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		IP:        ip,
		Success:   success,
		Metadata:  meta,
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	s.audit.emit(ctx, event)
}

// backend logs the underlying failure and returns the opaque sentinel
// callers see. Infrastructure detail stays out of API error values.
func (s *Service) backend(op string, err error) error {
	s.logger.Printf("authcore: %s: backend error: %v", op, err)
	return ErrBackend
}

func (s *Service) account(u *userstore.User) Account {
	return Account{
		ID:          u.ID,
		Email:       u.Email,
		Role:        Role(u.Role),
		DisplayName: u.DisplayName,
		Verified:    u.Verified(),
	}
}

// normalizeEmail lower-cases, trims, and validates the address.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// issueSession mints a refresh token, records its session row keyed by
// hash, then mints the paired access token.
func (s *Service) issueSession(ctx context.Context, u *userstore.User, device, ip string) (TokenPair, error) {
	refresh, err := s.tokens.IssueRefresh(u.ID, u.Email, u.Role)
	if err != nil {
		return TokenPair{}, err
	}

	now := s.now()
	sess := &session.Session{
		UserID:      u.ID,
		RefreshHash: token.Hash(refresh),
		Device:      device,
		IP:          ip,
		CreatedAt:   now.Unix(),
		ExpiresAt:   now.Add(s.tokens.RefreshTTL()).Unix(),
	}
	if err := s.sessions.Save(ctx, sess, s.tokens.RefreshTTL()); err != nil {
		return TokenPair{}, err
	}
	s.metricInc(MetricSessionCreated)

	access, err := s.tokens.IssueAccess(u.ID, u.Email, u.Role)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokens.AccessTTL().Seconds()),
	}, nil
}
