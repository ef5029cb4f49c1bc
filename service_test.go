package authcore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// recordingMailer captures outbound mail instead of sending it.
type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

type sentMail struct {
	To      string
	Subject string
	Body    string
}

func (m *recordingMailer) SendTransactional(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("smtp relay down")
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func (m *recordingMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no mail was sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *recordingMailer) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

var tokenLinkRe = regexp.MustCompile(`token=([^"]+)"`)

// mailToken pulls the raw single-use token out of the last mail's link.
func (m *recordingMailer) mailToken(t *testing.T) string {
	t.Helper()
	match := tokenLinkRe.FindStringSubmatch(m.last(t).Body)
	if match == nil {
		t.Fatalf("no token link in mail body:\n%s", m.last(t).Body)
	}
	raw, err := url.QueryUnescape(match[1])
	if err != nil {
		t.Fatalf("unescape token: %v", err)
	}
	return raw
}

type recordingProfiles struct {
	mu    sync.Mutex
	calls []Role
	fail  bool
}

func (p *recordingProfiles) CreateProfile(_ context.Context, _ string, role Role, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("profile service unavailable")
	}
	p.calls = append(p.calls, role)
	return nil
}

func testServiceConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.AccessSecret = []byte("test-access-secret-32-bytes-long")
	cfg.JWT.RefreshSecret = []byte("test-refresh-secret-32-bytes-ok!")
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
		MinLength:   8,
	}
	cfg.Mail = MailConfig{
		VerificationURL: "https://app.brightclass.test/verify",
		ResetURL:        "https://app.brightclass.test/reset",
	}
	return cfg
}

func newTestService(t *testing.T) (*Service, *recordingMailer) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	mailer := &recordingMailer{}
	svc, err := New().
		WithConfig(testServiceConfig()).
		WithRedis(client).
		WithDB(db).
		WithMailer(mailer).
		WithLogger(log.New(io.Discard, "", 0)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc, mailer
}

func registerVerified(t *testing.T, svc *Service, mailer *recordingMailer, email, password string) *Account {
	t.Helper()
	acct, err := svc.Register(context.Background(), RegisterInput{
		Email:       email,
		Password:    password,
		Role:        RoleStudent,
		DisplayName: "Test Student",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.VerifyEmail(context.Background(), mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	return acct
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "not-an-email", Password: "long-enough", Role: RoleStudent}); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "long-enough", Role: Role("principal")}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := svc.Register(ctx, RegisterInput{Email: "a@example.com", Password: "short", Role: RoleStudent}); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	in := RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}
	if _, err := svc.Register(ctx, in); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Register(ctx, in); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}

	// Case only differs; still the same account.
	in.Email = "AMY@example.com"
	if _, err := svc.Register(ctx, in); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail for case variant, got %v", err)
	}
}

func TestRegisterSurvivesMailFailure(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	mailer.setFail(true)
	acct, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent})
	if !errors.Is(err, ErrMailDelivery) {
		t.Fatalf("expected ErrMailDelivery, got %v", err)
	}
	if acct == nil || acct.Email != "amy@example.com" {
		t.Fatalf("account should be created despite mail failure, got %+v", acct)
	}

	// The account exists; a resend can recover it.
	mailer.setFail(false)
	if err := svc.ResendVerification(ctx, "amy@example.com"); err != nil {
		t.Fatalf("ResendVerification failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
}

func TestRegisterCallsProfileCreatorBestEffort(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	profiles := &recordingProfiles{fail: true}
	mailer := &recordingMailer{}
	svc, err := New().
		WithConfig(testServiceConfig()).
		WithRedis(client).
		WithDB(db).
		WithMailer(mailer).
		WithProfileCreator(profiles).
		WithLogger(log.New(io.Discard, "", 0)).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(svc.Close)

	// Profile failure must not fail the sign-up.
	acct, err := svc.Register(context.Background(), RegisterInput{
		Email: "amy@example.com", Password: "strong-password", Role: RoleStudent,
	})
	if err != nil {
		t.Fatalf("Register failed despite best-effort profile: %v", err)
	}
	if acct == nil {
		t.Fatal("expected account")
	}

	profiles.fail = false
	if _, err := svc.Register(context.Background(), RegisterInput{
		Email: "ben@example.com", Password: "strong-password", Role: RoleTeacher,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if len(profiles.calls) != 1 || profiles.calls[0] != RoleTeacher {
		t.Fatalf("unexpected profile calls: %v", profiles.calls)
	}
}

func TestResendMailFailureIsBestEffort(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	oldToken := mailer.mailToken(t)

	// A resend whose mail bounces still succeeds; the token was rotated.
	mailer.setFail(true)
	if err := svc.ResendVerification(ctx, "amy@example.com"); err != nil {
		t.Fatalf("resend must succeed despite mail failure, got %v", err)
	}
	if err := svc.VerifyEmail(ctx, oldToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("old token should be invalidated by the resend, got %v", err)
	}

	// The next resend recovers with a deliverable token.
	mailer.setFail(false)
	if err := svc.ResendVerification(ctx, "amy@example.com"); err != nil {
		t.Fatalf("ResendVerification failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
}

func TestResetMailFailureIsBestEffort(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	mailer.setFail(true)
	if err := svc.RequestPasswordReset(ctx, "amy@example.com"); err != nil {
		t.Fatalf("reset request must succeed despite mail failure, got %v", err)
	}

	mailer.setFail(false)
	if err := svc.RequestPasswordReset(ctx, "amy@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	if err := svc.ResetPassword(ctx, mailer.mailToken(t), "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
}

func TestLoginRequiresVerifiedEmail(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}

	if err := svc.VerifyEmail(ctx, mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); err != nil {
		t.Fatalf("Login after verification failed: %v", err)
	}
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	unknown := func() error {
		_, err := svc.Login(ctx, LoginInput{Email: "nobody@example.com", Password: "strong-password"})
		return err
	}
	wrongPassword := func() error {
		_, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "wrong-password"})
		return err
	}

	if err := unknown(); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "not an address", Password: "strong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("malformed email: expected ErrInvalidCredentials, got %v", err)
	}
	if err := wrongPassword(); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
	// Also for social-only accounts with no password credential.
	if _, err := svc.UpsertSocialIdentity(ctx, ProviderIdentity{
		Provider: "google", ProviderID: "g-1", Email: "social@example.com",
	}); err != nil {
		t.Fatalf("UpsertSocialIdentity failed: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "social@example.com", Password: "anything-goes"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("social-only login: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	user, err := svc.users.FindByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	user.Active = false
	if err := svc.users.Update(ctx, user); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected ErrAccountDisabled, got %v", err)
	}
	// Wrong password on a disabled account must not reveal the disabled
	// state before the credential is proven.
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "wrong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestWelcomeMailEscapesDisplayName(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{
		Email:       "amy@example.com",
		Password:    "strong-password",
		Role:        RoleStudent,
		DisplayName: `<script>alert("x")</script>`,
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}

	welcome := mailer.last(t)
	if strings.Contains(welcome.Body, "<script>") {
		t.Fatalf("display name injected markup into mail body:\n%s", welcome.Body)
	}
	if !strings.Contains(welcome.Body, "&lt;script&gt;") {
		t.Fatalf("display name not escaped in mail body:\n%s", welcome.Body)
	}
}

func TestVerifyEmailIsIdempotent(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token := mailer.mailToken(t)

	if err := svc.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("first VerifyEmail failed: %v", err)
	}
	if err := svc.VerifyEmail(ctx, token); err != nil {
		t.Fatalf("second VerifyEmail should succeed, got %v", err)
	}
	if err := svc.VerifyEmail(ctx, "completely-made-up"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid for unknown token, got %v", err)
	}
}

func TestVerifyEmailExpiredToken(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token := mailer.mailToken(t)

	svc.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := svc.VerifyEmail(ctx, token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestResendVerificationInvalidatesOldToken(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	oldToken := mailer.mailToken(t)

	if err := svc.ResendVerification(ctx, "amy@example.com"); err != nil {
		t.Fatalf("ResendVerification failed: %v", err)
	}
	newToken := mailer.mailToken(t)
	if oldToken == newToken {
		t.Fatal("resend must mint a fresh token")
	}

	if err := svc.VerifyEmail(ctx, oldToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("old token should be dead, got %v", err)
	}
	if err := svc.VerifyEmail(ctx, newToken); err != nil {
		t.Fatalf("new token should verify, got %v", err)
	}
	if err := svc.ResendVerification(ctx, "amy@example.com"); !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("expected ErrAlreadyVerified, got %v", err)
	}
	if err := svc.ResendVerification(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password", Device: "laptop"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := svc.Refresh(ctx, login.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.Tokens.RefreshToken == login.Tokens.RefreshToken {
		t.Fatal("refresh must mint a new refresh token")
	}

	// The spent token is dead, the new one works.
	if _, err := svc.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("spent token: expected ErrTokenInvalid, got %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.Tokens.RefreshToken); err != nil {
		t.Fatalf("rotated token should refresh, got %v", err)
	}
}

func TestRefreshRejectsGarbageAndForeignTokens(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	if _, err := svc.Refresh(ctx, "not-a-jwt"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}

	// An access token is never accepted where a refresh token belongs.
	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, login.Tokens.AccessToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token as refresh: expected ErrTokenInvalid, got %v", err)
	}
}

func TestCrossDeviceSessionsAreIndependent(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	laptop, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password", Device: "laptop"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	phone, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password", Device: "phone"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	sessions, err := svc.Sessions(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if err := svc.Logout(ctx, laptop.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, laptop.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("logged-out token should be dead, got %v", err)
	}
	if _, err := svc.Refresh(ctx, phone.Tokens.RefreshToken); err != nil {
		t.Fatalf("phone session must survive laptop logout, got %v", err)
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.Logout(ctx, login.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if err := svc.Logout(ctx, login.Tokens.RefreshToken); err != nil {
		t.Fatalf("second Logout should succeed, got %v", err)
	}
	if err := svc.Logout(ctx, "garbage"); err != nil {
		t.Fatalf("garbage Logout should succeed, got %v", err)
	}
}

func TestLogoutAll(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	var tokens []string
	for _, device := range []string{"laptop", "phone", "tablet"} {
		res, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password", Device: device})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		tokens = append(tokens, res.Tokens.RefreshToken)
	}

	if err := svc.LogoutAll(ctx, acct.ID); err != nil {
		t.Fatalf("LogoutAll failed: %v", err)
	}
	for i, tok := range tokens {
		if _, err := svc.Refresh(ctx, tok); !errors.Is(err, ErrTokenInvalid) {
			t.Fatalf("token %d should be dead, got %v", i, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	got, err := svc.Authenticate(ctx, login.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if got.ID != acct.ID || got.Role != RoleStudent {
		t.Fatalf("unexpected account: %+v", got)
	}

	if _, err := svc.Authenticate(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token as access: expected ErrTokenInvalid, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestSocialIdentityLinksNotDuplicates(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	res, err := svc.UpsertSocialIdentity(ctx, ProviderIdentity{
		Provider: "google", ProviderID: "g-1", Email: "amy@example.com", AvatarURL: "https://img.test/a.png",
	})
	if err != nil {
		t.Fatalf("UpsertSocialIdentity failed: %v", err)
	}
	if res.User.ID != acct.ID {
		t.Fatalf("social login must link the existing account, got %s want %s", res.User.ID, acct.ID)
	}

	// Password login still works afterwards.
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); err != nil {
		t.Fatalf("password login after linking failed: %v", err)
	}
}

func TestSocialIdentityCreatesVerifiedAccount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.UpsertSocialIdentity(ctx, ProviderIdentity{
		Provider: "google", ProviderID: "g-2", Email: "new@example.com", DisplayName: "New Kid",
	})
	if err != nil {
		t.Fatalf("UpsertSocialIdentity failed: %v", err)
	}
	if !res.User.Verified {
		t.Fatal("provider-asserted email must be trusted as verified")
	}
	if res.User.Role != RoleStudent {
		t.Fatalf("expected default student role, got %s", res.User.Role)
	}

	// Second sign-in with the same identity reuses the account.
	again, err := svc.UpsertSocialIdentity(ctx, ProviderIdentity{
		Provider: "google", ProviderID: "g-2", Email: "new@example.com",
	})
	if err != nil {
		t.Fatalf("second UpsertSocialIdentity failed: %v", err)
	}
	if again.User.ID != res.User.ID {
		t.Fatal("repeat social login must not create a second account")
	}
}

func TestSocialIdentityRejectsIncompleteAssertions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []ProviderIdentity{
		{Provider: "", ProviderID: "g-1", Email: "a@example.com"},
		{Provider: "google", ProviderID: "", Email: "a@example.com"},
		{Provider: "google", ProviderID: "g-1", Email: "not-an-email"},
	}
	for i, in := range cases {
		if _, err := svc.UpsertSocialIdentity(ctx, in); !errors.Is(err, ErrProviderIdentity) {
			t.Fatalf("case %d: expected ErrProviderIdentity, got %v", i, err)
		}
	}
}

func TestPasswordResetFlow(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.RequestPasswordReset(ctx, "amy@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset failed: %v", err)
	}
	resetToken := mailer.mailToken(t)

	if err := svc.ResetPassword(ctx, resetToken, "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}

	// Old password dead, new one live, sessions revoked.
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password should be dead, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "brand-new-password"}); err != nil {
		t.Fatalf("new password should work, got %v", err)
	}
	if _, err := svc.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("pre-reset session should be revoked, got %v", err)
	}

	// A reset token is single use.
	if err := svc.ResetPassword(ctx, resetToken, "yet-another-password"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("spent reset token: expected ErrTokenInvalid, got %v", err)
	}
}

func TestPasswordResetDoesNotLeakAccounts(t *testing.T) {
	svc, mailer := newTestService(t)

	if err := svc.RequestPasswordReset(context.Background(), "nobody@example.com"); err != nil {
		t.Fatalf("unknown email must return nil, got %v", err)
	}
	if mailer.count() != 0 {
		t.Fatal("no mail should be sent for unknown email")
	}
}

func TestChangePassword(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.ChangePassword(ctx, acct.ID, "wrong-old", "brand-new-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := svc.ChangePassword(ctx, acct.ID, "strong-password", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := svc.ChangePassword(ctx, "missing-user", "strong-password", "brand-new-password"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := svc.ChangePassword(ctx, acct.ID, "strong-password", "brand-new-password"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("sessions should be revoked after password change, got %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "brand-new-password"}); err != nil {
		t.Fatalf("login with new password failed: %v", err)
	}
}

func TestCloseAccount(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()
	acct := registerVerified(t, svc, mailer, "amy@example.com", "strong-password")

	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := svc.CloseAccount(ctx, acct.ID); err != nil {
		t.Fatalf("CloseAccount failed: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("closed account login: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("closed account session should be dead, got %v", err)
	}
	if err := svc.CloseAccount(ctx, acct.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second close: expected ErrNotFound, got %v", err)
	}
}

func TestFullLifecycleScenario(t *testing.T) {
	svc, mailer := newTestService(t)
	ctx := context.Background()

	// Sign up, fail to log in unverified, verify, log in.
	if _, err := svc.Register(ctx, RegisterInput{Email: "amy@example.com", Password: "strong-password", Role: RoleStudent, DisplayName: "Amy"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password"}); !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
	if err := svc.VerifyEmail(ctx, mailer.mailToken(t)); err != nil {
		t.Fatalf("VerifyEmail failed: %v", err)
	}
	login, err := svc.Login(ctx, LoginInput{Email: "amy@example.com", Password: "strong-password", Device: "laptop"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Access token authenticates; refresh rotates; old refresh dies.
	if _, err := svc.Authenticate(ctx, login.Tokens.AccessToken); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	rotated, err := svc.Refresh(ctx, login.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, login.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("old refresh should be dead, got %v", err)
	}

	// Logout kills the rotated session; refresh now fails.
	if err := svc.Logout(ctx, rotated.Tokens.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, rotated.Tokens.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("logged-out refresh should be dead, got %v", err)
	}

	snap := svc.MetricsSnapshot()
	if snap.Counters[MetricRegisterSuccess] != 1 {
		t.Fatalf("register counter = %d, want 1", snap.Counters[MetricRegisterSuccess])
	}
	if snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("refresh counter = %d, want 1", snap.Counters[MetricRefreshSuccess])
	}
	if snap.Counters[MetricLogout] != 1 {
		t.Fatalf("logout counter = %d, want 1", snap.Counters[MetricLogout])
	}
}

func TestBuilderValidation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	if _, err := New().WithConfig(testServiceConfig()).WithDB(db).WithMailer(&recordingMailer{}).Build(); err == nil {
		t.Fatal("expected error without redis")
	}
	if _, err := New().WithConfig(testServiceConfig()).WithRedis(client).WithMailer(&recordingMailer{}).Build(); err == nil {
		t.Fatal("expected error without db")
	}
	if _, err := New().WithConfig(testServiceConfig()).WithRedis(client).WithDB(db).Build(); err == nil {
		t.Fatal("expected error without mailer")
	}

	noSecrets := testServiceConfig()
	noSecrets.JWT.AccessSecret = nil
	if _, err := New().WithConfig(noSecrets).WithRedis(client).WithDB(db).WithMailer(&recordingMailer{}).Build(); err == nil {
		t.Fatal("expected error without jwt secrets")
	}

	b := New().WithConfig(testServiceConfig()).WithRedis(client).WithDB(db).WithMailer(&recordingMailer{}).WithLogger(log.New(io.Discard, "", 0))
	svc, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(svc.Close)
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error on second Build")
	}
}
