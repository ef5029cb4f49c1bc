package authcore

import "errors"

var (
	// ErrDuplicateEmail is returned when registering an email that already
	// has an account.
	ErrDuplicateEmail = errors.New("account already exists")
	// ErrInvalidEmail is returned for syntactically invalid email addresses.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidRole is returned for a role outside the closed role set.
	ErrInvalidRole = errors.New("invalid account role")
	// ErrWeakPassword is returned when a password fails the minimum policy.
	ErrWeakPassword = errors.New("password does not meet minimum requirements")
	// ErrInvalidCredentials covers unknown email, wrong password, and a
	// password login against a social-only account. The three causes are
	// deliberately indistinguishable to the caller.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountDisabled is returned when a correctly authenticated but
	// deactivated account attempts to sign in.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrEmailNotVerified is returned when a correctly authenticated account
	// has not yet proven email ownership.
	ErrEmailNotVerified = errors.New("email not verified")
	// ErrTokenInvalid covers malformed, expired, signature-mismatched, and
	// already-rotated tokens. The causes are deliberately indistinguishable
	// to the caller.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned for an expired verification or reset
	// token. Unlike ErrTokenInvalid it is disclosed specifically, because it
	// enables a legitimate resend.
	ErrTokenExpired = errors.New("token expired")
	// ErrNotFound is returned when a named account does not exist.
	ErrNotFound = errors.New("account not found")
	// ErrAlreadyVerified is returned when requesting verification for an
	// account that has already verified its email.
	ErrAlreadyVerified = errors.New("email already verified")
	// ErrProviderIdentity is returned for an incomplete social identity.
	ErrProviderIdentity = errors.New("invalid provider identity")
	// ErrMailDelivery is returned when the initial verification email could
	// not be sent. The account is created regardless.
	ErrMailDelivery = errors.New("verification email delivery failed")
	// ErrBackend is the generic failure surfaced when a store or hasher
	// fails. Diagnostic detail goes to the log, never to the caller.
	ErrBackend = errors.New("credential backend unavailable")
)
