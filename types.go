package authcore

import (
	"context"
	"time"
)

// Role is the closed set of account roles. Anything outside the four
// constants is rejected at the boundary by [ParseRole].
type Role string

const (
	// RoleStudent is an account belonging to a learner.
	RoleStudent Role = "student"
	// RoleTeacher is an account belonging to an instructor.
	RoleTeacher Role = "teacher"
	// RoleParent is an account belonging to a guardian.
	RoleParent Role = "parent"
	// RoleAdmin is a platform operator account.
	RoleAdmin Role = "admin"
)

// profileRoles is the dispatch table for best-effort profile creation at
// sign-up. Admin accounts carry no attached profile.
var profileRoles = map[Role]bool{
	RoleStudent: true,
	RoleTeacher: true,
	RoleParent:  true,
	RoleAdmin:   false,
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	_, ok := profileRoles[r]
	return ok
}

// ParseRole maps a wire string onto a [Role].
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

// Account is the safe public projection of a user record. It never carries
// the password hash or any token material.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
	Verified    bool   `json:"verified"`
}

// TokenPair is one issued access/refresh pair. ExpiresIn is the access token
// lifetime in seconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// AuthResult is returned by the operations that establish a session.
type AuthResult struct {
	User   Account   `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// SessionInfo describes one live session without exposing token material.
type SessionInfo struct {
	Device    string    `json:"device,omitempty"`
	IP        string    `json:"ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RegisterInput is the exhaustively validated sign-up request.
type RegisterInput struct {
	Email         string
	Password      string
	Role          Role
	DisplayName   string
	ProfileFields map[string]string
}

// LoginInput is the sign-in request. Device and IP are recorded on the
// session so users can tell their logins apart.
type LoginInput struct {
	Email    string
	Password string
	Device   string
	IP       string
}

// ProviderIdentity is a third-party identity proof as normalized by the
// provider integration (OAuth callback, ID token, etc.).
type ProviderIdentity struct {
	Provider    string
	ProviderID  string
	Email       string
	DisplayName string
	AvatarURL   string
	Device      string
	IP          string
}

// Mailer delivers transactional email. Implementations wrap the actual
// transport (SMTP relay, provider API); the service only composes messages.
type Mailer interface {
	SendTransactional(ctx context.Context, to, subject, htmlBody string) error
}

// ProfileCreator creates the role-specific profile attached to a new
// account. Calls are best-effort: a failure is logged and never rolls back
// account creation.
type ProfileCreator interface {
	CreateProfile(ctx context.Context, userID string, role Role, fields map[string]string) error
}
