package authcore

import (
	"context"
	"errors"

	"github.com/brightclass/authcore/userstore"
)

// Login checks a password credential and issues a token pair.
//
// Unknown email, missing password credential, and wrong password all
// return the same [ErrInvalidCredentials]; account state is only
// disclosed once the password has been proven.
func (s *Service) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	// A malformed address can never name an account; it fails the same
	// way an unknown one does.
	email, err := normalizeEmail(in.Email)
	if err != nil {
		s.loginRejected(ctx, "", in.IP, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			s.loginRejected(ctx, "", in.IP, ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, s.backend("login", err)
	}

	if user.PasswordHash == nil {
		s.loginRejected(ctx, user.ID, in.IP, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(in.Password, *user.PasswordHash)
	if err != nil {
		return nil, s.backend("login", err)
	}
	if !ok {
		s.loginRejected(ctx, user.ID, in.IP, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if !user.Active {
		s.loginRejected(ctx, user.ID, in.IP, ErrAccountDisabled)
		return nil, ErrAccountDisabled
	}
	if !user.Verified() {
		s.loginRejected(ctx, user.ID, in.IP, ErrEmailNotVerified)
		return nil, ErrEmailNotVerified
	}

	tokens, err := s.issueSession(ctx, user, in.Device, in.IP)
	if err != nil {
		return nil, s.backend("login", err)
	}

	s.metricInc(MetricLoginSuccess)
	s.emitAudit(ctx, EventLogin, true, user.ID, in.IP, nil, map[string]string{"device": in.Device})

	return &AuthResult{User: s.account(user), Tokens: tokens}, nil
}

func (s *Service) loginRejected(ctx context.Context, userID, ip string, reason error) {
	s.metricInc(MetricLoginFailure)
	s.emitAudit(ctx, EventLogin, false, userID, ip, reason, nil)
}
