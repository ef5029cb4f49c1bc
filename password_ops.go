package authcore

import (
	"context"
	"errors"

	"github.com/brightclass/authcore/internal/token"
	"github.com/brightclass/authcore/userstore"
)

// RequestPasswordReset issues a single-use reset token and mails it.
// Unknown addresses return nil so the endpoint cannot be used to probe
// which emails hold accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return nil
		}
		return s.backend("password reset request", err)
	}
	if !user.Active {
		return nil
	}

	rawToken, tokenHash, err := token.New()
	if err != nil {
		return s.backend("password reset request", err)
	}
	expires := s.now().Add(s.cfg.PasswordReset.TokenTTL)

	user.ResetTokenHash = &tokenHash
	user.ResetExpiresAt = &expires
	if err := s.users.Update(ctx, user); err != nil {
		return s.backend("password reset request", err)
	}

	s.metricInc(MetricPasswordResetRequest)
	s.emitAudit(ctx, EventPasswordResetRequest, true, user.ID, "", nil, nil)

	if merr := s.sendResetMail(ctx, email, rawToken); merr != nil {
		s.metricInc(MetricMailDeliveryFailure)
		s.logger.Printf("authcore: password reset: mail failed for %s: %v", user.ID, merr)
	}
	return nil
}

// ResetPassword redeems a reset token and replaces the password. All
// of the user's refresh sessions are revoked.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string) error {
	if rawToken == "" {
		s.metricInc(MetricPasswordResetFailure)
		return ErrTokenInvalid
	}
	if len(newPassword) < s.cfg.Password.MinLength {
		return ErrWeakPassword
	}

	user, err := s.users.FindByResetToken(ctx, token.Hash(rawToken))
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			s.metricInc(MetricPasswordResetFailure)
			return ErrTokenInvalid
		}
		return s.backend("password reset", err)
	}
	if user.ResetExpiresAt == nil || s.now().After(*user.ResetExpiresAt) {
		s.metricInc(MetricPasswordResetFailure)
		s.emitAudit(ctx, EventPasswordReset, false, user.ID, "", ErrTokenExpired, nil)
		return ErrTokenExpired
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.backend("password reset", err)
	}
	user.PasswordHash = &hash
	user.ResetTokenHash = nil
	user.ResetExpiresAt = nil
	if err := s.users.Update(ctx, user); err != nil {
		return s.backend("password reset", err)
	}

	if err := s.sessions.DeleteAllForUser(ctx, user.ID); err != nil {
		return s.backend("password reset", err)
	}

	s.metricInc(MetricPasswordResetSuccess)
	s.emitAudit(ctx, EventPasswordReset, true, user.ID, "", nil, nil)
	return nil
}

// ChangePassword replaces the password after proving the current one.
// All refresh sessions are revoked; the caller re-authenticates.
func (s *Service) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrNotFound
		}
		return s.backend("password change", err)
	}

	if user.PasswordHash == nil {
		return ErrInvalidCredentials
	}
	ok, err := s.hasher.Verify(oldPassword, *user.PasswordHash)
	if err != nil {
		return s.backend("password change", err)
	}
	if !ok {
		s.emitAudit(ctx, EventPasswordChange, false, user.ID, "", ErrInvalidCredentials, nil)
		return ErrInvalidCredentials
	}
	if len(newPassword) < s.cfg.Password.MinLength {
		return ErrWeakPassword
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.backend("password change", err)
	}
	user.PasswordHash = &hash
	if err := s.users.Update(ctx, user); err != nil {
		return s.backend("password change", err)
	}

	if err := s.sessions.DeleteAllForUser(ctx, user.ID); err != nil {
		return s.backend("password change", err)
	}

	s.metricInc(MetricPasswordChangeSuccess)
	s.emitAudit(ctx, EventPasswordChange, true, user.ID, "", nil, nil)
	return nil
}

// CloseAccount soft-deletes the account and revokes every session.
// The email remains reserved until the row is purged.
func (s *Service) CloseAccount(ctx context.Context, userID string) error {
	if err := s.users.SoftDelete(ctx, userID); err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrNotFound
		}
		return s.backend("close account", err)
	}

	if err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return s.backend("close account", err)
	}

	s.emitAudit(ctx, EventAccountClosed, true, userID, "", nil, nil)
	return nil
}
