package authcore

import (
	"context"
	"errors"

	"github.com/brightclass/authcore/internal/token"
	"github.com/brightclass/authcore/userstore"
)

// VerifyEmail redeems a verification token and marks the account
// verified. Redeeming the same token again within its original
// lifetime succeeds without changing anything.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	if rawToken == "" {
		s.metricInc(MetricVerificationFailure)
		return ErrTokenInvalid
	}
	tokenHash := token.Hash(rawToken)

	user, err := s.users.FindByVerificationToken(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			// The token hash is cleared from the row on first redeem, so
			// a repeat of a recently redeemed token lands here.
			done, cerr := s.consumed.WasConsumed(ctx, tokenHash)
			if cerr != nil {
				return s.backend("verify email", cerr)
			}
			if done {
				return nil
			}
			s.metricInc(MetricVerificationFailure)
			return ErrTokenInvalid
		}
		return s.backend("verify email", err)
	}

	if user.VerificationExpiresAt == nil || s.now().After(*user.VerificationExpiresAt) {
		s.metricInc(MetricVerificationFailure)
		s.emitAudit(ctx, EventVerifyEmail, false, user.ID, "", ErrTokenExpired, nil)
		return ErrTokenExpired
	}

	remaining := user.VerificationExpiresAt.Sub(s.now())

	user.Status = userstore.StatusVerified
	user.VerificationTokenHash = nil
	user.VerificationExpiresAt = nil
	if err := s.users.Update(ctx, user); err != nil {
		return s.backend("verify email", err)
	}

	// Best effort; losing the marker only costs idempotency of repeats.
	if err := s.consumed.MarkConsumed(ctx, tokenHash, user.ID, remaining); err != nil {
		s.logger.Printf("authcore: verify email: consumed marker failed for %s: %v", user.ID, err)
	}

	s.metricInc(MetricVerificationSuccess)
	s.emitAudit(ctx, EventVerifyEmail, true, user.ID, "", nil, nil)

	if merr := s.sendWelcomeMail(ctx, user.Email, user.DisplayName); merr != nil {
		s.metricInc(MetricMailDeliveryFailure)
		s.logger.Printf("authcore: verify email: welcome mail failed for %s: %v", user.ID, merr)
	}
	return nil
}
