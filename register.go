package authcore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/brightclass/authcore/internal/token"
	"github.com/brightclass/authcore/userstore"
)

// Register creates a pending account and mails a verification link.
//
// The account is created even when the verification mail fails; in that
// case the account is returned together with [ErrMailDelivery] so the
// caller can prompt the user to request a resend.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if !in.Role.Valid() {
		return nil, ErrInvalidRole
	}
	if len(in.Password) < s.cfg.Password.MinLength {
		return nil, ErrWeakPassword
	}

	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		s.metricInc(MetricRegisterDuplicate)
		s.emitAudit(ctx, EventRegister, false, "", "", ErrDuplicateEmail, map[string]string{"email": email})
		return nil, ErrDuplicateEmail
	} else if !errors.Is(err, userstore.ErrNotFound) {
		return nil, s.backend("register", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.backend("register", err)
	}

	rawToken, tokenHash, err := token.New()
	if err != nil {
		return nil, s.backend("register", err)
	}
	expires := s.now().Add(s.cfg.Verification.TokenTTL)

	user := &userstore.User{
		ID:                    uuid.NewString(),
		Email:                 email,
		PasswordHash:          &hash,
		Role:                  string(in.Role),
		Active:                true,
		Status:                userstore.StatusPending,
		VerificationTokenHash: &tokenHash,
		VerificationExpiresAt: &expires,
		DisplayName:           in.DisplayName,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, userstore.ErrDuplicateEmail) {
			s.metricInc(MetricRegisterDuplicate)
			return nil, ErrDuplicateEmail
		}
		return nil, s.backend("register", err)
	}

	s.metricInc(MetricRegisterSuccess)
	s.metricInc(MetricVerificationRequest)
	s.emitAudit(ctx, EventRegister, true, user.ID, "", nil, map[string]string{"role": user.Role})

	// Role profiles live outside the credential core; a profile failure
	// must not lose the account that was just created.
	if s.profiles != nil && profileRoles[in.Role] {
		if perr := s.profiles.CreateProfile(ctx, user.ID, in.Role, in.ProfileFields); perr != nil {
			s.logger.Printf("authcore: register: profile creation failed for %s: %v", user.ID, perr)
		}
	}

	acct := s.account(user)
	if merr := s.sendVerificationMail(ctx, email, rawToken); merr != nil {
		s.metricInc(MetricMailDeliveryFailure)
		s.logger.Printf("authcore: register: verification mail failed for %s: %v", user.ID, merr)
		return &acct, ErrMailDelivery
	}

	return &acct, nil
}

// ResendVerification replaces the pending verification token and mails
// a fresh link. The previous link stops working.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return ErrNotFound
		}
		return s.backend("resend verification", err)
	}
	if user.Verified() {
		return ErrAlreadyVerified
	}

	rawToken, tokenHash, err := token.New()
	if err != nil {
		return s.backend("resend verification", err)
	}
	expires := s.now().Add(s.cfg.Verification.TokenTTL)

	user.VerificationTokenHash = &tokenHash
	user.VerificationExpiresAt = &expires
	if err := s.users.Update(ctx, user); err != nil {
		return s.backend("resend verification", err)
	}

	s.metricInc(MetricVerificationRequest)
	s.emitAudit(ctx, EventResendVerification, true, user.ID, "", nil, nil)

	// Unlike the initial sign-up mail, a resend already has a recovery
	// path (the user asks again), so delivery is best effort.
	if merr := s.sendVerificationMail(ctx, email, rawToken); merr != nil {
		s.metricInc(MetricMailDeliveryFailure)
		s.logger.Printf("authcore: resend verification: mail failed for %s: %v", user.ID, merr)
	}
	return nil
}
