package authcore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/brightclass/authcore/userstore"
)

// UpsertSocialIdentity signs in a provider-asserted identity, creating
// the account on first sight and linking to an existing account with
// the same email otherwise. Provider emails are trusted as verified.
func (s *Service) UpsertSocialIdentity(ctx context.Context, in ProviderIdentity) (*AuthResult, error) {
	if in.Provider == "" || in.ProviderID == "" {
		return nil, ErrProviderIdentity
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, ErrProviderIdentity
	}

	user, err := s.users.FindByEmail(ctx, email)
	switch {
	case err == nil:
		if !user.Active {
			s.emitAudit(ctx, EventSocialLogin, false, user.ID, in.IP, ErrAccountDisabled, nil)
			return nil, ErrAccountDisabled
		}
		if changed := s.linkProvider(user, in); changed {
			if uerr := s.users.Update(ctx, user); uerr != nil {
				return nil, s.backend("social login", uerr)
			}
		}
	case errors.Is(err, userstore.ErrNotFound):
		user, err = s.createSocialAccount(ctx, email, in)
		if err != nil {
			return nil, err
		}
	default:
		return nil, s.backend("social login", err)
	}

	tokens, err := s.issueSession(ctx, user, in.Device, in.IP)
	if err != nil {
		return nil, s.backend("social login", err)
	}

	s.metricInc(MetricSocialLogin)
	s.emitAudit(ctx, EventSocialLogin, true, user.ID, in.IP, nil, map[string]string{"provider": in.Provider})

	return &AuthResult{User: s.account(user), Tokens: tokens}, nil
}

// linkProvider fills provider details onto an existing account without
// overwriting anything already set. A provider assertion for the email
// also settles verification for accounts still pending.
func (s *Service) linkProvider(user *userstore.User, in ProviderIdentity) bool {
	changed := false
	if user.Provider == nil {
		p := in.Provider
		user.Provider = &p
		changed = true
	}
	if user.AvatarURL == nil && in.AvatarURL != "" {
		a := in.AvatarURL
		user.AvatarURL = &a
		changed = true
	}
	if !user.Verified() {
		user.Status = userstore.StatusVerified
		user.VerificationTokenHash = nil
		user.VerificationExpiresAt = nil
		changed = true
	}
	return changed
}

func (s *Service) createSocialAccount(ctx context.Context, email string, in ProviderIdentity) (*userstore.User, error) {
	provider := in.Provider
	user := &userstore.User{
		ID:          uuid.NewString(),
		Email:       email,
		Role:        string(RoleStudent),
		Active:      true,
		Status:      userstore.StatusVerified,
		Provider:    &provider,
		DisplayName: in.DisplayName,
	}
	if in.AvatarURL != "" {
		avatar := in.AvatarURL
		user.AvatarURL = &avatar
	}

	err := s.users.Create(ctx, user)
	if err == nil {
		s.metricInc(MetricRegisterSuccess)
		return user, nil
	}
	if !errors.Is(err, userstore.ErrDuplicateEmail) {
		return nil, s.backend("social login", err)
	}

	// Lost a create race; the row now exists, link to it instead.
	user, err = s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, s.backend("social login", err)
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}
	if changed := s.linkProvider(user, in); changed {
		if uerr := s.users.Update(ctx, user); uerr != nil {
			return nil, s.backend("social login", uerr)
		}
	}
	return user, nil
}
