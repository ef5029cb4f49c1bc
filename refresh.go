package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/brightclass/authcore/internal/token"
	"github.com/brightclass/authcore/session"
	"github.com/brightclass/authcore/userstore"
)

// Refresh rotates a refresh token: the presented token is atomically
// redeemed and a new pair is issued on the same device lineage.
//
// A token that was already redeemed returns [ErrTokenInvalid]; under a
// concurrent double-redeem exactly one caller wins.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*AuthResult, error) {
	claims, err := s.tokens.ParseRefresh(rawRefresh)
	if err != nil {
		s.metricInc(MetricRefreshFailure)
		return nil, ErrTokenInvalid
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			s.metricInc(MetricRefreshFailure)
			return nil, ErrTokenInvalid
		}
		return nil, s.backend("refresh", err)
	}
	if !user.Active {
		s.metricInc(MetricRefreshFailure)
		s.emitAudit(ctx, EventRefresh, false, user.ID, "", ErrAccountDisabled, nil)
		return nil, ErrAccountDisabled
	}

	old, err := s.sessions.Consume(ctx, user.ID, token.Hash(rawRefresh))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			s.metricInc(MetricRefreshReuseDetected)
			s.emitAudit(ctx, EventRefresh, false, user.ID, "", ErrTokenInvalid, map[string]string{"reason": "unknown_or_redeemed"})
			return nil, ErrTokenInvalid
		}
		return nil, s.backend("refresh", err)
	}
	s.metricInc(MetricSessionInvalidated)

	tokens, err := s.issueSession(ctx, user, old.Device, old.IP)
	if err != nil {
		return nil, s.backend("refresh", err)
	}

	s.metricInc(MetricRefreshSuccess)
	s.emitAudit(ctx, EventRefresh, true, user.ID, old.IP, nil, map[string]string{"device": old.Device})

	return &AuthResult{User: s.account(user), Tokens: tokens}, nil
}

// Logout revokes the session behind one refresh token. Unknown,
// expired, or already-revoked tokens are treated as success.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	claims, err := s.tokens.ParseRefresh(rawRefresh)
	if err != nil {
		return nil
	}

	_, err = s.sessions.Consume(ctx, claims.Subject, token.Hash(rawRefresh))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil
		}
		return s.backend("logout", err)
	}

	s.metricInc(MetricLogout)
	s.metricInc(MetricSessionInvalidated)
	s.emitAudit(ctx, EventLogout, true, claims.Subject, "", nil, nil)
	return nil
}

// LogoutAll revokes every session the user has, on every device.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	if err := s.sessions.DeleteAllForUser(ctx, userID); err != nil {
		return s.backend("logout all", err)
	}
	s.metricInc(MetricLogoutAll)
	s.emitAudit(ctx, EventLogoutAll, true, userID, "", nil, nil)
	return nil
}

// Sessions lists the user's live sessions in no particular order.
func (s *Service) Sessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	rows, err := s.sessions.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.backend("list sessions", err)
	}

	infos := make([]SessionInfo, 0, len(rows))
	for _, row := range rows {
		infos = append(infos, SessionInfo{
			Device:    row.Device,
			IP:        row.IP,
			CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
			ExpiresAt: time.Unix(row.ExpiresAt, 0).UTC(),
		})
	}
	return infos, nil
}

// Authenticate validates an access token and returns the live account
// behind it. Revoked refresh sessions do not invalidate outstanding
// access tokens before they expire.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*Account, error) {
	claims, err := s.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, ErrTokenInvalid
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, userstore.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, s.backend("authenticate", err)
	}
	if !user.Active {
		return nil, ErrAccountDisabled
	}

	acct := s.account(user)
	return &acct, nil
}
