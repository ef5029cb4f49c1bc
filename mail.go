package authcore

import (
	"context"
	"fmt"
	"html"
	"net/url"
)

// Mail bodies embed the raw single-use token in a link. The token is
// handed to the mailer and never logged or persisted in clear.

func verificationLink(base, rawToken string) string {
	return base + "?token=" + url.QueryEscape(rawToken)
}

func (s *Service) sendVerificationMail(ctx context.Context, email, rawToken string) error {
	link := verificationLink(s.cfg.Mail.VerificationURL, rawToken)
	body := fmt.Sprintf(
		`<p>Welcome to BrightClass!</p>
<p>Confirm your email address by opening the link below. It expires in %s.</p>
<p><a href="%s">Verify my email</a></p>
<p>If you did not sign up, you can ignore this message.</p>`,
		s.cfg.Verification.TokenTTL, link,
	)
	return s.mailer.SendTransactional(ctx, email, "Verify your BrightClass email", body)
}

func (s *Service) sendWelcomeMail(ctx context.Context, email, displayName string) error {
	// DisplayName is user input; it must not inject markup into the body.
	body := fmt.Sprintf(
		`<p>Hi %s,</p>
<p>Your email is verified and your BrightClass account is ready. You can now sign in.</p>`,
		html.EscapeString(displayName),
	)
	return s.mailer.SendTransactional(ctx, email, "Welcome to BrightClass", body)
}

func (s *Service) sendResetMail(ctx context.Context, email, rawToken string) error {
	link := verificationLink(s.cfg.Mail.ResetURL, rawToken)
	body := fmt.Sprintf(
		`<p>A password reset was requested for your BrightClass account.</p>
<p><a href="%s">Choose a new password</a> within %s.</p>
<p>If you did not request this, your password is unchanged and no action is needed.</p>`,
		link, s.cfg.PasswordReset.TokenTTL,
	)
	return s.mailer.SendTransactional(ctx, email, "Reset your BrightClass password", body)
}
