// Package authcore implements credential issuance and session lifecycle for
// the BrightClass platform: password and social sign-in, rotating refresh
// tokens with per-device revocation, and time-bounded email ownership
// verification.
//
// The package is transport-agnostic. Callers construct a [Service] with a
// Redis client (sessions), a GORM handle (accounts), and a [Mailer], then
// call the operation methods directly from whatever API layer they run.
//
// Secrets are never persisted or logged in recoverable form: passwords are
// stored as Argon2id PHC hashes, refresh tokens as SHA-256 digests, and
// verification/reset tokens as SHA-256 digests.
package authcore
