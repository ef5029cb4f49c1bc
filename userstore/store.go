// Package userstore persists account records with GORM. One row per user;
// rows are soft-deleted, never physically removed, and every default read
// excludes soft-deleted rows.
package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no matching live account exists.
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned when creating an account whose email is
	// already taken. Distinct from generic failures so callers can answer
	// "account already exists".
	ErrDuplicateEmail = errors.New("email already registered")
)

// Verification states for the email-ownership sub-state machine.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
)

// User is the persisted account record. PasswordHash is nil for
// social-identity-only accounts, which cannot password-login.
// VerificationTokenHash and ResetTokenHash hold SHA-256 digests; raw token
// values are never stored.
type User struct {
	ID                    string  `gorm:"primaryKey;type:text"`
	Email                 string  `gorm:"uniqueIndex;not null"`
	PasswordHash          *string `gorm:"type:text"`
	Role                  string  `gorm:"not null"`
	Active                bool    `gorm:"not null;default:true"`
	Status                string  `gorm:"not null;default:pending"`
	VerificationTokenHash *string `gorm:"index"`
	VerificationExpiresAt *time.Time
	ResetTokenHash        *string `gorm:"index"`
	ResetExpiresAt        *time.Time
	Provider              *string
	AvatarURL             *string
	DisplayName           string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	DeletedAt             gorm.DeletedAt `gorm:"index"`
}

// TableName returns the table name for the User record.
func (User) TableName() string {
	return "users"
}

// Verified reports whether the account has proven email ownership.
func (u *User) Verified() bool {
	return u.Status == StatusVerified
}

// Store wraps a GORM handle. Open the handle with TranslateError enabled so
// unique-constraint violations surface as [gorm.ErrDuplicatedKey].
type Store struct {
	db *gorm.DB
}

// NewStore returns a credential store over db and ensures the schema exists.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("userstore: nil db handle")
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		return nil, fmt.Errorf("userstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Create inserts a new account. Email uniqueness is enforced at the store
// level; a violation yields [ErrDuplicateEmail].
func (s *Store) Create(ctx context.Context, user *User) error {
	result := s.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return ErrDuplicateEmail
		}
		return result.Error
	}
	return nil
}

// FindByEmail returns the live account with the given (already normalized)
// email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "email = ?", email)
}

// FindByID returns the live account with the given id.
func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, "id = ?", id)
}

// FindByVerificationToken returns the live account holding the given
// verification token hash.
func (s *Store) FindByVerificationToken(ctx context.Context, tokenHash string) (*User, error) {
	return s.findOne(ctx, "verification_token_hash = ?", tokenHash)
}

// FindByResetToken returns the live account holding the given password reset
// token hash.
func (s *Store) FindByResetToken(ctx context.Context, tokenHash string) (*User, error) {
	return s.findOne(ctx, "reset_token_hash = ?", tokenHash)
}

func (s *Store) findOne(ctx context.Context, query string, arg any) (*User, error) {
	var user User
	result := s.db.WithContext(ctx).First(&user, query, arg)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &user, nil
}

// Update persists the full record. Nil pointer fields are written as NULL,
// which is how verification and reset tokens get cleared.
func (s *Store) Update(ctx context.Context, user *User) error {
	result := s.db.WithContext(ctx).Model(user).
		Select("*").Omit("id", "created_at", "deleted_at").
		Updates(user)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks the account deleted without removing the row, preserving
// it for audit. Deleted accounts disappear from all default lookups.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&User{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDeletedByID looks up an account including soft-deleted rows. Intended
// for audit tooling only.
func (s *Store) FindDeletedByID(ctx context.Context, id string) (*User, error) {
	var user User
	result := s.db.WithContext(ctx).Unscoped().First(&user, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, result.Error
	}
	return &user, nil
}
