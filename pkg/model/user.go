package model

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// User is an identity record: login name, credential material and
// password-reset state. Profile data lives in Profile.
type User struct {
	ID               string     `json:"id"` // uuid
	Email            string     `json:"email"`
	PasswordHash     string     `json:"password_hash,omitempty"`
	Provider         Provider   `json:"provider,omitempty"`
	OAuthID          string     `json:"oauth_id,omitempty"`
	ResetToken       string     `json:"reset_token,omitempty"`
	ResetTokenExpiry *time.Time `json:"reset_token_expiry,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Valid checks the record's structural invariants.
func (u *User) Valid() error {
	if u.ID == "" {
		return errors.New("missing ID")
	}
	if u.Email == "" {
		return errors.New("missing email")
	}
	if (u.ResetToken == "") != (u.ResetTokenExpiry == nil) {
		return errors.New("reset token and expiry must be set together")
	}
	return nil
}

// HasPassword reports whether the user can log in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// HasOAuth reports whether the user is linked to an external provider.
func (u *User) HasOAuth() bool {
	return u.OAuthID != ""
}

// SetResetToken stores a reset token valid until expiry, replacing any
// previous one.
func (u *User) SetResetToken(token string, expiry time.Time) {
	u.ResetToken = token
	u.ResetTokenExpiry = &expiry
}

// ClearResetToken removes the reset token and its expiry.
func (u *User) ClearResetToken() {
	u.ResetToken = ""
	u.ResetTokenExpiry = nil
}

// ResetTokenValid reports whether token matches the stored one and has not
// expired at now.
func (u *User) ResetTokenValid(token string, now time.Time) bool {
	if token == "" || u.ResetToken == "" || u.ResetTokenExpiry == nil {
		return false
	}
	return u.ResetToken == token && now.Before(*u.ResetTokenExpiry)
}

// ToUserData converts a user object to a user data object for sharing.
func (u *User) ToUserData() *UserData {
	return &UserData{
		ID:       u.ID,
		Email:    u.Email,
		Provider: u.Provider,
	}
}

// UserData holds the key user data for sharing externally. It never
// carries credential material.
type UserData struct {
	ID       string   `json:"id"`
	Email    string   `json:"email"`
	Provider Provider `json:"provider,omitempty"`
}

// NormalizeEmail lower-cases and trims an email used as a login name.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
