package database

import (
	"context"
	"time"

	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
)

// DefaultTimeout is the default length of time to wait
// for a database operation to complete.
const DefaultTimeout = time.Second * 3

// Database errors
var (
	// ErrNotFound is returned for any lookup that matches no record,
	// including reset tokens that exist but have expired.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a write would give a second record the
	// same email or the same provider identity.
	ErrDuplicate = errors.New("duplicate record")
)

// Database handles all interactions with the data backend.
type Database interface {
	UserDB
	ProfileDB
	Close() error
}

// UserDB handles interactions with the identity records used
// for authentication.
type UserDB interface {
	RegisterUser(ctx context.Context, user *model.User) error
	UpdateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByOAuthID(ctx context.Context, provider model.Provider, oauthID string) (*model.User, error)

	// GetUserByResetToken returns the user holding token, provided the
	// token has not expired at now.
	GetUserByResetToken(ctx context.Context, token string, now time.Time) (*model.User, error)
}

// ProfileDB handles interactions with applicant profiles. Profiles are
// keyed by the owning user's ID.
type ProfileDB interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	SaveProfile(ctx context.Context, profile *model.Profile) error
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
