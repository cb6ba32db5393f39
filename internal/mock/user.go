package mock

import (
	"testing"
	"time"

	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/gofrs/uuid"
	"golang.org/x/crypto/bcrypt"
)

func uuidMust() string {
	id, err := uuid.NewV4()
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewLocalUser returns an unsaved user with a password credential.
func NewLocalUser(t testing.TB, email, password string) *model.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	return &model.User{
		ID:           uuidMust(),
		Email:        email,
		PasswordHash: string(hash),
		Provider:     model.ProviderLocal,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewGoogleUser returns an unsaved user linked to a Google identity,
// without a password.
func NewGoogleUser(t testing.TB, email, googleID string) *model.User {
	t.Helper()
	now := time.Now().UTC()
	return &model.User{
		ID:        uuidMust(),
		Email:     email,
		Provider:  model.ProviderGoogle,
		OAuthID:   googleID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// GoogleProfile returns a verified Google profile.
func GoogleProfile(id, email string) *model.ProviderProfile {
	return &model.ProviderProfile{
		Provider:      model.ProviderGoogle,
		ID:            id,
		Email:         email,
		EmailVerified: true,
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
	}
}
