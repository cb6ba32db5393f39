// Package provider exchanges external identity-provider callbacks for
// verified user profiles.
package provider

import (
	"context"
	"net/url"

	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
)

// ErrProviderExchange is returned when the provider denies the request or
// the callback cannot be turned into a profile.
var ErrProviderExchange = errors.New("provider exchange failed")

// Provider is an OAuth identity provider.
type Provider interface {
	Name() model.Provider

	// AuthCodeURL returns the provider's consent page for state.
	AuthCodeURL(state string) string

	// Exchange redeems the callback query for the user's profile.
	Exchange(ctx context.Context, query url.Values) (*model.ProviderProfile, error)
}
