package mock

import (
	"context"
	"net/url"

	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
)

// Provider is an identity provider that returns a fixed profile for the
// code "good-code".
type Provider struct {
	Profile *model.ProviderProfile
}

// Name returns model.ProviderGoogle.
func (p *Provider) Name() model.Provider {
	return model.ProviderGoogle
}

// AuthCodeURL returns a consent URL carrying state.
func (p *Provider) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

// Exchange returns Profile when the query carries the good code.
func (p *Provider) Exchange(ctx context.Context, query url.Values) (*model.ProviderProfile, error) {
	if query.Get("code") != "good-code" || p.Profile == nil {
		return nil, errors.New("exchange failed")
	}
	profile := *p.Profile
	return &profile, nil
}
