package provider

import (
	"context"
	"net/url"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/globalyzing/globalyzing/internal/config"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// Scopes requested from Google.
var googleScopes = []string{oidc.ScopeOpenID, "profile", "email"}

// OauthConfig is the subset of *oauth2.Config used by the provider.
type OauthConfig interface {
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// UserInfoProvider is the subset of *oidc.Provider used by the provider.
type UserInfoProvider interface {
	UserInfo(ctx context.Context, tokenSource oauth2.TokenSource) (*oidc.UserInfo, error)
}

type googleProvider struct {
	oauthConfig OauthConfig
	userInfo    UserInfoProvider
}

var _ Provider = (*googleProvider)(nil)

// NewGoogle discovers the Google OpenID configuration at cfg.Issuer.
func NewGoogle(ctx context.Context, cfg *config.GoogleConfig) (Provider, error) {
	p, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, errors.Wrap(err, "discover google provider")
	}
	return &googleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     p.Endpoint(),
			RedirectURL:  cfg.CallbackURL,
			Scopes:       googleScopes,
		},
		userInfo: p,
	}, nil
}

func (gp *googleProvider) Name() model.Provider {
	return model.ProviderGoogle
}

func (gp *googleProvider) AuthCodeURL(state string) string {
	return gp.oauthConfig.AuthCodeURL(state)
}

func (gp *googleProvider) Exchange(ctx context.Context, query url.Values) (*model.ProviderProfile, error) {
	if e := query.Get("error"); e != "" {
		// access_denied when the user cancels the consent screen
		return nil, errors.Wrapf(ErrProviderExchange, "provider returned %s", e)
	}
	code := query.Get("code")
	if code == "" {
		return nil, errors.Wrap(ErrProviderExchange, "missing code")
	}

	token, err := gp.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrapf(ErrProviderExchange, "exchange code: %v", err)
	}

	info, err := gp.userInfo.UserInfo(ctx, gp.oauthConfig.TokenSource(ctx, token))
	if err != nil {
		return nil, errors.Wrapf(ErrProviderExchange, "fetch user info: %v", err)
	}
	if info.Subject == "" {
		return nil, errors.Wrap(ErrProviderExchange, "user info missing subject")
	}

	profile := &model.ProviderProfile{
		Provider:      model.ProviderGoogle,
		ID:            info.Subject,
		Email:         model.NormalizeEmail(info.Email),
		EmailVerified: info.EmailVerified,
	}

	var names struct {
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
	}
	if err := info.Claims(&names); err == nil {
		profile.GivenName = names.GivenName
		profile.FamilyName = names.FamilyName
	}
	return profile, nil
}
