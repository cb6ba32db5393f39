package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/globalyzing/globalyzing/internal/config"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIssuer serves the discovery, token and userinfo endpoints of a minimal
// OpenID provider.
func newIssuer(t *testing.T, userInfo map[string]interface{}) *httptest.Server {
	mux := http.NewServeMux()
	var server *httptest.Server

	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"issuer":                                server.URL,
			"authorization_endpoint":                server.URL + "/auth",
			"token_endpoint":                        server.URL + "/token",
			"userinfo_endpoint":                     server.URL + "/userinfo",
			"jwks_uri":                              server.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, map[string]interface{}{
			"access_token": "access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, userInfo)
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestGoogle(t *testing.T, userInfo map[string]interface{}) Provider {
	issuer := newIssuer(t, userInfo)
	p, err := NewGoogle(context.Background(), &config.GoogleConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		CallbackURL:  "http://localhost:3000/auth/google/callback",
		Issuer:       issuer.URL,
	})
	require.NoError(t, err)
	return p
}

func TestGoogle_AuthCodeURL(t *testing.T) {
	p := newTestGoogle(t, nil)
	assert.Equal(t, model.ProviderGoogle, p.Name())

	u, err := url.Parse(p.AuthCodeURL("xyz"))
	require.NoError(t, err)
	query := u.Query()
	assert.Equal(t, "/auth", u.Path)
	assert.Equal(t, "client-id", query.Get("client_id"))
	assert.Equal(t, "xyz", query.Get("state"))
	assert.Equal(t, "openid profile email", query.Get("scope"))
	assert.Equal(t, "http://localhost:3000/auth/google/callback", query.Get("redirect_uri"))
}

func TestGoogle_Exchange(t *testing.T) {
	p := newTestGoogle(t, map[string]interface{}{
		"sub":            "108",
		"email":          "Ada@Example.com",
		"email_verified": true,
		"given_name":     "Ada",
		"family_name":    "Lovelace",
	})

	profile, err := p.Exchange(context.Background(), url.Values{"code": {"good-code"}})
	require.NoError(t, err)
	assert.Equal(t, &model.ProviderProfile{
		Provider:      model.ProviderGoogle,
		ID:            "108",
		Email:         "ada@example.com",
		EmailVerified: true,
		GivenName:     "Ada",
		FamilyName:    "Lovelace",
	}, profile)
}

func TestGoogle_ExchangeErrors(t *testing.T) {
	tests := []struct {
		name     string
		query    url.Values
		userInfo map[string]interface{}
	}{
		{
			name:  "denied",
			query: url.Values{"error": {"access_denied"}},
		},
		{
			name:  "missing code",
			query: url.Values{},
		},
		{
			name:  "bad code",
			query: url.Values{"code": {"bad-code"}},
		},
		{
			name:     "missing subject",
			query:    url.Values{"code": {"good-code"}},
			userInfo: map[string]interface{}{"email": "a@x.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestGoogle(t, tt.userInfo)
			_, err := p.Exchange(context.Background(), tt.query)
			assert.True(t, errors.Is(err, ErrProviderExchange))
		})
	}
}
