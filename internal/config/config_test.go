package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
server:
  scheme: https
  host: globalyzing.com
  port: "443"
session:
  secret: 0123456789abcdef0123456789abcdef
  lifetime: 2h
oauth:
  google:
    clientID: client
    clientSecret: secret
    callbackURL: https://globalyzing.com/auth/google/callback
mail:
  username: mailer
  password: hunter2
  from: noreply@globalyzing.com
auth:
  resetTokenLife: 30m
`

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://globalyzing.com", cfg.Server.URL())
	assert.Equal(t, 2*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, 30*time.Minute, cfg.Auth.ResetTokenLife)
	assert.Equal(t, "globalyzing_session", cfg.Session.CookieName)
	assert.Equal(t, DatabaseTypeBadger, cfg.Database.Type)
	assert.Equal(t, SessionStoreBadger, cfg.Session.Store)
	assert.Equal(t, "smtp.gmail.com:465", cfg.Mail.HostPort())
	assert.Equal(t, "https://accounts.google.com", cfg.OAuth.Google.Issuer)
	assert.Equal(t, 6, cfg.Auth.MinPassword)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GLOBALYZING_SESSION_SECRET", "from-env")
	t.Setenv("GLOBALYZING_SERVER_PORT", "8080")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Session.Secret)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestValidate_Missing(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: \"3000\"\n"))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{
		"session.secret",
		"oauth.google.clientID",
		"oauth.google.clientSecret",
		"oauth.google.callbackURL",
		"mail.username",
		"mail.password",
		"mail.from",
	} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestValidate_Stores(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	cfg.Session.Store = "cookie"
	assert.Error(t, cfg.Validate())

	cfg.Session.Store = SessionStoreBadger
	cfg.Database.Type = DatabaseTypeDgraph
	assert.Error(t, cfg.Validate())

	cfg.Session.Store = SessionStoreRedis
	assert.NoError(t, cfg.Validate())

	cfg.Database.Type = "mongo"
	assert.Error(t, cfg.Validate())
}

func TestValidate_Server(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	cfg.Server.Scheme = "ftp"
	assert.Error(t, cfg.Validate())

	cfg.Server.Scheme = "https"
	cfg.Server.CertFile = "cert.pem"
	assert.Error(t, cfg.Validate())

	cfg.Server.KeyFile = "key.pem"
	assert.NoError(t, cfg.Validate())
}

func TestServerConfig_URL(t *testing.T) {
	tt := []struct {
		server ServerConfig
		want   string
	}{
		{ServerConfig{Scheme: "http", Host: "localhost", Port: "3000"}, "http://localhost:3000"},
		{ServerConfig{Scheme: "http", Host: "localhost", Port: "80"}, "http://localhost"},
		{ServerConfig{Scheme: "https", Host: "example.com", Port: "443"}, "https://example.com"},
		{ServerConfig{Scheme: "https", Host: "example.com", PublicURL: "https://globalyzing.com/"}, "https://globalyzing.com"},
	}
	for _, tc := range tt {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.server.URL())
		})
	}
}
