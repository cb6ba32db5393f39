package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// GLOBALYZING_SESSION_SECRET overrides session.secret.
const EnvPrefix = "globalyzing"

// ServerConfig holds configuration variables for the server.
type ServerConfig struct {
	Scheme string
	Host   string
	Port   string

	// PublicURL, when set, is the origin used in emailed links instead of
	// one built from Scheme, Host and Port.
	PublicURL string

	// For https. A self-signed certificate is generated when both are empty.
	CertFile string
	KeyFile  string

	// Origins allowed to read the user endpoint with credentials.
	AllowedOrigins []string
}

// URL returns the main gateway URL for the server.
func (s *ServerConfig) URL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	host := s.Host
	includePort := func() bool {
		if s.Port == "" {
			return false
		}
		if s.Scheme == "http" {
			return s.Port != "80"
		}
		// s.Scheme == "https"
		return s.Port != "443"
	}()
	if includePort {
		host = fmt.Sprintf("%s:%s", host, s.Port)
	}
	uri := url.URL{
		Scheme: s.Scheme,
		Host:   host,
	}
	return uri.String()
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// Database backends.
const (
	DatabaseTypeBadger = "badger"
	DatabaseTypeDgraph = "dgraph"
)

// DatabaseConfig holds configuration variables for the database.
type DatabaseConfig struct {
	Type string

	// For embedded DB
	Dir      string // Path to store data in (for embedded)
	InMemory bool

	// For Dgraph
	Host string
	Port string
}

// Session stores.
const (
	SessionStoreBadger = "badger"
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"
)

// SessionConfig holds settings for the server-side session.
type SessionConfig struct {
	Secret     string
	CookieName string
	Lifetime   time.Duration
	Secure     bool
	Store      string
	Redis      struct {
		Addr     string
		Password string
		DB       int
	}
}

// GoogleConfig holds the OAuth client registered with Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Issuer       string
}

// OAuthConfig holds configuration for external identity providers.
type OAuthConfig struct {
	Google GoogleConfig
}

// MailConfig holds the SMTP relay used for reset notifications.
type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	TLS      bool
	Hello    string
}

// HostPort returns the relay address.
func (m *MailConfig) HostPort() string {
	return fmt.Sprintf("%s:%s", m.Host, m.Port)
}

// AuthConfig holds password and reset-token policy.
type AuthConfig struct {
	BcryptCost     int
	MinPassword    int
	ResetTokenLife time.Duration
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Development bool
	Level       string
}

// Config holds configuration information for the program.
type Config struct {
	Server   *ServerConfig
	Database *DatabaseConfig
	Session  *SessionConfig
	OAuth    *OAuthConfig
	Mail     *MailConfig
	Auth     *AuthConfig
	Logging  *LoggingConfig
	Remain   map[string]interface{} `mapstructure:",remain"`
}

func setConfigDefaults(v *viper.Viper, configDir string) {
	defaults := map[string]interface{}{
		"server.scheme":    "http",
		"server.host":      "localhost",
		"server.port":      "3000",
		"server.publicURL": "",
		"server.certFile":  "",
		"server.keyFile":   "",

		"server.allowedOrigins": []string{},

		"database.type":     DatabaseTypeBadger,
		"database.dir":      filepath.Join(configDir, "data"),
		"database.inMemory": false,
		"database.host":     "localhost",
		"database.port":     "9080",

		"session.secret":         "",
		"session.cookieName":     "globalyzing_session",
		"session.lifetime":       "24h",
		"session.secure":         false,
		"session.store":          SessionStoreBadger,
		"session.redis.addr":     "localhost:6379",
		"session.redis.password": "",
		"session.redis.db":       0,

		"oauth.google.clientID":     "",
		"oauth.google.clientSecret": "",
		"oauth.google.callbackURL":  "",
		"oauth.google.issuer":       "https://accounts.google.com",

		"mail.host":     "smtp.gmail.com",
		"mail.port":     "465",
		"mail.username": "",
		"mail.password": "",
		"mail.from":     "",
		"mail.tls":      true,
		"mail.hello":    "",

		"auth.bcryptCost":     10,
		"auth.minPassword":    6,
		"auth.resetTokenLife": "1h",

		"logging.development": false,
		"logging.level":       "info",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the configuration. When path is empty the config file is
// searched for in /etc/globalyzing and $HOME/.globalyzing; a missing file
// means defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	configDir, err := getConfigurationDirectory()
	if err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("/etc/globalyzing/")
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setConfigDefaults(v, configDir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "unable to read config file")
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}

	return &cfg, nil
}

// Validate fails when a value required by the authentication flows is
// missing, so that misconfiguration surfaces at startup.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}

	require("session.secret", c.Session.Secret)
	require("oauth.google.clientID", c.OAuth.Google.ClientID)
	require("oauth.google.clientSecret", c.OAuth.Google.ClientSecret)
	require("oauth.google.callbackURL", c.OAuth.Google.CallbackURL)
	require("mail.host", c.Mail.Host)
	require("mail.username", c.Mail.Username)
	require("mail.password", c.Mail.Password)
	require("mail.from", c.Mail.From)
	if len(missing) > 0 {
		return errors.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	switch c.Server.Scheme {
	case "http", "https":
	default:
		return errors.Errorf("unknown server scheme %q", c.Server.Scheme)
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return errors.New("server.certFile and server.keyFile must be set together")
	}

	switch c.Database.Type {
	case DatabaseTypeBadger, DatabaseTypeDgraph:
	default:
		return errors.Errorf("unknown database type %q", c.Database.Type)
	}

	switch c.Session.Store {
	case SessionStoreBadger, SessionStoreMemory, SessionStoreRedis:
	default:
		return errors.Errorf("unknown session store %q", c.Session.Store)
	}
	if c.Session.Store == SessionStoreBadger && c.Database.Type != DatabaseTypeBadger {
		return errors.New("session store badger requires database type badger")
	}

	if c.Auth.ResetTokenLife <= 0 {
		return errors.New("auth.resetTokenLife must be positive")
	}
	return nil
}

func getConfigurationDirectory() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.Wrap(err, "could not retrieve home directory")
	}
	return filepath.Join(home, ".globalyzing"), nil
}
