package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/globalyzing/globalyzing/internal/auth"
	"github.com/globalyzing/globalyzing/internal/auth/provider"
	"github.com/globalyzing/globalyzing/internal/config"
	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/internal/email"
	"github.com/globalyzing/globalyzing/internal/logging"
	"github.com/globalyzing/globalyzing/internal/reset"
	"github.com/globalyzing/globalyzing/internal/session"
	"github.com/globalyzing/globalyzing/internal/ssl"
	"github.com/globalyzing/globalyzing/internal/user"
	globhttp "github.com/globalyzing/globalyzing/pkg/http"
	"github.com/globalyzing/globalyzing/pkg/util/passwordutil"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// openDatabase returns the configured credential store, and the underlying
// Badger handle when the store is embedded.
func openDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.SugaredLogger) (database.Database, *badger.DB, error) {
	switch cfg.Type {
	case config.DatabaseTypeDgraph:
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := database.NewDgraphDatabase(ctx, fmt.Sprintf("%s:%s", cfg.Host, cfg.Port))
		return db, nil, err
	default:
		db, err := database.NewBadgerDB(database.BadgerOptions{
			Dir:      cfg.Dir,
			InMemory: cfg.InMemory,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, db.DB, nil
	}
}

func newMailer(cfg *config.MailConfig) *email.SMTPSender {
	server := email.SmtpServer{
		HostPort: cfg.HostPort(),
		User:     cfg.Username,
		Password: cfg.Password,
		Hello:    cfg.Hello,
	}
	if cfg.TLS {
		server.Tls = &tls.Config{ServerName: cfg.Host}
	}
	return email.NewSMTPSender(server, cfg.From)
}

// stateCookies signs OAuth state cookies with a key derived from the
// session secret.
func stateCookies(secret string) *securecookie.SecureCookie {
	key := sha256.Sum256([]byte("oauth-state:" + secret))
	return securecookie.New(key[:], nil).MaxAge(int((10 * time.Minute) / time.Second))
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	if cfg.Auth.BcryptCost > 0 {
		passwordutil.Cost = cfg.Auth.BcryptCost
	}

	// Setup database
	db, badgerDB, err := openDatabase(ctx, cfg.Database, log)
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer func() {
		log.Info("Closing database connection...")
		if err := db.Close(); err != nil {
			log.Errorw("Error closing database", "error", err)
		}
	}()

	store, err := session.NewStore(cfg.Session, badgerDB)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(session.Options{
		Store:      store,
		CookieName: cfg.Session.CookieName,
		Secret:     []byte(cfg.Session.Secret),
		Lifetime:   cfg.Session.Lifetime,
		Secure:     cfg.Session.Secure,
		Users:      db,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	defer sessions.Close()

	google, err := provider.NewGoogle(ctx, &cfg.OAuth.Google)
	if err != nil {
		return err
	}

	resetService, err := reset.NewService(reset.Options{
		DB:       db,
		Mailer:   newMailer(cfg.Mail),
		Lifetime: cfg.Auth.ResetTokenLife,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	authService, err := auth.NewService(auth.Options{
		DB:          db,
		Reset:       resetService,
		MinPassword: cfg.Auth.MinPassword,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer authService.Close()

	// Setup routing
	r := mux.NewRouter()
	r.Use(globhttp.RequestLogger(log))
	err = auth.SetupRoutes(r, auth.RouterOptions{
		Service:   authService,
		Sessions:  sessions,
		Google:    google,
		Cookies:   stateCookies(cfg.Session.Secret),
		PublicURL: cfg.Server.URL(),
		Secure:    cfg.Session.Secure,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	user.SetupRoutes(r, sessions, db, cfg.Server.AllowedOrigins, log)

	addr := cfg.Server.Addr()
	srv := http.Server{
		Addr:    addr,
		Handler: r,

		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listen := srv.ListenAndServe
	if cfg.Server.Scheme == "https" {
		certFile, keyFile := cfg.Server.CertFile, cfg.Server.KeyFile
		if certFile == "" {
			log.Warnw("No certificate configured, using a self-signed certificate", "host", cfg.Server.Host)
			cert, _, err := ssl.SelfSigned([]string{cfg.Server.Host}, 0)
			if err != nil {
				return err
			}
			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		listen = func() error {
			return srv.ListenAndServeTLS(certFile, keyFile)
		}
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("Listening", "addr", addr, "url", cfg.Server.URL())
		if err := listen(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case <-c:
	case err := <-errc:
		return errors.Wrap(err, "listen")
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down server", "error", err)
	}
	return nil
}
