// Package session binds an authenticated user to a server-side session
// identified by a signed cookie.
package session

import (
	"context"
	"net/http"
	"time"

	gosession "github.com/go-session/session/v3"
	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// UserIDKey is the only value kept in a session.
const UserIDKey = "user_id"

// Options configures NewManager.
type Options struct {
	Store      gosession.ManagerStore
	CookieName string
	Secret     []byte
	Lifetime   time.Duration
	Secure     bool

	// Users is consulted on every request to load the session's user.
	Users  database.UserDB
	Logger *zap.SugaredLogger
}

// Manager establishes, reads and terminates user sessions.
type Manager struct {
	manager    *gosession.Manager
	store      gosession.ManagerStore
	cookieName string
	users      database.UserDB
	logger     *zap.SugaredLogger
}

// NewManager creates a session manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Users == nil {
		return nil, errors.New("session manager requires a store and a user database")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	seconds := int64(opts.Lifetime / time.Second)

	manager := gosession.NewManager(
		gosession.SetStore(opts.Store),
		gosession.SetCookieName(opts.CookieName),
		gosession.SetSign(opts.Secret),
		gosession.SetExpired(seconds),
		gosession.SetCookieLifeTime(int(seconds)),
		gosession.SetSecure(opts.Secure),
	)
	return &Manager{
		manager:    manager,
		store:      opts.Store,
		cookieName: opts.CookieName,
		users:      opts.Users,
		logger:     opts.Logger,
	}, nil
}

func (m *Manager) hasCookie(r *http.Request) bool {
	_, err := r.Cookie(m.cookieName)
	return err == nil
}

// Establish binds userID to the request's session. The session ID is always
// replaced, so an identifier issued before authentication is never reused.
func (m *Manager) Establish(w http.ResponseWriter, r *http.Request, userID string) error {
	ctx := r.Context()
	store, err := m.manager.Refresh(ctx, w, r)
	if err != nil {
		// Unreadable cookie: start over without it.
		m.logger.Debugw("Discarding session cookie", "error", err)
		clean := r.Clone(ctx)
		clean.Header.Del("Cookie")
		store, err = m.manager.Start(ctx, w, clean)
		if err != nil {
			return errors.Wrap(err, "start session")
		}
	}
	store.Set(UserIDKey, userID)
	return errors.Wrap(store.Save(), "save session")
}

// UserID returns the user bound to the request's session. Requests without
// a session cookie never create one.
func (m *Manager) UserID(w http.ResponseWriter, r *http.Request) (string, bool, error) {
	if !m.hasCookie(r) {
		return "", false, nil
	}
	store, err := m.manager.Start(r.Context(), w, r)
	if err != nil {
		return "", false, errors.Wrap(err, "load session")
	}
	v, ok := store.Get(UserIDKey)
	if !ok {
		return "", false, nil
	}
	id, ok := v.(string)
	return id, ok && id != "", nil
}

// Terminate destroys the session and expires its cookie.
func (m *Manager) Terminate(w http.ResponseWriter, r *http.Request) error {
	if !m.hasCookie(r) {
		return nil
	}
	return errors.Wrap(m.manager.Destroy(r.Context(), w, r), "destroy session")
}

// CurrentUser loads the full record of the session's user from the
// database. A session whose user no longer exists is unauthenticated.
func (m *Manager) CurrentUser(w http.ResponseWriter, r *http.Request) (*model.User, error) {
	id, ok, err := m.UserID(w, r)
	if err != nil || !ok {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	user, err := m.users.GetUserByID(ctx, id)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// Close releases the session store.
func (m *Manager) Close() error {
	return m.store.Close()
}
