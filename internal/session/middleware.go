package session

import (
	"context"
	"net/http"

	"github.com/globalyzing/globalyzing/pkg/model"
)

type userKey string

var userContextKey userKey = "user"

// WithUser attaches user to ctx.
func WithUser(ctx context.Context, user *model.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the user attached by Authenticated.
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// Authenticated attaches the session's user, if any, to the request context.
func (m *Manager) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := m.CurrentUser(w, r)
		if err != nil {
			m.logger.Warnw("Error loading session user", "error", err)
		}
		if user != nil {
			r = r.WithContext(WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects requests without an authenticated session.
func (m *Manager) RequireUser(next http.Handler) http.Handler {
	return m.Authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	}))
}
