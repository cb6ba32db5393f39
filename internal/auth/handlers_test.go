package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gosession "github.com/go-session/session/v3"
	"github.com/globalyzing/globalyzing/internal/mock"
	"github.com/globalyzing/globalyzing/internal/session"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*fixture
	router   *mux.Router
	provider *mock.Provider
	sessions *session.Manager
}

func setupServer(t *testing.T) *testServer {
	f := setup(t)
	sessions, err := session.NewManager(session.Options{
		Store:      gosession.NewMemoryStore(),
		CookieName: "test_session",
		Secret:     []byte("secret"),
		Lifetime:   time.Hour,
		Users:      f.db,
	})
	require.NoError(t, err)

	ts := &testServer{
		fixture:  f,
		router:   mux.NewRouter(),
		provider: &mock.Provider{},
		sessions: sessions,
	}
	require.NoError(t, SetupRoutes(ts.router, RouterOptions{
		Service:   f.service,
		Sessions:  sessions,
		Google:    ts.provider,
		Cookies:   securecookie.New(securecookie.GenerateRandomKey(32), nil),
		PublicURL: publicURL + "/",
	}))
	return ts
}

const publicURL = "https://globalyzing.test"

func TestSetupRoutes_PublicURL(t *testing.T) {
	f := setup(t)
	sessions, err := session.NewManager(session.Options{
		Store:      gosession.NewMemoryStore(),
		CookieName: "test_session",
		Secret:     []byte("secret"),
		Users:      f.db,
	})
	require.NoError(t, err)

	for _, u := range []string{"", "globalyzing.test", "ftp://globalyzing.test", "https://"} {
		err := SetupRoutes(mux.NewRouter(), RouterOptions{
			Service:   f.service,
			Sessions:  sessions,
			Google:    &mock.Provider{},
			Cookies:   securecookie.New(securecookie.GenerateRandomKey(32), nil),
			PublicURL: u,
		})
		assert.Error(t, err, u)
	}
}

// browser carries cookies between requests to the router.
type browser struct {
	t       *testing.T
	ts      *testServer
	cookies map[string]*http.Cookie
}

func (ts *testServer) browser(t *testing.T) *browser {
	return &browser{t: t, ts: ts, cookies: make(map[string]*http.Cookie)}
}

func (b *browser) do(r *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		r.AddCookie(c)
	}
	w := httptest.NewRecorder()
	b.ts.router.ServeHTTP(w, r)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
		} else {
			b.cookies[c.Name] = c
		}
	}
	return w
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) post(target string, form url.Values) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(r)
}

// userID returns the user bound to the browser's session.
func (b *browser) userID() (string, bool) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range b.cookies {
		r.AddCookie(c)
	}
	id, ok, err := b.ts.sessions.UserID(httptest.NewRecorder(), r)
	require.NoError(b.t, err)
	return id, ok
}

func credentials(username, password string) url.Values {
	return url.Values{"username": {username}, "password": {password}}
}

func TestRegisterHandler(t *testing.T) {
	ts := setupServer(t)
	b := ts.browser(t)

	w := b.post(RegisterEndpoint, credentials("a@x.com", "pw1pw1"))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, ProfilePath, w.Header().Get("Location"))

	id, ok := b.userID()
	require.True(t, ok)
	user, err := ts.db.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	t.Run("duplicate", func(t *testing.T) {
		w := ts.browser(t).post(RegisterEndpoint, credentials("a@x.com", "pw1pw1"))
		assert.Equal(t, "/register?error=duplicate_account", w.Header().Get("Location"))
	})

	t.Run("confirm mismatch", func(t *testing.T) {
		form := credentials("b@x.com", "pw1pw1")
		form.Set("confirm", "pw2pw2")
		w := ts.browser(t).post(RegisterEndpoint, form)
		assert.Equal(t, "/register?error=invalid_request", w.Header().Get("Location"))
	})
}

func TestLoginHandler(t *testing.T) {
	ts := setupServer(t)
	user, err := ts.service.Register(context.Background(), "a@x.com", "pw1pw1")
	require.NoError(t, err)

	t.Run("wrong password", func(t *testing.T) {
		b := ts.browser(t)
		w := b.post(LoginEndpoint, credentials("a@x.com", "nope"))
		assert.Equal(t, "/login?error=invalid_credentials", w.Header().Get("Location"))
		_, ok := b.userID()
		assert.False(t, ok)
	})

	t.Run("incomplete profile", func(t *testing.T) {
		b := ts.browser(t)
		w := b.post(LoginEndpoint, credentials("a@x.com", "pw1pw1"))
		assert.Equal(t, ProfilePath, w.Header().Get("Location"))
		id, ok := b.userID()
		assert.True(t, ok)
		assert.Equal(t, user.ID, id)
	})

	t.Run("complete profile", func(t *testing.T) {
		require.NoError(t, ts.db.SaveProfile(context.Background(), &model.Profile{UserID: user.ID, HasCV: true}))
		w := ts.browser(t).post(LoginEndpoint, credentials("a@x.com", "pw1pw1"))
		assert.Equal(t, HomePath, w.Header().Get("Location"))
	})

	t.Run("logout", func(t *testing.T) {
		b := ts.browser(t)
		b.post(LoginEndpoint, credentials("a@x.com", "pw1pw1"))
		_, ok := b.userID()
		require.True(t, ok)

		w := b.get(LogoutEndpoint)
		assert.Equal(t, HomePath, w.Header().Get("Location"))
		_, ok = b.userID()
		assert.False(t, ok)
	})
}

func TestOAuthHandlers(t *testing.T) {
	ts := setupServer(t)
	ts.provider.Profile = mock.GoogleProfile("108", "ada@x.com")

	begin := func(b *browser) string {
		w := b.get(GoogleEndpoint)
		require.Equal(t, http.StatusFound, w.Code)
		loc, err := url.Parse(w.Header().Get("Location"))
		require.NoError(t, err)
		state := loc.Query().Get("state")
		require.NotEmpty(t, state)
		require.Contains(t, b.cookies, StateCookieName)
		return state
	}

	t.Run("success", func(t *testing.T) {
		b := ts.browser(t)
		state := begin(b)

		w := b.get(GoogleCallbackEndpoint + "?code=good-code&state=" + url.QueryEscape(state))
		assert.Equal(t, ProfilePath, w.Header().Get("Location"))

		id, ok := b.userID()
		require.True(t, ok)
		user, err := ts.db.GetUserByOAuthID(context.Background(), model.ProviderGoogle, "108")
		require.NoError(t, err)
		assert.Equal(t, user.ID, id)
	})

	t.Run("state mismatch", func(t *testing.T) {
		b := ts.browser(t)
		begin(b)
		w := b.get(GoogleCallbackEndpoint + "?code=good-code&state=forged")
		assert.Equal(t, "/login?error=oauth_failed", w.Header().Get("Location"))
		_, ok := b.userID()
		assert.False(t, ok)
	})

	t.Run("missing state cookie", func(t *testing.T) {
		w := ts.browser(t).get(GoogleCallbackEndpoint + "?code=good-code&state=abc")
		assert.Equal(t, "/login?error=oauth_failed", w.Header().Get("Location"))
	})

	t.Run("provider error", func(t *testing.T) {
		b := ts.browser(t)
		state := begin(b)
		w := b.get(GoogleCallbackEndpoint + "?error=access_denied&state=" + url.QueryEscape(state))
		assert.Equal(t, "/login?error=oauth_failed", w.Header().Get("Location"))
	})
}

func TestResetHandlers(t *testing.T) {
	ts := setupServer(t)
	_, err := ts.service.Register(context.Background(), "a@x.com", "pw1pw1")
	require.NoError(t, err)

	b := ts.browser(t)
	r := httptest.NewRequest(http.MethodPost, ForgotEndpoint, strings.NewReader("email=a%40x.com"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Host = "evil.example"
	r.Header.Set("X-Forwarded-Proto", "http")
	w := b.do(r)
	assert.Equal(t, "/forgot?message=email_sent", w.Header().Get("Location"))
	assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))

	mail, ok := ts.mailer.Last()
	require.True(t, ok)
	assert.Contains(t, mail.Body, publicURL+"/reset/")
	assert.NotContains(t, mail.Body, "evil.example")
	token := tokenFromMail(t, mail.Body)

	t.Run("view form", func(t *testing.T) {
		w := b.get("/reset/" + token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"valid":true}`, w.Body.String())
		assert.Equal(t, "no-referrer", w.Header().Get("Referrer-Policy"))
	})

	t.Run("view unknown", func(t *testing.T) {
		w := b.get("/reset/unknown")
		assert.Equal(t, "/forgot?error=invalid_token", w.Header().Get("Location"))
	})

	t.Run("complete", func(t *testing.T) {
		w := b.post("/reset/"+token, url.Values{"password": {"pw2pw2"}, "confirm": {"pw2pw2"}})
		assert.Equal(t, HomePath, w.Header().Get("Location"))
		_, ok := b.userID()
		assert.True(t, ok)

		ts.service.Close()
		confirm, ok := ts.mailer.Last()
		require.True(t, ok)
		assert.Contains(t, confirm.Body, "a@x.com has just been changed")
	})

	t.Run("reuse", func(t *testing.T) {
		w := ts.browser(t).post("/reset/"+token, url.Values{"password": {"pw3pw3"}})
		assert.Equal(t, "/reset/"+token+"?error=invalid_token", w.Header().Get("Location"))

		_, err := ts.service.Login(context.Background(), "a@x.com", "pw2pw2")
		assert.NoError(t, err)
	})

	t.Run("no account", func(t *testing.T) {
		w := ts.browser(t).post(ForgotEndpoint, url.Values{"email": {"nobody@x.com"}})
		assert.Equal(t, "/forgot?error=no_account", w.Header().Get("Location"))
	})

	t.Run("mail failure", func(t *testing.T) {
		ts.mailer.Err = errors.New("relay down")
		w := ts.browser(t).post(ForgotEndpoint, url.Values{"email": {"a@x.com"}})
		assert.Equal(t, "/forgot?error=mail_failed", w.Header().Get("Location"))
	})
}
