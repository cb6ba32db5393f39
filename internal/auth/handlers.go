package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/globalyzing/globalyzing/internal/auth/provider"
	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/internal/session"
	globhttp "github.com/globalyzing/globalyzing/pkg/http"
	"github.com/gorilla/mux"
	"github.com/gorilla/securecookie"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// RegisterEndpoint is the endpoint for registering new users.
	RegisterEndpoint = "/register"

	// LoginEndpoint is the endpoint for authenticating with a password.
	LoginEndpoint = "/login"

	// LogoutEndpoint ends the session.
	LogoutEndpoint = "/logout"

	// GoogleEndpoint redirects to Google's consent page.
	GoogleEndpoint = "/auth/google"

	// GoogleCallbackEndpoint receives Google's authorization response.
	GoogleCallbackEndpoint = "/auth/google/callback"

	// ForgotEndpoint requests a password reset mail.
	ForgotEndpoint = "/forgot"

	// ResetEndpoint checks and redeems reset tokens.
	ResetEndpoint = "/reset/{token}"

	paramUsername = "username"
	paramEmail    = "email"
	paramPassword = "password"
	paramConfirm  = "confirm"
	paramState    = "state"
	paramToken    = "token"
)

// Outcome codes appended to redirects as ?error= or ?message=.
const (
	codeDuplicateAccount   = "duplicate_account"
	codeInvalidRequest     = "invalid_request"
	codeInvalidCredentials = "invalid_credentials"
	codeOAuthFailed        = "oauth_failed"
	codeNoAccount          = "no_account"
	codeMailFailed         = "mail_failed"
	codeInvalidToken       = "invalid_token"
	codeServerError        = "server_error"
	codeEmailSent          = "email_sent"
)

// StateCookieName holds the OAuth state between redirect and callback.
const StateCookieName = "globalyzing_oauth_state"

const stateLifetime = 10 * time.Minute

// RouterOptions holds the collaborators of the HTTP surface.
type RouterOptions struct {
	Service  *Service
	Sessions *session.Manager
	Google   provider.Provider

	// Cookies signs the OAuth state cookie.
	Cookies *securecookie.SecureCookie

	// PublicURL is the origin of emailed reset links. Required; request
	// headers are never used to build links.
	PublicURL string

	// Secure marks cookies as HTTPS-only.
	Secure bool
	Logger *zap.SugaredLogger
}

type handler struct {
	RouterOptions
}

// SetupRoutes configures routing for the given mux.
func SetupRoutes(r *mux.Router, opts RouterOptions) error {
	if opts.Service == nil || opts.Sessions == nil || opts.Google == nil || opts.Cookies == nil {
		return errors.New("auth routes require a service, sessions, a provider and a state cookie codec")
	}
	publicURL, err := url.Parse(opts.PublicURL)
	if err != nil || (publicURL.Scheme != "http" && publicURL.Scheme != "https") || publicURL.Host == "" {
		return errors.Errorf("invalid public URL %q", opts.PublicURL)
	}
	opts.PublicURL = strings.TrimSuffix(opts.PublicURL, "/")
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	h := handler{opts}

	r.Handle(RegisterEndpoint, registerHandler{h}).Methods(http.MethodPost)
	r.Handle(LoginEndpoint, loginEndpointHandler{h}).Methods(http.MethodPost)
	r.Handle(LogoutEndpoint, logoutHandler{h}).Methods(http.MethodGet, http.MethodPost)
	r.Handle(GoogleEndpoint, oauthInitiateHandler{h}).Methods(http.MethodGet)
	r.Handle(GoogleCallbackEndpoint, oauthCallbackHandler{h}).Methods(http.MethodGet)

	r.Handle(ForgotEndpoint, globhttp.SuppressReferrer(forgotHandler{h})).Methods(http.MethodPost)
	r.Handle(ResetEndpoint, globhttp.SuppressReferrer(resetFormHandler{h})).Methods(http.MethodGet)
	r.Handle(ResetEndpoint, globhttp.SuppressReferrer(resetHandler{h})).Methods(http.MethodPost)
	return nil
}

// redirectWith redirects to path with a single outcome parameter.
func redirectWith(w http.ResponseWriter, r *http.Request, path, key, code string) {
	query := url.Values{}
	query.Set(key, code)
	http.Redirect(w, r, path+"?"+query.Encode(), http.StatusFound)
}

func redirectError(w http.ResponseWriter, r *http.Request, path, code string) {
	redirectWith(w, r, path, "error", code)
}

func (h handler) establish(w http.ResponseWriter, r *http.Request, userID string) bool {
	if err := h.Sessions.Establish(w, r, userID); err != nil {
		h.Logger.Errorw("Error establishing session", "user", userID, "error", err)
		return false
	}
	return true
}

type registerHandler struct {
	handler
}

func (h registerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Parse form body for username and password
	if err := r.ParseForm(); err != nil {
		redirectError(w, r, RegisterEndpoint, codeInvalidRequest)
		return
	}
	username := r.FormValue(paramUsername)
	password := r.FormValue(paramPassword)
	if confirm := r.FormValue(paramConfirm); confirm != "" && confirm != password {
		redirectError(w, r, RegisterEndpoint, codeInvalidRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	user, err := h.Service.Register(ctx, username, password)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateAccount):
			redirectError(w, r, RegisterEndpoint, codeDuplicateAccount)
		case errors.Is(err, ErrInvalidRequest):
			redirectError(w, r, RegisterEndpoint, codeInvalidRequest)
		default:
			redirectError(w, r, RegisterEndpoint, codeServerError)
		}
		return
	}

	if !h.establish(w, r, user.ID) {
		redirectError(w, r, LoginEndpoint, codeServerError)
		return
	}
	http.Redirect(w, r, ProfilePath, http.StatusFound)
}

type loginEndpointHandler struct {
	handler
}

func (h loginEndpointHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redirectError(w, r, LoginEndpoint, codeInvalidCredentials)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	user, err := h.Service.Login(ctx, r.FormValue(paramUsername), r.FormValue(paramPassword))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			redirectError(w, r, LoginEndpoint, codeInvalidCredentials)
		} else {
			redirectError(w, r, LoginEndpoint, codeServerError)
		}
		return
	}

	if !h.establish(w, r, user.ID) {
		redirectError(w, r, LoginEndpoint, codeServerError)
		return
	}
	http.Redirect(w, r, h.Service.LandingPath(ctx, user), http.StatusFound)
}

type logoutHandler struct {
	handler
}

func (h logoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Terminate(w, r); err != nil {
		h.Logger.Warnw("Error terminating session", "error", err)
	}
	http.Redirect(w, r, HomePath, http.StatusFound)
}

func newState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type oauthInitiateHandler struct {
	handler
}

func (h oauthInitiateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state, err := newState()
	if err != nil {
		h.Logger.Errorw("Error generating OAuth state", "error", err)
		http.Error(w, "An unknown error occurred", http.StatusInternalServerError)
		return
	}
	encoded, err := h.Cookies.Encode(StateCookieName, state)
	if err != nil {
		h.Logger.Errorw("Error encoding OAuth state", "error", err)
		http.Error(w, "An unknown error occurred", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    encoded,
		Path:     GoogleEndpoint,
		MaxAge:   int(stateLifetime / time.Second),
		HttpOnly: true,
		Secure:   h.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.Google.AuthCodeURL(state), http.StatusFound)
}

type oauthCallbackHandler struct {
	handler
}

// verifyState compares the callback's state with the one in the cookie.
func (h oauthCallbackHandler) verifyState(r *http.Request) error {
	cookie, err := r.Cookie(StateCookieName)
	if err != nil {
		return errors.New("missing state cookie")
	}
	var want string
	if err := h.Cookies.Decode(StateCookieName, cookie.Value, &want); err != nil {
		return errors.Wrap(err, "decode state cookie")
	}
	got := r.URL.Query().Get(paramState)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return errors.New("state mismatch")
	}
	return nil
}

func (h oauthCallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The state is single use.
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Path:     GoogleEndpoint,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Secure,
	})

	if err := h.verifyState(r); err != nil {
		h.Logger.Warnw("Rejected OAuth callback", "error", err)
		redirectError(w, r, LoginEndpoint, codeOAuthFailed)
		return
	}

	profile, err := h.Google.Exchange(r.Context(), r.URL.Query())
	if err != nil {
		h.Logger.Warnw("OAuth exchange failed", "provider", h.Google.Name(), "error", err)
		redirectError(w, r, LoginEndpoint, codeOAuthFailed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	user, err := h.Service.HandleOAuthCallback(ctx, profile)
	if err != nil {
		h.Logger.Warnw("OAuth sign-in failed", "provider", h.Google.Name(), "error", err)
		redirectError(w, r, LoginEndpoint, codeOAuthFailed)
		return
	}

	if !h.establish(w, r, user.ID) {
		redirectError(w, r, LoginEndpoint, codeServerError)
		return
	}
	http.Redirect(w, r, h.Service.LandingPath(ctx, user), http.StatusFound)
}

type forgotHandler struct {
	handler
}

func (h forgotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		redirectError(w, r, ForgotEndpoint, codeNoAccount)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), MailTimeout)
	defer cancel()

	err := h.Service.RequestReset(ctx, r.FormValue(paramEmail), h.PublicURL)
	switch {
	case err == nil:
		redirectWith(w, r, ForgotEndpoint, "message", codeEmailSent)
	case errors.Is(err, ErrNotFound):
		redirectError(w, r, ForgotEndpoint, codeNoAccount)
	case errors.Is(err, ErrTransport):
		redirectError(w, r, ForgotEndpoint, codeMailFailed)
	default:
		redirectError(w, r, ForgotEndpoint, codeServerError)
	}
}

type resetFormHandler struct {
	handler
}

func (h resetFormHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)[paramToken]

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	if _, err := h.Service.ValidateResetToken(ctx, token); err != nil {
		redirectError(w, r, ForgotEndpoint, codeInvalidToken)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]bool{"valid": true}); err != nil {
		h.Logger.Warnw("Error writing response", "error", err)
	}
}

type resetHandler struct {
	handler
}

func (h resetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)[paramToken]
	back := "/reset/" + url.PathEscape(token)

	if err := r.ParseForm(); err != nil {
		redirectError(w, r, back, codeInvalidRequest)
		return
	}
	password := r.FormValue(paramPassword)
	if confirm := r.FormValue(paramConfirm); confirm != "" && confirm != password {
		redirectError(w, r, back, codeInvalidRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	user, err := h.Service.CompleteReset(ctx, token, password)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOrExpiredToken):
			redirectError(w, r, back, codeInvalidToken)
		case errors.Is(err, ErrInvalidRequest):
			redirectError(w, r, back, codeInvalidRequest)
		default:
			redirectError(w, r, back, codeServerError)
		}
		return
	}

	if !h.establish(w, r, user.ID) {
		redirectError(w, r, LoginEndpoint, codeServerError)
		return
	}
	http.Redirect(w, r, HomePath, http.StatusFound)
}
