package user

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/globalyzing/globalyzing/internal/database"
	"github.com/globalyzing/globalyzing/internal/session"
	"github.com/globalyzing/globalyzing/pkg/model"
	"github.com/globalyzing/globalyzing/pkg/util/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// UserInfoEndpoint returns the signed-in user.
const UserInfoEndpoint = "/user"

// UserInfo is the body of UserInfoEndpoint.
type UserInfo struct {
	*model.UserData
	Profile *model.Profile `json:"profile,omitempty"`
}

// SetupRoutes initializes user routes. Browsers on allowedOrigins may read
// UserInfoEndpoint with credentials.
func SetupRoutes(r *mux.Router, sessions *session.Manager, profiles database.ProfileDB, allowedOrigins []string, logger *zap.SugaredLogger) {
	h := userInfoHandler{profiles: profiles, logger: logger}
	r.Handle(UserInfoEndpoint, cors.Middleware(allowedOrigins)(sessions.RequireUser(h))).
		Methods(http.MethodGet, http.MethodOptions)
}

type userInfoHandler struct {
	profiles database.ProfileDB
	logger   *zap.SugaredLogger
}

func (h userInfoHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Retrieve user from context
	user, ok := session.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unknown user.", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), database.DefaultTimeout)
	defer cancel()

	info := UserInfo{UserData: user.ToUserData()}
	profile, err := h.profiles.GetProfile(ctx, user.ID)
	switch {
	case err == nil:
		info.Profile = profile
	case !database.IsNotFound(err):
		h.logger.Errorw("Error loading profile", "user", user.ID, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(&info); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
