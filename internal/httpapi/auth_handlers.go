package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"saleslens.org/internal/audit"
	"saleslens.org/internal/auth"
	"saleslens.org/internal/obs"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userView struct {
	UserID   int64         `json:"user_id"`
	Username string        `json:"username"`
	FullName string        `json:"full_name,omitempty"`
	Regions  []auth.Region `json:"regions"`
	IsAdmin  bool          `json:"is_admin"`
}

type loginResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         userView  `json:"user"`
}

type profileResponse struct {
	userView
	ExpiresAt time.Time `json:"expires_at"`
}

func viewOf(s auth.Session) userView {
	regions := s.Regions
	if regions == nil {
		regions = []auth.Region{}
	}
	return userView{
		UserID:   s.UserID,
		Username: s.Username,
		FullName: s.FullName,
		Regions:  regions,
		IsAdmin:  s.IsAdmin,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)

	if ok, retry := a.logins.allow(clientIP(r) + "|" + strings.ToLower(username)); !ok {
		obs.ObserveLogin("throttled")
		w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retry)))
		writeError(w, r, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	sess, token, err := a.auth.Authenticate(r.Context(), username, req.Password)
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			outcome = "invalid"
		case errors.Is(err, auth.ErrAccountInactive):
			outcome = "inactive"
		}
		obs.ObserveLogin(outcome)
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"username": username,
			"outcome":  outcome,
		})
		if outcome == "error" {
			obs.Log(obs.LevelError, "login failed", map[string]any{"error": err.Error()})
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		writeError(w, r, http.StatusUnauthorized, msgAuthFailed)
		return
	}

	obs.ObserveLogin("ok")
	ctx := auth.ContextWithSession(r.Context(), sess)
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"regions":    sess.RegionIDs(),
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})

	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		SessionToken: token,
		ExpiresAt:    sess.ExpiresAt,
		User:         viewOf(sess),
	})
}

// handleLogout is idempotent: a missing or dead token still gets ok.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if token, ok := a.sessionToken(r); ok {
		ctx := r.Context()
		if sess, err := a.auth.Validate(ctx, token); err == nil {
			ctx = auth.ContextWithSession(ctx, sess)
		}
		if err := a.auth.Revoke(ctx, token); err != nil {
			obs.Log(obs.LevelError, "session revoke failed", map[string]any{"error": err.Error()})
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		_ = audit.LogEvent(ctx, "auth.logout", nil)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	sess, err := a.auth.Validate(r.Context(), tokenFromRequest(r.Context()))
	if err != nil {
		if errors.Is(err, auth.ErrSessionExpired) || errors.Is(err, auth.ErrSessionNotFound) {
			writeSessionError(w, r, err)
			return
		}
		obs.Log(obs.LevelError, "session validation failed", map[string]any{"error": err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		userView:  viewOf(sess),
		ExpiresAt: sess.ExpiresAt,
	})
}
