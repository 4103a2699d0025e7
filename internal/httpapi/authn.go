package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"saleslens.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	msgAuthFailed     = "authentication failed"
	codeSessionExpiry = "SESSION_EXPIRED"
)

// requireToken rejects requests that carry no session token and stores the
// token in the context. Validation is left to the handler's service call.
func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := a.sessionToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, msgAuthFailed)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithToken(r.Context(), token)))
	})
}

// sessionToken reads the bearer header first, then the session cookie.
func (a *API) sessionToken(r *http.Request) (string, bool) {
	if token, err := extractBearerToken(r.Header.Get(authHeader)); err == nil {
		return token, true
	}
	if c, err := r.Cookie(a.cookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v, true
		}
	}
	return "", false
}

func tokenFromRequest(ctx context.Context) string {
	token, _ := auth.TokenFromContext(ctx)
	return token
}

// writeSessionError answers every credential or session failure alike;
// only expiry gets a distinguishing code.
func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrSessionExpired) {
		writeErrorCode(w, r, http.StatusUnauthorized, codeSessionExpiry, msgAuthFailed)
		return
	}
	writeError(w, r, http.StatusUnauthorized, msgAuthFailed)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
