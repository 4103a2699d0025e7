package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"saleslens.org/internal/auth"
	"saleslens.org/internal/obs"
	"saleslens.org/internal/query"
)

const serviceName = "saleslens-api"

// Dependency names used by /health and the gRPC health service.
const (
	DepDataEngine = "data_engine"
	DepNLService  = "nl_service"
)

// Prober reports per-dependency reachability; a nil error means reachable.
type Prober interface {
	Check(ctx context.Context) map[string]error
}

// Probe pings the data engine and the NL service. Unset dependencies are skipped.
type Probe struct {
	DB      *sql.DB
	Analyst interface{ Health(context.Context) error }
	Timeout time.Duration
}

func (p Probe) Check(ctx context.Context) map[string]error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make(map[string]error, 2)
	if p.DB != nil {
		out[DepDataEngine] = p.DB.PingContext(ctx)
	}
	if p.Analyst != nil {
		out[DepNLService] = p.Analyst.Health(ctx)
	}
	return out
}

// Authenticator is the session surface the HTTP layer needs.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (auth.Session, string, error)
	Validate(ctx context.Context, token string) (auth.Session, error)
	Revoke(ctx context.Context, token string) error
}

// Questions answers natural-language questions for a session token.
type Questions interface {
	Run(ctx context.Context, token, question string) (query.Response, error)
	Explain(ctx context.Context, token, question string) (query.Plan, error)
	Feedback(ctx context.Context, token, requestID string, positive bool, message string) error
}

type Options struct {
	Version        string
	CookieName     string
	CookieSecure   bool
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	// LoginPerMinute bounds login attempts per client and username.
	LoginPerMinute int
	LoginBurst     int
}

// API is the HTTP layer.
type API struct {
	mux       *http.ServeMux
	auth      Authenticator
	questions Questions
	probe     Prober
	version   string

	cookieName   string
	cookieSecure bool
	origins      []string
	ratePerSec   float64
	rateBurst    int
	logins       *limiterSet
}

func New(authn Authenticator, questions Questions, probe Prober, opts Options) *API {
	a := &API{
		mux:          http.NewServeMux(),
		auth:         authn,
		questions:    questions,
		probe:        probe,
		version:      opts.Version,
		cookieName:   opts.CookieName,
		cookieSecure: opts.CookieSecure,
		origins:      opts.AllowedOrigins,
		ratePerSec:   opts.RateLimitRPS,
		rateBurst:    opts.RateLimitBurst,
	}
	if a.cookieName == "" {
		a.cookieName = "saleslens_session"
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 10
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 20
	}
	perMinute, burst := opts.LoginPerMinute, opts.LoginBurst
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 5
	}
	a.logins = newLimiterSet(rate.Every(time.Minute/time.Duration(perMinute)), burst)

	// health/ready/info
	a.mux.HandleFunc("/health", a.Health)
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	a.mux.HandleFunc("/api/auth/login", a.handleLogin)
	a.mux.HandleFunc("/api/auth/logout", a.handleLogout)
	a.mux.Handle("/api/auth/profile", a.requireToken(http.HandlerFunc(a.handleProfile)))

	a.mux.Handle("/api/query/ask", a.requireToken(http.HandlerFunc(a.handleAsk)))
	a.mux.Handle("/api/query/explain", a.requireToken(http.HandlerFunc(a.handleExplain)))
	a.mux.Handle("/api/query/feedback", a.requireToken(http.HandlerFunc(a.handleFeedback)))

	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h, a.origins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

// Health reports dependency reachability without failing the request.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	reachable := map[string]bool{}
	status := "ok"
	if a.probe != nil {
		for name, err := range a.probe.Check(r.Context()) {
			reachable[name] = err == nil
			if err != nil {
				status = "degraded"
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"reachable": reachable,
		"version":   a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.probe != nil {
		for name, err := range a.probe.Check(r.Context()) {
			if err == nil {
				continue
			}
			obs.SetReady(false)
			obs.Log(obs.LevelWarn, "dependency not ready", map[string]any{"dependency": name, "error": err.Error()})
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":     "not_ready",
				"dependency": name,
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if code != "" {
		payload["code"] = code
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
