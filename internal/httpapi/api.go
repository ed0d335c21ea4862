// Package httpapi is the HTTP surface of the service. Handlers translate
// between the wire and the auth, magiclink and station services, and own all
// audit event emission.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sitespectral.org/internal/auth"
	"sitespectral.org/internal/config"
	"sitespectral.org/internal/csrf"
	"sitespectral.org/internal/magiclink"
	"sitespectral.org/internal/obs"
	"sitespectral.org/internal/ratelimit"
	"sitespectral.org/internal/session"
	"sitespectral.org/internal/station"
)

// ReadyProbe checks the service's backing dependencies.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the API layer dispatches into.
type Deps struct {
	Auth     *auth.Service
	Resolver *auth.Chain
	Magic    *magiclink.Service
	Stations station.Store
	Limiter  *ratelimit.Limiter
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth     *auth.Service
	resolver *auth.Chain
	magic    *magiclink.Service
	stations station.Store
	limiter  *ratelimit.Limiter
	guard    *csrf.Guard

	cookies    session.Config
	sessionTTL time.Duration

	allowedOrigins []string
	maxBodyBytes   int64
	rateBurst      int
	ratePerSecond  int
}

func New(cfg config.Config, rp ReadyProbe, version string, deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,

		auth:     deps.Auth,
		resolver: deps.Resolver,
		magic:    deps.Magic,
		stations: deps.Stations,
		limiter:  deps.Limiter,
		guard:    csrf.NewGuard(cfg.AllowedOrigins, cfg.ParentDomain),

		cookies: session.Config{
			ParentDomain: cfg.ParentDomain,
			SecureHosts:  cfg.SecureHosts,
		},
		sessionTTL: cfg.SessionTTL,

		allowedOrigins: cfg.AllowedOrigins,
		maxBodyBytes:   cfg.MaxBodyBytes,
		rateBurst:      cfg.RateBurst,
		ratePerSecond:  cfg.RatePerSecond,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// credential sessions
	a.mux.HandleFunc("/auth/login", a.handleLogin)
	a.mux.HandleFunc("/auth/verify", a.handleVerify)
	a.mux.HandleFunc("/auth/logout", a.handleLogout)

	// magic link lifecycle
	a.mux.HandleFunc("/auth/magic", a.handleMagicEntry)
	a.mux.HandleFunc("/magic-links/create", a.handleMagicLinkCreate)
	a.mux.HandleFunc("/magic-links/validate", a.handleMagicLinkValidate)
	a.mux.HandleFunc("/magic-links/revoke", a.handleMagicLinkRevoke)
	a.mux.HandleFunc("/magic-links/list", a.handleMagicLinkList)

	// station read model
	a.mux.HandleFunc("/stations", a.handleStations)
	a.mux.HandleFunc("/stations/", a.handleStationResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux. Identity resolution
// runs innermost so every handler sees the final request context.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withIdentity(h)
	h = a.withCSRF(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "spectral-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "spectral-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

// requireIdentity fetches the resolved identity or answers 401.
func (a *API) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	}
	return id, ok
}

// handleAuthError maps service errors to HTTP statuses. Unauthenticated
// results stay deliberately uninformative.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *ratelimit.BlockedError
	switch {
	case errors.As(err, &blocked):
		writeRateLimited(w, r, blocked)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, blocked *ratelimit.BlockedError) {
	obs.ObserveRateLimitBlock(string(blocked.Action))
	secs := int(math.Ceil(blocked.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	payload := map[string]any{
		"error":       "too many attempts",
		"retry_after": secs,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusTooManyRequests, payload)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
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
