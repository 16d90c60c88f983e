// Package httpapi exposes the authorization engine and the team administration
// screens over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/session"
)

const serviceName = "gatekeep"

// Pinger is satisfied by the PostgreSQL store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness of the backing database. A nil DB is always ready.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

type Option func(*API)

// WithRateLimit sets the per-client token bucket. Zero perSecond disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithTrustedProxies names the peers allowed to set X-Forwarded-For.
func WithTrustedProxies(nets []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = nets }
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	engine     *engine.Engine
	readyProbe ReadyProbe
	version    string
	rateBurst  int
	ratePerSec float64

	trustedProxies []netip.Prefix
}

func New(eng *engine.Engine, rp ReadyProbe, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		engine:     eng,
		readyProbe: rp,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())

	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("POST /v1/auth/mfa/totp/enroll", a.handleTOTPEnroll)
	a.mux.HandleFunc("POST /v1/auth/mfa/totp/confirm", a.handleTOTPConfirm)
	a.mux.HandleFunc("POST /v1/auth/mfa/totp/verify", a.handleTOTPVerify)
	a.mux.HandleFunc("POST /v1/auth/mfa/sms/challenge", a.handleSMSChallenge)
	a.mux.HandleFunc("POST /v1/auth/mfa/sms/verify", a.handleSMSVerify)
	a.mux.HandleFunc("GET /v1/permissions/me", a.handlePermissionsMe)
	a.mux.HandleFunc("POST /v1/authorize", a.handleAuthorize)

	a.mux.HandleFunc("GET /v1/roles", a.handleListRoles)
	a.mux.HandleFunc("POST /v1/roles", a.handleCreateRole)
	a.mux.HandleFunc("GET /v1/roles/{id}", a.handleGetRole)
	a.mux.HandleFunc("PUT /v1/roles/{id}", a.handleUpdateRole)
	a.mux.HandleFunc("POST /v1/roles/{id}/deactivate", a.handleDeactivateRole)
	a.mux.HandleFunc("POST /v1/team-members", a.handleCreateTeamMember)
	a.mux.HandleFunc("GET /v1/team-members/{id}", a.handleGetTeamMember)
	a.mux.HandleFunc("PUT /v1/team-members/{id}", a.handleUpdateTeamMember)
	a.mux.HandleFunc("POST /v1/team-members/{id}/deactivate", a.handleDeactivateTeamMember)
	a.mux.HandleFunc("GET /v1/audit", a.handleListAudit)

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	return RequestID(RealIP(LoggingJSON(h), a.trustedProxies))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads one JSON object. An empty body leaves dst untouched when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

// handleError maps engine errors to status codes.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrSessionRevoked):
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeep"`)
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrRoleGraphInvalid):
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidCode):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict),
		errors.Is(err, session.ErrTooManySessions),
		errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotEnrolled),
		errors.Is(err, session.ErrAlreadyEnrolled):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrTooManyAttempts):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, audit.ErrAuditWriteFailed):
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
	case errors.Is(err, session.ErrSMSUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		obs.Logger().Error("request failed",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err.Error(),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
