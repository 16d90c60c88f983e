package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/guard"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	stepUpChallenge = `Bearer realm="gatekeep", error="insufficient_user_authentication"`
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the bearer token to a live session and attaches its identity.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeep"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		sess, err := a.engine.Authenticate(r.Context(), token)
		if err != nil {
			handleError(w, r, err)
			return
		}
		ctx := auth.ContextWithIdentity(r.Context(), auth.Identity{PrincipalID: sess.PrincipalID, SessionID: sess.ID})
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require asks the guard whether the caller holds perms and writes the denial
// when not. It reports whether the handler may continue.
func (a *API) require(w http.ResponseWriter, r *http.Request, opts guard.Options, perms ...string) bool {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeep"`)
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	d, err := a.engine.Authorize(r.Context(), guard.Request{
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		Required:    perms,
		Options:     opts,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if d.Allowed {
		return true
	}
	if err != nil && d.Reason == "" {
		handleError(w, r, err)
		return false
	}
	writeDenial(w, r, d)
	return false
}

func writeDenial(w http.ResponseWriter, r *http.Request, d guard.Decision) {
	code := http.StatusForbidden
	switch d.Reason {
	case guard.ReasonAuthenticationRequired:
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatekeep"`)
	case guard.ReasonReauthRequired:
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", stepUpChallenge)
	case guard.ReasonVerificationRequired:
		w.Header().Set("WWW-Authenticate", stepUpChallenge)
	case guard.ReasonAuditUnavailable:
		code = http.StatusServiceUnavailable
	case guard.ReasonResolutionFailed:
		code = http.StatusInternalServerError
	}
	payload := map[string]any{
		"error":    string(d.Reason),
		"audit_id": d.AuditID,
	}
	if len(d.Missing) > 0 {
		payload["missing"] = d.Missing
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func actorFrom(r *http.Request) engine.Actor {
	id, _ := auth.IdentityFromContext(r.Context())
	return engine.Actor{
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
	}
}

func sessionIDFrom(r *http.Request) string {
	id, _ := auth.IdentityFromContext(r.Context())
	return id.SessionID
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

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
