package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gatekeep.dev/internal/guard"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc.def", "abc.def", true},
		{"bearer   abc", "abc", true},
		{"", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bearer ", "", false},
	}
	for _, tc := range cases {
		token, err := extractBearerToken(tc.header)
		if tc.ok != (err == nil) || token != tc.token {
			t.Fatalf("%q: got token=%q err=%v", tc.header, token, err)
		}
	}
}

func TestPublicPaths(t *testing.T) {
	for _, p := range []string{"/healthz", "/readyz", "/metrics", "/v1/auth/login"} {
		if !isPublicPath(p) {
			t.Fatalf("%s should be public", p)
		}
	}
	for _, p := range []string{"/v1/auth/logout", "/v1/roles", "/healthz/extra"} {
		if isPublicPath(p) {
			t.Fatalf("%s should not be public", p)
		}
	}
}

func TestWriteDenialStatusCodes(t *testing.T) {
	cases := []struct {
		reason    guard.Reason
		code      int
		challenge bool
	}{
		{guard.ReasonAuthenticationRequired, http.StatusUnauthorized, false},
		{guard.ReasonReauthRequired, http.StatusUnauthorized, true},
		{guard.ReasonVerificationRequired, http.StatusForbidden, true},
		{guard.ReasonPermissionDenied, http.StatusForbidden, false},
		{guard.ReasonRiskTooHigh, http.StatusForbidden, false},
		{guard.ReasonAuditUnavailable, http.StatusServiceUnavailable, false},
		{guard.ReasonResolutionFailed, http.StatusInternalServerError, false},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/roles", nil)
		writeDenial(rr, req, guard.Decision{Reason: tc.reason, Missing: []string{"team:view"}, AuditID: "a1"})
		if rr.Code != tc.code {
			t.Fatalf("%s: expected %d, got %d", tc.reason, tc.code, rr.Code)
		}
		if got := rr.Header().Get("WWW-Authenticate") == stepUpChallenge; got != tc.challenge {
			t.Fatalf("%s: step-up challenge=%v", tc.reason, got)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["error"] != string(tc.reason) || body["audit_id"] != "a1" {
			t.Fatalf("%s: unexpected body %v", tc.reason, body)
		}
	}
}
