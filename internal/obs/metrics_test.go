package obs

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/roles":                       "/v1/roles",
		"/v1/roles/01HX":                  "/v1/roles/:id",
		"/v1/roles/01HX/deactivate":       "/v1/roles/:id/deactivate",
		"/v1/roles/01HX/extra":            "/v1/roles/01HX/extra",
		"/v1/team-members/abc":            "/v1/team-members/:id",
		"/v1/team-members/abc/deactivate": "/v1/team-members/:id/deactivate",
		"/v1/audit?limit=10":              "/v1/audit",
		"/v1/auth/mfa/totp/verify":        "/v1/auth/mfa/totp/verify",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutput(&buf)
	defer restore()

	Logger().Info("hello", "principal_id", "p-1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	for _, key := range []string{"ts", "level", "msg", "principal_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("expected key %q in %v", key, entry)
		}
	}
}
