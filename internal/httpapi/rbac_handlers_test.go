package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/session"
)

// verifiedRoot logs the super admin in and completes TOTP enrollment.
func (c *apiClient) verifiedRoot() string {
	c.t.Helper()
	res, err := c.engine.LoginPrincipal(context.Background(), "root", engine.Client{IPAddress: "127.0.0.1"})
	if err != nil {
		c.t.Fatalf("LoginPrincipal: %v", err)
	}
	setup, err := c.engine.EnrollTOTP(context.Background(), res.Session.ID, "root")
	if err != nil {
		c.t.Fatalf("EnrollTOTP: %v", err)
	}
	code, err := totp.GenerateCodeCustom(setup.Secret, c.clk.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		c.t.Fatalf("GenerateCode: %v", err)
	}
	s, err := c.engine.ConfirmTOTP(context.Background(), res.Session.ID, code)
	if err != nil {
		c.t.Fatalf("ConfirmTOTP: %v", err)
	}
	if s.State() != session.StateMFAVerified {
		c.t.Fatalf("expected verified session, got %s", s.State())
	}
	return res.Token
}

func TestCreateTeamMemberWithCredentials(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	token := api.verifiedRoot()

	resp := api.post("/v1/roles", map[string]any{"name": "front desk", "permissions": []string{auth.PermBookingsView}}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") == "" {
		t.Fatalf("expected Location header")
	}
	role := decode[auth.Role](t, resp)

	resp = api.post("/v1/team-members", map[string]any{
		"principal_id": "bob",
		"role_id":      role.ID,
		"access_level": auth.AccessFull,
		"login":        "bob@example.com",
	}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for login without password, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/team-members", map[string]any{
		"principal_id": "bob",
		"role_id":      role.ID,
		"access_level": auth.AccessFull,
		"login":        "bob@example.com",
		"password":     "correct horse battery",
	}, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	member := decode[auth.Assignment](t, resp)

	resp = api.get("/v1/team-members/"+member.ID, nil, token)
	got := decode[auth.Assignment](t, resp)
	if got.PrincipalID != "bob" || got.RoleID != role.ID {
		t.Fatalf("unexpected member: %+v", got)
	}

	bob := api.login("bob@example.com")
	resp = api.get("/v1/roles", nil, bob.Token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member without team:view, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/team-members/"+member.ID+"/deactivate", nil, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if decode[auth.Assignment](t, resp).IsActive {
		t.Fatalf("expected inactive member")
	}
}

func TestDeactivateRoleInUse(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	token := api.verifiedRoot()
	api.member("alice", "alice@example.com", auth.RoleInput{Name: "support", Permissions: []string{auth.PermBookingsView}})

	resp := api.get("/v1/roles", nil, token)
	body := decode[struct {
		Roles []auth.Role `json:"roles"`
	}](t, resp)
	if len(body.Roles) != 1 {
		t.Fatalf("expected one role, got %d", len(body.Roles))
	}
	id := body.Roles[0].ID

	resp = api.post("/v1/roles/"+id+"/deactivate", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while assigned, got %d", resp.StatusCode)
	}
	resp = api.post("/v1/roles/"+id+"/deactivate?force=true", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 with force, got %d", resp.StatusCode)
	}
}

func TestListAuditValidatesQuery(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	token := api.verifiedRoot()

	for _, q := range []url.Values{
		{"limit": {"0"}},
		{"limit": {"5000"}},
		{"success": {"maybe"}},
		{"since": {"yesterday"}},
	} {
		resp := api.get("/v1/audit", q, token)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d", q, resp.StatusCode)
		}
	}

	resp := api.get("/v1/audit", url.Values{"actor": {"root"}, "limit": {"5"}}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[map[string][]map[string]any](t, resp)
	records, ok := body["records"]
	if !ok || len(records) > 5 {
		t.Fatalf("expected at most 5 records, got %v", body)
	}
	for _, rec := range records {
		if rec["actor_id"] != "root" {
			t.Fatalf("filter not applied: %v", rec)
		}
	}
}
