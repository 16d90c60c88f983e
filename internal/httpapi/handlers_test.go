package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/session"
	"gatekeep.dev/internal/store/memory"
)

var start = time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type apiClient struct {
	baseURL string
	client  *http.Client
	engine  *engine.Engine
	clk     *clock
	t       *testing.T
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func newTestAPI(t *testing.T, probe ReadyProbe, opts ...Option) *apiClient {
	t.Helper()

	clk := &clock{now: start}
	store := memory.New()
	tokens, err := auth.NewTokenIssuer("test-secret", "gatekeep-test", time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	tokens.WithClock(clk.Now)
	eng, err := engine.New(auth.BuiltinCatalog(), engine.Stores{
		Roles:       store,
		Assignments: store,
		Credentials: store,
		Sessions:    store,
		Enrollments: store,
		Audit:       store,
	}, tokens,
		engine.WithClock(clk.Now),
		engine.WithSuperAdmins("root"),
		engine.WithSessionOptions(session.WithSecretKey([]byte("0123456789abcdef0123456789abcdef"))),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	api := New(eng, probe, "test", append([]Option{WithRateLimit(0, 0)}, opts...)...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		engine:  eng,
		clk:     clk,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	return c.doWithHeader(method, path, body, token, nil)
}

func (c *apiClient) doWithHeader(method, path string, body any, token string, header http.Header) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, token string) *http.Response {
	return c.do(http.MethodPost, path, body, token)
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, token)
}

// member creates a role and a team member with password "correct horse battery".
func (c *apiClient) member(principal, login string, role auth.RoleInput) {
	c.t.Helper()
	ctx := context.Background()
	admin := engine.Actor{PrincipalID: "root"}
	created, err := c.engine.CreateRole(ctx, admin, role)
	if err != nil {
		c.t.Fatalf("CreateRole: %v", err)
	}
	_, err = c.engine.CreateTeamMember(ctx, admin, auth.AssignmentInput{
		PrincipalID: principal, RoleID: created.ID, AccessLevel: auth.AccessFull,
	})
	if err != nil {
		c.t.Fatalf("CreateTeamMember: %v", err)
	}
	if err := c.engine.SetTeamMemberPassword(ctx, admin, principal, login, "correct horse battery"); err != nil {
		c.t.Fatalf("SetTeamMemberPassword: %v", err)
	}
}

func (c *apiClient) login(login string) loginResponse {
	c.t.Helper()
	resp := c.post("/v1/auth/login", map[string]any{
		"login":       login,
		"password":    "correct horse battery",
		"device_type": "desktop",
	}, "")
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	out := decode[loginResponse](c.t, resp)
	if out.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return out
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	resp := api.get("/healthz", nil, "")
	body := decode[map[string]any](t, resp)
	if resp.StatusCode != http.StatusOK || body["service"] != serviceName {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, body)
	}

	failing := newTestAPI(t, ReadyProbe{DB: failingPinger{}})
	resp = failing.get("/readyz", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestLoginAndPermissionsMe(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	api.member("alice", "alice@example.com", auth.RoleInput{
		Name:        "support",
		Permissions: []string{auth.PermBookingsView, auth.PermChatView},
	})

	res := api.login("alice@example.com")
	if res.MFARequired || res.Session.State != "authenticated" || res.Session.PrincipalID != "alice" {
		t.Fatalf("unexpected login response: %+v", res)
	}

	resp := api.get("/v1/permissions/me", nil, res.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body := decode[struct {
		PrincipalID string   `json:"principal_id"`
		Permissions []string `json:"permissions"`
	}](t, resp)
	if body.PrincipalID != "alice" || strings.Join(body.Permissions, ",") != "bookings:view,chat:view" {
		t.Fatalf("unexpected permissions: %+v", body)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	api.member("alice", "alice@example.com", auth.RoleInput{Name: "support", Permissions: []string{auth.PermBookingsView}})

	resp := api.post("/v1/auth/login", map[string]any{"login": "alice@example.com", "password": "wrong password"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp = api.post("/v1/auth/login", map[string]any{"login": "alice@example.com", "passwd": "x"}, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	for _, path := range []string{"/v1/permissions/me", "/v1/roles", "/v1/audit"} {
		resp := api.get(path, nil, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("WWW-Authenticate") == "" {
			t.Fatalf("%s: expected WWW-Authenticate header", path)
		}
	}
	resp := api.get("/v1/roles", nil, "not-a-token")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", resp.StatusCode)
	}
}

func TestAuthorizeReturnsDecision(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	api.member("alice", "alice@example.com", auth.RoleInput{Name: "support", Permissions: []string{auth.PermBookingsView}})
	token := api.login("alice@example.com").Token

	resp := api.post("/v1/authorize", map[string]any{
		"permissions": []string{auth.PermBookingsView, auth.PermBookingsRefund},
		"require_all": true,
		"resource":    "bookings",
	}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	d := decode[guard.Decision](t, resp)
	if d.Allowed || d.Reason != guard.ReasonPermissionDenied {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(d.Missing) != 1 || d.Missing[0] != auth.PermBookingsRefund || d.AuditID == "" {
		t.Fatalf("unexpected decision detail: %+v", d)
	}
}

func TestRoleMutationNeedsStepUp(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	res, err := api.engine.LoginPrincipal(context.Background(), "root", engine.Client{IPAddress: "127.0.0.1"})
	if err != nil {
		t.Fatalf("LoginPrincipal: %v", err)
	}
	token := res.Token
	role := map[string]any{"name": "night desk", "permissions": []string{auth.PermBookingsView}}

	resp := api.post("/v1/roles", role, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 before step-up, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "insufficient_user_authentication") {
		t.Fatalf("expected step-up challenge, got %q", resp.Header.Get("WWW-Authenticate"))
	}

	resp = api.post("/v1/auth/mfa/totp/enroll", nil, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from enroll, got %d", resp.StatusCode)
	}
	setup := decode[session.TOTPSetup](t, resp)
	code, err := totp.GenerateCodeCustom(setup.Secret, api.clk.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	resp = api.post("/v1/auth/mfa/totp/confirm", map[string]any{"code": code}, token)
	view := decode[sessionView](t, resp)
	if view.State != "mfa_verified" {
		t.Fatalf("expected mfa_verified, got %q", view.State)
	}

	resp = api.post("/v1/roles", role, token)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[auth.Role](t, resp)

	resp = api.do(http.MethodPut, "/v1/roles/"+created.ID, map[string]any{"permissions": []string{"bookings:teleport"}}, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown permission, got %d", resp.StatusCode)
	}

	resp = api.get("/v1/roles/missing", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	_ = api.engine.Close(context.Background())
	resp = api.get("/v1/audit", url.Values{"action": {engine.ActionRoleCreate}, "success": {"true"}}, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from audit, got %d", resp.StatusCode)
	}
	body := decode[struct {
		Records []struct {
			ActorID    string `json:"actor_id"`
			ResourceID string `json:"resource_id"`
		} `json:"records"`
	}](t, resp)
	if len(body.Records) != 1 || body.Records[0].ActorID != "root" || body.Records[0].ResourceID != created.ID {
		t.Fatalf("unexpected audit records: %+v", body.Records)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	api := newTestAPI(t, ReadyProbe{})
	api.member("alice", "alice@example.com", auth.RoleInput{Name: "support", Permissions: []string{auth.PermBookingsView}})
	token := api.login("alice@example.com").Token

	resp := api.post("/v1/auth/logout", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = api.get("/v1/permissions/me", nil, token)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", resp.StatusCode)
	}
}
