package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/session"
)

type loginRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	DeviceType string `json:"device_type"`
	Country    string `json:"country"`
	City       string `json:"city"`
	Anonymizer bool   `json:"anonymizer"`
}

type loginResponse struct {
	Token       string      `json:"token,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
	MFARequired bool        `json:"mfa_required"`
	Session     sessionView `json:"session"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type enrollRequest struct {
	AccountName string `json:"account_name"`
}

type mfaOptions struct {
	RequireTOTP          bool `json:"require_totp"`
	RequireSMS           bool `json:"require_sms"`
	MaxSessionAgeSeconds int  `json:"max_session_age_seconds"`
}

type authorizeRequest struct {
	Permissions           []string       `json:"permissions"`
	RequireAll            bool           `json:"require_all"`
	AllowSuperAdminBypass bool           `json:"allow_super_admin_bypass"`
	MFA                   *mfaOptions    `json:"mfa"`
	MaxRiskScore          int            `json:"max_risk_score"`
	Resource              string         `json:"resource"`
	ResourceID            string         `json:"resource_id"`
	Details               map[string]any `json:"details"`
}

// sessionView is the client-facing shape of a session.
type sessionView struct {
	ID             string     `json:"id"`
	PrincipalID    string     `json:"principal_id"`
	State          string     `json:"state"`
	RiskScore      int        `json:"risk_score"`
	TOTPVerifiedAt *time.Time `json:"totp_verified_at,omitempty"`
	SMSVerifiedAt  *time.Time `json:"sms_verified_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
}

func viewSession(s session.Session) sessionView {
	return sessionView{
		ID:             s.ID,
		PrincipalID:    s.PrincipalID,
		State:          string(s.State()),
		RiskScore:      s.RiskScore,
		TOTPVerifiedAt: s.TOTPVerifiedAt,
		SMSVerifiedAt:  s.SMSVerifiedAt,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Login) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "login and password are required")
		return
	}
	res, err := a.engine.Login(r.Context(), engine.LoginRequest{
		Login:    req.Login,
		Password: req.Password,
		Client: engine.Client{
			IPAddress: clientIP(r),
			Device:    session.Device{Type: req.DeviceType, UserAgent: r.UserAgent()},
			Location:  session.Location{Country: req.Country, City: req.City, Anonymizer: req.Anonymizer},
		},
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:       res.Token,
		ExpiresAt:   res.TokenExpiresAt,
		MFARequired: res.MFARequired,
		Session:     viewSession(res.Session),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Logout(r.Context(), sessionIDFrom(r)); err != nil {
		handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	account := strings.TrimSpace(req.AccountName)
	if account == "" {
		id, _ := auth.IdentityFromContext(r.Context())
		account = id.PrincipalID
	}
	setup, err := a.engine.EnrollTOTP(r.Context(), sessionIDFrom(r), account)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setup)
}

func (a *API) handleTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	a.verifyCode(w, r, a.engine.ConfirmTOTP)
}

func (a *API) handleTOTPVerify(w http.ResponseWriter, r *http.Request) {
	a.verifyCode(w, r, a.engine.VerifyTOTP)
}

func (a *API) handleSMSVerify(w http.ResponseWriter, r *http.Request) {
	a.verifyCode(w, r, a.engine.VerifySMS)
}

func (a *API) verifyCode(w http.ResponseWriter, r *http.Request, verify func(ctx context.Context, sessionID, code string) (session.Session, error)) {
	var req codeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s, err := verify(r.Context(), sessionIDFrom(r), strings.TrimSpace(req.Code))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(s))
}

func (a *API) handleSMSChallenge(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.StartSMS(r.Context(), sessionIDFrom(r)); err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (a *API) handlePermissionsMe(w http.ResponseWriter, r *http.Request) {
	s, set, err := a.engine.SessionPermissions(r.Context(), sessionIDFrom(r))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"principal_id":  s.PrincipalID,
		"session":       viewSession(s),
		"permissions":   set.Keys(),
		"entries":       set.Entries(),
		"graph_invalid": set.GraphInvalid(),
	})
}

// handleAuthorize answers a permission check for the caller's session. Denials are
// answers, so every decision is returned with 200.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	opts := guard.Options{
		RequireAll:            req.RequireAll,
		AllowSuperAdminBypass: req.AllowSuperAdminBypass,
		MaxRiskScore:          req.MaxRiskScore,
		Resource:              req.Resource,
		ResourceID:            req.ResourceID,
		Details:               req.Details,
	}
	if req.MFA != nil {
		opts.MFA = &guard.MFAOptions{
			RequireTOTP:   req.MFA.RequireTOTP,
			RequireSMS:    req.MFA.RequireSMS,
			MaxSessionAge: time.Duration(req.MFA.MaxSessionAgeSeconds) * time.Second,
		}
	}
	d, err := a.engine.Authorize(r.Context(), guard.Request{
		PrincipalID: id.PrincipalID,
		SessionID:   id.SessionID,
		Required:    req.Permissions,
		Options:     opts,
		IPAddress:   clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil && d.Reason == "" {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
