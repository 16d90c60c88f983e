// Package guard is the single authorization entry point. It combines the cached
// permission set, the session state and the role policy into one audited decision.
package guard

import (
	"errors"
	"fmt"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
)

var (
	ErrAuthenticationRequired = errors.New("guard: authentication required")
	ErrPermissionDenied       = errors.New("guard: permission denied")
	ErrVerificationRequired   = errors.New("guard: verification required")
	ErrReauthRequired         = errors.New("guard: reauthentication required")
)

// Reason explains a decision. It is recorded verbatim in the audit trail.
type Reason string

const (
	ReasonAllowed                Reason = "allowed"
	ReasonSuperAdmin             Reason = "super_admin"
	ReasonAuthenticationRequired Reason = "authentication_required"
	ReasonPermissionDenied       Reason = "permission_denied"
	ReasonRestrictionViolated    Reason = "restriction_violated"
	ReasonRoleGraphInvalid       Reason = "role_graph_invalid"
	ReasonVerificationRequired   Reason = "verification_required"
	ReasonReauthRequired         Reason = "reauth_required"
	ReasonRiskTooHigh            Reason = "risk_too_high"
	ReasonAuditUnavailable       Reason = "audit_unavailable"
	ReasonResolutionFailed       Reason = "resolution_failed"
)

// Decision is the outcome of Authorize.
type Decision struct {
	Allowed              bool     `json:"allowed"`
	Reason               Reason   `json:"reason"`
	EffectivePermissions []string `json:"effective_permissions"`
	Missing              []string `json:"missing,omitempty"`
	RiskScore            int      `json:"risk_score"`
	AuditID              string   `json:"audit_id,omitempty"`
}

// Err maps a denial to its sentinel error. It returns nil for allowed decisions.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	switch d.Reason {
	case ReasonAuthenticationRequired:
		return ErrAuthenticationRequired
	case ReasonVerificationRequired:
		return ErrVerificationRequired
	case ReasonReauthRequired:
		return ErrReauthRequired
	case ReasonRoleGraphInvalid:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, auth.ErrRoleGraphInvalid)
	case ReasonRestrictionViolated:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, auth.ErrRestricted)
	case ReasonAuditUnavailable:
		return audit.ErrAuditWriteFailed
	case ReasonResolutionFailed:
		return auth.ErrResolutionFailed
	default:
		return ErrPermissionDenied
	}
}
