package auth

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"
)

// Condition names a runtime predicate that gates a conditional grant.
type Condition string

const (
	ConditionBusinessHours  Condition = "business_hours"
	ConditionTrustedNetwork Condition = "trusted_network"
	ConditionMFAVerified    Condition = "mfa_verified"
	ConditionLowRisk        Condition = "low_risk"
)

// Valid reports whether c is a known condition kind.
func (c Condition) Valid() bool {
	switch c {
	case ConditionBusinessHours, ConditionTrustedNetwork, ConditionMFAVerified, ConditionLowRisk:
		return true
	}
	return false
}

// ConditionContext carries the resolved value of every condition for one request.
type ConditionContext struct {
	BusinessHours  bool
	TrustedNetwork bool
	MFAVerified    bool
	LowRisk        bool
}

// Holds evaluates cond against the context. Unknown conditions never hold.
func (c ConditionContext) Holds(cond Condition) bool {
	switch cond {
	case ConditionBusinessHours:
		return c.BusinessHours
	case ConditionTrustedNetwork:
		return c.TrustedNetwork
	case ConditionMFAVerified:
		return c.MFAVerified
	case ConditionLowRisk:
		return c.LowRisk
	}
	return false
}

// ConditionalGrant adds Permissions while Condition holds.
type ConditionalGrant struct {
	Condition   Condition `json:"condition"`
	Permissions []string  `json:"permissions"`
}

// TimeWindow allows access from StartHour (inclusive) to EndHour (exclusive) in Timezone.
// A window whose end is before its start wraps past midnight.
type TimeWindow struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Timezone  string `json:"timezone,omitempty"`
}

func (w TimeWindow) validate() error {
	if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 0 || w.EndHour > 24 {
		return fmt.Errorf("%w: time window hours out of range", ErrInvalidInput)
	}
	if w.StartHour == w.EndHour {
		return fmt.Errorf("%w: time window is empty", ErrInvalidInput)
	}
	if _, err := w.location(); err != nil {
		return fmt.Errorf("%w: time window timezone: %v", ErrInvalidInput, err)
	}
	return nil
}

func (w TimeWindow) location() (*time.Location, error) {
	if strings.TrimSpace(w.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	loc, err := w.location()
	if err != nil {
		return false
	}
	h := t.In(loc).Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// RoleRestrictions narrow where and when a role may be exercised.
type RoleRestrictions struct {
	TimeWindow            *TimeWindow `json:"time_window,omitempty"`
	AllowedIPs            []string    `json:"allowed_ips,omitempty"`
	AllowedCountries      []string    `json:"allowed_countries,omitempty"`
	DeviceTypes           []string    `json:"device_types,omitempty"`
	MaxConcurrentSessions int         `json:"max_concurrent_sessions,omitempty"`
}

func (r RoleRestrictions) validate() error {
	if r.TimeWindow != nil {
		if err := r.TimeWindow.validate(); err != nil {
			return err
		}
	}
	for _, raw := range r.AllowedIPs {
		if _, err := parsePrefix(raw); err != nil {
			return fmt.Errorf("%w: allowed ip %q: %v", ErrInvalidInput, raw, err)
		}
	}
	if r.MaxConcurrentSessions < 0 {
		return fmt.Errorf("%w: max_concurrent_sessions must not be negative", ErrInvalidInput)
	}
	return nil
}

// RestrictionInput is the request context a role restriction is checked against.
type RestrictionInput struct {
	At         time.Time
	IPAddress  string
	Country    string
	DeviceType string
}

// Check returns an ErrRestricted error for the first restriction the input violates.
func (r RoleRestrictions) Check(in RestrictionInput) error {
	if r.TimeWindow != nil && !r.TimeWindow.Contains(in.At) {
		return fmt.Errorf("%w: outside allowed hours", ErrRestricted)
	}
	if len(r.AllowedIPs) > 0 && !ipAllowed(r.AllowedIPs, in.IPAddress) {
		return fmt.Errorf("%w: ip address not allowed", ErrRestricted)
	}
	if len(r.AllowedCountries) > 0 && !containsFold(r.AllowedCountries, in.Country) {
		return fmt.Errorf("%w: location not allowed", ErrRestricted)
	}
	if len(r.DeviceTypes) > 0 && !containsFold(r.DeviceTypes, in.DeviceType) {
		return fmt.Errorf("%w: device type not allowed", ErrRestricted)
	}
	return nil
}

func parsePrefix(raw string) (netip.Prefix, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func ipAllowed(allowed []string, ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, raw := range allowed {
		p, err := parsePrefix(raw)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	return slices.ContainsFunc(list, func(s string) bool { return strings.EqualFold(s, v) })
}

// Audit levels for role compliance settings.
const (
	AuditLevelStandard = "standard"
	// AuditLevelFull makes every authorization of the role's members a guaranteed write.
	AuditLevelFull = "full"
)

// Compliance holds the security requirements a role places on its sessions.
type Compliance struct {
	RequiresMFA           bool   `json:"requires_mfa"`
	SessionTimeoutSeconds int    `json:"session_timeout_seconds,omitempty"`
	AuditLevel            string `json:"audit_level,omitempty"`
}

// SessionTimeout returns the configured timeout, or zero when the default applies.
func (c Compliance) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

func (c Compliance) validate() error {
	if c.SessionTimeoutSeconds < 0 {
		return fmt.Errorf("%w: session_timeout_seconds must not be negative", ErrInvalidInput)
	}
	switch c.AuditLevel {
	case "", AuditLevelStandard, AuditLevelFull:
		return nil
	}
	return fmt.Errorf("%w: unknown audit level %q", ErrInvalidInput, c.AuditLevel)
}

// Role is a named, prioritized bundle of permissions and policy.
type Role struct {
	ID                     string             `json:"id"`
	Name                   string             `json:"name"`
	Description            string             `json:"description,omitempty"`
	Priority               int                `json:"priority"`
	Permissions            []string           `json:"permissions"`
	InheritedRoles         []string           `json:"inherited_roles,omitempty"`
	ConditionalPermissions []ConditionalGrant `json:"conditional_permissions,omitempty"`
	Restrictions           RoleRestrictions   `json:"restrictions"`
	Compliance             Compliance         `json:"compliance"`
	IsActive               bool               `json:"is_active"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// AccessLevel narrows an assignment below what its role grants.
type AccessLevel string

const (
	AccessFull     AccessLevel = "full"
	AccessLimited  AccessLevel = "limited"
	AccessReadOnly AccessLevel = "read_only"
	AccessCustom   AccessLevel = "custom"
)

func (a AccessLevel) Valid() bool {
	switch a {
	case AccessFull, AccessLimited, AccessReadOnly, AccessCustom:
		return true
	}
	return false
}

// admits reports whether a permission at risk level r survives this access level.
func (a AccessLevel) admits(r RiskLevel) bool {
	switch a {
	case AccessReadOnly:
		return r == RiskLow
	case AccessLimited:
		return r != RiskCritical
	}
	return true
}

// Assignment binds a principal (team member) to a role with overrides.
type Assignment struct {
	ID                   string      `json:"id"`
	PrincipalID          string      `json:"principal_id"`
	RoleID               string      `json:"role_id"`
	CustomPermissions    []string    `json:"custom_permissions,omitempty"`
	Restrictions         []string    `json:"restrictions,omitempty"`
	AllowedResourceScope []string    `json:"allowed_resource_scope,omitempty"`
	AccessLevel          AccessLevel `json:"access_level"`
	IsActive             bool        `json:"is_active"`
	ExpiresAt            *time.Time  `json:"expires_at,omitempty"`
	LastAccessAt         *time.Time  `json:"last_access_at,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Effective reports whether the assignment grants anything at now.
func (a Assignment) Effective(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || now.Before(*a.ExpiresAt)
}

// Credential is the login secret of a principal.
type Credential struct {
	PrincipalID  string
	Login        string
	PasswordHash string
	UpdatedAt    time.Time
}
