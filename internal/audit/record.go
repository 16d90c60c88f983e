// Package audit keeps the append-only trail of authorization decisions and
// privileged actions.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrAuditWriteFailed means a record could not be made durable.
var ErrAuditWriteFailed = errors.New("audit: write failed")

// Record is one audit entry. Records are never updated or deleted.
type Record struct {
	ID           string         `json:"id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	Resource     string         `json:"resource,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	ActorID string
	Action  string
	Success *bool
	Since   time.Time
	Limit   int
}

// Matches reports whether r passes every set field of f.
func (f Filter) Matches(r Record) bool {
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && r.Action != f.Action {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store appends and lists records. ListAudit returns newest first.
type Store interface {
	AppendAudit(ctx context.Context, r Record) error
	ListAudit(ctx context.Context, f Filter) ([]Record, error)
}
