package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gatekeep.dev/internal/audit"
)

// AppendAudit inserts one record. The table rejects updates and deletes.
func (s *Store) AppendAudit(ctx context.Context, r audit.Record) error {
	if s.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(r.Details) > 0 {
		b, err := encodeJSON(r.Details)
		if err != nil {
			return err
		}
		details = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into admin_audit_log (id, actor_id, action, resource, resource_id, details, ip_address,
			user_agent, session_id, success, error_message, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.ActorID, r.Action, nullString(r.Resource), nullString(r.ResourceID), details,
		nullString(r.IPAddress), nullString(r.UserAgent), nullString(r.SessionID), r.Success,
		nullString(r.ErrorMessage), r.CreatedAt.UTC())
	return err
}

// ListAudit returns matching records newest first.
func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	query := `select id, actor_id, action, resource, resource_id, details, ip_address, user_agent,
		session_id, success, error_message, created_at from admin_audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += " order by created_at desc, id desc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []audit.Record
	for rows.Next() {
		var (
			r                                    audit.Record
			resource, resourceID, ip, ua, sessID sql.NullString
			errMsg                               sql.NullString
			details                              []byte
		)
		if err := rows.Scan(&r.ID, &r.ActorID, &r.Action, &resource, &resourceID, &details, &ip, &ua,
			&sessID, &r.Success, &errMsg, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(details, &r.Details); err != nil {
			return nil, err
		}
		r.Resource = resource.String
		r.ResourceID = resourceID.String
		r.IPAddress = ip.String
		r.UserAgent = ua.String
		r.SessionID = sessID.String
		r.ErrorMessage = errMsg.String
		result = append(result, r)
	}
	return result, rows.Err()
}
