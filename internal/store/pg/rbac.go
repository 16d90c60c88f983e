package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"gatekeep.dev/internal/auth"
)

const roleColumns = `id, name, description, priority, permissions, inherited_roles,
	conditional_permissions, restrictions, compliance, is_active, created_at, updated_at`

func scanRole(row scanner) (auth.Role, error) {
	var (
		r                                     auth.Role
		perms, inherited, conds, restr, compl []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Priority, &perms, &inherited,
		&conds, &restr, &compl, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return auth.Role{}, err
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{perms, &r.Permissions},
		{inherited, &r.InheritedRoles},
		{conds, &r.ConditionalPermissions},
		{restr, &r.Restrictions},
		{compl, &r.Compliance},
	} {
		if err := decodeJSON(col.raw, col.dst); err != nil {
			return auth.Role{}, err
		}
	}
	return r, nil
}

func roleArgs(r auth.Role) ([]any, error) {
	var args []any
	for _, v := range []any{
		nonNilStrings(r.Permissions),
		nonNilStrings(r.InheritedRoles),
		r.ConditionalPermissions,
		r.Restrictions,
		r.Compliance,
	} {
		b, err := encodeJSON(v)
		if err != nil {
			return nil, err
		}
		args = append(args, b)
	}
	return args, nil
}

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	cols, err := roleArgs(r)
	if err != nil {
		return auth.Role{}, err
	}
	args := append([]any{r.ID, r.Name, r.Description, r.Priority}, cols...)
	args = append(args, r.IsActive, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	row := s.db.QueryRowContext(ctx, `
		insert into roles (`+roleColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning `+roleColumns, args...)
	created, err := scanRole(row)
	if err != nil {
		return auth.Role{}, mapWriteErr(err, "role "+r.Name)
	}
	return created, nil
}

func (s *Store) UpdateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	cols, err := roleArgs(r)
	if err != nil {
		return auth.Role{}, err
	}
	args := append([]any{r.ID, r.Name, r.Description, r.Priority}, cols...)
	args = append(args, r.IsActive, r.UpdatedAt.UTC())
	row := s.db.QueryRowContext(ctx, `
		update roles
		set name = $2, description = $3, priority = $4, permissions = $5, inherited_roles = $6,
			conditional_permissions = $7, restrictions = $8, compliance = $9, is_active = $10,
			updated_at = $11
		where id = $1
		returning `+roleColumns, args...)
	updated, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Role{}, mapWriteErr(err, "role "+r.Name)
	}
	return updated, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, roleID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, auth.ErrNotFound
	}
	return r, err
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) SetRoleActive(ctx context.Context, roleID string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `update roles set is_active = $2, updated_at = now() where id = $1`, roleID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

const assignmentColumns = `id, principal_id, role_id, custom_permissions, restrictions,
	allowed_resource_scope, access_level, is_active, expires_at, last_access_at, created_at, updated_at`

func scanAssignment(row scanner) (auth.Assignment, error) {
	var (
		a                    auth.Assignment
		custom, restr, scope []byte
		access               string
		expires, lastAccess  sql.NullTime
	)
	err := row.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &custom, &restr, &scope,
		&access, &a.IsActive, &expires, &lastAccess, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return auth.Assignment{}, err
	}
	a.AccessLevel = auth.AccessLevel(access)
	a.ExpiresAt = timePtr(expires)
	a.LastAccessAt = timePtr(lastAccess)
	if err := decodeJSON(custom, &a.CustomPermissions); err != nil {
		return auth.Assignment{}, err
	}
	if err := decodeJSON(restr, &a.Restrictions); err != nil {
		return auth.Assignment{}, err
	}
	if err := decodeJSON(scope, &a.AllowedResourceScope); err != nil {
		return auth.Assignment{}, err
	}
	return a, nil
}

func assignmentLists(a auth.Assignment) (custom, restr, scope []byte, err error) {
	if custom, err = encodeJSON(nonNilStrings(a.CustomPermissions)); err != nil {
		return
	}
	if restr, err = encodeJSON(nonNilStrings(a.Restrictions)); err != nil {
		return
	}
	scope, err = encodeJSON(nonNilStrings(a.AllowedResourceScope))
	return
}

func (s *Store) CreateAssignment(ctx context.Context, a auth.Assignment) (auth.Assignment, error) {
	if s.db == nil {
		return auth.Assignment{}, errNoDB
	}
	custom, restr, scope, err := assignmentLists(a)
	if err != nil {
		return auth.Assignment{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		insert into team_members (`+assignmentColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		returning `+assignmentColumns,
		a.ID, a.PrincipalID, a.RoleID, custom, restr, scope, string(a.AccessLevel), a.IsActive,
		nullTime(a.ExpiresAt), nullTime(a.LastAccessAt), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	created, err := scanAssignment(row)
	if err != nil {
		return auth.Assignment{}, mapWriteErr(err, "team member "+a.PrincipalID)
	}
	return created, nil
}

// UpdateAssignment never changes the principal or creation time.
func (s *Store) UpdateAssignment(ctx context.Context, a auth.Assignment) (auth.Assignment, error) {
	if s.db == nil {
		return auth.Assignment{}, errNoDB
	}
	custom, restr, scope, err := assignmentLists(a)
	if err != nil {
		return auth.Assignment{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		update team_members
		set role_id = $2, custom_permissions = $3, restrictions = $4, allowed_resource_scope = $5,
			access_level = $6, is_active = $7, expires_at = $8, updated_at = $9
		where id = $1
		returning `+assignmentColumns,
		a.ID, a.RoleID, custom, restr, scope, string(a.AccessLevel), a.IsActive,
		nullTime(a.ExpiresAt), a.UpdatedAt.UTC())
	updated, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Assignment{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Assignment{}, mapWriteErr(err, "team member "+a.ID)
	}
	return updated, nil
}

func (s *Store) GetAssignment(ctx context.Context, assignmentID string) (auth.Assignment, error) {
	if s.db == nil {
		return auth.Assignment{}, errNoDB
	}
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`select `+assignmentColumns+` from team_members where id = $1`, assignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Assignment{}, auth.ErrNotFound
	}
	return a, err
}

func (s *Store) AssignmentForPrincipal(ctx context.Context, principalID string) (auth.Assignment, error) {
	if s.db == nil {
		return auth.Assignment{}, errNoDB
	}
	a, err := scanAssignment(s.db.QueryRowContext(ctx,
		`select `+assignmentColumns+` from team_members where principal_id = $1`, principalID))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Assignment{}, auth.ErrNotFound
	}
	return a, err
}

func (s *Store) ListAssignmentsByRoles(ctx context.Context, roleIDs []string) ([]auth.Assignment, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(roleIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(roleIDs))
	args := make([]any, len(roleIDs))
	for i, id := range roleIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `select `+assignmentColumns+` from team_members
		where role_id in (`+strings.Join(placeholders, ", ")+`) order by id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *Store) SetAssignmentActive(ctx context.Context, assignmentID string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx,
		`update team_members set is_active = $2, updated_at = now() where id = $1`, assignmentID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) TouchAssignment(ctx context.Context, assignmentID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx,
		`update team_members set last_access_at = $2 where id = $1`, assignmentID, at.UTC())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) CredentialByLogin(ctx context.Context, login string) (auth.Credential, error) {
	if s.db == nil {
		return auth.Credential{}, errNoDB
	}
	var c auth.Credential
	err := s.db.QueryRowContext(ctx, `
		select principal_id, login, password_hash, updated_at
		from team_credentials
		where login = lower($1)
	`, login).Scan(&c.PrincipalID, &c.Login, &c.PasswordHash, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	return c, err
}

// SaveCredential replaces the principal's credential. A login held by another
// principal is a conflict.
func (s *Store) SaveCredential(ctx context.Context, c auth.Credential) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into team_credentials (principal_id, login, password_hash, updated_at)
		values ($1, lower($2), $3, $4)
		on conflict (principal_id) do update
		set login = excluded.login, password_hash = excluded.password_hash, updated_at = excluded.updated_at
	`, c.PrincipalID, c.Login, c.PasswordHash, c.UpdatedAt.UTC())
	return mapWriteErr(err, "login "+c.Login)
}

func requireRow(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
