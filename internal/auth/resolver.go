package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"gatekeep.dev/internal/obs"
)

// Source records why a permission is in an effective set.
type Source string

const (
	SourceRole        Source = "role"
	SourceInherited   Source = "inherited"
	SourceCustom      Source = "custom"
	SourceConditional Source = "conditional"
	SourceSuperAdmin  Source = "super_admin"
)

// Entry is one permission of an effective set.
type Entry struct {
	Key    string   `json:"key"`
	Source Source   `json:"source"`
	Scope  []string `json:"scope,omitempty"`
}

// PermissionSet is the effective permission set of a principal at one point in time.
type PermissionSet struct {
	entries      map[string]Entry
	graphInvalid bool
}

// Has reports whether key is granted.
func (s PermissionSet) Has(key string) bool {
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of granted permissions.
func (s PermissionSet) Len() int { return len(s.entries) }

// Keys returns the granted keys in sorted order.
func (s PermissionSet) Keys() []string {
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Entries returns the granted permissions with provenance, sorted by key.
func (s PermissionSet) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, k := range s.Keys() {
		out = append(out, s.entries[k])
	}
	return out
}

// Entry returns the provenance of key.
func (s PermissionSet) Entry(key string) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Missing returns the keys from required that are not granted.
func (s PermissionSet) Missing(required []string) []string {
	var out []string
	for _, k := range required {
		if !s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// HasAny reports whether at least one of keys is granted.
func (s PermissionSet) HasAny(keys []string) bool {
	for _, k := range keys {
		if s.Has(k) {
			return true
		}
	}
	return false
}

// GraphInvalid reports whether the set is empty because the role graph could not be expanded.
func (s PermissionSet) GraphInvalid() bool { return s.graphInvalid }

// Err returns ErrRoleGraphInvalid for a flagged set, nil otherwise.
func (s PermissionSet) Err() error {
	if s.graphInvalid {
		return ErrRoleGraphInvalid
	}
	return nil
}

// RolePolicy is the restriction and compliance policy of a principal's role.
type RolePolicy struct {
	RoleID       string
	Restrictions RoleRestrictions
	Compliance   Compliance
}

type conditionalKeys struct {
	condition Condition
	keys      []string
}

// Grant is the compiled, condition-independent part of a resolution. It is immutable
// once built and safe to share between goroutines.
type Grant struct {
	PrincipalID  string
	AssignmentID string
	SuperAdmin   bool
	Policy       RolePolicy

	// ExpiresAt is copied from the assignment; the grant must not be served after it.
	ExpiresAt *time.Time

	catalog      *Catalog
	base         map[string]Source
	conditionals []conditionalKeys
	restricted   map[string]struct{}
	scope        map[string]struct{}
	access       AccessLevel
	graphInvalid bool
}

// GraphInvalid reports whether compilation stopped on a malformed role graph.
func (g *Grant) GraphInvalid() bool { return g.graphInvalid }

// Evaluate finishes resolution for one request: conditional grants whose condition holds
// are added, then restrictions, resource scope and access level narrow the result.
func (g *Grant) Evaluate(cond ConditionContext) PermissionSet {
	set := PermissionSet{entries: make(map[string]Entry), graphInvalid: g.graphInvalid}
	if g.catalog == nil {
		return set
	}
	if g.SuperAdmin {
		for _, k := range g.catalog.Keys() {
			p, _ := g.catalog.Lookup(k)
			set.entries[k] = Entry{Key: k, Source: SourceSuperAdmin, Scope: p.ResourceScope}
		}
		return set
	}

	sources := make(map[string]Source, len(g.base))
	for k, src := range g.base {
		sources[k] = src
	}
	for _, cg := range g.conditionals {
		if !cond.Holds(cg.condition) {
			continue
		}
		for _, k := range cg.keys {
			if _, ok := sources[k]; !ok {
				sources[k] = SourceConditional
			}
		}
	}

	for k, src := range sources {
		if _, denied := g.restricted[k]; denied {
			continue
		}
		p, ok := g.catalog.Lookup(k)
		if !ok {
			continue
		}
		scope := p.ResourceScope
		if len(g.scope) > 0 {
			scope = intersectScope(p.ResourceScope, g.scope)
			if len(scope) == 0 {
				continue
			}
		}
		if !g.access.admits(p.RiskLevel) {
			continue
		}
		set.entries[k] = Entry{Key: k, Source: src, Scope: scope}
	}
	return set
}

func intersectScope(tags []string, allowed map[string]struct{}) []string {
	var out []string
	for _, t := range tags {
		if _, ok := allowed[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSuperAdmins designates principals that resolve to the whole catalog.
func WithSuperAdmins(principalIDs ...string) ResolverOption {
	return func(r *Resolver) {
		for _, id := range principalIDs {
			if id = strings.TrimSpace(id); id != "" {
				r.superAdmins[id] = struct{}{}
			}
		}
	}
}

// WithMaxDepth bounds role inheritance expansion.
func WithMaxDepth(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxDepth = n
		}
	}
}

// WithResolverClock overrides the clock used for assignment expiry.
func WithResolverClock(fn func() time.Time) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// Resolver computes effective permissions from roles and assignments.
type Resolver struct {
	catalog     *Catalog
	roles       RoleStore
	assignments AssignmentStore
	superAdmins map[string]struct{}
	maxDepth    int
	now         func() time.Time
}

func NewResolver(catalog *Catalog, roles RoleStore, assignments AssignmentStore, opts ...ResolverOption) (*Resolver, error) {
	if catalog == nil {
		return nil, errors.New("auth: catalog is required")
	}
	if roles == nil || assignments == nil {
		return nil, errors.New("auth: role and assignment stores are required")
	}
	r := &Resolver{
		catalog:     catalog,
		roles:       roles,
		assignments: assignments,
		superAdmins: make(map[string]struct{}),
		maxDepth:    DefaultMaxRoleDepth,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Catalog returns the catalog the resolver validates against.
func (r *Resolver) Catalog() *Catalog { return r.catalog }

// IsSuperAdmin reports whether principalID is a configured super-admin.
func (r *Resolver) IsSuperAdmin(principalID string) bool {
	_, ok := r.superAdmins[principalID]
	return ok
}

// Resolve compiles and evaluates the effective permission set in one step.
func (r *Resolver) Resolve(ctx context.Context, principalID string, cond ConditionContext) (PermissionSet, error) {
	g, err := r.Compile(ctx, principalID)
	if err != nil {
		return PermissionSet{}, err
	}
	return g.Evaluate(cond), nil
}

// Compile loads the principal's assignment and role graph and builds a Grant.
// An absent, inactive or expired assignment yields an empty grant, not an error.
func (r *Resolver) Compile(ctx context.Context, principalID string) (*Grant, error) {
	start := time.Now()
	defer func() { obs.ObserveResolve(time.Since(start)) }()

	principalID = strings.TrimSpace(principalID)
	g := &Grant{PrincipalID: principalID, catalog: r.catalog}
	if principalID == "" {
		return g, nil
	}
	if r.IsSuperAdmin(principalID) {
		g.SuperAdmin = true
		return g, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	a, err := r.assignments.AssignmentForPrincipal(ctx, principalID)
	if errors.Is(err, ErrNotFound) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load assignment: %v", ErrResolutionFailed, err)
	}
	if !a.Effective(r.now()) {
		return g, nil
	}
	g.AssignmentID = a.ID
	g.ExpiresAt = a.ExpiresAt

	roles, err := r.expandRoles(ctx, a.RoleID)
	if errors.Is(err, ErrRoleGraphInvalid) {
		obs.Logger().Error("role graph invalid; granting nothing",
			"principal_id", principalID, "role_id", a.RoleID, "error", err.Error())
		g.graphInvalid = true
		return g, nil
	}
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return g, nil
	}

	primary := roles[0]
	g.Policy = RolePolicy{RoleID: primary.ID, Restrictions: primary.Restrictions, Compliance: primary.Compliance}
	g.base = make(map[string]Source)
	for i, role := range roles {
		src := SourceRole
		if i > 0 {
			src = SourceInherited
		}
		for _, k := range role.Permissions {
			if _, ok := g.base[k]; !ok {
				g.base[k] = src
			}
		}
		for _, cg := range role.ConditionalPermissions {
			g.conditionals = append(g.conditionals, conditionalKeys{condition: cg.Condition, keys: cg.Permissions})
		}
	}
	for _, k := range a.CustomPermissions {
		if _, ok := g.base[k]; !ok {
			g.base[k] = SourceCustom
		}
	}
	if len(a.Restrictions) > 0 {
		g.restricted = make(map[string]struct{}, len(a.Restrictions))
		for _, k := range a.Restrictions {
			g.restricted[k] = struct{}{}
		}
	}
	if len(a.AllowedResourceScope) > 0 {
		g.scope = make(map[string]struct{}, len(a.AllowedResourceScope))
		for _, t := range a.AllowedResourceScope {
			g.scope[t] = struct{}{}
		}
	}
	g.access = a.AccessLevel
	return g, nil
}

// expandRoles walks the inheritance graph breadth first from roleID. The primary role comes
// first. Already visited roles are skipped; an edge back to an ancestor is logged as a
// configuration error and ignored.
// An inactive primary role yields no roles; inactive inherited roles contribute nothing.
func (r *Resolver) expandRoles(ctx context.Context, roleID string) ([]Role, error) {
	type item struct {
		id    string
		depth int
		path  []string
	}
	visited := make(map[string]struct{})
	queue := []item{{id: roleID}}
	var out []Role
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur.id]; seen {
			continue
		}
		visited[cur.id] = struct{}{}
		if cur.depth > r.maxDepth {
			return nil, fmt.Errorf("%w: inheritance deeper than %d hops", ErrRoleGraphInvalid, r.maxDepth)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
		}
		role, err := r.roles.GetRole(ctx, cur.id)
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: role %s does not exist", ErrRoleGraphInvalid, cur.id)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: load role %s: %v", ErrResolutionFailed, cur.id, err)
		}
		if !role.IsActive {
			if cur.depth == 0 {
				return nil, nil
			}
			continue
		}
		out = append(out, role)
		path := append(slices.Clone(cur.path), cur.id)
		for _, parent := range role.InheritedRoles {
			if slices.Contains(path, parent) {
				obs.Logger().Warn("role inheritance cycle; edge ignored",
					"role_id", cur.id, "inherits", parent, "path", strings.Join(path, " > "))
				continue
			}
			queue = append(queue, item{id: parent, depth: cur.depth + 1, path: path})
		}
	}
	return out, nil
}
