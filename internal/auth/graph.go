package auth

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxRoleDepth bounds how many inheritance hops a role may span.
const DefaultMaxRoleDepth = 16

type roleGraph struct {
	roles    map[string]Role
	maxDepth int
}

func newRoleGraph(roles []Role, maxDepth int) *roleGraph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxRoleDepth
	}
	g := &roleGraph{roles: make(map[string]Role, len(roles)), maxDepth: maxDepth}
	for _, r := range roles {
		g.roles[r.ID] = r
	}
	return g
}

// closure returns id and every role it inherits, failing on cycles, depth overflow or dangling edges.
func (g *roleGraph) closure(id string) ([]string, error) {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)
	var order []string
	var visit func(id string, depth int, path []string) error
	visit = func(id string, depth int, path []string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("%w: inheritance cycle %s -> %s", ErrRoleGraphInvalid, strings.Join(path, " -> "), id)
		case done:
			return nil
		}
		if depth > g.maxDepth {
			return fmt.Errorf("%w: inheritance deeper than %d hops at %s", ErrRoleGraphInvalid, g.maxDepth, id)
		}
		role, ok := g.roles[id]
		if !ok {
			return fmt.Errorf("%w: inherited role %s does not exist", ErrRoleGraphInvalid, id)
		}
		state[id] = visiting
		path = append(path, id)
		for _, parent := range role.InheritedRoles {
			if err := visit(parent, depth+1, path); err != nil {
				return err
			}
		}
		state[id] = done
		order = append(order, id)
		return nil
	}
	if err := visit(id, 0, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// dependents returns the ids of roles inheriting id directly or transitively, sorted.
func (g *roleGraph) dependents(id string) []string {
	children := make(map[string][]string)
	for _, r := range g.roles {
		for _, parent := range r.InheritedRoles {
			children[parent] = append(children[parent], r.ID)
		}
	}
	seen := map[string]struct{}{id: {}}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range children[cur] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(out)
	return out
}

func (g *roleGraph) grantedKeys(ids []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, id := range ids {
		role := g.roles[id]
		for _, k := range role.Permissions {
			set[k] = struct{}{}
		}
		for _, cg := range role.ConditionalPermissions {
			for _, k := range cg.Permissions {
				set[k] = struct{}{}
			}
		}
	}
	return set
}

func (g *roleGraph) validateClosure(c *Catalog, id string) error {
	ids, err := g.closure(id)
	if err != nil {
		return err
	}
	set := g.grantedKeys(ids)
	if pairs := c.ConflictPairs(set); len(pairs) > 0 {
		return fmt.Errorf("%w: role %s would grant conflicting permissions %s and %s",
			ErrRoleGraphInvalid, id, pairs[0][0], pairs[0][1])
	}
	if missing := c.MissingDependencies(set); len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("%w: role %s grants %s without %s",
			ErrInvalidInput, id, keys[0], strings.Join(missing[keys[0]], ", "))
	}
	return nil
}

// validateRoleShape checks a role in isolation against the catalog.
func validateRoleShape(c *Catalog, r Role) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if unknown := c.Unknown(r.Permissions); len(unknown) > 0 {
		return fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
	}
	for _, cg := range r.ConditionalPermissions {
		if !cg.Condition.Valid() {
			return fmt.Errorf("%w: unknown condition %q", ErrInvalidInput, cg.Condition)
		}
		if len(cg.Permissions) == 0 {
			return fmt.Errorf("%w: conditional grant %s has no permissions", ErrInvalidInput, cg.Condition)
		}
		if unknown := c.Unknown(cg.Permissions); len(unknown) > 0 {
			return fmt.Errorf("%w: unknown permissions %s", ErrInvalidInput, strings.Join(unknown, ", "))
		}
	}
	for _, parent := range r.InheritedRoles {
		if parent == r.ID {
			return fmt.Errorf("%w: role %s inherits itself", ErrRoleGraphInvalid, r.ID)
		}
	}
	if err := r.Restrictions.validate(); err != nil {
		return err
	}
	return r.Compliance.validate()
}

// validateRoleGraph checks changed in the context of existing, and re-checks every role inheriting it.
func validateRoleGraph(c *Catalog, existing []Role, changed Role, maxDepth int) error {
	if err := validateRoleShape(c, changed); err != nil {
		return err
	}
	roles := make([]Role, 0, len(existing)+1)
	for _, r := range existing {
		if r.ID != changed.ID {
			roles = append(roles, r)
		}
	}
	roles = append(roles, changed)
	g := newRoleGraph(roles, maxDepth)
	targets := append([]string{changed.ID}, g.dependents(changed.ID)...)
	for _, id := range targets {
		if err := g.validateClosure(c, id); err != nil {
			return err
		}
	}
	return nil
}
