package auth

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RiskLevel grades how much damage a permission can do.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool { return r.rank() > 0 }

// Permission is an immutable catalog entry.
type Permission struct {
	Key                   string    `yaml:"key" json:"key"`
	Description           string    `yaml:"description" json:"description,omitempty"`
	RiskLevel             RiskLevel `yaml:"risk_level" json:"risk_level"`
	ResourceScope         []string  `yaml:"resource_scope" json:"resource_scope,omitempty"`
	Dependencies          []string  `yaml:"dependencies" json:"dependencies,omitempty"`
	Conflicts             []string  `yaml:"conflicts" json:"conflicts,omitempty"`
	AuditRequired         bool      `yaml:"audit_required" json:"audit_required"`
	TemporaryGrantAllowed bool      `yaml:"temporary_grant_allowed" json:"temporary_grant_allowed"`
}

// Catalog is the validated, read-only registry of permissions.
type Catalog struct {
	perms     map[string]Permission
	keys      []string
	conflicts map[string]map[string]struct{}
}

// NewCatalog validates perms and builds a catalog. Conflict edges are made symmetric.
func NewCatalog(perms []Permission) (*Catalog, error) {
	c := &Catalog{
		perms:     make(map[string]Permission, len(perms)),
		conflicts: make(map[string]map[string]struct{}),
	}
	for _, p := range perms {
		p.Key = strings.TrimSpace(p.Key)
		if p.Key == "" {
			return nil, fmt.Errorf("%w: permission key is required", ErrInvalidInput)
		}
		if _, dup := c.perms[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %s", ErrInvalidInput, p.Key)
		}
		if p.RiskLevel == "" {
			p.RiskLevel = RiskLow
		}
		if !p.RiskLevel.Valid() {
			return nil, fmt.Errorf("%w: permission %s has unknown risk level %q", ErrInvalidInput, p.Key, p.RiskLevel)
		}
		p.ResourceScope = dedupeStrings(p.ResourceScope)
		p.Dependencies = dedupeStrings(p.Dependencies)
		p.Conflicts = dedupeStrings(p.Conflicts)
		c.perms[p.Key] = p
		c.keys = append(c.keys, p.Key)
	}
	sort.Strings(c.keys)

	for _, key := range c.keys {
		p := c.perms[key]
		for _, dep := range p.Dependencies {
			if _, ok := c.perms[dep]; !ok {
				return nil, fmt.Errorf("%w: permission %s depends on unknown %s", ErrInvalidInput, key, dep)
			}
			if dep == key {
				return nil, fmt.Errorf("%w: permission %s depends on itself", ErrInvalidInput, key)
			}
		}
		for _, other := range p.Conflicts {
			if _, ok := c.perms[other]; !ok {
				return nil, fmt.Errorf("%w: permission %s conflicts with unknown %s", ErrInvalidInput, key, other)
			}
			if other == key {
				return nil, fmt.Errorf("%w: permission %s conflicts with itself", ErrInvalidInput, key)
			}
			c.addConflict(key, other)
			c.addConflict(other, key)
		}
	}
	for _, key := range c.keys {
		for _, dep := range c.perms[key].Dependencies {
			if c.ConflictsWith(key, dep) {
				return nil, fmt.Errorf("%w: permission %s both depends on and conflicts with %s", ErrInvalidInput, key, dep)
			}
		}
	}
	return c, nil
}

func (c *Catalog) addConflict(a, b string) {
	set, ok := c.conflicts[a]
	if !ok {
		set = make(map[string]struct{})
		c.conflicts[a] = set
	}
	set[b] = struct{}{}
}

type catalogFile struct {
	Permissions []Permission `yaml:"permissions"`
}

// LoadCatalog parses a YAML document with a top-level "permissions" list.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", ErrInvalidInput, err)
	}
	if len(file.Permissions) == 0 {
		return nil, fmt.Errorf("%w: catalog has no permissions", ErrInvalidInput)
	}
	return NewCatalog(file.Permissions)
}

// Lookup returns the catalog entry for key.
func (c *Catalog) Lookup(key string) (Permission, bool) {
	p, ok := c.perms[key]
	return p, ok
}

// Has reports whether key is defined.
func (c *Catalog) Has(key string) bool {
	_, ok := c.perms[key]
	return ok
}

// Keys returns every permission key in sorted order.
func (c *Catalog) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

func (c *Catalog) Len() int { return len(c.keys) }

// ConflictsWith reports whether a and b may not co-occur.
func (c *Catalog) ConflictsWith(a, b string) bool {
	_, ok := c.conflicts[a][b]
	return ok
}

// Unknown returns the keys not present in the catalog.
func (c *Catalog) Unknown(keys []string) []string {
	var out []string
	for _, k := range keys {
		if !c.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// ConflictPairs lists every conflicting pair inside set, each pair sorted and reported once.
func (c *Catalog) ConflictPairs(set map[string]struct{}) [][2]string {
	var pairs [][2]string
	for a := range set {
		for b := range c.conflicts[a] {
			if _, ok := set[b]; ok && a < b {
				pairs = append(pairs, [2]string{a, b})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0] != pairs[j][0] {
			return pairs[i][0] < pairs[j][0]
		}
		return pairs[i][1] < pairs[j][1]
	})
	return pairs
}

// MissingDependencies maps each key in set to the dependencies set lacks.
func (c *Catalog) MissingDependencies(set map[string]struct{}) map[string][]string {
	var missing map[string][]string
	for key := range set {
		for _, dep := range c.perms[key].Dependencies {
			if _, ok := set[dep]; ok {
				continue
			}
			if missing == nil {
				missing = make(map[string][]string)
			}
			missing[key] = append(missing[key], dep)
		}
	}
	return missing
}

// AuditRequired reports whether any of keys demands a guaranteed audit write.
func (c *Catalog) AuditRequired(keys []string) bool {
	for _, k := range keys {
		if c.perms[k].AuditRequired {
			return true
		}
	}
	return false
}

// AnyCritical reports whether any of keys is rated critical.
func (c *Catalog) AnyCritical(keys []string) bool {
	for _, k := range keys {
		if c.perms[k].RiskLevel == RiskCritical {
			return true
		}
	}
	return false
}
