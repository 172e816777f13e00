// Package acl evaluates entity permissions: which role may run which
// action, which columns it may touch, and the row policy rewritten into a
// predicate the planner attaches to the query.
package acl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/qbloq/datagate/core/internal/qcode"
)

// ActionSpec is one configured action grant.
type ActionSpec struct {
	Name    string // create, read, update, delete, execute or *
	Include []string
	Exclude []string
	Policy  string // database policy expression, empty when absent
}

// PermissionSpec is one role's grants on an entity.
type PermissionSpec struct {
	Role    string
	Actions []ActionSpec
}

// rule is a resolved grant: the effective column mask plus the raw policy.
type rule struct {
	mask   map[string]bool
	policy string
}

type entityACL struct {
	columns []string // lowercased, declaration order
	roles   map[string]map[string]rule
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Mask holds the lowercased readable/writable column names. A nil
	// mask means no column restriction (stored procedures).
	Mask map[string]bool

	// Predicate is the row policy lowered to an expression tree, nil when
	// the grant carries no policy.
	Predicate *qcode.Exp
}

// Authorizer answers permission checks for one config snapshot. Build it
// once per snapshot; it is read-only afterwards.
type Authorizer struct {
	entities map[string]entityACL
	roles    map[string]bool // every role named anywhere in the config
}

// New creates an empty authorizer.
func New() *Authorizer {
	return &Authorizer{
		entities: make(map[string]entityACL),
		roles:    make(map[string]bool),
	}
}

// AddEntity registers an entity's permissions. The wildcard action expands
// to execute for procedures and to the four CRUD actions otherwise.
func (a *Authorizer) AddEntity(entity string, columns []string, isProcedure bool, perms []PermissionSpec) error {
	e := entityACL{roles: make(map[string]map[string]rule)}
	for _, c := range columns {
		e.columns = append(e.columns, strings.ToLower(c))
	}

	for _, p := range perms {
		role := strings.ToLower(p.Role)
		a.roles[role] = true

		actions, ok := e.roles[role]
		if !ok {
			actions = make(map[string]rule)
			e.roles[role] = actions
		}

		for _, spec := range p.Actions {
			names := []string{spec.Name}
			if spec.Name == "*" {
				if isProcedure {
					names = []string{"execute"}
				} else {
					names = []string{"create", "read", "update", "delete"}
				}
			}
			r, err := buildRule(e.columns, spec)
			if err != nil {
				return fmt.Errorf("entity %s, role %s: %w", entity, p.Role, err)
			}
			for _, n := range names {
				actions[n] = r
			}
		}
	}

	a.entities[strings.ToLower(entity)] = e
	return nil
}

// buildRule resolves include/exclude into the effective mask. A column in
// both lists is excluded. An empty include means every column.
func buildRule(columns []string, spec ActionSpec) (rule, error) {
	mask := make(map[string]bool, len(columns))

	include := spec.Include
	if len(include) == 0 {
		include = []string{"*"}
	}
	for _, c := range include {
		if c == "*" {
			for _, col := range columns {
				mask[col] = true
			}
			continue
		}
		lc := strings.ToLower(c)
		if !contains(columns, lc) {
			return rule{}, fmt.Errorf("fields.include names unknown column %q", c)
		}
		mask[lc] = true
	}
	for _, c := range spec.Exclude {
		if c == "*" {
			for col := range mask {
				delete(mask, col)
			}
			continue
		}
		delete(mask, strings.ToLower(c))
	}

	return rule{mask: mask, policy: spec.Policy}, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// RoleDeclared reports whether any entity grants the role anything.
func (a *Authorizer) RoleDeclared(role string) bool {
	return a.roles[strings.ToLower(role)]
}

// Authorize checks one access. The requested columns are the ones the
// caller explicitly asked for; any outside the mask fails the whole
// request rather than silently narrowing it.
func (a *Authorizer) Authorize(entity, role, action string, requested []string, claims map[string]interface{}) (Decision, error) {
	e, ok := a.entities[strings.ToLower(entity)]
	if !ok {
		return Decision{}, &qcode.Error{Kind: qcode.KindNotFound, Message: fmt.Sprintf("entity %q is not configured", entity)}
	}

	actions, ok := e.roles[strings.ToLower(role)]
	if !ok {
		return Decision{}, forbidden("role %q has no access to %s", role, entity)
	}
	r, ok := actions[action]
	if !ok {
		return Decision{}, forbidden("role %q may not %s %s", role, action, entity)
	}

	for _, c := range requested {
		if !r.mask[strings.ToLower(c)] {
			return Decision{}, forbidden("field %q on %s is not accessible to role %q", c, entity, role)
		}
	}

	d := Decision{Mask: r.mask}
	if action == "execute" {
		// Procedures have no column granularity and no row policy.
		d.Mask = nil
		return d, nil
	}

	if r.policy != "" {
		exp, err := CompilePolicy(r.policy, e.columns, claims)
		if err != nil {
			return Decision{}, err
		}
		d.Predicate = exp
	}
	return d, nil
}

// MaskColumns returns the mask as a sorted column list, for REST
// projections.
func (d Decision) MaskColumns() []string {
	cols := make([]string, 0, len(d.Mask))
	for c := range d.Mask {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func forbidden(format string, args ...interface{}) *qcode.Error {
	return &qcode.Error{Kind: qcode.KindForbidden, Message: fmt.Sprintf(format, args...)}
}
