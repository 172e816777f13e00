// Package qcode compiles a GraphQL selection set or a REST request into a
// SQLQuery tree, the backend-neutral query structure the renderer lowers
// to dialect SQL. All user values stay symbolic until parameter binding.
package qcode

import (
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/schema"
)

// QType classifies a planned operation.
type QType int

const (
	QTQuery QType = iota // collection read
	QTByPK               // single row by primary key
	QTInsert
	QTUpdate
	QTDelete
	QTUpsert
	QTExecute // stored procedure
	QTGroupBy
)

// ShapeKind is the JSON shape a query node produces.
type ShapeKind int

const (
	ShapeObject ShapeKind = iota
	ShapeArray
	ShapeScalar
)

// Col is one projected column. Internal columns are required for joins,
// ordering or cursor encoding and are stripped by the response shaper.
type Col struct {
	Name     string
	Alias    string
	Internal bool
}

// OrderPart is one ORDER BY term.
type OrderPart struct {
	Col  string
	Desc bool
}

// Rel carries the join condition between a child query and its parent.
type Rel struct {
	ParentFields []string
	ChildFields  []string

	// Many-to-many linking through a join table.
	LinkTable        string
	LinkParentFields []string
	LinkChildFields  []string
}

// MCol is one column assignment of a mutation or procedure argument.
type MCol struct {
	Col   string
	Value interface{}
}

// Mutate carries the write half of an insert/update/delete/upsert plan.
type Mutate struct {
	Values      []MCol
	Incremental bool // PATCH: only the provided columns are set on update
}

// Agg is one aggregation of a groupBy query.
type Agg struct {
	Fn    string
	Field string
	Alias string
}

// GroupBy is the aggregation half of a collection query.
type GroupBy struct {
	By   []string
	Aggs []Agg
}

// SQLQuery is the rooted query structure described in the design: one node
// per entity selection, children for nested navigations.
type SQLQuery struct {
	Entity    *schema.EntityDef
	FieldName string // output key in the response JSON
	Type      QType
	Shape     ShapeKind

	Cols    []Col
	Preds   []*Exp
	OrderBy []OrderPart

	First  int     // requested page size; executor fetches First+1
	Cursor *Cursor // decoded 'after' token

	Children []*SQLQuery
	Rel      *Rel // join to parent; nil at the root

	Mutate  *Mutate
	GroupBy *GroupBy
	Proc    []MCol // stored procedure arguments

	// ReadAfter is the read plan a write re-selects its row through. The
	// executor binds the primary key returned by the write before running
	// it.
	ReadAfter *SQLQuery

	// Mask is the authorized column set for this node's entity. Projection
	// is restricted to it at planning time, so only masked columns ever
	// reach the database statement.
	Mask map[string]bool

	// WantsItems/WantsHasNext/WantsEndCursor record which connection
	// fields the caller asked for.
	WantsItems     bool
	WantsHasNext   bool
	WantsEndCursor bool
}

// AuthInfo is the planner's view of an authorization decision.
type AuthInfo struct {
	Mask      map[string]bool
	Predicate *Exp
}

// AuthFn resolves the decision for one entity and action. The requested
// columns are the ones the caller explicitly selected; authorization fails
// if any falls outside the role's column mask.
type AuthFn func(entity, action string, requested []string) (AuthInfo, error)

// ErrKind classifies planner failures for the error taxonomy mapping at
// the request boundary.
type ErrKind int

const (
	KindBadRequest ErrKind = iota
	KindForbidden
	KindNotFound
	KindInternal
)

// Error is a planner failure with enough classification for the boundary
// to map it onto a sub-code and HTTP status.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e *Error) Error() string { return e.Message }

func badRequest(format string, args ...interface{}) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Config tunes the compiler.
type Config struct {
	DefaultPageSize int
	FirstCap        int
	DepthLimit      int // -1 or 0 disables the check

	// MultipleMutations permits more than one mutation root field per
	// operation. The executor then runs them in a single transaction.
	MultipleMutations bool

	// AllowUnknownFields accepts request body fields that match no column
	// instead of rejecting the request.
	AllowUnknownFields bool
}

// Compiler plans queries against one synthesized schema. It is immutable
// and safe for concurrent use.
type Compiler struct {
	sc   *schema.Schema
	conf Config
}

// NewCompiler creates a planner over the schema.
func NewCompiler(sc *schema.Schema, conf Config) *Compiler {
	if conf.DefaultPageSize <= 0 {
		conf.DefaultPageSize = 100
	}
	if conf.FirstCap <= 0 {
		conf.FirstCap = 1000
	}
	return &Compiler{sc: sc, conf: conf}
}

// Schema returns the schema the compiler plans against.
func (co *Compiler) Schema() *schema.Schema { return co.sc }

// CompileOperation plans every top-level field of a GraphQL operation.
// Sibling fields become independent queries; the executor may run them
// concurrently.
func (co *Compiler) CompileOperation(
	op *ast.OperationDefinition,
	vars map[string]interface{},
	auth AuthFn,
) ([]*SQLQuery, error) {
	if co.conf.DepthLimit > 0 {
		if d := selectionDepth(op.SelectionSet); d > co.conf.DepthLimit {
			return nil, badRequest("query depth %d exceeds the configured limit of %d", d, co.conf.DepthLimit)
		}
	}
	if op.Operation == ast.Mutation && len(op.SelectionSet) > 1 && !co.conf.MultipleMutations {
		return nil, badRequest("operations with multiple mutation fields require multiple-mutations to be enabled")
	}

	var out []*SQLQuery
	for _, sel := range op.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			return nil, badRequest("fragments are not supported at the operation root")
		}

		var q *SQLQuery
		var err error

		switch op.Operation {
		case ast.Query:
			binding, ok := co.sc.QueryFields[field.Name]
			if !ok {
				return nil, badRequest("unknown query field %q", field.Name)
			}
			q, err = co.compileQueryField(field, binding, vars, auth)
		case ast.Mutation:
			binding, ok := co.sc.MutationFields[field.Name]
			if !ok {
				return nil, badRequest("unknown mutation field %q", field.Name)
			}
			q, err = co.compileMutationField(field, binding, vars, auth)
		default:
			return nil, badRequest("unsupported operation type %q", op.Operation)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

func selectionDepth(set ast.SelectionSet) int {
	max := 0
	for _, sel := range set {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		if d := selectionDepth(f.SelectionSet); d > max {
			max = d
		}
	}
	return max + 1
}

// outputName is the response key for a field, honoring aliases.
func outputName(f *ast.Field) string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// argValue resolves one argument of a field, or nil when absent.
func argValue(f *ast.Field, name string, vars map[string]interface{}) (interface{}, *ast.Value, error) {
	for _, a := range f.Arguments {
		if a.Name != name {
			continue
		}
		v, err := a.Value.Value(vars)
		if err != nil {
			return nil, nil, badRequest("argument %s: %s", name, err)
		}
		return v, a.Value, nil
	}
	return nil, nil, nil
}
