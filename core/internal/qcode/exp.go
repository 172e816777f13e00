package qcode

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/sdata"
	"github.com/qbloq/datagate/core/internal/schema"
)

// ExpOp is a predicate operator.
type ExpOp int

const (
	OpNop ExpOp = iota
	OpAnd
	OpOr
	OpNot
	OpEq
	OpNeq
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpIsNull
	OpIsNotNull
	OpContains
	OpStartsWith
	OpEndsWith
)

// Exp is one node of a predicate tree. Leaf values are never inlined into
// SQL text; the renderer binds them as parameters.
type Exp struct {
	Op       ExpOp
	Col      string
	Val      interface{}
	List     []interface{}
	Children []*Exp
}

// NewAnd joins expressions under a single AND, flattening as it goes.
// nil children are dropped; a single survivor is returned unwrapped.
func NewAnd(exps ...*Exp) *Exp {
	var kids []*Exp
	for _, e := range exps {
		switch {
		case e == nil:
		case e.Op == OpAnd:
			kids = append(kids, e.Children...)
		default:
			kids = append(kids, e)
		}
	}
	switch len(kids) {
	case 0:
		return nil
	case 1:
		return kids[0]
	}
	return &Exp{Op: OpAnd, Children: kids}
}

var filterOps = map[string]ExpOp{
	"eq":         OpEq,
	"neq":        OpNeq,
	"gt":         OpGt,
	"gte":        OpGte,
	"lt":         OpLt,
	"lte":        OpLte,
	"in":         OpIn,
	"contains":   OpContains,
	"startsWith": OpStartsWith,
	"endsWith":   OpEndsWith,
}

// compileFilter lowers a GraphQL filter input value into an Exp tree. The
// ast value, when present, fixes the traversal order so the same query text
// always yields the same tree.
func compileFilter(shape *sdata.TableShape, v interface{}, astv *ast.Value) (*Exp, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, badRequest("filter must be an object")
	}

	var exps []*Exp
	for _, key := range orderedKeys(m, astv) {
		fv := m[key]
		fav := astChild(astv, key)

		switch key {
		case "and", "or":
			list, ok := fv.([]interface{})
			if !ok {
				return nil, badRequest("filter.%s must be a list", key)
			}
			node := &Exp{Op: OpAnd}
			if key == "or" {
				node.Op = OpOr
			}
			for i, item := range list {
				child, err := compileFilter(shape, item, astListItem(fav, i))
				if err != nil {
					return nil, err
				}
				if child != nil {
					node.Children = append(node.Children, child)
				}
			}
			if len(node.Children) != 0 {
				exps = append(exps, node)
			}

		case "not":
			child, err := compileFilter(shape, fv, fav)
			if err != nil {
				return nil, err
			}
			if child != nil {
				exps = append(exps, &Exp{Op: OpNot, Children: []*Exp{child}})
			}

		default:
			col, ok := shape.Column(key)
			if !ok {
				return nil, badRequest("filter references unknown field %q", key)
			}
			leaf, err := compileFieldFilter(col, fv, fav)
			if err != nil {
				return nil, err
			}
			exps = append(exps, leaf...)
		}
	}

	return NewAnd(exps...), nil
}

// compileFieldFilter lowers one per-field operator object, e.g.
// {gt: 1990, lte: 2010}.
func compileFieldFilter(col sdata.DBColumn, v interface{}, astv *ast.Value) ([]*Exp, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, badRequest("filter on %s must be an operator object", col.Name)
	}

	var exps []*Exp
	for _, op := range orderedKeys(m, astv) {
		val := m[op]

		if op == "isNull" {
			b, ok := val.(bool)
			if !ok {
				return nil, badRequest("%s.isNull must be a boolean", col.Name)
			}
			e := &Exp{Op: OpIsNull, Col: col.Name}
			if !b {
				e.Op = OpIsNotNull
			}
			exps = append(exps, e)
			continue
		}

		eop, ok := filterOps[op]
		if !ok {
			return nil, badRequest("unknown filter operator %q on %s", op, col.Name)
		}

		e := &Exp{Op: eop, Col: col.Name}
		if eop == OpIn {
			list, ok := val.([]interface{})
			if !ok {
				return nil, badRequest("%s.in must be a list", col.Name)
			}
			if len(list) == 0 {
				return nil, badRequest("%s.in must not be empty", col.Name)
			}
			e.List = list
		} else {
			if val == nil {
				return nil, badRequest("%s.%s must not be null, use isNull", col.Name, op)
			}
			e.Val = val
		}

		if eop == OpContains || eop == OpStartsWith || eop == OpEndsWith {
			if !schema.IsTextScalar(schema.ColumnToGraphQL(col.Type)) {
				return nil, badRequest("%s does not support %s", col.Name, op)
			}
		}

		exps = append(exps, e)
	}
	return exps, nil
}

// orderedKeys returns map keys in query text order when the ast value is an
// object literal, and sorted otherwise (values passed through variables).
func orderedKeys(m map[string]interface{}, astv *ast.Value) []string {
	if astv != nil && astv.Kind == ast.ObjectValue {
		keys := make([]string, 0, len(m))
		for _, ch := range astv.Children {
			if _, ok := m[ch.Name]; ok {
				keys = append(keys, ch.Name)
			}
		}
		if len(keys) == len(m) {
			return keys
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func astChild(astv *ast.Value, key string) *ast.Value {
	if astv == nil || astv.Kind != ast.ObjectValue {
		return nil
	}
	for _, ch := range astv.Children {
		if ch.Name == key {
			return ch.Value
		}
	}
	return nil
}

func astListItem(astv *ast.Value, i int) *ast.Value {
	if astv == nil || astv.Kind != ast.ListValue || i >= len(astv.Children) {
		return nil
	}
	return astv.Children[i].Value
}

// columnIn reports whether name names a column of the shape, ignoring case.
func columnIn(shape *sdata.TableShape, name string) (sdata.DBColumn, bool) {
	return shape.Column(strings.TrimSpace(name))
}
