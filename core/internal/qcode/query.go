package qcode

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/sdata"
	"github.com/qbloq/datagate/core/internal/schema"
)

func (co *Compiler) compileQueryField(
	f *ast.Field,
	b schema.FieldBinding,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	e := co.sc.Entities[b.Entity]

	switch b.Kind {
	case schema.OpQueryByPK:
		return co.compileByPK(f, e, vars, auth)
	case schema.OpQueryList:
		return co.compileConnection(f, e, vars, auth)
	case schema.OpExecute:
		return co.compileExecute(f, e, vars, auth)
	default:
		return nil, &Error{Kind: KindInternal, Message: "field binding kind out of range"}
	}
}

// compileByPK plans a single-row read. Every primary key column must be
// supplied as an argument.
func (co *Compiler) compileByPK(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTByPK,
		Shape:     ShapeObject,
		First:     1,
	}

	preds, err := pkPreds(f, e, vars)
	if err != nil {
		return nil, err
	}
	q.Preds = preds

	if err := co.compileObjectSelection(f.SelectionSet, q, e, vars, auth); err != nil {
		return nil, err
	}
	return q, co.authorize(q, "read", auth)
}

// pkPreds builds equality predicates from the primary key arguments.
func pkPreds(f *ast.Field, e *schema.EntityDef, vars map[string]interface{}) ([]*Exp, error) {
	var preds []*Exp
	for _, k := range e.PrimaryKey {
		v, _, err := argValue(f, k, vars)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, badRequest("primary key argument %q is required", k)
		}
		preds = append(preds, &Exp{Op: OpEq, Col: k, Val: v})
	}
	return preds, nil
}

// compileConnection plans a collection read: the field's selection is a
// connection (items, hasNextPage, endCursor, groupBy).
func (co *Compiler) compileConnection(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTQuery,
		Shape:     ShapeArray,
	}

	if err := co.compileListArgs(f, q, vars); err != nil {
		return nil, err
	}

	for _, sel := range f.SelectionSet {
		sub, ok := sel.(*ast.Field)
		if !ok {
			return nil, badRequest("fragments are not supported in connection fields")
		}
		switch sub.Name {
		case "items":
			q.WantsItems = true
			if err := co.compileObjectSelection(sub.SelectionSet, q, e, vars, auth); err != nil {
				return nil, err
			}
		case "hasNextPage":
			q.WantsHasNext = true
		case "endCursor":
			q.WantsEndCursor = true
		case "groupBy":
			gb, err := co.compileGroupBy(sub, e, vars)
			if err != nil {
				return nil, err
			}
			q.GroupBy = gb
		case "__typename":
			// resolved locally
		default:
			return nil, badRequest("unknown connection field %q", sub.Name)
		}
	}

	addCursorCols(q)
	return q, co.authorize(q, "read", auth)
}

// compileListArgs resolves first, after, filter and orderBy, establishes
// the stable ordering and decodes the cursor against it.
func (co *Compiler) compileListArgs(f *ast.Field, q *SQLQuery, vars map[string]interface{}) error {
	e := q.Entity

	q.First = co.conf.DefaultPageSize
	if v, _, err := argValue(f, "first", vars); err != nil {
		return err
	} else if v != nil {
		n, ok := toInt(v)
		if !ok || n <= 0 {
			return badRequest("first must be a positive integer")
		}
		if n > co.conf.FirstCap {
			return badRequest("first exceeds the maximum page size of %d", co.conf.FirstCap)
		}
		q.First = n
	}

	if v, av, err := argValue(f, "orderBy", vars); err != nil {
		return err
	} else if v != nil {
		order, oerr := compileOrderBy(e, v, av)
		if oerr != nil {
			return oerr
		}
		q.OrderBy = order
	}
	q.OrderBy = withPKTail(q.OrderBy, e)

	if v, av, err := argValue(f, "filter", vars); err != nil {
		return err
	} else if v != nil {
		exp, ferr := compileFilter(e.Shape, v, av)
		if ferr != nil {
			return ferr
		}
		if exp != nil {
			q.Preds = append(q.Preds, exp)
		}
	}

	if v, _, err := argValue(f, "after", vars); err != nil {
		return err
	} else if v != nil {
		token, ok := v.(string)
		if !ok {
			return badRequest("after must be a string")
		}
		cur, cerr := DecodeCursor(token, q.OrderBy)
		if cerr != nil {
			return cerr
		}
		q.Cursor = cur
		q.Preds = append(q.Preds, cur.Predicate())
	}
	return nil
}

// compileOrderBy lowers an orderBy input object, preserving the order the
// terms appear in the query text.
func compileOrderBy(e *schema.EntityDef, v interface{}, astv *ast.Value) ([]OrderPart, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, badRequest("orderBy must be an object")
	}
	var order []OrderPart
	for _, key := range orderedKeys(m, astv) {
		col, ok := e.Shape.Column(key)
		if !ok {
			return nil, badRequest("orderBy references unknown field %q", key)
		}
		dir, ok := m[key].(string)
		if !ok || (dir != "ASC" && dir != "DESC") {
			return nil, badRequest("orderBy.%s must be ASC or DESC", key)
		}
		order = append(order, OrderPart{Col: col.Name, Desc: dir == "DESC"})
	}
	return order, nil
}

// withPKTail appends any primary key column missing from the ordering so
// keyset pagination is total and deterministic.
func withPKTail(order []OrderPart, e *schema.EntityDef) []OrderPart {
	for _, k := range e.PrimaryKey {
		found := false
		for _, p := range order {
			if strings.EqualFold(p.Col, k) {
				found = true
				break
			}
		}
		if !found {
			order = append(order, OrderPart{Col: k})
		}
	}
	return order
}

// addCursorCols projects every ordering column under an internal alias so
// the shaper can mint the next cursor from the last row.
func addCursorCols(q *SQLQuery) {
	for _, p := range q.OrderBy {
		q.Cols = append(q.Cols, Col{
			Name:     p.Col,
			Alias:    "__cursor_" + p.Col,
			Internal: true,
		})
	}
}

// compileObjectSelection fills in scalar columns and nested navigation
// children from an object selection set.
func (co *Compiler) compileObjectSelection(
	set ast.SelectionSet,
	q *SQLQuery,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) error {
	if len(set) == 0 {
		return badRequest("selection on %s must not be empty", e.Name)
	}

	seen := map[string]bool{}

	for _, sel := range set {
		f, ok := sel.(*ast.Field)
		if !ok {
			return badRequest("fragments are not supported")
		}
		if f.Name == "__typename" {
			continue
		}

		alias := outputName(f)
		if seen[alias] {
			return badRequest("duplicate response key %q on %s", alias, e.Name)
		}
		seen[alias] = true

		if col, ok := columnIn(e.Shape, f.Name); ok {
			if len(f.SelectionSet) != 0 {
				return badRequest("field %s.%s is a scalar", e.Name, f.Name)
			}
			q.Cols = append(q.Cols, Col{Name: col.Name, Alias: alias})
			continue
		}

		rel := findRel(e, f.Name)
		if rel == nil {
			return badRequest("unknown field %q on %s", f.Name, e.Name)
		}
		child, err := co.compileRelField(f, e, rel, vars, auth)
		if err != nil {
			return err
		}
		q.Children = append(q.Children, child)
	}
	return nil
}

func findRel(e *schema.EntityDef, field string) *schema.RelDef {
	for i := range e.Rels {
		if e.Rels[i].FieldName == field {
			return &e.Rels[i]
		}
	}
	return nil
}

// compileRelField plans a nested navigation: a correlated child query
// joined to the parent row.
func (co *Compiler) compileRelField(
	f *ast.Field,
	parent *schema.EntityDef,
	rel *schema.RelDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	target, ok := co.sc.Entities[rel.Target]
	if !ok {
		return nil, &Error{Kind: KindInternal, Message: "relationship targets unknown entity " + rel.Target}
	}

	join, err := resolveJoin(parent, target, rel)
	if err != nil {
		return nil, err
	}

	if rel.Cardinality == "one" {
		q := &SQLQuery{
			Entity:    target,
			FieldName: outputName(f),
			Type:      QTQuery,
			Shape:     ShapeObject,
			First:     1,
			Rel:       join,
		}
		if err := co.compileObjectSelection(f.SelectionSet, q, target, vars, auth); err != nil {
			return nil, err
		}
		return q, co.authorize(q, "read", auth)
	}

	q := &SQLQuery{
		Entity:    target,
		FieldName: outputName(f),
		Type:      QTQuery,
		Shape:     ShapeArray,
		Rel:       join,
	}
	if err := co.compileListArgs(f, q, vars); err != nil {
		return nil, err
	}

	for _, sel := range f.SelectionSet {
		sub, ok := sel.(*ast.Field)
		if !ok {
			return nil, badRequest("fragments are not supported in connection fields")
		}
		switch sub.Name {
		case "items":
			q.WantsItems = true
			if err := co.compileObjectSelection(sub.SelectionSet, q, target, vars, auth); err != nil {
				return nil, err
			}
		case "hasNextPage":
			q.WantsHasNext = true
		case "endCursor":
			q.WantsEndCursor = true
		case "__typename":
		case "groupBy":
			return nil, badRequest("groupBy is only supported on top-level collections")
		default:
			return nil, badRequest("unknown connection field %q", sub.Name)
		}
	}

	addCursorCols(q)
	return q, co.authorize(q, "read", auth)
}

// resolveJoin turns a relationship definition into concrete join fields,
// inferring from foreign keys when the config leaves them out.
func resolveJoin(parent, target *schema.EntityDef, rel *schema.RelDef) (*Rel, error) {
	if rel.LinkObject != "" {
		if len(rel.LinkSourceFields) == 0 || len(rel.LinkTargetFields) == 0 {
			return nil, &Error{Kind: KindInternal, Message: "linking relationship on " + parent.Name + " is missing linking fields"}
		}
		pf := rel.SourceFields
		if len(pf) == 0 {
			pf = parent.PrimaryKey
		}
		tf := rel.TargetFields
		if len(tf) == 0 {
			tf = target.PrimaryKey
		}
		return &Rel{
			ParentFields:     pf,
			ChildFields:      tf,
			LinkTable:        rel.LinkObject,
			LinkParentFields: rel.LinkSourceFields,
			LinkChildFields:  rel.LinkTargetFields,
		}, nil
	}

	if len(rel.SourceFields) != 0 && len(rel.TargetFields) != 0 {
		return &Rel{ParentFields: rel.SourceFields, ChildFields: rel.TargetFields}, nil
	}

	pf, cf, err := sdata.InferJoin(parent.Shape, target.Shape)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Message: err.Error()}
	}
	return &Rel{ParentFields: pf, ChildFields: cf}, nil
}

// compileGroupBy lowers the groupBy connection field into an aggregation
// plan executed as its own statement.
func (co *Compiler) compileGroupBy(f *ast.Field, e *schema.EntityDef, vars map[string]interface{}) (*GroupBy, error) {
	gb := &GroupBy{}

	if v, _, err := argValue(f, "by", vars); err != nil {
		return nil, err
	} else if v != nil {
		list, ok := v.([]interface{})
		if !ok {
			return nil, badRequest("groupBy.by must be a list")
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, badRequest("groupBy.by entries must be field names")
			}
			col, ok := columnIn(e.Shape, name)
			if !ok {
				return nil, badRequest("groupBy references unknown field %q", name)
			}
			gb.By = append(gb.By, col.Name)
		}
	}

	if v, _, err := argValue(f, "aggregations", vars); err != nil {
		return nil, err
	} else if v != nil {
		list, ok := v.([]interface{})
		if !ok {
			return nil, badRequest("groupBy.aggregations must be a list")
		}
		for _, item := range list {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, badRequest("aggregation entries must be objects")
			}
			fn, _ := m["fn"].(string)
			field, _ := m["field"].(string)
			if fn == "" || field == "" {
				return nil, badRequest("aggregation requires fn and field")
			}
			if !validAggFn(fn) {
				return nil, badRequest("unknown aggregation function %q", fn)
			}
			col, ok := columnIn(e.Shape, field)
			if !ok {
				return nil, badRequest("aggregation references unknown field %q", field)
			}
			alias, _ := m["alias"].(string)
			if alias == "" {
				alias = fn + "_" + col.Name
			}
			gb.Aggs = append(gb.Aggs, Agg{Fn: fn, Field: col.Name, Alias: alias})
		}
	}

	if len(gb.By) == 0 && len(gb.Aggs) == 0 {
		return nil, badRequest("groupBy requires by fields or aggregations")
	}
	return gb, nil
}

func validAggFn(fn string) bool {
	switch fn {
	case "count", "sum", "avg", "min", "max", "countDistinct":
		return true
	}
	return false
}

// compileExecute plans a stored procedure call. Arguments default from the
// config and every declared parameter must end up bound.
func (co *Compiler) compileExecute(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTExecute,
		Shape:     ShapeArray,
	}

	for _, p := range e.Shape.Parameters {
		v, _, err := argValue(f, p.Name, vars)
		if err != nil {
			return nil, err
		}
		if v == nil {
			def, ok := e.ParamDefaults[p.Name]
			if !ok {
				return nil, badRequest("procedure parameter %q is required", p.Name)
			}
			v = def
		}
		q.Proc = append(q.Proc, MCol{Col: p.Name, Value: v})
	}

	return q, co.authorize(q, "execute", auth)
}

// authorize runs the auth callback for a query node, stores the column
// mask and attaches the row policy predicate. Row policies never apply to
// procedure execution.
func (co *Compiler) authorize(q *SQLQuery, action string, auth AuthFn) error {
	var requested []string
	for _, c := range q.Cols {
		if !c.Internal {
			requested = append(requested, c.Name)
		}
	}
	if q.GroupBy != nil {
		requested = append(requested, q.GroupBy.By...)
		for _, a := range q.GroupBy.Aggs {
			requested = append(requested, a.Field)
		}
	}

	info, err := auth(q.Entity.Name, action, requested)
	if err != nil {
		return err
	}
	q.Mask = info.Mask
	if info.Predicate != nil && action != "execute" {
		q.Preds = append(q.Preds, info.Predicate)
	}
	return nil
}

// toInt normalizes the numeric types GraphQL values decode into.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
