package qcode

import (
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/schema"
)

func (co *Compiler) compileMutationField(
	f *ast.Field,
	b schema.FieldBinding,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	e := co.sc.Entities[b.Entity]

	switch b.Kind {
	case schema.OpCreate:
		return co.compileCreate(f, e, vars, auth)
	case schema.OpUpdate:
		return co.compileUpdate(f, e, vars, auth)
	case schema.OpDelete:
		return co.compileDelete(f, e, vars, auth)
	case schema.OpExecute:
		return co.compileExecute(f, e, vars, auth)
	default:
		return nil, &Error{Kind: KindInternal, Message: "field binding kind out of range"}
	}
}

func (co *Compiler) compileCreate(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	item, _, err := argValue(f, "item", vars)
	if err != nil {
		return nil, err
	}
	values, err := co.itemValues(e, item, false)
	if err != nil {
		return nil, err
	}

	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTInsert,
		Shape:     ShapeObject,
		Mutate:    &Mutate{Values: values},
	}

	if err := co.authorizeWrite(q, "create", auth); err != nil {
		return nil, err
	}
	return q, co.attachReadAfter(q, f, e, vars, auth)
}

func (co *Compiler) compileUpdate(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	preds, err := pkPreds(f, e, vars)
	if err != nil {
		return nil, err
	}

	item, _, err := argValue(f, "item", vars)
	if err != nil {
		return nil, err
	}
	values, err := co.itemValues(e, item, true)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, badRequest("update on %s sets no fields", e.Name)
	}

	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTUpdate,
		Shape:     ShapeObject,
		Preds:     preds,
		Mutate:    &Mutate{Values: values, Incremental: true},
	}

	if err := co.authorizeWrite(q, "update", auth); err != nil {
		return nil, err
	}
	return q, co.attachReadAfter(q, f, e, vars, auth)
}

func (co *Compiler) compileDelete(
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	preds, err := pkPreds(f, e, vars)
	if err != nil {
		return nil, err
	}

	q := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTDelete,
		Shape:     ShapeObject,
		Preds:     preds,
	}

	// The deleted row is returned from the delete itself, so the selection
	// is limited to the entity's own columns.
	for _, sel := range f.SelectionSet {
		sub, ok := sel.(*ast.Field)
		if !ok {
			return nil, badRequest("fragments are not supported")
		}
		if sub.Name == "__typename" {
			continue
		}
		col, ok := columnIn(e.Shape, sub.Name)
		if !ok {
			return nil, badRequest("delete on %s can only return its own fields, got %q", e.Name, sub.Name)
		}
		q.Cols = append(q.Cols, Col{Name: col.Name, Alias: outputName(sub)})
	}
	if len(q.Cols) == 0 {
		return nil, badRequest("selection on %s must not be empty", e.Name)
	}

	return q, co.authorizeWrite(q, "delete", auth)
}

// CompileUpsert plans an insert-or-update keyed on the full primary key.
// Incremental restricts the update half to the supplied columns; otherwise
// omitted updatable columns are reset to their defaults.
func (co *Compiler) CompileUpsert(
	e *schema.EntityDef,
	keys map[string]interface{},
	body map[string]interface{},
	incremental bool,
	auth AuthFn,
) (*SQLQuery, error) {
	values, err := co.itemValues(e, body, true)
	if err != nil {
		return nil, err
	}

	var preds []*Exp
	var keyCols []MCol
	for _, k := range e.PrimaryKey {
		v, ok := keys[k]
		if !ok {
			return nil, badRequest("primary key %q is required", k)
		}
		preds = append(preds, &Exp{Op: OpEq, Col: k, Val: v})
		keyCols = append(keyCols, MCol{Col: k, Value: v})
	}
	// Key columns lead the insert column list.
	values = append(keyCols, values...)

	q := &SQLQuery{
		Entity: e,
		Type:   QTUpsert,
		Shape:  ShapeObject,
		Preds:  preds,
		Mutate: &Mutate{Values: values, Incremental: incremental},
	}

	action := "update"
	if err := co.authorizeWrite(q, action, auth); err != nil {
		return nil, err
	}

	// Re-select through the read path with the full permitted column set.
	read := &SQLQuery{
		Entity: e,
		Type:   QTByPK,
		Shape:  ShapeObject,
		First:  1,
	}
	if err := co.maskedCols(read, auth); err != nil {
		return nil, err
	}
	q.ReadAfter = read
	return q, nil
}

// itemValues validates an input object against the shape and returns the
// column assignments in a deterministic order. Fields matching no column
// are rejected unless the compiler runs with AllowUnknownFields.
func (co *Compiler) itemValues(e *schema.EntityDef, item interface{}, skipKeys bool) ([]MCol, error) {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil, badRequest("item must be an object")
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var values []MCol
	for _, k := range keys {
		if k == "_placeholder" {
			continue
		}
		col, ok := columnIn(e.Shape, k)
		if !ok {
			if co.conf.AllowUnknownFields {
				continue
			}
			return nil, badRequest("unknown field %q on %s", k, e.Name)
		}
		if col.AutoGenerated {
			return nil, badRequest("field %q on %s is generated and cannot be written", k, e.Name)
		}
		if skipKeys && col.PrimaryKey {
			continue
		}
		values = append(values, MCol{Col: col.Name, Value: m[k]})
	}
	return values, nil
}

// authorizeWrite checks the written and returned columns against the
// action's mask and attaches the row policy predicate.
func (co *Compiler) authorizeWrite(q *SQLQuery, action string, auth AuthFn) error {
	var requested []string
	if q.Mutate != nil {
		for _, v := range q.Mutate.Values {
			requested = append(requested, v.Col)
		}
	}
	for _, c := range q.Cols {
		if !c.Internal {
			requested = append(requested, c.Name)
		}
	}

	info, err := auth(q.Entity.Name, action, requested)
	if err != nil {
		return err
	}
	q.Mask = info.Mask
	if info.Predicate != nil {
		q.Preds = append(q.Preds, info.Predicate)
	}
	return nil
}

// attachReadAfter compiles the mutation's selection into the read plan the
// executor runs once the write has produced its primary key.
func (co *Compiler) attachReadAfter(
	q *SQLQuery,
	f *ast.Field,
	e *schema.EntityDef,
	vars map[string]interface{},
	auth AuthFn,
) error {
	read := &SQLQuery{
		Entity:    e,
		FieldName: outputName(f),
		Type:      QTByPK,
		Shape:     ShapeObject,
		First:     1,
	}
	if err := co.compileObjectSelection(f.SelectionSet, read, e, vars, auth); err != nil {
		return err
	}
	if err := co.authorize(read, "read", auth); err != nil {
		return err
	}
	q.ReadAfter = read
	return nil
}

// maskedCols projects every readable column of the entity, for REST
// responses where no explicit selection exists.
func (co *Compiler) maskedCols(q *SQLQuery, auth AuthFn) error {
	info, err := auth(q.Entity.Name, "read", nil)
	if err != nil {
		return err
	}
	q.Mask = info.Mask
	if info.Predicate != nil {
		q.Preds = append(q.Preds, info.Predicate)
	}
	for _, c := range q.Entity.Shape.Columns {
		if info.Mask == nil || info.Mask[strings.ToLower(c.Name)] {
			q.Cols = append(q.Cols, Col{Name: c.Name, Alias: c.Name})
		}
	}
	if len(q.Cols) == 0 {
		return &Error{Kind: KindForbidden, Message: "no readable fields on " + q.Entity.Name}
	}
	return nil
}
