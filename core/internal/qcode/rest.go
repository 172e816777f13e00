package qcode

import (
	"strconv"
	"strings"

	"github.com/qbloq/datagate/core/internal/sdata"
	"github.com/qbloq/datagate/core/internal/schema"
)

// RestQuery carries the supported query string options of a REST read.
type RestQuery struct {
	Select  []string // $select columns; empty means every readable column
	Filter  string   // $filter OData expression
	OrderBy string   // $orderby column list
	First   int      // $first page size; 0 means the default
	After   string   // $after continuation token
}

// CompileRestRead plans a REST GET. With key values it is a single-row
// read; without, a paged collection read.
func (co *Compiler) CompileRestRead(
	e *schema.EntityDef,
	keys map[string]string,
	rq RestQuery,
	auth AuthFn,
) (*SQLQuery, error) {
	q := &SQLQuery{
		Entity:         e,
		Type:           QTQuery,
		Shape:          ShapeArray,
		WantsItems:     true,
		WantsHasNext:   true,
		WantsEndCursor: true,
	}

	if len(keys) != 0 {
		kv, err := CoerceKeys(e, keys)
		if err != nil {
			return nil, err
		}
		q.Type = QTByPK
		q.Shape = ShapeObject
		q.First = 1
		for _, k := range e.PrimaryKey {
			q.Preds = append(q.Preds, &Exp{Op: OpEq, Col: k, Val: kv[k]})
		}
	} else {
		q.First = co.conf.DefaultPageSize
		if rq.First != 0 {
			if rq.First < 0 {
				return nil, badRequest("$first must be a positive integer")
			}
			if rq.First > co.conf.FirstCap {
				return nil, badRequest("$first exceeds the maximum page size of %d", co.conf.FirstCap)
			}
			q.First = rq.First
		}

		if rq.OrderBy != "" {
			order, err := parseOrderBy(e, rq.OrderBy)
			if err != nil {
				return nil, err
			}
			q.OrderBy = order
		}
		q.OrderBy = withPKTail(q.OrderBy, e)

		if rq.Filter != "" {
			exp, err := ParseODataFilter(e.Shape, rq.Filter)
			if err != nil {
				return nil, err
			}
			q.Preds = append(q.Preds, exp)
		}

		if rq.After != "" {
			cur, err := DecodeCursor(rq.After, q.OrderBy)
			if err != nil {
				return nil, err
			}
			q.Cursor = cur
			q.Preds = append(q.Preds, cur.Predicate())
		}
	}

	if len(rq.Select) != 0 {
		for _, name := range rq.Select {
			col, ok := columnIn(e.Shape, name)
			if !ok {
				return nil, badRequest("$select references unknown field %q", name)
			}
			q.Cols = append(q.Cols, Col{Name: col.Name, Alias: col.Name})
		}
		if q.Shape == ShapeArray {
			addCursorCols(q)
		}
		return q, co.authorize(q, "read", auth)
	}

	// No $select: project everything the role may read.
	if err := co.maskedCols(q, auth); err != nil {
		return nil, err
	}
	if q.Shape == ShapeArray {
		addCursorCols(q)
	}
	return q, nil
}

// CompileRestInsert plans a REST POST. The created row is re-read with the
// full permitted column set.
func (co *Compiler) CompileRestInsert(
	e *schema.EntityDef,
	body map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	values, err := co.itemValues(e, body, false)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, badRequest("request body must set at least one field")
	}

	q := &SQLQuery{
		Entity: e,
		Type:   QTInsert,
		Shape:  ShapeObject,
		Mutate: &Mutate{Values: values},
	}
	if err := co.authorizeWrite(q, "create", auth); err != nil {
		return nil, err
	}

	read := &SQLQuery{Entity: e, Type: QTByPK, Shape: ShapeObject, First: 1}
	if err := co.maskedCols(read, auth); err != nil {
		return nil, err
	}
	q.ReadAfter = read
	return q, nil
}

// CompileRestDelete plans a REST DELETE by primary key.
func (co *Compiler) CompileRestDelete(
	e *schema.EntityDef,
	keys map[string]string,
	auth AuthFn,
) (*SQLQuery, error) {
	kv, err := CoerceKeys(e, keys)
	if err != nil {
		return nil, err
	}

	q := &SQLQuery{Entity: e, Type: QTDelete, Shape: ShapeObject}
	for _, k := range e.PrimaryKey {
		q.Preds = append(q.Preds, &Exp{Op: OpEq, Col: k, Val: kv[k]})
	}
	return q, co.authorizeWrite(q, "delete", auth)
}

// CompileRestExecute plans a stored procedure call from a REST body.
// Config defaults fill in missing parameters.
func (co *Compiler) CompileRestExecute(
	e *schema.EntityDef,
	args map[string]interface{},
	auth AuthFn,
) (*SQLQuery, error) {
	q := &SQLQuery{Entity: e, Type: QTExecute, Shape: ShapeArray}

	for _, p := range e.Shape.Parameters {
		v, ok := args[p.Name]
		if !ok {
			v, ok = e.ParamDefaults[p.Name]
		}
		if !ok {
			return nil, badRequest("procedure parameter %q is required", p.Name)
		}
		q.Proc = append(q.Proc, MCol{Col: p.Name, Value: v})
	}

	return q, co.authorize(q, "execute", auth)
}

// CoerceKeys converts raw path segments into typed key values, requiring
// every primary key column to be present.
func CoerceKeys(e *schema.EntityDef, keys map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(keys))
	for _, k := range e.PrimaryKey {
		raw, ok := keys[k]
		if !ok {
			// Single-column keys may arrive positionally.
			if len(e.PrimaryKey) == 1 && len(keys) == 1 {
				for _, v := range keys {
					raw = v
				}
			} else {
				return nil, badRequest("primary key %q is required", k)
			}
		}
		col, _ := e.Shape.Column(k)
		v, err := coerceValue(col, raw)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// coerceValue parses a raw string into the column's natural type.
func coerceValue(col sdata.DBColumn, raw string) (interface{}, error) {
	switch schema.ColumnToGraphQL(col.Type) {
	case schema.ScalarInt, schema.ScalarLong:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, badRequest("value %q is not valid for %s", raw, col.Name)
		}
		return n, nil
	case schema.ScalarFloat:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, badRequest("value %q is not valid for %s", raw, col.Name)
		}
		return n, nil
	case schema.ScalarBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, badRequest("value %q is not valid for %s", raw, col.Name)
		}
		return b, nil
	default:
		return raw, nil
	}
}

// parseOrderBy lowers "$orderby=year desc, title" into order parts.
func parseOrderBy(e *schema.EntityDef, s string) ([]OrderPart, error) {
	var order []OrderPart
	for _, term := range strings.Split(s, ",") {
		fields := strings.Fields(term)
		switch len(fields) {
		case 0:
			continue
		case 1, 2:
		default:
			return nil, badRequest("invalid $orderby term %q", strings.TrimSpace(term))
		}
		col, ok := columnIn(e.Shape, fields[0])
		if !ok {
			return nil, badRequest("$orderby references unknown field %q", fields[0])
		}
		p := OrderPart{Col: col.Name}
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "asc":
			case "desc":
				p.Desc = true
			default:
				return nil, badRequest("invalid $orderby direction %q", fields[1])
			}
		}
		order = append(order, p)
	}
	return order, nil
}
