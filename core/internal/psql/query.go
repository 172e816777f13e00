package psql

import (
	"fmt"
	"strings"

	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/qcode"
)

// CompileQuery renders a read plan. Arrays fetch one row past the page
// size so the caller can detect a next page; the shaper pops it.
func (c *Compiler) CompileQuery(q *qcode.SQLQuery) (string, []interface{}, error) {
	x := c.newCtx()
	var err error

	switch c.di.Style {
	case dialect.StyleJSONFuncs:
		err = x.jsonNode(q, "")
	case dialect.StyleForJSON:
		err = x.forJSONNode(q, "")
	case dialect.StyleDocument:
		err = x.documentNode(q)
	default:
		err = fmt.Errorf("dialect style %d out of range", c.di.Style)
	}
	if err != nil {
		return "", nil, err
	}
	return x.b.String(), x.params, nil
}

// jsonNode renders one query node for backends with JSON construction
// functions. Arrays aggregate an ordered subquery; objects project a
// single JSON object.
func (x *ctx) jsonNode(q *qcode.SQLQuery, parentAlias string) error {
	base := x.alias()

	if q.Shape == qcode.ShapeObject {
		// SELECT json_object(...) FROM tbl AS t0 WHERE ... LIMIT 1
		pairs, err := x.jsonInnerPairs(q, base)
		if err != nil {
			return err
		}
		x.w("SELECT ")
		x.w(x.di.JSONObject(pairs))
		x.w(" FROM ")
		x.w(x.quoteObject(q.Entity.Table))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(base))
		if _, err := x.renderPreds(q, base, parentAlias); err != nil {
			return err
		}
		x.renderOrderBy(q, base)
		x.w(" ")
		x.w(x.di.LimitClause(limitFor(q)))
		return nil
	}

	// Arrays: aggregate over an ordered, limited subquery so LIMIT applies
	// per page, not to the aggregate.
	wrap := x.alias()

	var pairs []dialect.Pair
	for _, col := range q.Cols {
		pairs = append(pairs, dialect.Pair{Key: col.Alias, Expr: x.col(wrap, col.Alias)})
	}
	for _, child := range q.Children {
		pairs = append(pairs, dialect.Pair{Key: child.FieldName, Expr: x.col(wrap, child.FieldName)})
	}

	var aggOrder strings.Builder
	for i, p := range q.OrderBy {
		if i != 0 {
			aggOrder.WriteString(", ")
		}
		aggOrder.WriteString(x.col(wrap, "__cursor_"+p.Col))
		if p.Desc {
			aggOrder.WriteString(" DESC")
		}
	}

	x.w("SELECT COALESCE(")
	x.w(x.di.JSONAggExpr(x.di.JSONObject(pairs), aggOrder.String()))
	x.w(", ")
	x.w(x.di.EmptyArray)
	x.w(") FROM (")
	if err := x.jsonInnerSelect(q, base, parentAlias); err != nil {
		return err
	}
	x.w(") AS ")
	x.w(x.di.QuoteIdent(wrap))
	return nil
}

// jsonInnerSelect renders the row-producing subquery of an array node.
func (x *ctx) jsonInnerSelect(q *qcode.SQLQuery, base, parentAlias string) error {
	x.w("SELECT ")
	wrote := false
	for _, col := range q.Cols {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.col(base, col.Name))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(col.Alias))
	}
	for _, child := range q.Children {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w("(")
		if err := x.jsonNode(child, base); err != nil {
			return err
		}
		x.w(") AS ")
		x.w(x.di.QuoteIdent(child.FieldName))
	}
	if !wrote {
		x.w("1")
	}

	x.w(" FROM ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" AS ")
	x.w(x.di.QuoteIdent(base))
	if _, err := x.renderPreds(q, base, parentAlias); err != nil {
		return err
	}
	x.renderOrderBy(q, base)
	x.w(" ")
	x.w(x.di.LimitClause(limitFor(q)))
	return nil
}

// jsonInnerPairs builds the object pairs for a single-row node, rendering
// child subqueries inline.
func (x *ctx) jsonInnerPairs(q *qcode.SQLQuery, base string) ([]dialect.Pair, error) {
	var pairs []dialect.Pair
	for _, col := range q.Cols {
		pairs = append(pairs, dialect.Pair{Key: col.Alias, Expr: x.col(base, col.Name)})
	}
	for _, child := range q.Children {
		sub := x.newSub()
		if err := sub.jsonNode(child, base); err != nil {
			return nil, err
		}
		x.adopt(sub)
		pairs = append(pairs, dialect.Pair{Key: child.FieldName, Expr: "(" + sub.b.String() + ")"})
	}
	return pairs, nil
}

// newSub creates a context that shares parameter numbering with its
// parent. adopt folds its parameters back in.
func (x *ctx) newSub() *ctx {
	return &ctx{di: x.di, params: x.params, aliasN: x.aliasN}
}

func (x *ctx) adopt(sub *ctx) {
	x.params = sub.params
	x.aliasN = sub.aliasN
}

// forJSONNode renders one node for FOR JSON backends. The server shapes
// the JSON; nested nodes are wrapped in JSON_QUERY.
func (x *ctx) forJSONNode(q *qcode.SQLQuery, parentAlias string) error {
	base := x.alias()

	x.w("SELECT ")
	if q.Shape == qcode.ShapeObject && len(q.OrderBy) == 0 {
		// Objects have no ORDER BY, so the limit must be TOP.
		x.w("TOP (1) ")
	}

	wrote := false
	for _, col := range q.Cols {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.col(base, col.Name))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(col.Alias))
	}
	for _, child := range q.Children {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w("JSON_QUERY((")
		if err := x.forJSONNode(child, base); err != nil {
			return err
		}
		x.w(")) AS ")
		x.w(x.di.QuoteIdent(child.FieldName))
	}
	if !wrote {
		x.w("1 AS ")
		x.w(x.di.QuoteIdent("__one"))
	}

	x.w(" FROM ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" AS ")
	x.w(x.di.QuoteIdent(base))
	if _, err := x.renderPreds(q, base, parentAlias); err != nil {
		return err
	}
	x.renderOrderBy(q, base)
	if len(q.OrderBy) != 0 {
		x.w(" ")
		x.w(x.di.LimitClause(limitFor(q)))
	}

	x.w(" FOR JSON PATH, INCLUDE_NULL_VALUES")
	if q.Shape == qcode.ShapeObject {
		x.w(", WITHOUT_ARRAY_WRAPPER")
	}
	return nil
}

// documentNode renders a flat document query. Nested navigation needs
// joins the document backends do not have.
func (x *ctx) documentNode(q *qcode.SQLQuery) error {
	if len(q.Children) != 0 {
		return fmt.Errorf("nested relationships are not supported on document backends")
	}
	if q.GroupBy != nil {
		return fmt.Errorf("groupBy is not supported on document backends")
	}

	x.w("SELECT ")
	for i, col := range q.Cols {
		if i != 0 {
			x.w(", ")
		}
		x.w("c." + col.Name)
		x.w(" AS ")
		x.w(col.Alias)
	}
	x.w(" FROM c")
	if _, err := x.renderPreds(q, "c", ""); err != nil {
		return err
	}
	x.renderOrderBy(q, "c")
	x.w(" ")
	x.w(x.di.LimitClause(limitFor(q)))
	return nil
}

// CompileGroupBy renders the aggregation statement of a collection query.
func (c *Compiler) CompileGroupBy(q *qcode.SQLQuery) (string, []interface{}, error) {
	if q.GroupBy == nil {
		return "", nil, fmt.Errorf("query has no groupBy")
	}
	x := c.newCtx()

	switch c.di.Style {
	case dialect.StyleJSONFuncs:
		if err := x.jsonGroupBy(q); err != nil {
			return "", nil, err
		}
	case dialect.StyleForJSON:
		if err := x.forJSONGroupBy(q); err != nil {
			return "", nil, err
		}
	default:
		return "", nil, fmt.Errorf("groupBy is not supported on document backends")
	}
	return x.b.String(), x.params, nil
}

func aggExpr(fn, col string) string {
	switch fn {
	case "countDistinct":
		return "COUNT(DISTINCT " + col + ")"
	case "count":
		return "COUNT(" + col + ")"
	default:
		return strings.ToUpper(fn) + "(" + col + ")"
	}
}

func (x *ctx) jsonGroupBy(q *qcode.SQLQuery) error {
	gb := q.GroupBy
	base := x.alias()
	wrap := x.alias()

	var fieldPairs, aggPairs []dialect.Pair
	for _, col := range gb.By {
		fieldPairs = append(fieldPairs, dialect.Pair{Key: col, Expr: x.col(wrap, col)})
	}
	for _, a := range gb.Aggs {
		aggPairs = append(aggPairs, dialect.Pair{Key: a.Alias, Expr: x.col(wrap, a.Alias)})
	}

	row := x.di.JSONObject([]dialect.Pair{
		{Key: "fields", Expr: x.di.JSONObject(fieldPairs)},
		{Key: "aggregations", Expr: x.di.JSONObject(aggPairs)},
	})

	x.w("SELECT COALESCE(")
	x.w(x.di.JSONAggExpr(row, ""))
	x.w(", ")
	x.w(x.di.EmptyArray)
	x.w(") FROM (SELECT ")

	wrote := false
	for _, col := range gb.By {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.col(base, col))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(col))
	}
	for _, a := range gb.Aggs {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(aggExpr(a.Fn, x.col(base, a.Field)))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(a.Alias))
	}

	x.w(" FROM ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" AS ")
	x.w(x.di.QuoteIdent(base))
	if _, err := x.renderPreds(q, base, ""); err != nil {
		return err
	}
	if len(gb.By) != 0 {
		x.w(" GROUP BY ")
		for i, col := range gb.By {
			if i != 0 {
				x.w(", ")
			}
			x.w(x.col(base, col))
		}
	}
	x.w(") AS ")
	x.w(x.di.QuoteIdent(wrap))
	return nil
}

// forJSONGroupBy exploits dotted path aliases: FOR JSON PATH nests
// "fields.year" into {"fields": {"year": ...}}.
func (x *ctx) forJSONGroupBy(q *qcode.SQLQuery) error {
	gb := q.GroupBy
	base := x.alias()

	x.w("SELECT ")
	wrote := false
	for _, col := range gb.By {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.col(base, col))
		x.w(" AS ")
		x.w(x.di.QuoteIdent("fields." + col))
	}
	for _, a := range gb.Aggs {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(aggExpr(a.Fn, x.col(base, a.Field)))
		x.w(" AS ")
		x.w(x.di.QuoteIdent("aggregations." + a.Alias))
	}

	x.w(" FROM ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" AS ")
	x.w(x.di.QuoteIdent(base))
	if _, err := x.renderPreds(q, base, ""); err != nil {
		return err
	}
	if len(gb.By) != 0 {
		x.w(" GROUP BY ")
		for i, col := range gb.By {
			if i != 0 {
				x.w(", ")
			}
			x.w(x.col(base, col))
		}
	}
	x.w(" FOR JSON PATH, INCLUDE_NULL_VALUES")
	return nil
}
