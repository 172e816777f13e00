package psql

import (
	"fmt"
	"strings"

	"github.com/qbloq/datagate/core/internal/qcode"
)

// renderExp writes a predicate tree. Leaf values become bind parameters.
func (x *ctx) renderExp(e *qcode.Exp, alias string) error {
	switch e.Op {
	case qcode.OpAnd, qcode.OpOr:
		sep := " AND "
		if e.Op == qcode.OpOr {
			sep = " OR "
		}
		x.w("(")
		for i, child := range e.Children {
			if i != 0 {
				x.w(sep)
			}
			if err := x.renderExp(child, alias); err != nil {
				return err
			}
		}
		x.w(")")
		return nil

	case qcode.OpNot:
		x.w("NOT (")
		if err := x.renderExp(e.Children[0], alias); err != nil {
			return err
		}
		x.w(")")
		return nil

	case qcode.OpIsNull:
		x.w(x.col(alias, e.Col))
		x.w(" IS NULL")
		return nil

	case qcode.OpIsNotNull:
		x.w(x.col(alias, e.Col))
		x.w(" IS NOT NULL")
		return nil

	case qcode.OpIn:
		x.w(x.col(alias, e.Col))
		x.w(" IN (")
		for i, v := range e.List {
			if i != 0 {
				x.w(", ")
			}
			x.w(x.bind(v))
		}
		x.w(")")
		return nil

	case qcode.OpContains:
		x.like(alias, e.Col, "%"+likeText(e.Val, x.di.LikeBrackets)+"%")
		return nil

	case qcode.OpStartsWith:
		x.like(alias, e.Col, likeText(e.Val, x.di.LikeBrackets)+"%")
		return nil

	case qcode.OpEndsWith:
		x.like(alias, e.Col, "%"+likeText(e.Val, x.di.LikeBrackets))
		return nil

	case qcode.OpEq, qcode.OpNeq, qcode.OpGt, qcode.OpGte, qcode.OpLt, qcode.OpLte:
		x.w(x.col(alias, e.Col))
		x.w(cmpOps[e.Op])
		x.w(x.bind(e.Val))
		return nil

	default:
		return fmt.Errorf("predicate operator %d out of range", e.Op)
	}
}

var cmpOps = map[qcode.ExpOp]string{
	qcode.OpEq:  " = ",
	qcode.OpNeq: " != ",
	qcode.OpGt:  " > ",
	qcode.OpGte: " >= ",
	qcode.OpLt:  " < ",
	qcode.OpLte: " <= ",
}

// like writes a LIKE predicate with an explicit ESCAPE clause; without it
// the backslash escapes inside the pattern are not portable.
func (x *ctx) like(alias, col, pattern string) {
	x.w(x.col(alias, col))
	x.w(" LIKE ")
	x.w(x.bind(pattern))
	x.w(` ESCAPE '\'`)
}

// likeText escapes the LIKE wildcards of a match value so user input only
// ever matches literally. Brackets open a character class on mssql and
// dwsql and are escaped there too.
func likeText(v interface{}, brackets bool) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprint(v)
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	if brackets {
		s = strings.ReplaceAll(s, "[", `\[`)
	}
	return s
}

// renderPreds joins the node's predicates and the parent correlation into
// one WHERE clause. Returns false when there is nothing to write.
func (x *ctx) renderPreds(q *qcode.SQLQuery, alias, parentAlias string) (bool, error) {
	var wrote bool

	write := func() {
		if !wrote {
			x.w(" WHERE ")
			wrote = true
		} else {
			x.w(" AND ")
		}
	}

	if q.Rel != nil && parentAlias != "" {
		if q.Rel.LinkTable == "" {
			for i := range q.Rel.ChildFields {
				write()
				x.w(x.col(alias, q.Rel.ChildFields[i]))
				x.w(" = ")
				x.w(x.col(parentAlias, q.Rel.ParentFields[i]))
			}
		} else {
			write()
			lk := x.alias()
			x.w("EXISTS (SELECT 1 FROM ")
			x.w(x.quoteObject(q.Rel.LinkTable))
			x.w(" AS ")
			x.w(x.di.QuoteIdent(lk))
			x.w(" WHERE ")
			for i := range q.Rel.LinkParentFields {
				if i != 0 {
					x.w(" AND ")
				}
				x.w(x.col(lk, q.Rel.LinkParentFields[i]))
				x.w(" = ")
				x.w(x.col(parentAlias, q.Rel.ParentFields[i]))
			}
			for i := range q.Rel.LinkChildFields {
				x.w(" AND ")
				x.w(x.col(lk, q.Rel.LinkChildFields[i]))
				x.w(" = ")
				x.w(x.col(alias, q.Rel.ChildFields[i]))
			}
			x.w(")")
		}
	}

	for _, p := range q.Preds {
		write()
		if err := x.renderExp(p, alias); err != nil {
			return wrote, err
		}
	}
	return wrote, nil
}

// renderOrderBy writes the ORDER BY clause for a node, or nothing when the
// node has no ordering.
func (x *ctx) renderOrderBy(q *qcode.SQLQuery, alias string) {
	if len(q.OrderBy) == 0 {
		return
	}
	x.w(" ORDER BY ")
	for i, p := range q.OrderBy {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.col(alias, p.Col))
		if p.Desc {
			x.w(" DESC")
		}
	}
}
