// Package psql lowers the planned query structure into dialect SQL. Every
// user-supplied value is emitted as a bind placeholder; the returned
// parameter slice matches the placeholder order.
package psql

import (
	"strconv"
	"strings"

	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/qcode"
)

// Compiler renders SQL for one backend dialect. Stateless and safe for
// concurrent use.
type Compiler struct {
	di dialect.Dialect
}

// NewCompiler creates a renderer for the dialect.
func NewCompiler(di dialect.Dialect) *Compiler {
	return &Compiler{di: di}
}

// Dialect exposes the capability record, mainly to the executor.
func (c *Compiler) Dialect() dialect.Dialect { return c.di }

// ctx accumulates SQL text and ordered bind values during one render.
type ctx struct {
	di     dialect.Dialect
	b      strings.Builder
	params []interface{}
	aliasN int
}

func (c *Compiler) newCtx() *ctx {
	return &ctx{di: c.di}
}

// bind registers a parameter value and returns its placeholder.
func (x *ctx) bind(v interface{}) string {
	x.params = append(x.params, v)
	return x.di.BindVar(len(x.params))
}

func (x *ctx) w(s string) { x.b.WriteString(s) }

// alias mints the next table alias.
func (x *ctx) alias() string {
	a := "t" + strconv.Itoa(x.aliasN)
	x.aliasN++
	return a
}

// col renders an optionally alias-qualified column reference.
func (x *ctx) col(alias, name string) string {
	if alias == "" {
		return x.di.QuoteIdent(name)
	}
	return x.di.QuoteIdent(alias) + "." + x.di.QuoteIdent(name)
}

// quoteObject quotes a possibly schema-qualified object name part by part.
func (x *ctx) quoteObject(object string) string {
	parts := strings.Split(object, ".")
	for i, p := range parts {
		parts[i] = x.di.QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// limit returns the row count a node fetches: page size plus the look-ahead
// row for arrays.
func limitFor(q *qcode.SQLQuery) int {
	if q.Shape == qcode.ShapeArray {
		return q.First + 1
	}
	if q.First > 0 {
		return q.First
	}
	return 1
}
