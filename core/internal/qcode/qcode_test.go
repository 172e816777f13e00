package qcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/schema"
)

func gqlBookSchema(t *testing.T) *schema.Schema {
	t.Helper()
	e := bookEntity()
	e.GraphQLActive = true
	e.RestActive = true
	e.RestPath = "Book"
	e.Actions = map[string]bool{"create": true, "read": true, "update": true}

	sc, err := schema.Build(map[string]*schema.EntityDef{"Book": e})
	require.NoError(t, err)
	return sc
}

func parseOp(t *testing.T, sc *schema.Schema, query string) *ast.OperationDefinition {
	t.Helper()
	doc, errs := gqlparser.LoadQuery(sc.AST, query)
	require.Empty(t, errs)
	require.Len(t, doc.Operations, 1)
	return doc.Operations[0]
}

func TestCompileOperationMultipleMutations(t *testing.T) {
	sc := gqlBookSchema(t)
	op := parseOp(t, sc, `mutation {
		a: createBook(item: {title: "A"}) { id }
		b: createBook(item: {title: "B"}) { id }
	}`)

	t.Run("rejected by default", func(t *testing.T) {
		co := NewCompiler(sc, Config{})
		_, err := co.CompileOperation(op, nil, allowAll(t))
		require.Error(t, err)
		var qe *Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, KindBadRequest, qe.Kind)
	})

	t.Run("one plan per root field when enabled", func(t *testing.T) {
		co := NewCompiler(sc, Config{MultipleMutations: true})
		plans, err := co.CompileOperation(op, nil, allowAll(t))
		require.NoError(t, err)
		require.Len(t, plans, 2)
		assert.Equal(t, "a", plans[0].FieldName)
		assert.Equal(t, "b", plans[1].FieldName)
		assert.Equal(t, QTInsert, plans[0].Type)
	})

	t.Run("a single mutation needs no flag", func(t *testing.T) {
		single := parseOp(t, sc, `mutation { createBook(item: {title: "A"}) { id } }`)
		co := NewCompiler(sc, Config{})
		plans, err := co.CompileOperation(single, nil, allowAll(t))
		require.NoError(t, err)
		assert.Len(t, plans, 1)
	})
}

func TestItemValuesUnknownFields(t *testing.T) {
	e := bookEntity()
	body := map[string]interface{}{"title": "A", "publisher": "Chilton"}

	t.Run("strict bodies reject unknown fields", func(t *testing.T) {
		co := NewCompiler(nil, Config{})
		_, err := co.itemValues(e, body, false)
		require.Error(t, err)
		var qe *Error
		require.ErrorAs(t, err, &qe)
		assert.Equal(t, KindBadRequest, qe.Kind)
	})

	t.Run("loose bodies drop them", func(t *testing.T) {
		co := NewCompiler(nil, Config{AllowUnknownFields: true})
		values, err := co.itemValues(e, body, false)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Equal(t, "title", values[0].Col)
	})
}
