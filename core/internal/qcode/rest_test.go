package qcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core/internal/schema"
)

func bookEntity() *schema.EntityDef {
	return &schema.EntityDef{
		Name:       "Book",
		Singular:   "book",
		Plural:     "books",
		Table:      "books",
		Shape:      bookShape(),
		PrimaryKey: []string{"id"},
	}
}

func allowAll(t *testing.T) AuthFn {
	t.Helper()
	return func(entity, action string, requested []string) (AuthInfo, error) {
		return AuthInfo{Mask: map[string]bool{
			"id": true, "title": true, "year": true, "available": true,
		}}, nil
	}
}

func TestCompileRestReadList(t *testing.T) {
	co := NewCompiler(nil, Config{DefaultPageSize: 50, FirstCap: 100})
	e := bookEntity()

	q, err := co.CompileRestRead(e, nil, RestQuery{
		Filter:  "year ge 1990",
		OrderBy: "year desc, title",
		First:   10,
	}, allowAll(t))
	require.NoError(t, err)

	assert.Equal(t, QTQuery, q.Type)
	assert.Equal(t, ShapeArray, q.Shape)
	assert.Equal(t, 10, q.First)
	assert.True(t, q.WantsItems)
	assert.True(t, q.WantsEndCursor)

	// Ordering gains the primary key tail for stable pagination.
	require.Len(t, q.OrderBy, 3)
	assert.Equal(t, OrderPart{Col: "year", Desc: true}, q.OrderBy[0])
	assert.Equal(t, OrderPart{Col: "title"}, q.OrderBy[1])
	assert.Equal(t, OrderPart{Col: "id"}, q.OrderBy[2])

	// Every ordering column is projected under an internal cursor alias.
	var internals []string
	for _, c := range q.Cols {
		if c.Internal {
			internals = append(internals, c.Alias)
		}
	}
	assert.Equal(t, []string{"__cursor_year", "__cursor_title", "__cursor_id"}, internals)
}

func TestCompileRestReadFirstCap(t *testing.T) {
	co := NewCompiler(nil, Config{DefaultPageSize: 50, FirstCap: 100})
	e := bookEntity()

	_, err := co.CompileRestRead(e, nil, RestQuery{First: 101}, allowAll(t))
	require.Error(t, err)
	var qe *Error
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindBadRequest, qe.Kind)
}

func TestCompileRestReadByKey(t *testing.T) {
	co := NewCompiler(nil, Config{})
	e := bookEntity()

	q, err := co.CompileRestRead(e, map[string]string{"id": "7"}, RestQuery{}, allowAll(t))
	require.NoError(t, err)

	assert.Equal(t, QTByPK, q.Type)
	assert.Equal(t, ShapeObject, q.Shape)
	require.Len(t, q.Preds, 1)
	assert.Equal(t, OpEq, q.Preds[0].Op)
	assert.Equal(t, "id", q.Preds[0].Col)
	assert.Equal(t, int64(7), q.Preds[0].Val)
}

func TestCompileRestReadSelectUnknownField(t *testing.T) {
	co := NewCompiler(nil, Config{})
	e := bookEntity()

	_, err := co.CompileRestRead(e, nil, RestQuery{Select: []string{"pages"}}, allowAll(t))
	require.Error(t, err)
}

func TestCoerceKeys(t *testing.T) {
	e := bookEntity()

	t.Run("named", func(t *testing.T) {
		kv, err := CoerceKeys(e, map[string]string{"id": "12"})
		require.NoError(t, err)
		assert.Equal(t, int64(12), kv["id"])
	})

	t.Run("positional single key", func(t *testing.T) {
		kv, err := CoerceKeys(e, map[string]string{"_": "12"})
		require.NoError(t, err)
		assert.Equal(t, int64(12), kv["id"])
	})

	t.Run("bad type", func(t *testing.T) {
		_, err := CoerceKeys(e, map[string]string{"id": "twelve"})
		require.Error(t, err)
	})
}

func TestParseOrderByRejectsUnknownColumnAndDirection(t *testing.T) {
	e := bookEntity()

	_, err := parseOrderBy(e, "pages desc")
	require.Error(t, err)

	_, err = parseOrderBy(e, "year sideways")
	require.Error(t, err)
}
