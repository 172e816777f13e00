package qcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core/internal/sdata"
)

func bookShape() *sdata.TableShape {
	return &sdata.TableShape{
		Name: "books",
		Type: "table",
		Columns: []sdata.DBColumn{
			{Name: "id", Type: "integer", NotNull: true, PrimaryKey: true, AutoGenerated: true},
			{Name: "title", Type: "text", NotNull: true},
			{Name: "year", Type: "integer"},
			{Name: "available", Type: "boolean"},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestParseODataFilter(t *testing.T) {
	shape := bookShape()

	t.Run("simple comparison", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "year ge 1990")
		require.NoError(t, err)
		assert.Equal(t, OpGte, exp.Op)
		assert.Equal(t, "year", exp.Col)
		assert.Equal(t, int64(1990), exp.Val)
	})

	t.Run("string literal with escaped quote", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "title eq 'it''s here'")
		require.NoError(t, err)
		assert.Equal(t, OpEq, exp.Op)
		assert.Equal(t, "it's here", exp.Val)
	})

	t.Run("and binds tighter than or", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "year lt 1950 or year gt 2000 and available eq true")
		require.NoError(t, err)
		require.Equal(t, OpOr, exp.Op)
		require.Len(t, exp.Children, 2)
		assert.Equal(t, OpLt, exp.Children[0].Op)
		assert.Equal(t, OpAnd, exp.Children[1].Op)
	})

	t.Run("parentheses override precedence", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "(year lt 1950 or year gt 2000) and available eq true")
		require.NoError(t, err)
		require.Equal(t, OpAnd, exp.Op)
		assert.Equal(t, OpOr, exp.Children[0].Op)
	})

	t.Run("not", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "not available eq false")
		require.NoError(t, err)
		require.Equal(t, OpNot, exp.Op)
		require.Len(t, exp.Children, 1)
		assert.Equal(t, OpEq, exp.Children[0].Op)
	})

	t.Run("eq null becomes IS NULL", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "year eq null")
		require.NoError(t, err)
		assert.Equal(t, OpIsNull, exp.Op)

		exp, err = ParseODataFilter(shape, "year ne null")
		require.NoError(t, err)
		assert.Equal(t, OpIsNotNull, exp.Op)
	})

	t.Run("float literal", func(t *testing.T) {
		exp, err := ParseODataFilter(shape, "year gt 19.5")
		require.NoError(t, err)
		assert.Equal(t, 19.5, exp.Val)
	})
}

func TestParseODataFilterErrors(t *testing.T) {
	shape := bookShape()

	tests := []struct {
		name string
		src  string
	}{
		{"unknown field", "pages eq 10"},
		{"unknown operator", "year like 10"},
		{"null with ordering operator", "year gt null"},
		{"unterminated string", "title eq 'oops"},
		{"missing closing paren", "(year eq 1"},
		{"trailing garbage", "year eq 1 year"},
		{"missing literal", "year eq"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseODataFilter(shape, tt.src)
			require.Error(t, err)
			var qe *Error
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, KindBadRequest, qe.Kind)
		})
	}
}
