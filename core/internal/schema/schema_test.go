package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core/internal/sdata"
)

func libraryDefs() map[string]*EntityDef {
	return map[string]*EntityDef{
		"Book": {
			Name:          "Book",
			Singular:      "book",
			Plural:        "books",
			Table:         "books",
			GraphQLActive: true,
			RestActive:    true,
			RestPath:      "Book",
			PrimaryKey:    []string{"id"},
			Actions:       map[string]bool{"read": true, "create": true, "update": true, "delete": true},
			Shape: &sdata.TableShape{
				Name: "books",
				Type: "table",
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "integer", NotNull: true, PrimaryKey: true, AutoGenerated: true},
					{Name: "title", Type: "text", NotNull: true},
					{Name: "year", Type: "integer"},
				},
				PrimaryKey: []string{"id"},
			},
			Rels: []RelDef{
				{FieldName: "reviews", Target: "Review", Cardinality: "many"},
			},
		},
		"Review": {
			Name:          "Review",
			Singular:      "review",
			Plural:        "reviews",
			Table:         "reviews",
			GraphQLActive: true,
			RestActive:    false,
			PrimaryKey:    []string{"id"},
			Actions:       map[string]bool{"read": true},
			Shape: &sdata.TableShape{
				Name: "reviews",
				Type: "table",
				Columns: []sdata.DBColumn{
					{Name: "id", Type: "integer", NotNull: true, PrimaryKey: true, AutoGenerated: true},
					{Name: "book_id", Type: "integer", NotNull: true},
					{Name: "body", Type: "text"},
				},
				PrimaryKey: []string{"id"},
			},
			Rels: []RelDef{
				{FieldName: "book", Target: "Book", Cardinality: "one"},
			},
		},
		"TopSellers": {
			Name:          "TopSellers",
			Singular:      "topSellers",
			Plural:        "topSellers",
			Table:         "top_sellers",
			IsProcedure:   true,
			ProcedureOp:   "query",
			GraphQLActive: true,
			RestActive:    true,
			RestPath:      "TopSellers",
			Actions:       map[string]bool{"execute": true},
			Shape: &sdata.TableShape{
				Name: "top_sellers",
				Type: "stored-procedure",
				Parameters: []sdata.DBColumn{
					{Name: "since_year", Type: "integer"},
				},
			},
		},
	}
}

func TestBuildProducesValidSchema(t *testing.T) {
	s, err := Build(libraryDefs())
	require.NoError(t, err)
	require.NotNil(t, s.AST)

	assert.Contains(t, s.SDL, "type Book {")
	assert.Contains(t, s.SDL, "id: Int!")
	assert.Contains(t, s.SDL, "type BookConnection {")
	assert.Contains(t, s.SDL, "hasNextPage: Boolean!")

	// Navigation fields: to-many is a connection, to-one is the bare type.
	assert.Contains(t, s.SDL, "reviews(first: Int, after: String, filter: ReviewFilterInput, orderBy: ReviewOrderByInput): ReviewConnection")
	assert.Contains(t, s.SDL, "book: Book\n")

	// Auto-generated keys stay out of the create input.
	assert.Contains(t, s.SDL, "input CreateBookInput {")
	assert.NotContains(t, s.SDL, "input CreateBookInput {\n  id:")
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := Build(libraryDefs())
	require.NoError(t, err)
	b, err := Build(libraryDefs())
	require.NoError(t, err)
	assert.Equal(t, a.SDL, b.SDL)
}

func TestBuildFieldBindings(t *testing.T) {
	s, err := Build(libraryDefs())
	require.NoError(t, err)

	assert.Equal(t, FieldBinding{Entity: "Book", Kind: OpQueryByPK}, s.QueryFields["book"])
	assert.Equal(t, FieldBinding{Entity: "Book", Kind: OpQueryList}, s.QueryFields["books"])
	assert.Equal(t, FieldBinding{Entity: "Book", Kind: OpCreate}, s.MutationFields["createBook"])
	assert.Equal(t, FieldBinding{Entity: "Book", Kind: OpUpdate}, s.MutationFields["updateBook"])
	assert.Equal(t, FieldBinding{Entity: "Book", Kind: OpDelete}, s.MutationFields["deleteBook"])

	// Read-only entity gets no mutations.
	_, ok := s.MutationFields["createReview"]
	assert.False(t, ok)

	// Query procedures bind under the query root.
	assert.Equal(t, FieldBinding{Entity: "TopSellers", Kind: OpExecute}, s.QueryFields["executeTopSellers"])
}

func TestBuildRoutes(t *testing.T) {
	s, err := Build(libraryDefs())
	require.NoError(t, err)

	book, ok := s.RouteFor("book")
	require.True(t, ok, "route lookup is case-insensitive")
	assert.Equal(t, "Book", book.Entity)
	assert.Equal(t, defaultRestMethods, book.Methods)

	proc, ok := s.RouteFor("TopSellers")
	require.True(t, ok)
	assert.Equal(t, []string{"POST"}, proc.Methods)

	// REST-disabled entities register no route.
	_, ok = s.RouteFor("review")
	assert.False(t, ok)
}

func TestOpKindAction(t *testing.T) {
	assert.Equal(t, "read", OpQueryByPK.Action())
	assert.Equal(t, "read", OpQueryList.Action())
	assert.Equal(t, "create", OpCreate.Action())
	assert.Equal(t, "update", OpUpdate.Action())
	assert.Equal(t, "delete", OpDelete.Action())
	assert.Equal(t, "execute", OpExecute.Action())
}

func TestColumnToGraphQL(t *testing.T) {
	tests := []struct {
		db     string
		scalar string
	}{
		{"integer", "Int"},
		{"bigint", "Long"},
		{"text", "String"},
		{"varchar(255)", "String"},
		{"boolean", "Boolean"},
		{"what-is-this", "String"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.scalar, ColumnToGraphQL(tt.db), tt.db)
	}
}
