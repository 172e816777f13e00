package psql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/qcode"
	"github.com/qbloq/datagate/core/internal/schema"
	"github.com/qbloq/datagate/core/internal/sdata"
)

func bookDef() *schema.EntityDef {
	return &schema.EntityDef{
		Name:       "Book",
		Singular:   "book",
		Plural:     "books",
		Table:      "books",
		PrimaryKey: []string{"id"},
		Shape: &sdata.TableShape{
			Name: "books",
			Type: "table",
			Columns: []sdata.DBColumn{
				{Name: "id", Type: "integer", NotNull: true, PrimaryKey: true, AutoGenerated: true},
				{Name: "title", Type: "text", NotNull: true},
				{Name: "year", Type: "integer"},
				{Name: "available", Type: "boolean"},
			},
			PrimaryKey: []string{"id"},
		},
	}
}

func compilerFor(t *testing.T, kind string) *Compiler {
	t.Helper()
	di, err := dialect.ForKind(kind)
	require.NoError(t, err)
	return NewCompiler(di)
}

func eq(col string, val interface{}) *qcode.Exp {
	return &qcode.Exp{Op: qcode.OpEq, Col: col, Val: val}
}

func TestCompileQueryPostgresObject(t *testing.T) {
	c := compilerFor(t, "postgresql")
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTByPK,
		Shape:  qcode.ShapeObject,
		Cols: []qcode.Col{
			{Name: "id", Alias: "id"},
			{Name: "title", Alias: "title"},
		},
		Preds: []*qcode.Exp{eq("id", 7)},
	}

	sql, params, err := c.CompileQuery(q)
	require.NoError(t, err)
	assert.Equal(t,
		`SELECT json_build_object('id', "t0"."id", 'title', "t0"."title")`+
			` FROM "books" AS "t0" WHERE "t0"."id" = $1 LIMIT 1`,
		sql)
	assert.Equal(t, []interface{}{7}, params)
}

func TestCompileQueryPostgresArray(t *testing.T) {
	c := compilerFor(t, "postgresql")
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		First:  2,
		Cols: []qcode.Col{
			{Name: "id", Alias: "id"},
			{Name: "title", Alias: "title"},
			{Name: "id", Alias: "__cursor_id", Internal: true},
		},
		Preds:   []*qcode.Exp{eq("year", 1990)},
		OrderBy: []qcode.OrderPart{{Col: "id"}},
	}

	sql, params, err := c.CompileQuery(q)
	require.NoError(t, err)

	// The page size gains a look-ahead row and the aggregate orders by the
	// internal cursor alias of the wrapped subquery.
	assert.Equal(t,
		`SELECT COALESCE(json_agg(json_build_object(`+
			`'id', "t1"."id", 'title', "t1"."title", '__cursor_id', "t1"."__cursor_id")`+
			` ORDER BY "t1"."__cursor_id"), '[]') FROM (`+
			`SELECT "t0"."id" AS "id", "t0"."title" AS "title", "t0"."id" AS "__cursor_id"`+
			` FROM "books" AS "t0" WHERE "t0"."year" = $1 ORDER BY "t0"."id" LIMIT 3) AS "t1"`,
		sql)
	assert.Equal(t, []interface{}{1990}, params)
}

func TestCompileQueryMySQLArray(t *testing.T) {
	c := compilerFor(t, "mysql")
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		First:  2,
		Cols:   []qcode.Col{{Name: "id", Alias: "id"}},
		Preds:  []*qcode.Exp{eq("year", 1990)},
	}

	sql, params, err := c.CompileQuery(q)
	require.NoError(t, err)

	// JSON_ARRAYAGG has no ORDER BY; the subquery order carries through.
	assert.Equal(t,
		"SELECT COALESCE(JSON_ARRAYAGG(JSON_OBJECT('id', `t1`.`id`)), JSON_ARRAY())"+
			" FROM (SELECT `t0`.`id` AS `id` FROM `books` AS `t0` WHERE `t0`.`year` = ? LIMIT 3) AS `t1`",
		sql)
	assert.Equal(t, []interface{}{1990}, params)
}

func TestCompileQueryMSSQL(t *testing.T) {
	c := compilerFor(t, "mssql")

	t.Run("object uses TOP and drops the array wrapper", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTByPK,
			Shape:  qcode.ShapeObject,
			Cols: []qcode.Col{
				{Name: "id", Alias: "id"},
				{Name: "title", Alias: "title"},
			},
			Preds: []*qcode.Exp{eq("id", 7)},
		}
		sql, params, err := c.CompileQuery(q)
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT TOP (1) [t0].[id] AS [id], [t0].[title] AS [title]`+
				` FROM [books] AS [t0] WHERE [t0].[id] = @p1`+
				` FOR JSON PATH, INCLUDE_NULL_VALUES, WITHOUT_ARRAY_WRAPPER`,
			sql)
		assert.Equal(t, []interface{}{7}, params)
	})

	t.Run("array pages with OFFSET FETCH", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTQuery,
			Shape:  qcode.ShapeArray,
			First:  2,
			Cols: []qcode.Col{
				{Name: "id", Alias: "id"},
				{Name: "id", Alias: "__cursor_id", Internal: true},
			},
			OrderBy: []qcode.OrderPart{{Col: "id"}},
		}
		sql, _, err := c.CompileQuery(q)
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT [t0].[id] AS [id], [t0].[id] AS [__cursor_id]`+
				` FROM [books] AS [t0] ORDER BY [t0].[id]`+
				` OFFSET 0 ROWS FETCH NEXT 3 ROWS ONLY`+
				` FOR JSON PATH, INCLUDE_NULL_VALUES`,
			sql)
	})
}

func TestCompileQueryCosmosDocument(t *testing.T) {
	c := compilerFor(t, "cosmos-sql")

	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		First:  2,
		Cols: []qcode.Col{
			{Name: "id", Alias: "id"},
			{Name: "title", Alias: "title"},
		},
		Preds:   []*qcode.Exp{eq("year", 1990)},
		OrderBy: []qcode.OrderPart{{Col: "id"}},
	}
	sql, params, err := c.CompileQuery(q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT c.id AS id, c.title AS title FROM c"+
			" WHERE c.year = @p1 ORDER BY c.id OFFSET 0 LIMIT 3",
		sql)
	assert.Equal(t, []interface{}{1990}, params)

	t.Run("nested relationships rejected", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity:   bookDef(),
			Shape:    qcode.ShapeArray,
			First:    2,
			Children: []*qcode.SQLQuery{{Entity: bookDef()}},
		}
		_, _, err := c.CompileQuery(q)
		require.Error(t, err)
	})
}

func TestCompileQueryChildCorrelation(t *testing.T) {
	c := compilerFor(t, "postgresql")

	review := &schema.EntityDef{
		Name: "Review", Singular: "review", Plural: "reviews",
		Table: "reviews", PrimaryKey: []string{"id"},
	}
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		First:  2,
		Cols:   []qcode.Col{{Name: "id", Alias: "id"}},
		Children: []*qcode.SQLQuery{{
			Entity:    review,
			FieldName: "reviews",
			Shape:     qcode.ShapeArray,
			First:     5,
			Cols:      []qcode.Col{{Name: "body", Alias: "body"}},
			Rel: &qcode.Rel{
				ParentFields: []string{"id"},
				ChildFields:  []string{"book_id"},
			},
		}},
	}

	sql, _, err := c.CompileQuery(q)
	require.NoError(t, err)
	assert.Contains(t, sql, `WHERE "t2"."book_id" = "t0"."id"`)
	assert.Contains(t, sql, `) AS "reviews"`)
}

func TestCompileQueryLinkTableExists(t *testing.T) {
	c := compilerFor(t, "postgresql")

	author := &schema.EntityDef{
		Name: "Author", Singular: "author", Plural: "authors",
		Table: "authors", PrimaryKey: []string{"id"},
	}
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		First:  2,
		Cols:   []qcode.Col{{Name: "id", Alias: "id"}},
		Children: []*qcode.SQLQuery{{
			Entity:    author,
			FieldName: "authors",
			Shape:     qcode.ShapeArray,
			First:     5,
			Cols:      []qcode.Col{{Name: "name", Alias: "name"}},
			Rel: &qcode.Rel{
				ParentFields:     []string{"id"},
				ChildFields:      []string{"id"},
				LinkTable:        "book_authors",
				LinkParentFields: []string{"book_id"},
				LinkChildFields:  []string{"author_id"},
			},
		}},
	}

	sql, _, err := c.CompileQuery(q)
	require.NoError(t, err)
	assert.Contains(t, sql,
		`EXISTS (SELECT 1 FROM "book_authors" AS "t4"`+
			` WHERE "t4"."book_id" = "t0"."id" AND "t4"."author_id" = "t2"."id")`)
}

func TestCompileGroupBy(t *testing.T) {
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTQuery,
		Shape:  qcode.ShapeArray,
		GroupBy: &qcode.GroupBy{
			By:   []string{"year"},
			Aggs: []qcode.Agg{{Fn: "max", Field: "id", Alias: "max_id"}},
		},
	}

	t.Run("postgres nests fields and aggregations", func(t *testing.T) {
		c := compilerFor(t, "postgresql")
		sql, _, err := c.CompileGroupBy(q)
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT COALESCE(json_agg(json_build_object(`+
				`'fields', json_build_object('year', "t1"."year"), `+
				`'aggregations', json_build_object('max_id', "t1"."max_id"))), '[]')`+
				` FROM (SELECT "t0"."year" AS "year", MAX("t0"."id") AS "max_id"`+
				` FROM "books" AS "t0" GROUP BY "t0"."year") AS "t1"`,
			sql)
	})

	t.Run("mssql nests through dotted path aliases", func(t *testing.T) {
		c := compilerFor(t, "mssql")
		sql, _, err := c.CompileGroupBy(q)
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT [t0].[year] AS [fields.year], MAX([t0].[id]) AS [aggregations.max_id]`+
				` FROM [books] AS [t0] GROUP BY [t0].[year]`+
				` FOR JSON PATH, INCLUDE_NULL_VALUES`,
			sql)
	})

	t.Run("document backends rejected", func(t *testing.T) {
		c := compilerFor(t, "cosmos-sql")
		_, _, err := c.CompileGroupBy(q)
		require.Error(t, err)
	})

	t.Run("count distinct", func(t *testing.T) {
		assert.Equal(t, `COUNT(DISTINCT "t0"."id")`, aggExpr("countDistinct", `"t0"."id"`))
		assert.Equal(t, `COUNT("t0"."id")`, aggExpr("count", `"t0"."id"`))
	})
}

func TestCompileMutationInsert(t *testing.T) {
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTInsert,
		Mutate: &qcode.Mutate{Values: []qcode.MCol{
			{Col: "title", Value: "Dune"},
			{Col: "year", Value: 1965},
		}},
	}

	t.Run("postgres returns the key", func(t *testing.T) {
		c := compilerFor(t, "postgresql")
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "books" ("title", "year") VALUES ($1, $2) RETURNING "id"`,
			sql)
		assert.Equal(t, []interface{}{"Dune", 1965}, params)
	})

	t.Run("mssql outputs the key", func(t *testing.T) {
		c := compilerFor(t, "mssql")
		sql, _, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO [books] ([title], [year]) OUTPUT INSERTED.[id] VALUES (@p1, @p2)`,
			sql)
	})

	t.Run("mysql has no returning clause", func(t *testing.T) {
		c := compilerFor(t, "mysql")
		sql, _, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			"INSERT INTO `books` (`title`, `year`) VALUES (?, ?)",
			sql)
	})
}

func TestCompileMutationUpdateAndDelete(t *testing.T) {
	c := compilerFor(t, "postgresql")

	t.Run("update binds values before predicates", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpdate,
			Mutate: &qcode.Mutate{Values: []qcode.MCol{{Col: "title", Value: "X"}}},
			Preds:  []*qcode.Exp{eq("id", 7)},
		}
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`UPDATE "books" SET "title" = $1 WHERE "id" = $2 RETURNING "id"`,
			sql)
		assert.Equal(t, []interface{}{"X", 7}, params)
	})

	t.Run("delete", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTDelete,
			Preds:  []*qcode.Exp{eq("id", 7)},
		}
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t, `DELETE FROM "books" WHERE "id" = $1`, sql)
		assert.Equal(t, []interface{}{7}, params)
	})
}

func TestCompileMutationUpsertPostgres(t *testing.T) {
	c := compilerFor(t, "postgresql")

	t.Run("full replace resets omitted columns", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{Values: []qcode.MCol{
				{Col: "id", Value: 7},
				{Col: "title", Value: "X"},
			}},
			Preds: []*qcode.Exp{eq("id", 7)},
		}
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "books" ("id", "title") VALUES ($1, $2)`+
				` ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title",`+
				` "year" = DEFAULT, "available" = DEFAULT RETURNING "id"`,
			sql)
		assert.Equal(t, []interface{}{7, "X"}, params)
	})

	t.Run("incremental touches only provided columns", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{
				Values: []qcode.MCol{
					{Col: "id", Value: 7},
					{Col: "title", Value: "X"},
				},
				Incremental: true,
			},
			Preds: []*qcode.Exp{eq("id", 7)},
		}
		sql, _, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "books" ("id", "title") VALUES ($1, $2)`+
				` ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title" RETURNING "id"`,
			sql)
	})

	t.Run("row policy constrains the update half", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{
				Values: []qcode.MCol{
					{Col: "id", Value: 7},
					{Col: "title", Value: "X"},
				},
				Incremental: true,
			},
			Preds: []*qcode.Exp{eq("id", 7), eq("year", 1999)},
		}
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "books" ("id", "title") VALUES ($1, $2)`+
				` ON CONFLICT ("id") DO UPDATE SET "title" = EXCLUDED."title"`+
				` WHERE "year" = $3 RETURNING "id"`,
			sql)
		assert.Equal(t, []interface{}{7, "X", 1999}, params)
	})

	t.Run("key-only table keeps the existing row", func(t *testing.T) {
		tag := &schema.EntityDef{
			Name: "Tag", Singular: "tag", Plural: "tags",
			Table: "tags", PrimaryKey: []string{"id"},
			Shape: &sdata.TableShape{
				Name:       "tags",
				Columns:    []sdata.DBColumn{{Name: "id", Type: "integer", PrimaryKey: true}},
				PrimaryKey: []string{"id"},
			},
		}
		q := &qcode.SQLQuery{
			Entity: tag,
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{Values: []qcode.MCol{{Col: "id", Value: 7}}},
			Preds:  []*qcode.Exp{eq("id", 7)},
		}
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			`INSERT INTO "tags" ("id") VALUES ($1) ON CONFLICT ("id") DO NOTHING RETURNING "id"`,
			sql)
		assert.Equal(t, []interface{}{7}, params)
	})
}

func TestCompileMutationUpsertMySQL(t *testing.T) {
	c := compilerFor(t, "mysql")

	t.Run("on duplicate key", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{
				Values: []qcode.MCol{
					{Col: "id", Value: 7},
					{Col: "title", Value: "X"},
				},
				Incremental: true,
			},
			Preds: []*qcode.Exp{eq("id", 7)},
		}
		sql, _, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t,
			"INSERT INTO `books` (`id`, `title`) VALUES (?, ?)"+
				" ON DUPLICATE KEY UPDATE `title` = VALUES(`title`)",
			sql)
	})

	t.Run("row policy rejected", func(t *testing.T) {
		q := &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTUpsert,
			Mutate: &qcode.Mutate{
				Values:      []qcode.MCol{{Col: "id", Value: 7}},
				Incremental: true,
			},
			Preds: []*qcode.Exp{eq("id", 7), eq("year", 1999)},
		}
		_, _, err := c.CompileMutation(q)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "row policies are not supported with upsert")
	})
}

func TestCompileMutationUpsertMSSQLMerge(t *testing.T) {
	c := compilerFor(t, "mssql")
	q := &qcode.SQLQuery{
		Entity: bookDef(),
		Type:   qcode.QTUpsert,
		Mutate: &qcode.Mutate{
			Values: []qcode.MCol{
				{Col: "id", Value: 7},
				{Col: "title", Value: "X"},
			},
			Incremental: true,
		},
		Preds: []*qcode.Exp{eq("id", 7), eq("year", 1999)},
	}

	sql, params, err := c.CompileMutation(q)
	require.NoError(t, err)
	assert.Equal(t,
		`MERGE INTO [books] WITH (HOLDLOCK) AS [target]`+
			` USING (SELECT @p1 AS [id], @p2 AS [title]) AS [src]`+
			` ON [target].[id] = [src].[id]`+
			` WHEN MATCHED AND [target].[year] = @p3 THEN UPDATE SET [title] = [src].[title]`+
			` WHEN NOT MATCHED THEN INSERT ([id], [title]) VALUES ([src].[id], [src].[title])`+
			` OUTPUT INSERTED.[id];`,
		sql)
	assert.Equal(t, []interface{}{7, "X", 1999}, params)
}

func TestCompileMutationExecute(t *testing.T) {
	q := &qcode.SQLQuery{
		Entity: &schema.EntityDef{
			Name: "GetBooks", Table: "get_books", PrimaryKey: nil,
		},
		Type: qcode.QTExecute,
		Proc: []qcode.MCol{{Col: "limit", Value: 10}},
	}

	t.Run("postgres selects from the function", func(t *testing.T) {
		c := compilerFor(t, "postgresql")
		sql, params, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t, `SELECT * FROM "get_books"($1)`, sql)
		assert.Equal(t, []interface{}{10}, params)
	})

	t.Run("mssql uses EXEC with named parameters", func(t *testing.T) {
		c := compilerFor(t, "mssql")
		sql, _, err := c.CompileMutation(q)
		require.NoError(t, err)
		assert.Equal(t, `EXEC [get_books] @limit = @p1`, sql)
	})

	t.Run("document backends have no procedures", func(t *testing.T) {
		c := compilerFor(t, "cosmos-sql")
		_, _, err := c.CompileMutation(q)
		require.Error(t, err)
	})
}

func TestLikeText(t *testing.T) {
	assert.Equal(t, `50\% off\_deal`, likeText("50% off_deal", false))
	assert.Equal(t, `a\\b`, likeText(`a\b`, false))

	// Brackets stay literal on backends where [ opens a character class.
	assert.Equal(t, "a[b]", likeText("a[b]", false))
	assert.Equal(t, `a\[b]`, likeText("a[b]", true))
}

func TestCompileQueryLikeEscapeClause(t *testing.T) {
	contains := func(val string) *qcode.SQLQuery {
		return &qcode.SQLQuery{
			Entity: bookDef(),
			Type:   qcode.QTByPK,
			Shape:  qcode.ShapeObject,
			Cols:   []qcode.Col{{Name: "id", Alias: "id"}},
			Preds:  []*qcode.Exp{{Op: qcode.OpContains, Col: "title", Val: val}},
		}
	}

	t.Run("postgres declares the escape character", func(t *testing.T) {
		c := compilerFor(t, "postgresql")
		sql, params, err := c.CompileQuery(contains("50%"))
		require.NoError(t, err)
		assert.Equal(t,
			`SELECT json_build_object('id', "t0"."id") FROM "books" AS "t0"`+
				` WHERE "t0"."title" LIKE $1 ESCAPE '\' LIMIT 1`,
			sql)
		assert.Equal(t, []interface{}{`%50\%%`}, params)
	})

	t.Run("mssql also escapes brackets", func(t *testing.T) {
		c := compilerFor(t, "mssql")
		sql, params, err := c.CompileQuery(contains("[a]"))
		require.NoError(t, err)
		assert.Contains(t, sql, `[t0].[title] LIKE @p1 ESCAPE '\'`)
		assert.Equal(t, []interface{}{`%\[a]%`}, params)
	})
}
