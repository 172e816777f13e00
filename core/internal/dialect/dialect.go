// Package dialect captures the differences between SQL backends as a flat
// capability record. The renderer asks the record how to quote, bind, cap
// and JSON-aggregate; it never switches on the database kind itself.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Style selects the overall JSON projection strategy of a backend.
type Style int

const (
	// StyleJSONFuncs builds rows with json object/aggregate functions
	// (postgres, mysql).
	StyleJSONFuncs Style = iota
	// StyleForJSON appends FOR JSON PATH to the statement (mssql, dwsql).
	StyleForJSON
	// StyleDocument targets the Cosmos SQL API; queries are flat and the
	// backend returns documents natively.
	StyleDocument
)

// UpsertStyle selects the insert-or-update statement form.
type UpsertStyle int

const (
	UpsertMerge       UpsertStyle = iota // MERGE (mssql)
	UpsertOnConflict                     // INSERT ... ON CONFLICT (postgres)
	UpsertOnDuplicate                    // INSERT ... ON DUPLICATE KEY UPDATE (mysql)
)

// Pair is one key/expression pair of a JSON object projection.
type Pair struct {
	Key  string
	Expr string
}

// Dialect is the capability record for one backend.
type Dialect struct {
	Kind  string
	Style Style

	QuoteIdent func(s string) string
	BindVar    func(i int) string // 1-based ordinal

	// LimitClause caps the row count; rendered after ORDER BY.
	LimitClause func(n int) string

	// JSONObject renders one row as a JSON object expression.
	JSONObject func(pairs []Pair) string

	// JSONAggExpr aggregates row objects into a JSON array.
	JSONAggExpr func(objExpr, orderBy string) string

	// EmptyArray is the literal used when an aggregate yields no rows.
	EmptyArray string

	// ReturningClause appended to mutations, or "" when the backend uses
	// an OUTPUT clause instead.
	ReturningClause func(cols []string) string

	// OutputClause rendered between the mutation head and its source, or
	// "" when the backend uses RETURNING.
	OutputClause func(cols []string) string

	UpsertStyle UpsertStyle

	// LikeBrackets marks backends where [ opens a character class inside
	// LIKE patterns and must be escaped.
	LikeBrackets bool

	// ProcCall renders a stored procedure invocation. The object name is
	// already quoted; names are the quoted parameter names and binds the
	// matching placeholders. Nil when the backend has no procedures.
	ProcCall func(object string, names, binds []string) string
}

func quoteDouble(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteBacktick(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteBracket(s string) string {
	return "[" + strings.ReplaceAll(s, "]", "]]") + "]"
}

func renderPairs(pairs []Pair, fn string) string {
	var b strings.Builder
	b.WriteString(fn)
	b.WriteByte('(')
	for i, p := range pairs {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteByte('\'')
		b.WriteString(strings.ReplaceAll(p.Key, "'", "''"))
		b.WriteString("', ")
		b.WriteString(p.Expr)
	}
	b.WriteByte(')')
	return b.String()
}

// ForKind returns the capability record for a database kind.
func ForKind(kind string) (Dialect, error) {
	switch kind {
	case "postgresql":
		return Dialect{
			Kind:       kind,
			Style:      StyleJSONFuncs,
			QuoteIdent: quoteDouble,
			BindVar:    func(i int) string { return "$" + strconv.Itoa(i) },
			LimitClause: func(n int) string {
				return "LIMIT " + strconv.Itoa(n)
			},
			JSONObject: func(pairs []Pair) string {
				return renderPairs(pairs, "json_build_object")
			},
			JSONAggExpr: func(objExpr, orderBy string) string {
				if orderBy != "" {
					return "json_agg(" + objExpr + " ORDER BY " + orderBy + ")"
				}
				return "json_agg(" + objExpr + ")"
			},
			EmptyArray: "'[]'",
			ReturningClause: func(cols []string) string {
				return "RETURNING " + strings.Join(cols, ", ")
			},
			OutputClause: func([]string) string { return "" },
			UpsertStyle:  UpsertOnConflict,
			ProcCall: func(object string, _, binds []string) string {
				return "SELECT * FROM " + object + "(" + strings.Join(binds, ", ") + ")"
			},
		}, nil

	case "mysql":
		return Dialect{
			Kind:       kind,
			Style:      StyleJSONFuncs,
			QuoteIdent: quoteBacktick,
			BindVar:    func(int) string { return "?" },
			LimitClause: func(n int) string {
				return "LIMIT " + strconv.Itoa(n)
			},
			JSONObject: func(pairs []Pair) string {
				return renderPairs(pairs, "JSON_OBJECT")
			},
			JSONAggExpr: func(objExpr, _ string) string {
				// JSON_ARRAYAGG has no ORDER BY; subquery order applies.
				return "JSON_ARRAYAGG(" + objExpr + ")"
			},
			EmptyArray: "JSON_ARRAY()",
			ReturningClause: func([]string) string {
				// MySQL has no RETURNING; mutations re-select by key.
				return ""
			},
			OutputClause: func([]string) string { return "" },
			UpsertStyle:  UpsertOnDuplicate,
			ProcCall: func(object string, _, binds []string) string {
				return "CALL " + object + "(" + strings.Join(binds, ", ") + ")"
			},
		}, nil

	case "mssql", "dwsql":
		return Dialect{
			Kind:       kind,
			Style:      StyleForJSON,
			QuoteIdent: quoteBracket,
			BindVar:    func(i int) string { return "@p" + strconv.Itoa(i) },
			LimitClause: func(n int) string {
				// Requires an ORDER BY, which every generated query has.
				return "OFFSET 0 ROWS FETCH NEXT " + strconv.Itoa(n) + " ROWS ONLY"
			},
			JSONObject:  nil, // FOR JSON PATH shapes rows server-side
			JSONAggExpr: nil,
			EmptyArray:  "'[]'",
			ReturningClause: func([]string) string { return "" },
			OutputClause: func(cols []string) string {
				out := make([]string, len(cols))
				for i, c := range cols {
					out[i] = "INSERTED." + c
				}
				return "OUTPUT " + strings.Join(out, ", ")
			},
			UpsertStyle:  UpsertMerge,
			LikeBrackets: true,
			ProcCall: func(object string, names, binds []string) string {
				var b strings.Builder
				b.WriteString("EXEC ")
				b.WriteString(object)
				for i := range names {
					if i != 0 {
						b.WriteString(",")
					}
					b.WriteString(" @")
					b.WriteString(names[i])
					b.WriteString(" = ")
					b.WriteString(binds[i])
				}
				return b.String()
			},
		}, nil

	case "cosmos-sql", "cosmos-nosql":
		return Dialect{
			Kind:       kind,
			Style:      StyleDocument,
			QuoteIdent: func(s string) string { return s },
			BindVar:    func(i int) string { return "@p" + strconv.Itoa(i) },
			LimitClause: func(n int) string {
				return "OFFSET 0 LIMIT " + strconv.Itoa(n)
			},
			EmptyArray:      "[]",
			ReturningClause: func([]string) string { return "" },
			OutputClause:    func([]string) string { return "" },
		}, nil

	default:
		return Dialect{}, fmt.Errorf("unsupported database type %q", kind)
	}
}
