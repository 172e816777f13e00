package schema

import "strings"

// GraphQL scalar names used by synthesized types.
const (
	ScalarInt       = "Int"
	ScalarLong      = "Long"
	ScalarString    = "String"
	ScalarID        = "ID"
	ScalarBoolean   = "Boolean"
	ScalarDateTime  = "DateTime"
	ScalarFloat     = "Float"
	ScalarByteArray = "ByteArray"
	ScalarJSON      = "JSON"
)

// ColumnToGraphQL maps a database column type to its GraphQL scalar.
// Unknown types fall back to String.
func ColumnToGraphQL(dbType string) string {
	t := strings.ToLower(dbType)
	if i := strings.IndexByte(t, '('); i != -1 {
		t = t[:i]
	}
	switch t {
	case "int", "int4", "integer", "smallint", "int2", "tinyint", "serial":
		return ScalarInt
	case "bigint", "int8", "bigserial":
		return ScalarLong
	case "uuid", "uniqueidentifier":
		return ScalarID
	case "bit", "bool", "boolean":
		return ScalarBoolean
	case "datetime", "datetime2", "timestamp", "timestamptz", "date", "smalldatetime", "datetimeoffset":
		return ScalarDateTime
	case "decimal", "numeric", "float", "float4", "float8", "double", "double precision", "real", "money":
		return ScalarFloat
	case "bytea", "varbinary", "binary", "image", "blob", "bytes":
		return ScalarByteArray
	default:
		// varchar, nvarchar, text, char, json and everything else
		return ScalarString
	}
}

// IsTextScalar reports whether the scalar admits the string operators
// (contains, startsWith, endsWith).
func IsTextScalar(s string) bool {
	return s == ScalarString || s == ScalarID
}

// commonSDL is shared by every synthesized schema: custom scalars, the
// OrderBy enum, per-scalar filter inputs and the aggregation inputs.
const commonSDL = `scalar Long
scalar DateTime
scalar ByteArray
scalar JSON

enum OrderBy {
  ASC
  DESC
}

enum AggregationFn {
  count
  sum
  avg
  min
  max
  countDistinct
}

input AggregationInput {
  fn: AggregationFn!
  field: String!
  alias: String
}

input IntFilterInput {
  eq: Int
  neq: Int
  gt: Int
  gte: Int
  lt: Int
  lte: Int
  in: [Int!]
  isNull: Boolean
}

input LongFilterInput {
  eq: Long
  neq: Long
  gt: Long
  gte: Long
  lt: Long
  lte: Long
  in: [Long!]
  isNull: Boolean
}

input FloatFilterInput {
  eq: Float
  neq: Float
  gt: Float
  gte: Float
  lt: Float
  lte: Float
  in: [Float!]
  isNull: Boolean
}

input StringFilterInput {
  eq: String
  neq: String
  gt: String
  gte: String
  lt: String
  lte: String
  contains: String
  startsWith: String
  endsWith: String
  in: [String!]
  isNull: Boolean
}

input IDFilterInput {
  eq: ID
  neq: ID
  contains: ID
  startsWith: ID
  endsWith: ID
  in: [ID!]
  isNull: Boolean
}

input BooleanFilterInput {
  eq: Boolean
  neq: Boolean
  isNull: Boolean
}

input DateTimeFilterInput {
  eq: DateTime
  neq: DateTime
  gt: DateTime
  gte: DateTime
  lt: DateTime
  lte: DateTime
  in: [DateTime!]
  isNull: Boolean
}

input ByteArrayFilterInput {
  isNull: Boolean
}
`

// FilterInputFor returns the filter input type name for a scalar.
func FilterInputFor(scalar string) string {
	return scalar + "FilterInput"
}
