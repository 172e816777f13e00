package sdata

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// ShapesFromGraphQLSchema derives container shapes for a document backend
// from a user-supplied GraphQL schema file. No database introspection
// happens for Cosmos; this file is the only source of truth.
func ShapesFromGraphQLSchema(src []byte) (map[string]*TableShape, error) {
	doc, gerr := gqlparser.LoadSchema(&ast.Source{
		Name:  "cosmos-schema.graphql",
		Input: string(src),
	})
	if gerr != nil {
		return nil, fmt.Errorf("cosmos schema: %s", gerr.Error())
	}

	shapes := make(map[string]*TableShape)

	for name, def := range doc.Types {
		if def.Kind != ast.Object || def.BuiltIn {
			continue
		}
		if name == "Query" || name == "Mutation" || name == "Subscription" {
			continue
		}

		shape := &TableShape{Name: name, Type: "table"}
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			// Object-typed fields are embedded documents or navigation,
			// not scalar columns.
			if td, ok := doc.Types[f.Type.Name()]; ok && td.Kind == ast.Object {
				continue
			}
			col := DBColumn{
				Name:    f.Name,
				Type:    graphqlTypeToColumn(f.Type.Name()),
				NotNull: f.Type.NonNull,
			}
			if f.Name == "id" {
				col.PrimaryKey = true
				shape.PrimaryKey = append(shape.PrimaryKey, f.Name)
			}
			shape.Columns = append(shape.Columns, col)
		}
		if len(shape.PrimaryKey) == 0 {
			return nil, fmt.Errorf("cosmos schema: type %s has no id field", name)
		}
		shapes[strings.ToLower(name)] = shape
	}

	if len(shapes) == 0 {
		return nil, fmt.Errorf("cosmos schema: no object types found")
	}
	return shapes, nil
}

func graphqlTypeToColumn(t string) string {
	switch t {
	case "Int":
		return "int"
	case "Long":
		return "bigint"
	case "Float":
		return "float"
	case "Boolean":
		return "bool"
	case "ID":
		return "uuid"
	case "DateTime":
		return "datetime"
	default:
		return "text"
	}
}
