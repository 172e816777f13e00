package core

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
)

// wantsIntrospection reports whether any root field of the operation is an
// introspection meta field.
func wantsIntrospection(op *ast.OperationDefinition) bool {
	for _, sel := range op.SelectionSet {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		if f.Name == "__schema" || f.Name == "__type" {
			return true
		}
	}
	return false
}

// introspect answers an introspection operation from the synthesized
// schema. Each type and field is returned in full; clients read the keys
// they selected and ignore the rest.
func (ge *gatewayEngine) introspect(op *ast.OperationDefinition) (json.RawMessage, error) {
	out := make(map[string]interface{}, len(op.SelectionSet))

	for _, sel := range op.SelectionSet {
		f, ok := sel.(*ast.Field)
		if !ok {
			return nil, NewError(CodeBadRequest, "fragments are not supported at the operation root")
		}
		key := f.Name
		if f.Alias != "" {
			key = f.Alias
		}

		switch f.Name {
		case "__schema":
			out[key] = schemaIntrospection(ge.schema.AST)
		case "__type":
			name, _ := introspectTypeArg(f)
			if def, ok := ge.schema.AST.Types[name]; ok {
				out[key] = fullType(ge.schema.AST, def)
			} else {
				out[key] = nil
			}
		default:
			return nil, NewError(CodeBadRequest, "introspection fields cannot be mixed with data fields")
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, WrapError(CodeUnexpectedError, err)
	}
	return b, nil
}

func introspectTypeArg(f *ast.Field) (string, bool) {
	for _, a := range f.Arguments {
		if a.Name != "name" {
			continue
		}
		v, err := a.Value.Value(nil)
		if err != nil {
			return "", false
		}
		s, ok := v.(string)
		return s, ok
	}
	return "", false
}

func schemaIntrospection(sc *ast.Schema) map[string]interface{} {
	names := make([]string, 0, len(sc.Types))
	for name := range sc.Types {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make([]interface{}, 0, len(names))
	for _, name := range names {
		types = append(types, fullType(sc, sc.Types[name]))
	}

	dirNames := make([]string, 0, len(sc.Directives))
	for name := range sc.Directives {
		dirNames = append(dirNames, name)
	}
	sort.Strings(dirNames)

	directives := make([]interface{}, 0, len(dirNames))
	for _, name := range dirNames {
		d := sc.Directives[name]
		locs := make([]string, len(d.Locations))
		for i, l := range d.Locations {
			locs[i] = string(l)
		}
		directives = append(directives, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"locations":   locs,
			"args":        inputValues(sc, d.Arguments),
		})
	}

	out := map[string]interface{}{
		"queryType":        nil,
		"mutationType":     nil,
		"subscriptionType": nil,
		"types":            types,
		"directives":       directives,
	}
	if sc.Query != nil {
		out["queryType"] = map[string]interface{}{"name": sc.Query.Name}
	}
	if sc.Mutation != nil {
		out["mutationType"] = map[string]interface{}{"name": sc.Mutation.Name}
	}
	if sc.Subscription != nil {
		out["subscriptionType"] = map[string]interface{}{"name": sc.Subscription.Name}
	}
	return out
}

// fullType renders one schema type in the standard introspection shape.
func fullType(sc *ast.Schema, def *ast.Definition) map[string]interface{} {
	out := map[string]interface{}{
		"kind":          string(def.Kind),
		"name":          def.Name,
		"description":   def.Description,
		"fields":        nil,
		"inputFields":   nil,
		"interfaces":    nil,
		"enumValues":    nil,
		"possibleTypes": nil,
	}

	switch def.Kind {
	case ast.Object, ast.Interface:
		fields := []interface{}{}
		for _, f := range def.Fields {
			if strings.HasPrefix(f.Name, "__") {
				continue
			}
			fields = append(fields, map[string]interface{}{
				"name":              f.Name,
				"description":       f.Description,
				"args":              inputValues(sc, f.Arguments),
				"type":              typeRef(sc, f.Type),
				"isDeprecated":      false,
				"deprecationReason": nil,
			})
		}
		out["fields"] = fields
		out["interfaces"] = []interface{}{}

	case ast.InputObject:
		inputs := []interface{}{}
		for _, f := range def.Fields {
			inputs = append(inputs, inputValue(sc, f.Name, f.Description, f.Type, f.DefaultValue))
		}
		out["inputFields"] = inputs

	case ast.Enum:
		values := []interface{}{}
		for _, v := range def.EnumValues {
			values = append(values, map[string]interface{}{
				"name":              v.Name,
				"description":       v.Description,
				"isDeprecated":      false,
				"deprecationReason": nil,
			})
		}
		out["enumValues"] = values

	case ast.Union:
		possible := []interface{}{}
		for _, t := range def.Types {
			possible = append(possible, map[string]interface{}{
				"kind": "OBJECT",
				"name": t,
			})
		}
		out["possibleTypes"] = possible
	}
	return out
}

func inputValues(sc *ast.Schema, args ast.ArgumentDefinitionList) []interface{} {
	out := []interface{}{}
	for _, a := range args {
		out = append(out, inputValue(sc, a.Name, a.Description, a.Type, a.DefaultValue))
	}
	return out
}

func inputValue(sc *ast.Schema, name, desc string, t *ast.Type, def *ast.Value) map[string]interface{} {
	out := map[string]interface{}{
		"name":         name,
		"description":  desc,
		"type":         typeRef(sc, t),
		"defaultValue": nil,
	}
	if def != nil {
		out["defaultValue"] = def.String()
	}
	return out
}

// typeRef renders a type reference with the NON_NULL and LIST wrappers
// unrolled into ofType chains.
func typeRef(sc *ast.Schema, t *ast.Type) map[string]interface{} {
	if t.NonNull {
		inner := *t
		inner.NonNull = false
		return map[string]interface{}{
			"kind":   "NON_NULL",
			"name":   nil,
			"ofType": typeRef(sc, &inner),
		}
	}
	if t.Elem != nil {
		return map[string]interface{}{
			"kind":   "LIST",
			"name":   nil,
			"ofType": typeRef(sc, t.Elem),
		}
	}
	kind := "SCALAR"
	if def, ok := sc.Types[t.NamedType]; ok {
		kind = string(def.Kind)
	}
	return map[string]interface{}{
		"kind":   kind,
		"name":   t.NamedType,
		"ofType": nil,
	}
}
