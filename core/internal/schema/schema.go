// Package schema synthesizes the GraphQL type system and the REST route
// table from the entity catalog and the discovered table shapes. The same
// config and shapes always produce byte-identical SDL.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/qbloq/datagate/core/internal/sdata"
)

// RelDef is one resolved navigation edge on an entity.
type RelDef struct {
	FieldName   string
	Target      string // target entity name
	Cardinality string // one or many

	// Join fields; empty when they must be inferred from foreign keys at
	// plan time.
	SourceFields []string
	TargetFields []string

	// Many-to-many linking.
	LinkObject       string
	LinkSourceFields []string
	LinkTargetFields []string
}

// EntityDef is the schema builder's view of one catalog entity.
type EntityDef struct {
	Name     string
	Singular string
	Plural   string
	Table    string

	IsProcedure   bool
	ProcedureOp   string                 // query or mutation
	ParamDefaults map[string]interface{} // procedure parameter defaults from config
	GraphQLActive bool
	RestActive    bool
	RestPath      string
	RestMethods   []string

	Shape      *sdata.TableShape
	PrimaryKey []string

	Rels []RelDef

	// Union of actions granted to any role; drives which operations are
	// synthesized at all.
	Actions map[string]bool
}

// TypeName returns the GraphQL object type name for the entity.
func (e *EntityDef) TypeName() string { return ucfirst(e.Singular) }

// OpKind classifies a synthesized root field.
type OpKind int

const (
	OpQueryByPK OpKind = iota
	OpQueryList
	OpCreate
	OpUpdate
	OpDelete
	OpExecute
)

// Action returns the permission action gating the operation.
func (k OpKind) Action() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpExecute:
		return "execute"
	default:
		return "read"
	}
}

// FieldBinding ties a root field to its entity and operation.
type FieldBinding struct {
	Entity string
	Kind   OpKind
}

// Route is one REST path registration.
type Route struct {
	Entity  string
	Path    string // path segment under the REST base path
	Methods []string
}

// Schema is the synthesized type system plus the lookup tables the
// planner and the REST layer need.
type Schema struct {
	SDL string
	AST *ast.Schema

	Entities       map[string]*EntityDef
	QueryFields    map[string]FieldBinding
	MutationFields map[string]FieldBinding
	Routes         []Route
}

// Entity returns the definition for a catalog entity name.
func (s *Schema) Entity(name string) (*EntityDef, bool) {
	e, ok := s.Entities[name]
	return e, ok
}

// RouteFor resolves a REST path segment to its route, case-insensitively.
func (s *Schema) RouteFor(seg string) (Route, bool) {
	for _, r := range s.Routes {
		if strings.EqualFold(r.Path, seg) {
			return r, true
		}
	}
	return Route{}, false
}

var defaultRestMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

// Build synthesizes the schema from entity definitions.
func Build(defs map[string]*EntityDef) (*Schema, error) {
	s := &Schema{
		Entities:       defs,
		QueryFields:    make(map[string]FieldBinding),
		MutationFields: make(map[string]FieldBinding),
	}

	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(commonSDL)

	var queries, mutations []string

	for _, name := range names {
		e := defs[name]

		if e.RestActive && !e.IsProcedure {
			methods := e.RestMethods
			if len(methods) == 0 {
				methods = defaultRestMethods
			}
			s.Routes = append(s.Routes, Route{Entity: name, Path: e.RestPath, Methods: methods})
		}
		if e.RestActive && e.IsProcedure {
			s.Routes = append(s.Routes, Route{Entity: name, Path: e.RestPath, Methods: []string{"POST"}})
		}

		if !e.GraphQLActive {
			continue
		}

		if e.IsProcedure {
			f, binding := buildProcedureField(e)
			if e.ProcedureOp == "query" {
				queries = append(queries, f)
				s.QueryFields[binding] = FieldBinding{Entity: name, Kind: OpExecute}
			} else {
				mutations = append(mutations, f)
				s.MutationFields[binding] = FieldBinding{Entity: name, Kind: OpExecute}
			}
			continue
		}

		writeEntityTypes(&b, e, defs)

		byPK, list := buildQueryFields(e)
		queries = append(queries, byPK, list)
		s.QueryFields[lcfirst(e.Singular)] = FieldBinding{Entity: name, Kind: OpQueryByPK}
		s.QueryFields[lcfirst(e.Plural)] = FieldBinding{Entity: name, Kind: OpQueryList}

		if e.Actions["create"] || e.Actions["*"] {
			mutations = append(mutations, fmt.Sprintf("  create%s(item: Create%sInput!): %s\n",
				e.TypeName(), e.TypeName(), e.TypeName()))
			s.MutationFields["create"+e.TypeName()] = FieldBinding{Entity: name, Kind: OpCreate}
		}
		if e.Actions["update"] || e.Actions["*"] {
			mutations = append(mutations, fmt.Sprintf("  update%s(%s, item: Update%sInput!): %s\n",
				e.TypeName(), pkArgs(e), e.TypeName(), e.TypeName()))
			s.MutationFields["update"+e.TypeName()] = FieldBinding{Entity: name, Kind: OpUpdate}
		}
		if e.Actions["delete"] || e.Actions["*"] {
			mutations = append(mutations, fmt.Sprintf("  delete%s(%s): %s\n",
				e.TypeName(), pkArgs(e), e.TypeName()))
			s.MutationFields["delete"+e.TypeName()] = FieldBinding{Entity: name, Kind: OpDelete}
		}
	}

	if len(queries) != 0 {
		b.WriteString("\ntype Query {\n")
		for _, q := range queries {
			b.WriteString(q)
		}
		b.WriteString("}\n")
	}
	if len(mutations) != 0 {
		b.WriteString("\ntype Mutation {\n")
		for _, m := range mutations {
			b.WriteString(m)
		}
		b.WriteString("}\n")
	}

	s.SDL = b.String()

	doc, gerr := gqlparser.LoadSchema(&ast.Source{Name: "datagate.graphql", Input: s.SDL})
	if gerr != nil {
		return nil, fmt.Errorf("schema synthesis produced invalid SDL: %s", gerr.Error())
	}
	s.AST = doc

	return s, nil
}

// writeEntityTypes emits the object type, filter input, orderBy input,
// create/update inputs, connection and groupBy types for one entity.
func writeEntityTypes(b *strings.Builder, e *EntityDef, defs map[string]*EntityDef) {
	tn := e.TypeName()

	// object type
	fmt.Fprintf(b, "\ntype %s {\n", tn)
	for _, c := range e.Shape.Columns {
		sc := ColumnToGraphQL(c.Type)
		if c.NotNull {
			fmt.Fprintf(b, "  %s: %s!\n", c.Name, sc)
		} else {
			fmt.Fprintf(b, "  %s: %s\n", c.Name, sc)
		}
	}
	for _, r := range e.Rels {
		t, ok := defs[r.Target]
		if !ok || !t.GraphQLActive || t.IsProcedure {
			continue
		}
		if r.Cardinality == "one" {
			fmt.Fprintf(b, "  %s: %s\n", r.FieldName, t.TypeName())
		} else {
			fmt.Fprintf(b, "  %s(first: Int, after: String, filter: %sFilterInput, orderBy: %sOrderByInput): %sConnection\n",
				r.FieldName, t.TypeName(), t.TypeName(), t.TypeName())
		}
	}
	b.WriteString("}\n")

	// filter input
	fmt.Fprintf(b, "\ninput %sFilterInput {\n", tn)
	for _, c := range e.Shape.Columns {
		fmt.Fprintf(b, "  %s: %s\n", c.Name, FilterInputFor(ColumnToGraphQL(c.Type)))
	}
	fmt.Fprintf(b, "  and: [%sFilterInput!]\n", tn)
	fmt.Fprintf(b, "  or: [%sFilterInput!]\n", tn)
	fmt.Fprintf(b, "  not: %sFilterInput\n", tn)
	b.WriteString("}\n")

	// orderBy input
	fmt.Fprintf(b, "\ninput %sOrderByInput {\n", tn)
	for _, c := range e.Shape.Columns {
		fmt.Fprintf(b, "  %s: OrderBy\n", c.Name)
	}
	b.WriteString("}\n")

	// scalar-field enum for groupBy
	fmt.Fprintf(b, "\nenum %sScalarFields {\n", tn)
	for _, c := range e.Shape.Columns {
		fmt.Fprintf(b, "  %s\n", c.Name)
	}
	b.WriteString("}\n")

	fmt.Fprintf(b, "\ntype %sGroupByResult {\n  fields: JSON\n  aggregations: JSON\n}\n", tn)

	// connection
	fmt.Fprintf(b, "\ntype %sConnection {\n", tn)
	fmt.Fprintf(b, "  items: [%s!]!\n", tn)
	b.WriteString("  hasNextPage: Boolean!\n")
	b.WriteString("  endCursor: String\n")
	fmt.Fprintf(b, "  groupBy(by: [%sScalarFields!], aggregations: [AggregationInput!]): [%sGroupByResult!]\n", tn, tn)
	b.WriteString("}\n")

	// create input: skip auto-generated columns
	if e.Actions["create"] || e.Actions["*"] {
		fmt.Fprintf(b, "\ninput Create%sInput {\n", tn)
		for _, c := range e.Shape.Columns {
			if c.AutoGenerated {
				continue
			}
			sc := ColumnToGraphQL(c.Type)
			if c.NotNull && c.Default == "" {
				fmt.Fprintf(b, "  %s: %s!\n", c.Name, sc)
			} else {
				fmt.Fprintf(b, "  %s: %s\n", c.Name, sc)
			}
		}
		b.WriteString("}\n")
	}

	// update input: every non-key column optional
	if e.Actions["update"] || e.Actions["*"] {
		fmt.Fprintf(b, "\ninput Update%sInput {\n", tn)
		n := 0
		for _, c := range e.Shape.Columns {
			if c.PrimaryKey || c.AutoGenerated {
				continue
			}
			fmt.Fprintf(b, "  %s: %s\n", c.Name, ColumnToGraphQL(c.Type))
			n++
		}
		if n == 0 {
			b.WriteString("  _placeholder: Boolean\n")
		}
		b.WriteString("}\n")
	}
}

func buildQueryFields(e *EntityDef) (byPK, list string) {
	tn := e.TypeName()
	byPK = fmt.Sprintf("  %s(%s): %s\n", lcfirst(e.Singular), pkArgs(e), tn)
	list = fmt.Sprintf("  %s(first: Int, after: String, filter: %sFilterInput, orderBy: %sOrderByInput): %sConnection!\n",
		lcfirst(e.Plural), tn, tn, tn)
	return
}

func buildProcedureField(e *EntityDef) (field, binding string) {
	binding = "execute" + e.TypeName()
	var args []string
	for _, p := range e.Shape.Parameters {
		args = append(args, fmt.Sprintf("%s: %s", p.Name, ColumnToGraphQL(p.Type)))
	}
	if len(args) == 0 {
		field = fmt.Sprintf("  %s: [JSON!]\n", binding)
	} else {
		field = fmt.Sprintf("  %s(%s): [JSON!]\n", binding, strings.Join(args, ", "))
	}
	return
}

// pkArgs renders the by-primary-key argument list.
func pkArgs(e *EntityDef) string {
	var args []string
	for _, k := range e.PrimaryKey {
		c, _ := e.Shape.Column(k)
		args = append(args, fmt.Sprintf("%s: %s!", k, ColumnToGraphQL(c.Type)))
	}
	return strings.Join(args, ", ")
}

func ucfirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func lcfirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
