package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gobuffalo/flect"
)

// Database kinds accepted in the data-source block.
const (
	DBTypeMSSQL       = "mssql"
	DBTypePostgres    = "postgresql"
	DBTypeMySQL       = "mysql"
	DBTypeCosmosSQL   = "cosmos-sql"
	DBTypeCosmosNoSQL = "cosmos-nosql"
	DBTypeDWSQL       = "dwsql"
)

// SupportedDBTypes lists the database kinds the engine can translate for.
var SupportedDBTypes = []string{
	DBTypeMSSQL, DBTypePostgres, DBTypeMySQL,
	DBTypeCosmosSQL, DBTypeCosmosNoSQL, DBTypeDWSQL,
}

// ValidateDBType checks if the given database kind is supported
func ValidateDBType(dbType string) error {
	for _, t := range SupportedDBTypes {
		if strings.EqualFold(dbType, t) {
			return nil
		}
	}
	return fmt.Errorf("unsupported database type %q: supported types are %s",
		dbType, strings.Join(SupportedDBTypes, ", "))
}

// Host modes
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// Default role names. Requests without a token map to RoleAnonymous,
// requests with a token and no X-MS-API-ROLE header to RoleAuthenticated.
const (
	RoleAnonymous     = "anonymous"
	RoleAuthenticated = "authenticated"
)

// Actions an entity permission can grant.
const (
	ActionCreate   = "create"
	ActionRead     = "read"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionExecute  = "execute"
	ActionWildcard = "*"
)

// DefaultFirstCap is the hard cap on the 'first' pagination argument.
// Values above it are rejected with BadRequest.
const DefaultFirstCap = 1000

// RuntimeConfig is the root configuration snapshot. It is immutable once
// published; hot-reload builds a new one and swaps the atomic reference.
type RuntimeConfig struct {
	Schema     string            `json:"$schema,omitempty"`
	DataSource DataSource        `json:"data-source" validate:"required"`
	Runtime    Runtime           `json:"runtime"`
	Entities   map[string]Entity `json:"entities" validate:"required,min=1"`
}

// DataSource describes the single backend the engine translates for.
type DataSource struct {
	Kind             string                 `json:"database-type" validate:"required"`
	ConnectionString string                 `json:"connection-string" validate:"required"`
	Options          map[string]interface{} `json:"options,omitempty"`
}

// IsDocument reports whether the backend is a document (Cosmos) engine.
func (ds DataSource) IsDocument() bool {
	return ds.Kind == DBTypeCosmosSQL || ds.Kind == DBTypeCosmosNoSQL
}

// Runtime holds the global REST, GraphQL and host settings.
type Runtime struct {
	Rest    RestRuntime    `json:"rest"`
	GraphQL GraphQLRuntime `json:"graphql"`
	Host    HostRuntime    `json:"host"`
}

type RestRuntime struct {
	Enabled           *bool  `json:"enabled,omitempty"`
	Path              string `json:"path,omitempty"`
	RequestBodyStrict *bool  `json:"request-body-strict,omitempty"`
}

func (r RestRuntime) IsEnabled() bool { return r.Enabled == nil || *r.Enabled }

// BasePath returns the REST prefix, defaulting to /api.
func (r RestRuntime) BasePath() string {
	if r.Path == "" {
		return "/api"
	}
	return r.Path
}

// StrictBody reports whether unknown fields in request bodies are rejected.
func (r RestRuntime) StrictBody() bool {
	return r.RequestBodyStrict == nil || *r.RequestBodyStrict
}

type GraphQLRuntime struct {
	Enabled            *bool  `json:"enabled,omitempty"`
	Path               string `json:"path,omitempty"`
	AllowIntrospection *bool  `json:"allow-introspection,omitempty"`
	DepthLimit         *int   `json:"depth-limit,omitempty"`
	MultipleMutations  *bool  `json:"multiple-mutations,omitempty"`
}

func (g GraphQLRuntime) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// BasePath returns the GraphQL endpoint path, defaulting to /graphql.
func (g GraphQLRuntime) BasePath() string {
	if g.Path == "" {
		return "/graphql"
	}
	return g.Path
}

func (g GraphQLRuntime) MultipleMutationsEnabled() bool {
	return g.MultipleMutations != nil && *g.MultipleMutations
}

// IntrospectionAllowed reports the explicit allow-introspection setting.
// Development host mode enables introspection regardless of it.
func (g GraphQLRuntime) IntrospectionAllowed() bool {
	return g.AllowIntrospection != nil && *g.AllowIntrospection
}

type HostRuntime struct {
	Mode           string      `json:"mode,omitempty"`
	Cors           *CorsConfig `json:"cors,omitempty"`
	Authentication *AuthConfig `json:"authentication,omitempty"`
}

// IsProduction reports production host mode. Development is the default.
func (h HostRuntime) IsProduction() bool { return h.Mode == ModeProduction }

type CorsConfig struct {
	Origins          []string `json:"origins,omitempty"`
	AllowCredentials bool     `json:"allow-credentials,omitempty"`
}

type AuthConfig struct {
	Provider string     `json:"provider,omitempty"`
	JWT      *JWTConfig `json:"jwt,omitempty"`
}

type JWTConfig struct {
	Audience string `json:"audience,omitempty"`
	Issuer   string `json:"issuer,omitempty"`
}

// Source object types
const (
	SourceTable           = "table"
	SourceView            = "view"
	SourceStoredProcedure = "stored-procedure"
)

// EntitySource maps an entity to a physical object. In config it may be a
// bare string (treated as a table) or the full object form.
type EntitySource struct {
	Object     string                 `json:"object"`
	Type       string                 `json:"type,omitempty"`
	KeyFields  []string               `json:"key-fields,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

func (s *EntitySource) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var obj string
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		*s = EntitySource{Object: obj, Type: SourceTable}
		return nil
	}
	type alias EntitySource
	var v alias
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.Type == "" {
		v.Type = SourceTable
	}
	*s = EntitySource(v)
	return nil
}

func (s EntitySource) MarshalJSON() ([]byte, error) {
	if s.Type == SourceTable && len(s.KeyFields) == 0 && len(s.Parameters) == 0 {
		return json.Marshal(s.Object)
	}
	type alias EntitySource
	return json.Marshal(alias(s))
}

// IsProcedure reports whether the entity maps to a stored procedure.
func (s EntitySource) IsProcedure() bool { return s.Type == SourceStoredProcedure }

// Entity is one logical resource in the catalog.
type Entity struct {
	Source        EntitySource            `json:"source"`
	GraphQL       *EntityGraphQL          `json:"graphql,omitempty"`
	Rest          *EntityRest             `json:"rest,omitempty"`
	Permissions   []Permission            `json:"permissions"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

type EntityGraphQL struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	Singular  string `json:"singular,omitempty"`
	Plural    string `json:"plural,omitempty"`
	Operation string `json:"operation,omitempty"`
}

type EntityRest struct {
	Enabled *bool    `json:"enabled,omitempty"`
	Path    string   `json:"path,omitempty"`
	Methods []string `json:"methods,omitempty"`
}

// GraphQLEnabled reports whether the entity is exposed over GraphQL.
func (e Entity) GraphQLEnabled() bool {
	return e.GraphQL == nil || e.GraphQL.Enabled == nil || *e.GraphQL.Enabled
}

// RestEnabled reports whether the entity is exposed over REST.
func (e Entity) RestEnabled() bool {
	return e.Rest == nil || e.Rest.Enabled == nil || *e.Rest.Enabled
}

// SingularName returns the GraphQL singular type name for the entity.
func (e Entity) SingularName(name string) string {
	if e.GraphQL != nil && e.GraphQL.Singular != "" {
		return e.GraphQL.Singular
	}
	return flect.Singularize(name)
}

// PluralName returns the GraphQL plural field name for the entity.
func (e Entity) PluralName(name string) string {
	if e.GraphQL != nil && e.GraphQL.Plural != "" {
		return e.GraphQL.Plural
	}
	p := flect.Pluralize(name)
	if strings.EqualFold(p, e.SingularName(name)) {
		// Uncountable nouns pluralize to themselves; keep names distinct.
		p = p + "List"
	}
	return p
}

// GraphQLOperation returns whether a stored procedure is exposed as a
// query or a mutation root field. Mutation is the default.
func (e Entity) GraphQLOperation() string {
	if e.GraphQL != nil && e.GraphQL.Operation == "query" {
		return "query"
	}
	return "mutation"
}

// RestMethods returns the HTTP methods enabled for the entity, or nil for
// the defaults.
func (e Entity) RestMethods() []string {
	if e.Rest == nil {
		return nil
	}
	return e.Rest.Methods
}

// ActionFields returns the action's field mask lists, empty when absent.
func (a Action) ActionFields() (include, exclude []string) {
	if a.Fields == nil {
		return nil, nil
	}
	return a.Fields.Include, a.Fields.Exclude
}

// DatabasePolicy returns the action's row policy expression, or "".
func (a Action) DatabasePolicy() string {
	if a.Policy == nil {
		return ""
	}
	return a.Policy.Database
}

// RestPath returns the REST segment for the entity, defaulting to its name.
func (e Entity) RestPath(name string) string {
	if e.Rest != nil && e.Rest.Path != "" {
		return strings.TrimPrefix(e.Rest.Path, "/")
	}
	return name
}

// PermissionFor returns the permission block declared for the role.
func (e Entity) PermissionFor(role string) (Permission, bool) {
	for _, p := range e.Permissions {
		if strings.EqualFold(p.Role, role) {
			return p, true
		}
	}
	return Permission{}, false
}

// Permission grants a set of actions to one role.
type Permission struct {
	Role    string   `json:"role"`
	Actions []Action `json:"actions"`
}

// Action is either a bare verb or the full object form with a field mask
// and an optional row policy.
type Action struct {
	Action string     `json:"action"`
	Fields *FieldMask `json:"fields,omitempty"`
	Policy *Policy    `json:"policy,omitempty"`
}

func (a *Action) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var verb string
		if err := json.Unmarshal(b, &verb); err != nil {
			return err
		}
		*a = Action{Action: verb}
		return nil
	}
	type alias Action
	var v alias
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*a = Action(v)
	return nil
}

func (a Action) MarshalJSON() ([]byte, error) {
	if a.Fields == nil && a.Policy == nil {
		return json.Marshal(a.Action)
	}
	type alias Action
	return json.Marshal(alias(a))
}

// FieldMask is the per-action include/exclude column lists. include=["*"]
// means all columns; a column in both lists resolves to excluded.
type FieldMask struct {
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// Policy holds the row-level predicate expression evaluated in the database.
type Policy struct {
	Database string `json:"database"`
}

// Relationship is a directed navigation edge between two entities.
// The dotted keys follow the config file format.
type Relationship struct {
	Cardinality         string   `json:"cardinality"`
	TargetEntity        string   `json:"target.entity"`
	SourceFields        []string `json:"source.fields,omitempty"`
	TargetFields        []string `json:"target.fields,omitempty"`
	LinkingObject       string   `json:"linking.object,omitempty"`
	LinkingSourceFields []string `json:"linking.source.fields,omitempty"`
	LinkingTargetFields []string `json:"linking.target.fields,omitempty"`
}

const (
	CardinalityOne  = "one"
	CardinalityMany = "many"
)

// Entity returns the entity for the exact configured name.
func (c *RuntimeConfig) Entity(name string) (Entity, bool) {
	e, ok := c.Entities[name]
	return e, ok
}

// EntityByRestPath resolves an entity from its REST path segment.
func (c *RuntimeConfig) EntityByRestPath(seg string) (string, Entity, bool) {
	for name, e := range c.Entities {
		if !e.RestEnabled() {
			continue
		}
		if strings.EqualFold(e.RestPath(name), seg) {
			return name, e, true
		}
	}
	return "", Entity{}, false
}
