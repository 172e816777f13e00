// Package core is the request-translation engine of the gateway: it turns
// a declarative entity config into a GraphQL schema and REST routes, and
// incoming requests into parameterized SQL for the configured backend.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"golang.org/x/sync/semaphore"
	"go.uber.org/zap"

	"github.com/qbloq/datagate/core/internal/acl"
	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/psql"
	"github.com/qbloq/datagate/core/internal/qcode"
	"github.com/qbloq/datagate/core/internal/schema"
	"github.com/qbloq/datagate/core/internal/sdata"
)

const (
	defaultQueryTimeout   = 30 * time.Second
	defaultMaxConcurrency = 100
	parseCacheSize        = 512
)

// OpenDBFunc opens a connection pool for a database kind and connection
// string. Injected so tests can substitute a mock pool.
type OpenDBFunc func(kind, connString string) (*sql.DB, error)

// Dependencies are the ambient services the gateway runs with.
type Dependencies struct {
	Log    *zap.SugaredLogger
	FS     afero.Fs
	OpenDB OpenDBFunc

	// MaxConcurrency caps in-flight database work; exceeding it fails
	// fast with ServiceBusy. Zero means the default.
	MaxConcurrency int64

	// QueryTimeout bounds a single request's database time.
	QueryTimeout time.Duration
}

// gatewayEngine is one immutable snapshot of the gateway: config, schema,
// compilers and the connection pool, built together and swapped together.
type gatewayEngine struct {
	conf     *RuntimeConfig
	confHash uint64
	confPath string

	db     *sql.DB
	log    *zap.SugaredLogger
	fs     afero.Fs
	loader *Loader
	openDB OpenDBFunc

	meta   *sdata.Provider
	schema *schema.Schema
	az     *acl.Authorizer
	qc     *qcode.Compiler
	pc     *psql.Compiler

	parseCache *lru.Cache // query text -> parsed operation
	sem        *semaphore.Weighted
	timeout    time.Duration

	prod bool
	done chan bool
}

// Gateway is the public handle. It holds the current engine snapshot;
// requests in flight keep using the snapshot they started on while a
// reload swaps in the next one.
type Gateway struct {
	atomic.Value
	done chan bool
}

// New builds a gateway from a config file path.
func New(confPath string, deps Dependencies) (g *Gateway, err error) {
	if deps.FS == nil {
		deps.FS = afero.NewOsFs()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	if deps.OpenDB == nil {
		err = NewError(CodeErrorInInitialization, "no database opener configured")
		return
	}

	g = &Gateway{done: make(chan bool)}
	if err = g.newEngine(confPath, deps, nil); err != nil {
		return
	}

	if err = g.initConfigWatcher(confPath, deps); err != nil {
		return
	}
	return
}

// newEngine loads the config, discovers metadata, synthesizes the schema
// and swaps the finished snapshot in. Reuse the previous pool via prevDB
// when the connection settings are unchanged.
func (g *Gateway) newEngine(confPath string, deps Dependencies, prev *gatewayEngine) (err error) {
	loader := NewLoader(deps.FS)

	conf, err := loader.Load(confPath)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}
	hash := conf.Hash()
	if prev != nil && hash == prev.confHash {
		// Nothing changed; keep the current snapshot.
		return nil
	}
	if prev != nil && conf.Runtime.Host.IsProduction() != prev.conf.Runtime.Host.IsProduction() {
		deps.Log.Warnw("config reload would change the host mode, ignoring",
			"path", confPath, "mode", conf.Runtime.Host.Mode)
		return nil
	}

	var db *sql.DB
	if prev != nil &&
		prev.conf.DataSource.Kind == conf.DataSource.Kind &&
		prev.conf.DataSource.ConnectionString == conf.DataSource.ConnectionString {
		db = prev.db
	} else {
		db, err = deps.OpenDB(conf.DataSource.Kind, conf.DataSource.ConnectionString)
		if err != nil {
			return WrapError(CodeErrorInInitialization, err)
		}
	}

	maxConc := deps.MaxConcurrency
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrency
	}
	timeout := deps.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}

	ge := &gatewayEngine{
		conf:     conf,
		confHash: hash,
		confPath: confPath,
		db:       db,
		log:      deps.Log,
		fs:       deps.FS,
		loader:   loader,
		openDB:   deps.OpenDB,
		meta:     sdata.NewProvider(db, conf.DataSource.Kind),
		sem:      semaphore.NewWeighted(maxConc),
		timeout:  timeout,
		prod:     conf.Runtime.Host.IsProduction(),
		done:     g.done,
	}

	// ordering matters: shapes feed the schema, the schema feeds the
	// compilers

	if err = ge.initShapes(); err != nil {
		return
	}
	if err = ge.initSchema(); err != nil {
		return
	}
	if err = ge.initACL(); err != nil {
		return
	}
	if err = ge.initCompilers(); err != nil {
		return
	}

	g.Store(ge)
	return nil
}

// initShapes preloads document shapes for Cosmos backends; relational
// backends introspect on demand.
func (ge *gatewayEngine) initShapes() error {
	kind := ge.conf.DataSource.Kind
	if kind != DBTypeCosmosSQL && kind != DBTypeCosmosNoSQL {
		return nil
	}

	schemaFile, _ := ge.conf.DataSource.Options["schema"].(string)
	if schemaFile == "" {
		return NewError(CodeErrorInInitialization, "cosmos backends require a data-source.options.schema file")
	}
	src, err := afero.ReadFile(ge.fs, schemaFile)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}
	shapes, err := sdata.ShapesFromGraphQLSchema(src)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}
	ge.meta.Preload(shapes)
	return nil
}

// initSchema assembles entity definitions from the config and discovered
// shapes, then synthesizes the GraphQL schema and REST route table.
func (ge *gatewayEngine) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), ge.timeout)
	defer cancel()

	defs := make(map[string]*schema.EntityDef, len(ge.conf.Entities))

	for name, ent := range ge.conf.Entities {
		shape, err := ge.meta.Describe(ctx, ent.Source.Object, ent.Source.Type)
		if err != nil {
			return WrapError(CodeErrorInInitialization, err)
		}

		def := &schema.EntityDef{
			Name:          name,
			Singular:      ent.SingularName(name),
			Plural:        ent.PluralName(name),
			Table:         ent.Source.Object,
			IsProcedure:   ent.Source.Type == SourceStoredProcedure,
			GraphQLActive: ent.GraphQLEnabled(),
			RestActive:    ent.RestEnabled(),
			RestPath:      ent.RestPath(name),
			RestMethods:   ent.RestMethods(),
			Shape:         shape,
			PrimaryKey:    shape.PrimaryKey,
			ParamDefaults: ent.Source.Parameters,
			Actions:       map[string]bool{},
		}
		if def.IsProcedure {
			def.ProcedureOp = ent.GraphQLOperation()
		}
		if len(ent.Source.KeyFields) != 0 {
			def.PrimaryKey = ent.Source.KeyFields
		}
		if len(def.PrimaryKey) == 0 && !def.IsProcedure {
			return NewError(CodeErrorInInitialization,
				"entity %s has no primary key and no key-fields override", name)
		}

		for _, p := range ent.Permissions {
			for _, a := range p.Actions {
				def.Actions[a.Action] = true
			}
		}

		for relName, rel := range ent.Relationships {
			def.Rels = append(def.Rels, schema.RelDef{
				FieldName:        relName,
				Target:           rel.TargetEntity,
				Cardinality:      rel.Cardinality,
				SourceFields:     rel.SourceFields,
				TargetFields:     rel.TargetFields,
				LinkObject:       rel.LinkingObject,
				LinkSourceFields: rel.LinkingSourceFields,
				LinkTargetFields: rel.LinkingTargetFields,
			})
		}
		sortRels(def.Rels)

		defs[name] = def
	}

	sc, err := schema.Build(defs)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}
	ge.schema = sc
	return nil
}

func sortRels(rels []schema.RelDef) {
	for i := 1; i < len(rels); i++ {
		for j := i; j > 0 && rels[j].FieldName < rels[j-1].FieldName; j-- {
			rels[j], rels[j-1] = rels[j-1], rels[j]
		}
	}
}

func (ge *gatewayEngine) initACL() error {
	az := acl.New()
	for name, ent := range ge.conf.Entities {
		def := ge.schema.Entities[name]

		var perms []acl.PermissionSpec
		for _, p := range ent.Permissions {
			spec := acl.PermissionSpec{Role: p.Role}
			for _, a := range p.Actions {
				include, exclude := a.ActionFields()
				spec.Actions = append(spec.Actions, acl.ActionSpec{
					Name:    a.Action,
					Include: include,
					Exclude: exclude,
					Policy:  a.DatabasePolicy(),
				})
			}
			perms = append(perms, spec)
		}

		if err := az.AddEntity(name, def.Shape.ColumnNames(), def.IsProcedure, perms); err != nil {
			return WrapError(CodeErrorInInitialization, err)
		}
	}
	ge.az = az
	return nil
}

func (ge *gatewayEngine) initCompilers() error {
	di, err := dialect.ForKind(ge.conf.DataSource.Kind)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}

	depth := 0
	if ge.conf.Runtime.GraphQL.DepthLimit != nil {
		depth = *ge.conf.Runtime.GraphQL.DepthLimit
	}
	ge.qc = qcode.NewCompiler(ge.schema, qcode.Config{
		FirstCap:           DefaultFirstCap,
		DepthLimit:         depth,
		MultipleMutations:  ge.conf.Runtime.GraphQL.MultipleMutationsEnabled(),
		AllowUnknownFields: !ge.conf.Runtime.Rest.StrictBody(),
	})
	ge.pc = psql.NewCompiler(di)

	cache, err := lru.New(parseCacheSize)
	if err != nil {
		return WrapError(CodeErrorInInitialization, err)
	}
	ge.parseCache = cache
	return nil
}

// Current returns the active engine snapshot.
func (g *Gateway) Current() *gatewayEngine {
	return g.Load().(*gatewayEngine)
}

// Conf returns the active runtime config.
func (g *Gateway) Conf() *RuntimeConfig {
	return g.Current().conf
}

// SDL returns the synthesized GraphQL schema text.
func (g *Gateway) SDL() string {
	return g.Current().schema.SDL
}

// Routes returns the REST route table of the active snapshot.
func (g *Gateway) Routes() []schema.Route {
	return g.Current().schema.Routes
}

// IsProd reports whether the active snapshot runs in production mode.
func (g *Gateway) IsProd() bool {
	return g.Current().prod
}

// Ping verifies the datasource is reachable, bounded by the engine's
// query timeout. Used by the health endpoint.
func (g *Gateway) Ping(c context.Context) error {
	ge := g.Current()
	c, cancel := context.WithTimeout(c, ge.timeout)
	defer cancel()
	return ge.db.PingContext(c)
}

// Close stops the watcher and releases the connection pool.
func (g *Gateway) Close() error {
	close(g.done)
	ge := g.Current()
	if ge.db != nil {
		return ge.db.Close()
	}
	return nil
}

// Reload rebuilds the snapshot from the config file. Unchanged configs are
// a no-op; a failed rebuild keeps the current snapshot serving.
func (g *Gateway) Reload() error {
	ge := g.Current()
	deps := Dependencies{
		Log:            ge.log,
		FS:             ge.fs,
		OpenDB:         ge.openDB,
		MaxConcurrency: 0,
		QueryTimeout:   ge.timeout,
	}

	oldDB := ge.db
	if err := g.newEngine(ge.confPath, deps, ge); err != nil {
		ge.log.Errorw("config reload failed, keeping current snapshot", "error", err)
		return err
	}

	next := g.Current()
	if next == ge {
		ge.log.Debugw("config unchanged, reload skipped")
		return nil
	}
	ge.log.Infow("config reloaded", "path", ge.confPath)

	if next.db != oldDB && oldDB != nil {
		// Give requests on the old snapshot time to finish.
		go func() {
			time.Sleep(10 * time.Second)
			if err := oldDB.Close(); err != nil {
				next.log.Warnw("closing replaced connection pool", "error", err)
			}
		}()
	}
	return nil
}

// Result is the outcome of one GraphQL request.
type Result struct {
	Data   json.RawMessage
	Errors []*Error
}

// graphQLError is the wire form of a failure on the GraphQL surface: the
// standard error shape with the sub-code and status in extensions. The
// REST surface keeps the flat {code, status, message} form.
type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code   SubCode `json:"code"`
		Status int     `json:"status"`
	} `json:"extensions"`
}

func (r *Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Data   json.RawMessage `json:"data,omitempty"`
		Errors []graphQLError  `json:"errors,omitempty"`
	}{Data: r.Data}

	for _, e := range r.Errors {
		ge := graphQLError{Message: e.Message}
		ge.Extensions.Code = e.Code
		ge.Extensions.Status = e.Status
		out.Errors = append(out.Errors, ge)
	}
	return json.Marshal(out)
}

// GraphQL compiles and executes one GraphQL request for the principal.
func (g *Gateway) GraphQL(c context.Context, pr Principal, query string, vars json.RawMessage) *Result {
	ge := g.Current()

	res, err := ge.graphQL(c, pr, query, vars)
	if err != nil {
		e := toError(err)
		if !ge.prod {
			ge.log.Debugw("graphql request failed", "code", e.Code, "error", e.Message)
		}
		if ge.prod {
			e = e.Redact()
		}
		return &Result{Errors: []*Error{e}}
	}
	return &Result{Data: res}
}

func (ge *gatewayEngine) graphQL(c context.Context, pr Principal, query string, vars json.RawMessage) (json.RawMessage, error) {
	if err := ge.checkRole(pr); err != nil {
		return nil, err
	}

	op, err := ge.parseOperation(query)
	if err != nil {
		return nil, err
	}

	if wantsIntrospection(op) {
		if ge.prod && !ge.conf.Runtime.GraphQL.IntrospectionAllowed() {
			return nil, NewError(CodeBadRequest, "introspection is disabled")
		}
		return ge.introspect(op)
	}

	varMap := map[string]interface{}{}
	if len(vars) != 0 {
		if err := json.Unmarshal(vars, &varMap); err != nil {
			return nil, NewError(CodeBadRequest, "variables must be a JSON object")
		}
	}

	plans, err := ge.qc.CompileOperation(op, varMap, ge.authFn(pr))
	if err != nil {
		return nil, err
	}

	fields, err := ge.execute(c, plans)
	if err != nil {
		return nil, err
	}

	return json.Marshal(fields)
}

// parseOperation parses and validates a query against the schema, with an
// LRU cache keyed on the query text.
func (ge *gatewayEngine) parseOperation(query string) (*ast.OperationDefinition, error) {
	if v, ok := ge.parseCache.Get(query); ok {
		return v.(*ast.OperationDefinition), nil
	}

	doc, gerr := gqlparser.LoadQuery(ge.schema.AST, query)
	if gerr != nil {
		return nil, NewError(CodeBadRequest, "%s", gerr.Error())
	}
	if len(doc.Operations) != 1 {
		return nil, NewError(CodeBadRequest, "request must contain exactly one operation")
	}
	op := doc.Operations[0]

	ge.parseCache.Add(query, op)
	return op, nil
}

// authFn adapts the authorizer to the planner callback, closing over the
// principal's role and claims.
func (ge *gatewayEngine) authFn(pr Principal) qcode.AuthFn {
	return func(entity, action string, requested []string) (qcode.AuthInfo, error) {
		d, err := ge.az.Authorize(entity, pr.Role, action, requested, pr.Claims)
		if err != nil {
			return qcode.AuthInfo{}, err
		}
		return qcode.AuthInfo{Mask: d.Mask, Predicate: d.Predicate}, nil
	}
}

// checkRole rejects roles no entity declares, before any planning runs.
func (ge *gatewayEngine) checkRole(pr Principal) error {
	if pr.Role == "" {
		return NewError(CodeAuthenticationFailed, "request carries no role")
	}
	if pr.Role == RoleAnonymous || pr.Role == RoleAuthenticated {
		return nil
	}
	if !ge.az.RoleDeclared(pr.Role) {
		return NewError(CodeAuthorizationFailed, "role %q is not configured", pr.Role)
	}
	return nil
}

// toError converts any failure into the error taxonomy, classifying
// planner and authorization errors by their kind.
func toError(err error) *Error {
	var qe *qcode.Error
	if errors.As(err, &qe) {
		switch qe.Kind {
		case qcode.KindBadRequest:
			return NewError(CodeBadRequest, "%s", qe.Message)
		case qcode.KindForbidden:
			return NewError(CodeAuthorizationFailed, "%s", qe.Message)
		case qcode.KindNotFound:
			return NewError(CodeEntityNotFound, "%s", qe.Message)
		default:
			return NewError(CodeUnexpectedError, "%s", qe.Message)
		}
	}
	return AsError(err)
}
