// Package sdata discovers the physical shape of tables, views and stored
// procedures. Introspection is lazy per object and cached for the lifetime
// of the owning config snapshot.
package sdata

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DBColumn describes one column of a table or view, or one parameter of a
// stored procedure.
type DBColumn struct {
	Name          string
	Type          string
	NotNull       bool
	Default       string
	PrimaryKey    bool
	AutoGenerated bool
}

// DBForeignKey is one foreign key edge discovered on a table.
type DBForeignKey struct {
	Columns    []string
	RefTable   string
	RefColumns []string
}

// TableShape is the discovered shape of one physical object.
type TableShape struct {
	Name        string
	Type        string // table, view, stored-procedure
	Columns     []DBColumn
	PrimaryKey  []string
	ForeignKeys []DBForeignKey
	Parameters  []DBColumn // stored procedures only
}

// Column returns the named column, matching case-insensitively.
func (t *TableShape) Column(name string) (DBColumn, bool) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return DBColumn{}, false
}

// ColumnNames returns all column names in declaration order.
func (t *TableShape) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// ErrAmbiguousRelationship is returned when more than one foreign key could
// serve a relationship and the config does not spell out the fields.
var ErrAmbiguousRelationship = errors.New("relationship is ambiguous: multiple foreign keys found, set source.fields and target.fields")

// ErrNoRelationship is returned when no join condition can be derived.
var ErrNoRelationship = errors.New("relationship cannot be resolved: no foreign key and no explicit fields")

// InferJoin derives the join fields between parent and child from foreign
// keys, in either direction. Exactly one candidate must exist.
func InferJoin(parent, child *TableShape) (parentFields, childFields []string, err error) {
	type cand struct{ pf, cf []string }
	var cands []cand

	for _, fk := range parent.ForeignKeys {
		if strings.EqualFold(fk.RefTable, child.Name) {
			cands = append(cands, cand{fk.Columns, fk.RefColumns})
		}
	}
	for _, fk := range child.ForeignKeys {
		if strings.EqualFold(fk.RefTable, parent.Name) {
			cands = append(cands, cand{fk.RefColumns, fk.Columns})
		}
	}

	switch len(cands) {
	case 0:
		return nil, nil, ErrNoRelationship
	case 1:
		return cands[0].pf, cands[0].cf, nil
	default:
		return nil, nil, ErrAmbiguousRelationship
	}
}

// Provider introspects objects on demand and memoizes the result. One
// provider belongs to one config snapshot; it is dropped with it.
type Provider struct {
	db     *sql.DB
	dbtype string

	mu     sync.Mutex
	shapes map[string]*TableShape
}

// NewProvider creates a metadata provider for the given backend.
func NewProvider(db *sql.DB, dbtype string) *Provider {
	return &Provider{
		db:     db,
		dbtype: dbtype,
		shapes: make(map[string]*TableShape),
	}
}

// Preload seeds the cache with externally derived shapes. Used for document
// backends where the shape comes from a schema file, and by tests.
func (p *Provider) Preload(shapes map[string]*TableShape) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range shapes {
		p.shapes[strings.ToLower(k)] = v
	}
}

// Describe returns the shape of the named object, introspecting it on
// first use.
func (p *Provider) Describe(ctx context.Context, object, objType string) (*TableShape, error) {
	key := strings.ToLower(object)

	p.mu.Lock()
	if s, ok := p.shapes[key]; ok {
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	var s *TableShape
	var err error

	if objType == "stored-procedure" {
		s, err = p.describeProcedure(ctx, object)
	} else {
		s, err = p.describeTable(ctx, object, objType)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.shapes[key] = s
	p.mu.Unlock()
	return s, nil
}

func (p *Provider) describeTable(ctx context.Context, object, objType string) (*TableShape, error) {
	schema, name := splitObject(object, p.dbtype)

	cstmt, kstmt, fkstmt, err := introspectionStmts(p.dbtype)
	if err != nil {
		return nil, err
	}

	shape := &TableShape{Name: object, Type: objType}

	rows, err := p.db.QueryContext(ctx, cstmt, schema, name)
	if err != nil {
		return nil, errors.Wrapf(err, "describing %s", object)
	}
	defer rows.Close()

	for rows.Next() {
		var c DBColumn
		var notNull, autoGen bool
		var def sql.NullString
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &def, &autoGen); err != nil {
			return nil, err
		}
		c.NotNull = notNull
		c.AutoGenerated = autoGen
		c.Default = def.String
		shape.Columns = append(shape.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(shape.Columns) == 0 {
		return nil, fmt.Errorf("object %s not found or has no columns", object)
	}

	krows, err := p.db.QueryContext(ctx, kstmt, schema, name)
	if err != nil {
		return nil, errors.Wrapf(err, "primary key of %s", object)
	}
	defer krows.Close()

	for krows.Next() {
		var col string
		if err := krows.Scan(&col); err != nil {
			return nil, err
		}
		shape.PrimaryKey = append(shape.PrimaryKey, col)
		for i := range shape.Columns {
			if strings.EqualFold(shape.Columns[i].Name, col) {
				shape.Columns[i].PrimaryKey = true
			}
		}
	}
	if err := krows.Err(); err != nil {
		return nil, err
	}

	frows, err := p.db.QueryContext(ctx, fkstmt, schema, name)
	if err != nil {
		return nil, errors.Wrapf(err, "foreign keys of %s", object)
	}
	defer frows.Close()

	fks := map[string]*DBForeignKey{}
	var fkNames []string
	for frows.Next() {
		var fkName, col, refTable, refCol string
		if err := frows.Scan(&fkName, &col, &refTable, &refCol); err != nil {
			return nil, err
		}
		fk, ok := fks[fkName]
		if !ok {
			fk = &DBForeignKey{RefTable: refTable}
			fks[fkName] = fk
			fkNames = append(fkNames, fkName)
		}
		fk.Columns = append(fk.Columns, col)
		fk.RefColumns = append(fk.RefColumns, refCol)
	}
	if err := frows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(fkNames)
	for _, n := range fkNames {
		shape.ForeignKeys = append(shape.ForeignKeys, *fks[n])
	}
	return shape, nil
}

func (p *Provider) describeProcedure(ctx context.Context, object string) (*TableShape, error) {
	schema, name := splitObject(object, p.dbtype)

	pstmt, err := procedureStmt(p.dbtype)
	if err != nil {
		return nil, err
	}

	shape := &TableShape{Name: object, Type: "stored-procedure"}

	rows, err := p.db.QueryContext(ctx, pstmt, schema, name)
	if err != nil {
		return nil, errors.Wrapf(err, "describing procedure %s", object)
	}
	defer rows.Close()

	for rows.Next() {
		var c DBColumn
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		c.Name = strings.TrimPrefix(c.Name, "@")
		shape.Parameters = append(shape.Parameters, c)
	}
	return shape, rows.Err()
}

// splitObject separates an optional schema qualifier from the object name.
func splitObject(object, dbtype string) (schema, name string) {
	if i := strings.LastIndex(object, "."); i != -1 {
		return object[:i], object[i+1:]
	}
	switch dbtype {
	case "postgresql":
		return "public", object
	case "mssql", "dwsql":
		return "dbo", object
	default:
		return "", object
	}
}
