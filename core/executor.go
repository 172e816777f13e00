package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"

	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/qcode"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// execute runs every plan of one request under the concurrency gate and
// the request timeout. A request that cannot acquire a slot before its
// deadline is reported as ServiceBusy. Operations with more than one write
// run in a single transaction; a lone write gets its own.
func (ge *gatewayEngine) execute(c context.Context, plans []*qcode.SQLQuery) (map[string]json.RawMessage, error) {
	c, cancel := context.WithTimeout(c, ge.timeout)
	defer cancel()

	if err := ge.sem.Acquire(c, 1); err != nil {
		return nil, NewError(CodeServiceBusy, "too many requests in flight, try again later")
	}
	defer ge.sem.Release(1)

	if countWrites(plans) > 1 {
		return ge.executeBatch(c, plans)
	}

	out := make(map[string]json.RawMessage, len(plans))
	for _, q := range plans {
		data, err := ge.executePlan(c, q)
		if err != nil {
			return nil, err
		}
		out[q.FieldName] = data
	}
	return out, nil
}

func countWrites(plans []*qcode.SQLQuery) int {
	n := 0
	for _, q := range plans {
		switch q.Type {
		case qcode.QTInsert, qcode.QTUpdate, qcode.QTDelete, qcode.QTUpsert:
			n++
		}
	}
	return n
}

func (ge *gatewayEngine) executePlan(c context.Context, q *qcode.SQLQuery) (json.RawMessage, error) {
	switch q.Type {
	case qcode.QTQuery, qcode.QTByPK:
		return ge.executeRead(c, ge.db, q)
	case qcode.QTExecute:
		return ge.executeProc(c, ge.db, q)
	default:
		return ge.executeWrite(c, q)
	}
}

// executeBatch runs a multi-mutation operation inside one transaction so
// its writes commit or roll back together.
func (ge *gatewayEngine) executeBatch(c context.Context, plans []*qcode.SQLQuery) (map[string]json.RawMessage, error) {
	tx, err := ge.db.BeginTx(c, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, ge.dbError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	out := make(map[string]json.RawMessage, len(plans))
	for _, q := range plans {
		data, err := ge.runTxPlan(c, tx, q)
		if err != nil {
			return nil, err
		}
		out[q.FieldName] = data
	}

	if err := tx.Commit(); err != nil {
		return nil, ge.dbError(err)
	}
	return out, nil
}

func (ge *gatewayEngine) runTxPlan(c context.Context, tx *sql.Tx, q *qcode.SQLQuery) (json.RawMessage, error) {
	switch q.Type {
	case qcode.QTQuery, qcode.QTByPK:
		return ge.executeRead(c, tx, q)
	case qcode.QTExecute:
		return ge.executeProc(c, tx, q)
	case qcode.QTDelete:
		return ge.runDelete(c, tx, q)
	default:
		return ge.runWrite(c, tx, q)
	}
}

// executeRead runs the main statement and, when requested, the groupBy
// statement, then hands both to the response shaper.
func (ge *gatewayEngine) executeRead(c context.Context, db querier, q *qcode.SQLQuery) (json.RawMessage, error) {
	var raw, group json.RawMessage
	var err error

	runMain := q.Shape == qcode.ShapeObject || q.WantsItems || q.WantsHasNext || q.WantsEndCursor
	if runMain {
		stmt, args, cerr := ge.pc.CompileQuery(q)
		if cerr != nil {
			return nil, WrapError(CodeUnexpectedError, cerr)
		}
		raw, err = ge.queryJSON(c, db, stmt, args, q.Shape)
		if err != nil {
			return nil, err
		}
	}

	if q.GroupBy != nil {
		stmt, args, cerr := ge.pc.CompileGroupBy(q)
		if cerr != nil {
			return nil, NewError(CodeBadRequest, "%s", cerr.Error())
		}
		group, err = ge.queryJSON(c, db, stmt, args, qcode.ShapeArray)
		if err != nil {
			return nil, err
		}
	}

	return shapeResult(q, raw, group)
}

// queryJSON runs one statement and returns its JSON payload, normalizing
// the three result strategies the dialects use.
func (ge *gatewayEngine) queryJSON(c context.Context, db querier, stmt string, args []interface{}, shape qcode.ShapeKind) (json.RawMessage, error) {
	rows, err := db.QueryContext(c, stmt, args...)
	if err != nil {
		return nil, ge.dbError(err)
	}
	defer rows.Close()

	switch ge.pc.Dialect().Style {
	case dialect.StyleJSONFuncs:
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, ge.dbError(err)
			}
			if shape == qcode.ShapeArray {
				return json.RawMessage("[]"), nil
			}
			return json.RawMessage("null"), nil
		}
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, ge.dbError(err)
		}
		if len(data) == 0 {
			data = []byte("null")
		}
		return json.RawMessage(data), nil

	case dialect.StyleForJSON:
		// FOR JSON splits long payloads across rows; reassemble.
		var b strings.Builder
		for rows.Next() {
			var chunk string
			if err := rows.Scan(&chunk); err != nil {
				return nil, ge.dbError(err)
			}
			b.WriteString(chunk)
		}
		if err := rows.Err(); err != nil {
			return nil, ge.dbError(err)
		}
		if b.Len() == 0 {
			if shape == qcode.ShapeArray {
				return json.RawMessage("[]"), nil
			}
			return json.RawMessage("null"), nil
		}
		return json.RawMessage(b.String()), nil

	default:
		return ge.rowsToJSON(rows, shape)
	}
}

// rowsToJSON converts a generic result set into a JSON array of objects.
// Used for document backends and stored procedure results.
func (ge *gatewayEngine) rowsToJSON(rows *sql.Rows, shape qcode.ShapeKind) (json.RawMessage, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, ge.dbError(err)
	}

	var list []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, ge.dbError(err)
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(vals[i])
		}
		list = append(list, row)
	}
	if err := rows.Err(); err != nil {
		return nil, ge.dbError(err)
	}

	if shape == qcode.ShapeObject {
		if len(list) == 0 {
			return json.RawMessage("null"), nil
		}
		return json.Marshal(list[0])
	}
	if list == nil {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(list)
}

// normalizeValue makes driver byte slices JSON-friendly.
func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// executeProc runs a stored procedure and returns its rows as JSON.
func (ge *gatewayEngine) executeProc(c context.Context, db querier, q *qcode.SQLQuery) (json.RawMessage, error) {
	stmt, args, err := ge.pc.CompileMutation(q)
	if err != nil {
		return nil, NewError(CodeBadRequest, "%s", err.Error())
	}
	rows, err := db.QueryContext(c, stmt, args...)
	if err != nil {
		return nil, ge.dbError(err)
	}
	defer rows.Close()
	return ge.rowsToJSON(rows, qcode.ShapeArray)
}

// executeWrite runs a mutation inside a READ COMMITTED transaction and
// re-reads the affected row through the read path.
func (ge *gatewayEngine) executeWrite(c context.Context, q *qcode.SQLQuery) (json.RawMessage, error) {
	tx, err := ge.db.BeginTx(c, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, ge.dbError(err)
	}
	defer tx.Rollback() //nolint:errcheck

	data, err := ge.runTxPlan(c, tx, q)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, ge.dbError(err)
	}
	return data, nil
}

func (ge *gatewayEngine) runWrite(c context.Context, tx *sql.Tx, q *qcode.SQLQuery) (json.RawMessage, error) {
	stmt, args, err := ge.pc.CompileMutation(q)
	if err != nil {
		return nil, NewError(CodeBadRequest, "%s", err.Error())
	}

	pk := q.Entity.PrimaryKey
	keyVals := make(map[string]interface{}, len(pk))

	di := ge.pc.Dialect()
	returnsKeys := di.ReturningClause([]string{"x"}) != "" || di.OutputClause([]string{"x"}) != ""

	if returnsKeys {
		rows, qerr := tx.QueryContext(c, stmt, args...)
		if qerr != nil {
			return nil, ge.dbError(qerr)
		}
		found := false
		if rows.Next() {
			vals := make([]interface{}, len(pk))
			ptrs := make([]interface{}, len(pk))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, ge.dbError(err)
			}
			for i, k := range pk {
				keyVals[k] = normalizeValue(vals[i])
			}
			found = true
		}
		rerr := rows.Err()
		rows.Close()
		if rerr != nil {
			return nil, ge.dbError(rerr)
		}
		if !found {
			return nil, ge.writeMissRow(c, tx, q)
		}
	} else {
		res, xerr := tx.ExecContext(c, stmt, args...)
		if xerr != nil {
			return nil, ge.dbError(xerr)
		}
		if q.Type == qcode.QTUpdate {
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, ge.writeMissRow(c, tx, q)
			}
		}
		fillKeysFromPlan(q, keyVals)
		if missing := missingKeys(pk, keyVals); len(missing) == 1 {
			// Single generated key: the driver reports it.
			if id, err := res.LastInsertId(); err == nil && id != 0 {
				keyVals[missing[0]] = id
			}
		}
		if len(missingKeys(pk, keyVals)) != 0 {
			return nil, NewError(CodeUnexpectedError, "could not determine the written row's key")
		}
	}

	if q.ReadAfter == nil {
		return json.RawMessage("null"), nil
	}

	read := *q.ReadAfter
	read.Preds = append([]*qcode.Exp{}, read.Preds...)
	for _, k := range pk {
		read.Preds = append(read.Preds, &qcode.Exp{Op: qcode.OpEq, Col: k, Val: keyVals[k]})
	}
	return ge.executeRead(c, tx, &read)
}

// writeMissRow reports why an update or upsert touched nothing. In
// development the row is probed without the policy predicate so a policy
// denial reads as forbidden, not missing; production keeps them
// indistinguishable.
func (ge *gatewayEngine) writeMissRow(c context.Context, tx *sql.Tx, q *qcode.SQLQuery) error {
	notFound := NewError(CodeEntityNotFound, "the requested item was not found")
	if ge.prod {
		return notFound
	}

	pkCount := len(q.Entity.PrimaryKey)
	if len(q.Preds) <= pkCount {
		return notFound
	}

	probe := &qcode.SQLQuery{
		Entity: q.Entity,
		Type:   qcode.QTByPK,
		Shape:  qcode.ShapeObject,
		First:  1,
		Cols:   []qcode.Col{{Name: q.Entity.PrimaryKey[0], Alias: q.Entity.PrimaryKey[0]}},
		Preds:  q.Preds[:pkCount],
	}
	stmt, args, err := ge.pc.CompileQuery(probe)
	if err != nil {
		return notFound
	}
	raw, err := ge.queryJSON(c, tx, stmt, args, qcode.ShapeObject)
	if err == nil && string(raw) != "null" {
		return NewError(CodeAuthorizationFailed, "the item exists but the row policy denies access")
	}
	return notFound
}

func (ge *gatewayEngine) runDelete(c context.Context, tx *sql.Tx, q *qcode.SQLQuery) (json.RawMessage, error) {
	var data json.RawMessage

	// The deleted row's fields are read before the delete; RETURNING is
	// not available everywhere.
	if len(q.Cols) != 0 {
		read := &qcode.SQLQuery{
			Entity: q.Entity,
			Type:   qcode.QTByPK,
			Shape:  qcode.ShapeObject,
			First:  1,
			Cols:   q.Cols,
			Preds:  q.Preds,
			Mask:   q.Mask,
		}
		var err error
		data, err = ge.executeRead(c, tx, read)
		if err != nil {
			return nil, err
		}
		if string(data) == "null" {
			return nil, ge.writeMissRow(c, tx, q)
		}
	}

	stmt, args, err := ge.pc.CompileMutation(q)
	if err != nil {
		return nil, NewError(CodeBadRequest, "%s", err.Error())
	}
	res, err := tx.ExecContext(c, stmt, args...)
	if err != nil {
		return nil, ge.dbError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ge.writeMissRow(c, tx, q)
	}

	if data == nil {
		return json.RawMessage("null"), nil
	}
	return data, nil
}

// fillKeysFromPlan recovers key values already present in the plan: from
// the write values (client-supplied keys) or the key predicates.
func fillKeysFromPlan(q *qcode.SQLQuery, keyVals map[string]interface{}) {
	if q.Mutate != nil {
		for _, v := range q.Mutate.Values {
			for _, k := range q.Entity.PrimaryKey {
				if strings.EqualFold(v.Col, k) {
					keyVals[k] = v.Value
				}
			}
		}
	}
	for _, p := range q.Preds {
		if p.Op != qcode.OpEq {
			continue
		}
		for _, k := range q.Entity.PrimaryKey {
			if strings.EqualFold(p.Col, k) {
				keyVals[k] = p.Val
			}
		}
	}
}

func missingKeys(pk []string, keyVals map[string]interface{}) []string {
	var missing []string
	for _, k := range pk {
		if _, ok := keyVals[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// dbError maps driver failures onto the error taxonomy. Unique key
// violations become conflicts; everything else is a database failure
// whose text is redacted in production.
func (ge *gatewayEngine) dbError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(CodeDatabaseOperationFail, "the database operation timed out")
	}

	var pgerr *pgconn.PgError
	if errors.As(err, &pgerr) && pgerr.Code == "23505" {
		return NewError(CodeItemAlreadyExists, "an item with the same key already exists")
	}
	var myerr *gomysql.MySQLError
	if errors.As(err, &myerr) && myerr.Number == 1062 {
		return NewError(CodeItemAlreadyExists, "an item with the same key already exists")
	}
	var mserr mssql.Error
	if errors.As(err, &mserr) && (mserr.Number == 2627 || mserr.Number == 2601) {
		return NewError(CodeItemAlreadyExists, "an item with the same key already exists")
	}

	ge.log.Errorw("database operation failed", "error", err)
	return WrapError(CodeDatabaseOperationFail, err)
}
