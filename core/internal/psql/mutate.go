package psql

import (
	"fmt"
	"strings"

	"github.com/qbloq/datagate/core/internal/dialect"
	"github.com/qbloq/datagate/core/internal/qcode"
)

// CompileMutation renders a write plan. Inserts and upserts return the
// primary key so the executor can re-read the row through the read path;
// backends without RETURNING report keys through the driver instead.
func (c *Compiler) CompileMutation(q *qcode.SQLQuery) (string, []interface{}, error) {
	x := c.newCtx()
	var err error

	switch q.Type {
	case qcode.QTInsert:
		err = x.renderInsert(q)
	case qcode.QTUpdate:
		err = x.renderUpdate(q)
	case qcode.QTDelete:
		err = x.renderDelete(q)
	case qcode.QTUpsert:
		err = x.renderUpsert(q)
	case qcode.QTExecute:
		err = x.renderExecute(q)
	default:
		err = fmt.Errorf("mutation type %d out of range", q.Type)
	}
	if err != nil {
		return "", nil, err
	}
	return x.b.String(), x.params, nil
}

func (x *ctx) pkCols(q *qcode.SQLQuery) []string {
	cols := make([]string, len(q.Entity.PrimaryKey))
	for i, k := range q.Entity.PrimaryKey {
		cols[i] = x.di.QuoteIdent(k)
	}
	return cols
}

func (x *ctx) renderInsert(q *qcode.SQLQuery) error {
	x.w("INSERT INTO ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(")")

	if out := x.di.OutputClause(x.pkCols(q)); out != "" {
		x.w(" ")
		x.w(out)
	}

	x.w(" VALUES (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.bind(v.Value))
	}
	x.w(")")

	if ret := x.di.ReturningClause(x.pkCols(q)); ret != "" {
		x.w(" ")
		x.w(ret)
	}
	return nil
}

func (x *ctx) renderUpdate(q *qcode.SQLQuery) error {
	x.w("UPDATE ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" SET ")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
		x.w(" = ")
		x.w(x.bind(v.Value))
	}

	if out := x.di.OutputClause(x.pkCols(q)); out != "" {
		x.w(" ")
		x.w(out)
	}
	if _, err := x.renderPreds(q, "", ""); err != nil {
		return err
	}
	if ret := x.di.ReturningClause(x.pkCols(q)); ret != "" {
		x.w(" ")
		x.w(ret)
	}
	return nil
}

func (x *ctx) renderDelete(q *qcode.SQLQuery) error {
	x.w("DELETE FROM ")
	x.w(x.quoteObject(q.Entity.Table))
	_, err := x.renderPreds(q, "", "")
	return err
}

// renderUpsert emits the dialect's insert-or-update form. The first
// len(PrimaryKey) predicates are the key equalities; anything after them
// is a row policy, which constrains the update half where the syntax
// allows it.
func (x *ctx) renderUpsert(q *qcode.SQLQuery) error {
	policy := q.Preds
	if len(policy) >= len(q.Entity.PrimaryKey) {
		policy = policy[len(q.Entity.PrimaryKey):]
	}

	switch x.di.UpsertStyle {
	case dialect.UpsertOnConflict:
		return x.renderOnConflict(q, policy)
	case dialect.UpsertOnDuplicate:
		return x.renderOnDuplicate(q, policy)
	case dialect.UpsertMerge:
		return x.renderMerge(q, policy)
	default:
		return fmt.Errorf("upsert style %d out of range", x.di.UpsertStyle)
	}
}

// updatable lists the non-key columns the update half touches: the
// provided ones, plus every remaining writable column reset to its
// default on a full replace.
func updatable(q *qcode.SQLQuery) (set []qcode.MCol, reset []string) {
	keys := map[string]bool{}
	for _, k := range q.Entity.PrimaryKey {
		keys[strings.ToLower(k)] = true
	}
	provided := map[string]bool{}
	for _, v := range q.Mutate.Values {
		if keys[strings.ToLower(v.Col)] {
			continue
		}
		set = append(set, v)
		provided[strings.ToLower(v.Col)] = true
	}
	if q.Mutate.Incremental {
		return set, nil
	}
	for _, c := range q.Entity.Shape.Columns {
		lc := strings.ToLower(c.Name)
		if keys[lc] || provided[lc] || c.AutoGenerated {
			continue
		}
		reset = append(reset, c.Name)
	}
	return set, reset
}

func (x *ctx) renderOnConflict(q *qcode.SQLQuery, policy []*qcode.Exp) error {
	x.w("INSERT INTO ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(") VALUES (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.bind(v.Value))
	}
	x.w(") ON CONFLICT (")
	x.w(strings.Join(x.pkCols(q), ", "))
	x.w(") DO UPDATE SET ")

	set, reset := updatable(q)
	if len(set) == 0 && len(reset) == 0 {
		// Key-only table: nothing to update, keep the existing row.
		x.b.Reset()
		x.params = nil
		return x.renderKeyOnlyUpsert(q)
	}
	wrote := false
	for _, v := range set {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.di.QuoteIdent(v.Col))
		x.w(" = EXCLUDED.")
		x.w(x.di.QuoteIdent(v.Col))
	}
	for _, col := range reset {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.di.QuoteIdent(col))
		x.w(" = DEFAULT")
	}

	if len(policy) != 0 {
		x.w(" WHERE ")
		for i, p := range policy {
			if i != 0 {
				x.w(" AND ")
			}
			if err := x.renderExp(p, ""); err != nil {
				return err
			}
		}
	}

	x.w(" ")
	x.w(x.di.ReturningClause(x.pkCols(q)))
	return nil
}

// renderKeyOnlyUpsert handles tables whose columns are all keys.
func (x *ctx) renderKeyOnlyUpsert(q *qcode.SQLQuery) error {
	x.w("INSERT INTO ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(") VALUES (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.bind(v.Value))
	}
	x.w(") ON CONFLICT (")
	x.w(strings.Join(x.pkCols(q), ", "))
	x.w(") DO NOTHING ")
	x.w(x.di.ReturningClause(x.pkCols(q)))
	return nil
}

func (x *ctx) renderOnDuplicate(q *qcode.SQLQuery, policy []*qcode.Exp) error {
	if len(policy) != 0 {
		return fmt.Errorf("row policies are not supported with upsert on this backend")
	}

	x.w("INSERT INTO ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(") VALUES (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.bind(v.Value))
	}
	x.w(") ON DUPLICATE KEY UPDATE ")

	set, reset := updatable(q)
	wrote := false
	for _, v := range set {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.di.QuoteIdent(v.Col))
		x.w(" = VALUES(")
		x.w(x.di.QuoteIdent(v.Col))
		x.w(")")
	}
	for _, col := range reset {
		if wrote {
			x.w(", ")
		}
		wrote = true
		x.w(x.di.QuoteIdent(col))
		x.w(" = DEFAULT(")
		x.w(x.di.QuoteIdent(col))
		x.w(")")
	}
	if !wrote {
		// Key-only table: a no-op assignment keeps the statement valid.
		k := x.di.QuoteIdent(q.Entity.PrimaryKey[0])
		x.w(k)
		x.w(" = ")
		x.w(k)
	}
	return nil
}

func (x *ctx) renderMerge(q *qcode.SQLQuery, policy []*qcode.Exp) error {
	x.w("MERGE INTO ")
	x.w(x.quoteObject(q.Entity.Table))
	x.w(" WITH (HOLDLOCK) AS ")
	x.w(x.di.QuoteIdent("target"))

	x.w(" USING (SELECT ")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.bind(v.Value))
		x.w(" AS ")
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(") AS ")
	x.w(x.di.QuoteIdent("src"))

	x.w(" ON ")
	for i, k := range q.Entity.PrimaryKey {
		if i != 0 {
			x.w(" AND ")
		}
		x.w(x.col("target", k))
		x.w(" = ")
		x.w(x.col("src", k))
	}

	set, reset := updatable(q)
	if len(set) != 0 || len(reset) != 0 {
		x.w(" WHEN MATCHED")
		if len(policy) != 0 {
			x.w(" AND ")
			for i, p := range policy {
				if i != 0 {
					x.w(" AND ")
				}
				if err := x.renderExp(p, "target"); err != nil {
					return err
				}
			}
		}
		x.w(" THEN UPDATE SET ")
		wrote := false
		for _, v := range set {
			if wrote {
				x.w(", ")
			}
			wrote = true
			x.w(x.di.QuoteIdent(v.Col))
			x.w(" = ")
			x.w(x.col("src", v.Col))
		}
		for _, col := range reset {
			if wrote {
				x.w(", ")
			}
			wrote = true
			x.w(x.di.QuoteIdent(col))
			x.w(" = DEFAULT")
		}
	}

	x.w(" WHEN NOT MATCHED THEN INSERT (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.di.QuoteIdent(v.Col))
	}
	x.w(") VALUES (")
	for i, v := range q.Mutate.Values {
		if i != 0 {
			x.w(", ")
		}
		x.w(x.col("src", v.Col))
	}
	x.w(")")

	out := make([]string, len(q.Entity.PrimaryKey))
	for i, k := range q.Entity.PrimaryKey {
		out[i] = "INSERTED." + x.di.QuoteIdent(k)
	}
	x.w(" OUTPUT ")
	x.w(strings.Join(out, ", "))
	x.w(";")
	return nil
}

func (x *ctx) renderExecute(q *qcode.SQLQuery) error {
	if x.di.ProcCall == nil {
		return fmt.Errorf("stored procedures are not supported on this backend")
	}
	names := make([]string, len(q.Proc))
	binds := make([]string, len(q.Proc))
	for i, a := range q.Proc {
		names[i] = a.Col
		binds[i] = x.bind(a.Value)
	}
	x.w(x.di.ProcCall(x.quoteObject(q.Entity.Table), names, binds))
	return nil
}
