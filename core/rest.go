package core

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/qbloq/datagate/core/internal/qcode"
	"github.com/qbloq/datagate/core/internal/schema"
)

// RestParams are the supported query string options of a REST read.
type RestParams struct {
	Select  []string
	Filter  string
	OrderBy string
	First   int
	After   string
}

// RestResult is the outcome of one REST operation. NextCursor is set when
// a collection read has more pages; the transport turns it into a
// nextLink.
type RestResult struct {
	Status     int
	Body       json.RawMessage
	NextCursor string
}

// RestRead serves GET on an entity path: a single-row read when key
// segments are present, a paged collection read otherwise.
func (g *Gateway) RestRead(c context.Context, pr Principal, entity string, keys map[string]string, params RestParams) (*RestResult, *Error) {
	ge := g.Current()

	def, err := ge.restEntity(pr, entity)
	if err != nil {
		return nil, ge.restError(err)
	}

	q, qerr := ge.qc.CompileRestRead(def, keys, qcode.RestQuery{
		Select:  params.Select,
		Filter:  params.Filter,
		OrderBy: params.OrderBy,
		First:   params.First,
		After:   params.After,
	}, ge.authFn(pr))
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q.FieldName = "value"

	return ge.restRun(c, pr, q, http.StatusOK)
}

// RestCreate serves POST: inserts the body and returns the created row.
func (g *Gateway) RestCreate(c context.Context, pr Principal, entity string, body map[string]interface{}) (*RestResult, *Error) {
	ge := g.Current()

	def, err := ge.restEntity(pr, entity)
	if err != nil {
		return nil, ge.restError(err)
	}

	q, qerr := ge.qc.CompileRestInsert(def, body, ge.authFn(pr))
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q.FieldName = "value"

	return ge.restRun(c, pr, q, http.StatusCreated)
}

// RestUpsert serves PUT and PATCH: inserts or updates the row at the key
// path. Incremental (PATCH) only touches the supplied columns; a full
// upsert (PUT) resets omitted updatable columns to their defaults.
func (g *Gateway) RestUpsert(c context.Context, pr Principal, entity string, keys map[string]string, body map[string]interface{}, incremental bool) (*RestResult, *Error) {
	ge := g.Current()

	def, err := ge.restEntity(pr, entity)
	if err != nil {
		return nil, ge.restError(err)
	}

	kv, qerr := qcode.CoerceKeys(def, keys)
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q, qerr := ge.qc.CompileUpsert(def, kv, body, incremental, ge.authFn(pr))
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q.FieldName = "value"

	return ge.restRun(c, pr, q, http.StatusOK)
}

// RestDelete serves DELETE on a key path.
func (g *Gateway) RestDelete(c context.Context, pr Principal, entity string, keys map[string]string) (*RestResult, *Error) {
	ge := g.Current()

	def, err := ge.restEntity(pr, entity)
	if err != nil {
		return nil, ge.restError(err)
	}

	q, qerr := ge.qc.CompileRestDelete(def, keys, ge.authFn(pr))
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q.FieldName = "value"

	if err := ge.checkRole(pr); err != nil {
		return nil, ge.restError(err)
	}
	if _, err := ge.execute(c, []*qcode.SQLQuery{q}); err != nil {
		return nil, ge.restError(err)
	}
	return &RestResult{Status: http.StatusNoContent}, nil
}

// RestExecute serves POST on a stored procedure entity.
func (g *Gateway) RestExecute(c context.Context, pr Principal, entity string, args map[string]interface{}) (*RestResult, *Error) {
	ge := g.Current()

	def, err := ge.restEntity(pr, entity)
	if err != nil {
		return nil, ge.restError(err)
	}
	if !def.IsProcedure {
		return nil, ge.restError(NewError(CodeBadRequest, "entity %s is not a stored procedure", entity))
	}

	q, qerr := ge.qc.CompileRestExecute(def, args, ge.authFn(pr))
	if qerr != nil {
		return nil, ge.restError(qerr)
	}
	q.FieldName = "value"

	return ge.restRun(c, pr, q, http.StatusOK)
}

// restEntity resolves an entity name for the REST surface. Entities with
// REST disabled are indistinguishable from missing ones.
func (ge *gatewayEngine) restEntity(pr Principal, entity string) (*schema.EntityDef, error) {
	if err := ge.checkRole(pr); err != nil {
		return nil, err
	}
	def, ok := ge.schema.Entities[entity]
	if !ok || !def.RestActive {
		return nil, NewError(CodeEntityNotFound, "entity %s was not found", entity)
	}
	return def, nil
}

// restRun executes one plan and assembles the {"value": [...]} envelope.
func (ge *gatewayEngine) restRun(c context.Context, pr Principal, q *qcode.SQLQuery, status int) (*RestResult, *Error) {
	fields, err := ge.execute(c, []*qcode.SQLQuery{q})
	if err != nil {
		return nil, ge.restError(err)
	}
	data := fields[q.FieldName]

	res := &RestResult{Status: status}

	if q.Shape == qcode.ShapeObject {
		if string(data) == "null" {
			return nil, ge.restError(NewError(CodeEntityNotFound, "the requested item was not found"))
		}
		body, merr := json.Marshal(map[string]interface{}{
			"value": []json.RawMessage{data},
		})
		if merr != nil {
			return nil, ge.restError(WrapError(CodeUnexpectedError, merr))
		}
		res.Body = body
		return res, nil
	}

	if q.Type == qcode.QTExecute {
		body, merr := json.Marshal(map[string]interface{}{"value": data})
		if merr != nil {
			return nil, ge.restError(WrapError(CodeUnexpectedError, merr))
		}
		res.Body = body
		return res, nil
	}

	var conn struct {
		Items       json.RawMessage `json:"items"`
		HasNextPage bool            `json:"hasNextPage"`
		EndCursor   string          `json:"endCursor"`
	}
	if uerr := json.Unmarshal(data, &conn); uerr != nil {
		return nil, ge.restError(WrapError(CodeUnexpectedError, uerr))
	}
	body, merr := json.Marshal(map[string]interface{}{"value": conn.Items})
	if merr != nil {
		return nil, ge.restError(WrapError(CodeUnexpectedError, merr))
	}
	res.Body = body
	if conn.HasNextPage {
		res.NextCursor = conn.EndCursor
	}
	return res, nil
}

// restError maps a failure onto the taxonomy and redacts it in production.
func (ge *gatewayEngine) restError(err error) *Error {
	e := toError(err)
	if !ge.prod {
		ge.log.Debugw("rest request failed", "code", e.Code, "error", e.Message)
	}
	if ge.prod {
		e = e.Redact()
	}
	return e
}
