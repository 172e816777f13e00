package core

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/qbloq/datagate/core/internal/qcode"
)

// cursorColPrefix marks internal ordering columns the planner projects for
// cursor minting. The shaper strips them from the response.
const cursorColPrefix = "__cursor_"

// shapeResult turns the raw database JSON into the response shape the plan
// asked for: connection objects for collections, plain objects for
// single-row reads. The extra probe row is popped here and the next-page
// cursor minted from the last kept row.
func shapeResult(q *qcode.SQLQuery, raw, group json.RawMessage) (json.RawMessage, error) {
	switch q.Shape {
	case qcode.ShapeObject:
		row, err := decodeRow(raw)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return json.RawMessage("null"), nil
		}
		shapeRow(q, row)
		return marshalShaped(row)

	default:
		rows, err := decodeRows(raw)
		if err != nil {
			return nil, err
		}

		if q.Type == qcode.QTExecute {
			// Procedure results pass through as-is.
			if rows == nil {
				rows = []map[string]interface{}{}
			}
			return marshalShaped(rows)
		}

		conn, err := shapeConnection(q, rows)
		if err != nil {
			return nil, err
		}

		if q.GroupBy != nil {
			groups, gerr := decodeRows(group)
			if gerr != nil {
				return nil, gerr
			}
			if groups == nil {
				groups = []map[string]interface{}{}
			}
			conn["groupBy"] = groups
		}
		return marshalShaped(conn)
	}
}

// shapeConnection wraps raw rows into {items, hasNextPage, endCursor},
// including only the fields the caller selected.
func shapeConnection(q *qcode.SQLQuery, rows []map[string]interface{}) (map[string]interface{}, error) {
	hasNext := q.First > 0 && len(rows) > q.First
	if hasNext {
		rows = rows[:q.First]
	}

	var endCursor interface{}
	if q.WantsEndCursor && hasNext && len(rows) != 0 {
		endCursor = mintCursor(q, rows[len(rows)-1])
	}

	for _, row := range rows {
		shapeRow(q, row)
	}

	conn := map[string]interface{}{}
	if q.WantsItems {
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		conn["items"] = rows
	}
	if q.WantsHasNext {
		conn["hasNextPage"] = hasNext
	}
	if q.WantsEndCursor {
		conn["endCursor"] = endCursor
	}
	return conn, nil
}

// mintCursor encodes the ordering tuple of the last returned row into the
// next-page token.
func mintCursor(q *qcode.SQLQuery, last map[string]interface{}) string {
	parts := make([]qcode.CursorPart, 0, len(q.OrderBy))
	for _, p := range q.OrderBy {
		parts = append(parts, qcode.CursorPart{
			Col:  p.Col,
			Desc: p.Desc,
			Val:  last[cursorColPrefix+p.Col],
		})
	}
	return qcode.EncodeCursor(parts)
}

// shapeRow strips internal columns and recursively shapes navigation
// children: nested objects are shaped in place, nested collections are
// wrapped into connections.
func shapeRow(q *qcode.SQLQuery, row map[string]interface{}) {
	for k := range row {
		if strings.HasPrefix(k, "__") {
			delete(row, k)
		}
	}

	for _, ch := range q.Children {
		v, ok := row[ch.FieldName]
		if !ok {
			continue
		}
		switch ch.Shape {
		case qcode.ShapeObject:
			if m, ok := v.(map[string]interface{}); ok {
				shapeRow(ch, m)
			}
		default:
			rows := toRows(v)
			conn, err := shapeConnection(ch, rows)
			if err == nil {
				row[ch.FieldName] = conn
			}
		}
	}
}

func toRows(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

// decodeRow parses a JSON object payload. Numbers stay json.Number so
// cursor values round-trip without float drift.
func decodeRow(raw json.RawMessage) (map[string]interface{}, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row map[string]interface{}
	if err := dec.Decode(&row); err != nil {
		return nil, WrapError(CodeUnexpectedError, err)
	}
	return row, nil
}

func decodeRows(raw json.RawMessage) ([]map[string]interface{}, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rows []map[string]interface{}
	if err := dec.Decode(&rows); err != nil {
		return nil, WrapError(CodeUnexpectedError, err)
	}
	return rows, nil
}

func marshalShaped(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, WrapError(CodeUnexpectedError, err)
	}
	return json.RawMessage(b), nil
}
