package qcode

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// CursorPart is one ordering column captured in a pagination token.
type CursorPart struct {
	Col  string      `json:"c"`
	Desc bool        `json:"d,omitempty"`
	Val  interface{} `json:"v"`
}

// Cursor is a decoded keyset pagination token. The column set must match
// the query's ORDER BY exactly, primary key tail included.
type Cursor struct {
	Parts []CursorPart
}

// EncodeCursor serializes the ordering tuple of the last returned row into
// an opaque token.
func EncodeCursor(parts []CursorPart) string {
	b, _ := json.Marshal(parts)
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token and checks it against the effective ordering.
// A token minted under a different ordering is rejected.
func DecodeCursor(token string, order []OrderPart) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, badRequest("invalid pagination cursor")
	}
	var parts []CursorPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, badRequest("invalid pagination cursor")
	}
	if len(parts) != len(order) {
		return nil, badRequest("pagination cursor does not match the query ordering")
	}
	for i, p := range parts {
		if !strings.EqualFold(p.Col, order[i].Col) || p.Desc != order[i].Desc {
			return nil, badRequest("pagination cursor does not match the query ordering")
		}
	}
	return &Cursor{Parts: parts}, nil
}

// Predicate expands the cursor into a row-comparison tree:
//
//	(c1 > v1) OR (c1 = v1 AND c2 > v2) OR ...
//
// with the comparison flipped for descending terms. Expanding here keeps
// the renderer free of tuple-comparison support, which not every backend
// has.
func (c *Cursor) Predicate() *Exp {
	or := &Exp{Op: OpOr}
	for i := range c.Parts {
		and := &Exp{Op: OpAnd}
		for j := 0; j < i; j++ {
			and.Children = append(and.Children, &Exp{
				Op:  OpEq,
				Col: c.Parts[j].Col,
				Val: c.Parts[j].Val,
			})
		}
		op := OpGt
		if c.Parts[i].Desc {
			op = OpLt
		}
		and.Children = append(and.Children, &Exp{
			Op:  op,
			Col: c.Parts[i].Col,
			Val: c.Parts[i].Val,
		})
		if len(and.Children) == 1 {
			or.Children = append(or.Children, and.Children[0])
		} else {
			or.Children = append(or.Children, and)
		}
	}
	if len(or.Children) == 1 {
		return or.Children[0]
	}
	return or
}
