package acl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qbloq/datagate/core/internal/qcode"
)

// CompilePolicy lowers a database policy expression into a predicate tree.
// The grammar mirrors the OData comparison subset: eq ne gt ge lt le,
// and/or/not, parentheses. Operands are @item.column references, literals,
// or @claims.name references resolved against the caller's claims. Claim
// values become bound parameters, never SQL text.
func CompilePolicy(src string, columns []string, claims map[string]interface{}) (*qcode.Exp, error) {
	p := &policyParser{src: src, columns: columns, claims: claims}
	p.next()
	exp, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != ptEOF {
		return nil, policyErr("unexpected %q", p.tok.text)
	}
	return exp, nil
}

func policyErr(format string, args ...interface{}) *qcode.Error {
	return &qcode.Error{
		Kind:    qcode.KindForbidden,
		Message: "database policy: " + fmt.Sprintf(format, args...),
	}
}

type ptKind int

const (
	ptEOF ptKind = iota
	ptWord   // and, or, not, true, false, null, operators
	ptItem   // @item.column
	ptClaim  // @claims.name
	ptString // 'literal'
	ptNumber
	ptLParen
	ptRParen
)

type policyTok struct {
	kind ptKind
	text string
}

type policyParser struct {
	src     string
	columns []string
	claims  map[string]interface{}
	pos     int
	tok     policyTok
	fail    error
}

func (p *policyParser) next() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = policyTok{kind: ptEOF}
		return
	}

	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = policyTok{kind: ptLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = policyTok{kind: ptRParen, text: ")"}
	case c == '@':
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && (isWordChar(p.src[p.pos]) || p.src[p.pos] == '.') {
			p.pos++
		}
		ref := p.src[start:p.pos]
		switch {
		case strings.HasPrefix(ref, "@item."):
			p.tok = policyTok{kind: ptItem, text: ref[len("@item."):]}
		case strings.HasPrefix(ref, "@claims."):
			p.tok = policyTok{kind: ptClaim, text: ref[len("@claims."):]}
		default:
			p.fail = policyErr("unknown reference %q", ref)
			p.tok = policyTok{kind: ptEOF}
		}
	case c == '\'':
		p.pos++
		var b strings.Builder
		for {
			if p.pos >= len(p.src) {
				p.fail = policyErr("unterminated string literal")
				p.tok = policyTok{kind: ptEOF}
				return
			}
			if p.src[p.pos] == '\'' {
				if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'' {
					b.WriteByte('\'')
					p.pos += 2
					continue
				}
				p.pos++
				break
			}
			b.WriteByte(p.src[p.pos])
			p.pos++
		}
		p.tok = policyTok{kind: ptString, text: b.String()}
	case c >= '0' && c <= '9' || c == '-':
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok = policyTok{kind: ptNumber, text: p.src[start:p.pos]}
	default:
		start := p.pos
		for p.pos < len(p.src) && isWordChar(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == start {
			p.fail = policyErr("unexpected character %q", string(c))
			p.tok = policyTok{kind: ptEOF}
			return
		}
		p.tok = policyTok{kind: ptWord, text: p.src[start:p.pos]}
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

func (p *policyParser) parseOr() (*qcode.Exp, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == ptWord && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if left.Op == qcode.OpOr {
			left.Children = append(left.Children, right)
		} else {
			left = &qcode.Exp{Op: qcode.OpOr, Children: []*qcode.Exp{left, right}}
		}
	}
	return left, nil
}

func (p *policyParser) parseAnd() (*qcode.Exp, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == ptWord && p.tok.text == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if left.Op == qcode.OpAnd {
			left.Children = append(left.Children, right)
		} else {
			left = &qcode.Exp{Op: qcode.OpAnd, Children: []*qcode.Exp{left, right}}
		}
	}
	return left, nil
}

func (p *policyParser) parseUnary() (*qcode.Exp, error) {
	if p.tok.kind == ptWord && p.tok.text == "not" {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &qcode.Exp{Op: qcode.OpNot, Children: []*qcode.Exp{child}}, nil
	}
	return p.parseComparison()
}

var policyOps = map[string]qcode.ExpOp{
	"eq": qcode.OpEq,
	"ne": qcode.OpNeq,
	"gt": qcode.OpGt,
	"ge": qcode.OpGte,
	"lt": qcode.OpLt,
	"le": qcode.OpLte,
}

func (p *policyParser) parseComparison() (*qcode.Exp, error) {
	if p.fail != nil {
		return nil, p.fail
	}

	if p.tok.kind == ptLParen {
		p.next()
		exp, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != ptRParen {
			return nil, policyErr("expected closing parenthesis")
		}
		p.next()
		return exp, nil
	}

	if p.tok.kind != ptItem {
		return nil, policyErr("comparisons must start with an @item.column reference")
	}
	col := p.tok.text
	if !contains(p.columns, strings.ToLower(col)) {
		return nil, policyErr("@item.%s is not a column of the entity", col)
	}
	p.next()

	if p.tok.kind != ptWord {
		return nil, policyErr("expected an operator after @item.%s", col)
	}
	op, ok := policyOps[p.tok.text]
	if !ok {
		return nil, policyErr("unknown operator %q", p.tok.text)
	}
	p.next()

	val, isNull, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if isNull {
		switch op {
		case qcode.OpEq:
			return &qcode.Exp{Op: qcode.OpIsNull, Col: col}, nil
		case qcode.OpNeq:
			return &qcode.Exp{Op: qcode.OpIsNotNull, Col: col}, nil
		default:
			return nil, policyErr("null only supports eq and ne")
		}
	}
	return &qcode.Exp{Op: op, Col: col, Val: val}, nil
}

func (p *policyParser) parseOperand() (val interface{}, isNull bool, err error) {
	if p.fail != nil {
		return nil, false, p.fail
	}

	switch p.tok.kind {
	case ptString:
		val = p.tok.text
	case ptNumber:
		text := p.tok.text
		if strings.Contains(text, ".") {
			f, perr := strconv.ParseFloat(text, 64)
			if perr != nil {
				return nil, false, policyErr("invalid number %q", text)
			}
			val = f
		} else {
			n, perr := strconv.ParseInt(text, 10, 64)
			if perr != nil {
				return nil, false, policyErr("invalid number %q", text)
			}
			val = n
		}
	case ptClaim:
		cv, ok := p.claims[p.tok.text]
		if !ok {
			return nil, false, policyErr("claim %q is not present on the request", p.tok.text)
		}
		val = cv
	case ptWord:
		switch p.tok.text {
		case "true":
			val = true
		case "false":
			val = false
		case "null":
			isNull = true
		default:
			return nil, false, policyErr("expected a literal, got %q", p.tok.text)
		}
	default:
		return nil, false, policyErr("expected a literal or claim reference")
	}
	p.next()
	return val, isNull, nil
}
