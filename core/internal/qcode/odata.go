package qcode

import (
	"strconv"
	"strings"

	"github.com/qbloq/datagate/core/internal/sdata"
)

// ParseODataFilter parses the supported subset of the OData $filter
// grammar: comparisons (eq ne gt ge lt le), and/or/not, parentheses, and
// string/number/boolean/null literals. Field names must be columns of the
// shape; literal values become bound parameters.
func ParseODataFilter(shape *sdata.TableShape, src string) (*Exp, error) {
	p := &odataParser{shape: shape, src: src}
	p.next()
	exp, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, badRequest("$filter: unexpected %q", p.tok.text)
	}
	return exp, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
)

type odataTok struct {
	kind tokKind
	text string
}

type odataParser struct {
	shape *sdata.TableShape
	src   string
	pos   int
	tok   odataTok
	err   error
}

func (p *odataParser) next() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = odataTok{kind: tokEOF}
		return
	}

	c := p.src[p.pos]
	switch {
	case c == '(':
		p.pos++
		p.tok = odataTok{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = odataTok{kind: tokRParen, text: ")"}
	case c == '\'':
		p.pos++
		var b strings.Builder
		for {
			if p.pos >= len(p.src) {
				p.err = badRequest("$filter: unterminated string literal")
				p.tok = odataTok{kind: tokEOF}
				return
			}
			if p.src[p.pos] == '\'' {
				// '' escapes a quote inside the literal
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
		p.tok = odataTok{kind: tokString, text: b.String()}
	case c >= '0' && c <= '9' || c == '-' || c == '.':
		start := p.pos
		p.pos++
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok = odataTok{kind: tokNumber, text: p.src[start:p.pos]}
	default:
		start := p.pos
		for p.pos < len(p.src) && isIdentChar(p.src[p.pos]) {
			p.pos++
		}
		if p.pos == start {
			p.err = badRequest("$filter: unexpected character %q", string(c))
			p.tok = odataTok{kind: tokEOF}
			return
		}
		p.tok = odataTok{kind: tokIdent, text: p.src[start:p.pos]}
	}
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}

func (p *odataParser) parseOr() (*Exp, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if left.Op == OpOr {
			left.Children = append(left.Children, right)
		} else {
			left = &Exp{Op: OpOr, Children: []*Exp{left, right}}
		}
	}
	return left, nil
}

func (p *odataParser) parseAnd() (*Exp, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if left.Op == OpAnd {
			left.Children = append(left.Children, right)
		} else {
			left = &Exp{Op: OpAnd, Children: []*Exp{left, right}}
		}
	}
	return left, nil
}

func (p *odataParser) parseUnary() (*Exp, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Exp{Op: OpNot, Children: []*Exp{child}}, nil
	}
	return p.parsePrimary()
}

var odataOps = map[string]ExpOp{
	"eq": OpEq,
	"ne": OpNeq,
	"gt": OpGt,
	"ge": OpGte,
	"lt": OpLt,
	"le": OpLte,
}

func (p *odataParser) parsePrimary() (*Exp, error) {
	if p.err != nil {
		return nil, p.err
	}

	if p.tok.kind == tokLParen {
		p.next()
		exp, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, badRequest("$filter: expected closing parenthesis")
		}
		p.next()
		return exp, nil
	}

	if p.tok.kind != tokIdent {
		return nil, badRequest("$filter: expected a field name, got %q", p.tok.text)
	}
	col, ok := p.shape.Column(p.tok.text)
	if !ok {
		return nil, badRequest("$filter references unknown field %q", p.tok.text)
	}
	p.next()

	if p.tok.kind != tokIdent {
		return nil, badRequest("$filter: expected an operator after %s", col.Name)
	}
	op, ok := odataOps[p.tok.text]
	if !ok {
		return nil, badRequest("$filter: unknown operator %q", p.tok.text)
	}
	p.next()

	val, isNull, err := p.parseLiteral(col.Name)
	if err != nil {
		return nil, err
	}

	if isNull {
		switch op {
		case OpEq:
			return &Exp{Op: OpIsNull, Col: col.Name}, nil
		case OpNeq:
			return &Exp{Op: OpIsNotNull, Col: col.Name}, nil
		default:
			return nil, badRequest("$filter: null only supports eq and ne")
		}
	}
	return &Exp{Op: op, Col: col.Name, Val: val}, nil
}

func (p *odataParser) parseLiteral(colName string) (val interface{}, isNull bool, err error) {
	if p.err != nil {
		return nil, false, p.err
	}

	switch p.tok.kind {
	case tokString:
		val = p.tok.text
	case tokNumber:
		text := p.tok.text
		if strings.ContainsAny(text, ".eE") {
			f, perr := strconv.ParseFloat(text, 64)
			if perr != nil {
				return nil, false, badRequest("$filter: invalid number %q", text)
			}
			val = f
		} else {
			n, perr := strconv.ParseInt(text, 10, 64)
			if perr != nil {
				return nil, false, badRequest("$filter: invalid number %q", text)
			}
			val = n
		}
	case tokIdent:
		switch p.tok.text {
		case "true":
			val = true
		case "false":
			val = false
		case "null":
			isNull = true
		default:
			return nil, false, badRequest("$filter: expected a literal for %s, got %q", colName, p.tok.text)
		}
	default:
		return nil, false, badRequest("$filter: expected a literal for %s", colName)
	}
	p.next()
	return val, isNull, nil
}
