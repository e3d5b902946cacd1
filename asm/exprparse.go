package asm

import (
	"fmt"
	"strconv"
)

// The expression parser turns operand text into an Expr tree using
// Dijkstra's shunting-yard algorithm. Identifiers resolve to equate
// constants (substituted as trees, never evaluated here) or become
// label references. Placeholders of the form {n} splice in host
// expressions supplied through WithExprs.

type parseOp byte

const (
	popNone parseOp = iota
	popNeg          // unary minus
	popAdd
	popSub
	popShl
	popShr
	popAnd
	popXor
	popOr
	popLParen
	popRParen
)

type parseOpData struct {
	precedence      byte
	binary          bool
	leftAssociative bool
	symbol          string
	op              ExprOp
}

var parseOps = []parseOpData{
	popNone:   {0, false, false, "", 0},
	popNeg:    {7, false, false, "-", OpNeg},
	popAdd:    {5, true, true, "+", OpAdd},
	popSub:    {5, true, true, "-", OpSub},
	popShl:    {4, true, true, "<<", OpShl},
	popShr:    {4, true, true, ">>", OpShr},
	popAnd:    {3, true, true, "&", OpAnd},
	popXor:    {2, true, true, "^", OpXor},
	popOr:     {1, true, true, "|", OpOr},
	popLParen: {0, false, false, "(", 0},
	popRParen: {0, false, false, ")", 0},
}

// binaryOps is scanned in order during tokenization, so multi-byte
// symbols come before their single-byte prefixes.
var binaryOps = []parseOp{popShl, popShr, popAdd, popSub, popAnd, popXor, popOr}

func (op parseOp) collapses(other parseOp) bool {
	if parseOps[op].leftAssociative {
		return parseOps[op].precedence <= parseOps[other].precedence
	}
	return parseOps[op].precedence < parseOps[other].precedence
}

type exprError struct {
	line fstring
	msg  string
}

type tokentype byte

const (
	tokenNil tokentype = iota
	tokenValue
	tokenOp
	tokenLeftParen
	tokenRightParen
)

type token struct {
	tt   tokentype
	expr *Expr
	op   parseOp
}

type exprParser struct {
	exprStack    []*Expr
	opStack      []parseOp
	parenCounter int
	prevToken    token
	errors       []exprError
}

// Parse an expression from the line until it is exhausted or a
// character that cannot extend the expression is found.
func (p *exprParser) parse(line fstring, s *session) (e *Expr, remain fstring, err error) {
	p.errors = nil
	p.prevToken = token{}
	line = line.consumeWhitespace()

	var t token
	for err == nil {
		t, line, err = p.parseToken(line, s)
		if err != nil || t.tt == tokenNil {
			break
		}

		switch t.tt {
		case tokenValue:
			p.exprStack = append(p.exprStack, t.expr)

		case tokenOp:
			for err == nil && len(p.opStack) > 0 && t.op.collapses(p.opStack[len(p.opStack)-1]) {
				err = p.collapse(line)
			}
			p.opStack = append(p.opStack, t.op)

		case tokenLeftParen:
			p.opStack = append(p.opStack, popLParen)

		case tokenRightParen:
			for {
				if len(p.opStack) == 0 {
					p.addError(line, "mismatched parentheses")
					err = errExpr
					break
				}
				op := p.opStack[len(p.opStack)-1]
				p.opStack = p.opStack[:len(p.opStack)-1]
				if op == popLParen {
					break
				}
				if err = p.collapseOp(op, line); err != nil {
					break
				}
			}
		}
	}

	for err == nil && len(p.opStack) > 0 {
		err = p.collapse(line)
	}

	if err == nil {
		if len(p.exprStack) != 1 {
			p.addError(line, "expression syntax error")
			err = errExpr
		} else {
			e = p.exprStack[0]
		}
	}

	remain = line
	p.reset()
	return e, remain, err
}

var errExpr = &Error{Kind: ErrSyntax, Msg: "expression syntax error"}

func (p *exprParser) reset() {
	p.exprStack, p.opStack = nil, nil
	p.parenCounter = 0
}

// collapse pops the top operator and applies it to the expressions on
// top of the stack.
func (p *exprParser) collapse(line fstring) error {
	op := p.opStack[len(p.opStack)-1]
	p.opStack = p.opStack[:len(p.opStack)-1]
	return p.collapseOp(op, line)
}

func (p *exprParser) collapseOp(op parseOp, line fstring) error {
	data := parseOps[op]
	switch {
	case op == popLParen:
		p.addError(line, "mismatched parentheses")
		return errExpr
	case data.binary:
		if len(p.exprStack) < 2 {
			p.addError(line, "expression syntax error")
			return errExpr
		}
		b := p.exprStack[len(p.exprStack)-1]
		a := p.exprStack[len(p.exprStack)-2]
		p.exprStack = p.exprStack[:len(p.exprStack)-2]
		e, err := Combine(data.op, a, b)
		if err != nil {
			p.addError(line, "%v", err)
			return errExpr
		}
		p.exprStack = append(p.exprStack, e)
	default:
		if len(p.exprStack) < 1 {
			p.addError(line, "expression syntax error")
			return errExpr
		}
		a := p.exprStack[len(p.exprStack)-1]
		p.exprStack = p.exprStack[:len(p.exprStack)-1]
		e, err := Combine(data.op, a)
		if err != nil {
			p.addError(line, "%v", err)
			return errExpr
		}
		p.exprStack = append(p.exprStack, e)
	}
	return nil
}

// Attempt to parse the next expression token from the line.
func (p *exprParser) parseToken(line fstring, s *session) (t token, out fstring, err error) {
	if line.isEmpty() {
		return token{}, line, nil
	}

	switch {
	case line.startsWith(decimal) || line.startsWithChar('$') || line.startsWithChar('\''):
		if p.prevToken.tt == tokenValue || p.prevToken.tt == tokenRightParen {
			p.addError(line, "expression syntax error")
			return t, line, errExpr
		}
		var v int64
		v, out, err = p.parseNumber(line)
		t = token{tt: tokenValue, expr: Lit(v, immWidth(v))}

	case line.startsWithChar('{'):
		if p.prevToken.tt == tokenValue || p.prevToken.tt == tokenRightParen {
			p.addError(line, "expression syntax error")
			return t, line, errExpr
		}
		num, rest := line.consume(1).consumeWhile(decimal)
		if num.isEmpty() || !rest.startsWithChar('}') {
			p.addError(line, "malformed expression placeholder")
			return t, line, errExpr
		}
		n, _ := strconv.Atoi(num.str)
		if n >= len(s.exprs) {
			p.addError(line, "placeholder {%d} has no bound expression", n)
			return t, line, errExpr
		}
		t, out = token{tt: tokenValue, expr: s.exprs[n]}, rest.consume(1)

	case line.startsWithChar('('):
		p.parenCounter++
		t, out = token{tt: tokenLeftParen}, line.consume(1)

	case line.startsWithChar(')'):
		if p.parenCounter == 0 {
			p.addError(line, "mismatched parentheses")
			return t, line, errExpr
		}
		p.parenCounter--
		t, out = token{tt: tokenRightParen}, line.consume(1)

	case line.startsWith(labelStartChar):
		if p.prevToken.tt == tokenValue || p.prevToken.tt == tokenRightParen {
			p.addError(line, "expression syntax error")
			return t, line, errExpr
		}
		var ident fstring
		ident, out = line.consumeWhile(labelChar)
		if c, ok := s.consts[ident.str]; ok {
			t = token{tt: tokenValue, expr: c}
		} else {
			name := s.scopedName(ident.str)
			s.labels.reference(name, s.pos(ident))
			t = token{tt: tokenValue, expr: labelRef(name, 64, ident)}
		}

	case line.startsWithChar('-') && p.prevToken.tt != tokenValue && p.prevToken.tt != tokenRightParen:
		t, out = token{tt: tokenOp, op: popNeg}, line.consume(1)

	default:
		for _, op := range binaryOps {
			sym := parseOps[op].symbol
			if line.startsWithString(sym) {
				t, out = token{tt: tokenOp, op: op}, line.consume(len(sym))
				break
			}
		}
		if t.tt != tokenOp {
			// Not an expression character; hand the rest back.
			return token{}, line, nil
		}
	}

	p.prevToken = t
	out = out.consumeWhitespace()
	return t, out, err
}

// Parse a numeric literal. The accepted formats are decimal,
// $-prefixed hex, 0x-prefixed hex, 0b-prefixed binary, and character
// constants.
func (p *exprParser) parseNumber(line fstring) (value int64, remain fstring, err error) {
	if line.startsWithChar('\'') {
		if len(line.str) < 3 || line.str[2] != '\'' {
			p.addError(line, "malformed character constant")
			return 0, line, errExpr
		}
		return int64(line.str[1]), line.consume(3), nil
	}

	base, fn := 10, decimal
	switch {
	case line.startsWithChar('$'):
		line = line.consume(1)
		base, fn = 16, hexadecimal
	case line.startsWithString("0x"):
		line = line.consume(2)
		base, fn = 16, hexadecimal
	case line.startsWithString("0b"):
		line = line.consume(2)
		base, fn = 2, binarynum
	}

	numstr, remain := line.consumeWhile(fn)
	v, converr := strconv.ParseInt(numstr.str, base, 64)
	if converr != nil {
		// overflow into unsigned 64-bit range
		u, uerr := strconv.ParseUint(numstr.str, base, 64)
		if uerr != nil {
			p.addError(numstr, "failed to parse integer")
			return 0, remain, errExpr
		}
		v = int64(u)
	}
	return v, remain, nil
}

func (p *exprParser) addError(line fstring, format string, args ...any) {
	p.errors = append(p.errors, exprError{line, fmt.Sprintf(format, args...)})
}
