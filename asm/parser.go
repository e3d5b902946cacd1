// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"strconv"
	"strings"

	"github.com/beevik/prefixtree/v2"
)

type directiveData struct {
	fn    func(s *session, line, label fstring, param any)
	param any
}

// Directives are looked up by shortest unambiguous prefix, so ".al"
// selects ".align" while ".d" stays ambiguous.
var directives = prefixtree.New[directiveData]()

func init() {
	add := func(d directiveData, names ...string) {
		for _, n := range names {
			directives.Add(n, d)
		}
	}
	add(directiveData{fn: (*session).parseArch}, ".arch", "arch")
	add(directiveData{fn: (*session).parseOrigin}, ".org", "org")
	add(directiveData{fn: (*session).parseEquate}, ".equ", "equ", "=")
	add(directiveData{fn: (*session).parseData, param: 1}, ".byte", ".db")
	add(directiveData{fn: (*session).parseData, param: 2}, ".word", ".dw")
	add(directiveData{fn: (*session).parseData, param: 4}, ".dword", ".dd")
	add(directiveData{fn: (*session).parseData, param: 8}, ".qword", ".dq")
	add(directiveData{fn: (*session).parseAlign}, ".align", "align")
}

var instPrefixes = map[string]string{
	"lock":  "lock",
	"rep":   "rep",
	"repe":  "rep",
	"repz":  "rep",
	"repne": "repne",
	"repnz": "repne",
}

// Parse a single line of assembly code. A label must start in the
// first column; instructions and directives are indented.
func (s *session) parseLine(line fstring) {
	if line.isEmpty() {
		return
	}
	if line.startsWith(whitespace) {
		s.parseUnlabeledLine(line.consumeWhitespace())
		return
	}
	s.parseLabeledLine(line)
}

// Parse a line of assembly code that contains no label.
func (s *session) parseUnlabeledLine(line fstring) {
	word, remain := line.consumeWhile(wordChar)
	if d, ok := s.findDirective(word); ok {
		d.fn(s, remain.consumeWhitespace(), fstring{}, d.param)
		return
	}
	s.parseInstruction(word, remain)
}

// Parse a line of assembly code that starts with a label.
func (s *session) parseLabeledLine(line fstring) {
	label, line, ok := s.parseLabel(line)
	if !ok {
		return
	}

	// A directive may follow the label, as in "value .equ 100".
	word, remain := line.consumeWhile(wordChar)
	if d, ok := s.findDirective(word); ok {
		d.fn(s, remain.consumeWhitespace(), label, d.param)
		return
	}

	s.storeLabel(label)

	if !word.isEmpty() {
		s.parseInstruction(word, remain)
	}
}

// findDirective resolves a word to a directive. Mnemonics and
// instruction prefixes win over dotless directive abbreviations, so
// "or" assembles as an instruction even though it prefixes "org".
func (s *session) findDirective(word fstring) (directiveData, bool) {
	name := strings.ToLower(word.str)
	if !strings.HasPrefix(name, ".") {
		if _, ok := instPrefixes[name]; ok {
			return directiveData{}, false
		}
		if s.arch.HasMnemonic(name) {
			return directiveData{}, false
		}
	}
	d, err := directives.FindValue(name)
	return d, err == nil
}

// Parse a label string at the beginning of a line.
func (s *session) parseLabel(line fstring) (label fstring, remain fstring, ok bool) {
	if !line.startsWith(labelStartChar) {
		bad, _ := line.consumeUntil(whitespace)
		s.addError(line, "invalid label '%s'", bad.str)
		return fstring{}, line, false
	}

	label, line = line.consumeWhile(labelChar)
	if line.startsWithChar(':') {
		line = line.consume(1)
	}

	if !line.isEmpty() && !line.startsWith(whitespace) {
		bad, _ := line.consumeUntil(whitespace)
		s.addError(line, "invalid label '%s%s'", label.str, bad.str)
		return fstring{}, line, false
	}
	return label, line.consumeWhitespace(), true
}

// Store a label definition into the session's label table.
func (s *session) storeLabel(label fstring) {
	name := s.scopedName(label.str)
	if !strings.HasPrefix(label.str, ".") && !strings.HasPrefix(label.str, "@") {
		s.scopeLabel = label.str
	}

	idx := len(s.items)
	if !s.labels.define(name, idx, label) {
		s.errorAt(s.pos(label), ErrDuplicateLabel, "label '%s' used more than once", label.str)
		return
	}
	s.items = append(s.items, &labelItem{name: name, line: label})
}

// scopedName expands a local label name ('.loop', '@skip') into its
// globally unique form under the label currently in scope.
func (s *session) scopedName(name string) string {
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "@") {
		return "~" + s.scopeLabel + name
	}
	return name
}

//
// directives
//

// Parse an architecture directive.
func (s *session) parseArch(line, label fstring, param any) {
	name, _ := line.consumeWhile(labelChar)
	arch, ok := archByName(strings.ToLower(name.str))
	if !ok {
		s.addError(line, "unknown architecture '%s'", name.str)
		return
	}
	s.arch = arch
}

// Parse an origin directive.
func (s *session) parseOrigin(line, label fstring, param any) {
	if len(s.items) > 0 {
		s.addError(line, "origin directive must appear before the first instruction")
		return
	}

	e, _, err := s.exprParser.parse(line, s)
	if err != nil {
		s.addExprErrors()
		return
	}
	v, err := e.Eval()
	if err != nil {
		s.addError(line, "origin must be a constant expression")
		return
	}
	s.origin = v
}

// Parse an equate directive, binding a constant expression to the
// label preceding it. The expression may itself carry opaque host
// values or label references; it is substituted, not evaluated, where
// the constant is used.
func (s *session) parseEquate(line, label fstring, param any) {
	if label.str == "" {
		s.addError(line, "equate must begin with a label")
		return
	}

	e, _, err := s.exprParser.parse(line, s)
	if err != nil {
		s.addExprErrors()
		return
	}
	if _, ok := s.consts[label.str]; ok {
		s.errorAt(s.pos(label), ErrDuplicateLabel, "equate '%s' defined more than once", label.str)
		return
	}
	s.consts[label.str] = e
}

// Parse a data directive. Each comma-separated element is either an
// expression emitted as one fixed-width field or a quoted string
// emitted verbatim.
func (s *session) parseData(line, label fstring, param any) {
	if !label.isEmpty() {
		s.storeLabel(label)
	}

	d := &dataItem{unit: uint8(param.(int)), line: line}
	remain := line
	for !remain.isEmpty() {
		var element fstring
		element, remain = remain.consumeUntilUnquotedChar(',')
		if !remain.isEmpty() {
			remain = remain.consume(1).consumeWhitespace()
		}

		if element.startsWith(stringQuote) {
			q := element.str[0]
			body, rest := element.consume(1).consumeUntilChar(q)
			if rest.isEmpty() {
				s.addError(element, "unterminated string")
				return
			}
			d.units = append(d.units, dataUnit{str: []byte(body.str)})
			continue
		}

		e, _, err := s.exprParser.parse(element, s)
		if err != nil {
			s.addExprErrors()
			return
		}
		d.units = append(d.units, dataUnit{expr: e})
	}

	if len(d.units) == 0 {
		s.addError(line, "data directive requires at least one value")
		return
	}
	s.items = append(s.items, d)
}

// Parse an align directive: alignment, optionally followed by a fill
// byte value.
func (s *session) parseAlign(line, label fstring, param any) {
	if !label.isEmpty() {
		s.storeLabel(label)
	}

	num, remain := line.consumeUntilUnquotedChar(',')
	e, _, err := s.exprParser.parse(num, s)
	if err != nil {
		s.addExprErrors()
		return
	}
	v, err := e.Eval()
	if err != nil || v <= 0 || v&(v-1) != 0 {
		s.addError(num, "alignment must be a constant power of 2")
		return
	}

	fill := byte(0)
	if !remain.isEmpty() {
		remain = remain.consume(1).consumeWhitespace()
		fe, _, err := s.exprParser.parse(remain, s)
		if err != nil {
			s.addExprErrors()
			return
		}
		fv, err := fe.Eval()
		if err != nil {
			s.addError(remain, "fill value must be a constant expression")
			return
		}
		fill = byte(fv)
	}

	s.items = append(s.items, &alignItem{align: int(v), fill: fill, line: line})
}

//
// instructions
//

// Parse one instruction: an optional lock/repeat prefix, a mnemonic,
// and a comma-separated operand list.
func (s *session) parseInstruction(word, remain fstring) {
	if word.isEmpty() || (!remain.isEmpty() && !remain.startsWith(whitespace)) {
		s.addError(remain, "invalid mnemonic '%s'", remain.str)
		return
	}

	prefix := ""
	mnemonic := strings.ToLower(word.str)
	if p, ok := instPrefixes[mnemonic]; ok {
		prefix = p
		word, remain = remain.consumeWhitespace().consumeWhile(wordChar)
		if word.isEmpty() {
			s.addError(remain, "prefix '%s' requires an instruction", prefix)
			return
		}
		mnemonic = strings.ToLower(word.str)
	}

	if !s.arch.HasMnemonic(mnemonic) {
		s.addError(word, "invalid mnemonic '%s'", word.str)
		return
	}

	inst := Inst{Mnemonic: mnemonic, Prefix: prefix}
	remain = remain.consumeWhitespace()
	for !remain.isEmpty() {
		var opnd fstring
		opnd, remain = consumeOperand(remain)
		if !remain.isEmpty() {
			remain = remain.consume(1).consumeWhitespace()
		}
		arg, ok := s.parseOperand(opnd)
		if !ok {
			return
		}
		inst.Args = append(inst.Args, arg)
	}

	s.items = append(s.items, &instItem{inst: inst, line: word})
}

// consumeOperand consumes one operand up to a comma at bracket depth
// zero.
func consumeOperand(line fstring) (opnd, remain fstring) {
	depth := 0
	i := 0
	for ; i < len(line.str); i++ {
		switch line.str[i] {
		case '[', '(', '{':
			depth++
		case ']', ')', '}':
			depth--
		case ',':
			if depth == 0 {
				return line.trunc(i), line.consume(i)
			}
		}
	}
	return line.trunc(i), line.consume(i)
}

var sizeHints = map[string]uint8{
	"byte":  1,
	"word":  2,
	"dword": 4,
	"qword": 8,
}

// Parse a single operand: a register, a memory reference, a label
// reference, or an immediate expression.
func (s *session) parseOperand(line fstring) (Arg, bool) {
	line = line.consumeWhitespace()
	if line.isEmpty() {
		s.addError(line, "empty operand")
		return nil, false
	}

	// Size hint, optionally followed by "ptr", before a memory
	// reference.
	width := uint8(0)
	if line.startsWith(alpha) {
		word, rest := line.consumeWhile(labelChar)
		if w, ok := sizeHints[strings.ToLower(word.str)]; ok {
			rest = rest.consumeWhitespace()
			if p, r2 := rest.consumeWhile(alpha); strings.EqualFold(p.str, "ptr") {
				rest = r2.consumeWhitespace()
			}
			if rest.startsWithChar('[') || rest.startsWith(labelStartChar) {
				width = w
				line = rest
			}
		}
	}

	// Register, or a segment override ahead of a memory reference.
	if line.startsWith(labelStartChar) {
		word, rest := line.consumeWhile(labelChar)
		if r, ok := s.arch.RegByName(strings.ToLower(word.str)); ok {
			rest = rest.consumeWhitespace()
			switch {
			case rest.isEmpty() && width == 0:
				return r, true
			case rest.startsWithChar(':'):
				rest = rest.consume(1).consumeWhitespace()
				if !rest.startsWithChar('[') {
					s.addError(rest, "expected memory reference after segment override")
					return nil, false
				}
				return s.parseMem(rest, r, width)
			default:
				s.addError(rest, "unexpected characters after register '%s'", word.str)
				return nil, false
			}
		}
	}

	if line.startsWithChar('[') {
		return s.parseMem(line, 0, width)
	}

	if width != 0 {
		s.addError(line, "size hint requires a memory reference")
		return nil, false
	}

	e, remain, err := s.exprParser.parse(line, s)
	if err != nil {
		s.addExprErrors()
		return nil, false
	}
	if !remain.isEmpty() {
		s.addError(remain, "unexpected characters in operand")
		return nil, false
	}
	if name, ok := e.labelName(); ok {
		return LabelRef{Name: name}, true
	}
	return Imm{Expr: e}, true
}

// Parse a memory reference of the form [base + index*scale + disp].
// Components may appear in any order; displacement components are
// arbitrary expressions combined algebraically.
func (s *session) parseMem(line fstring, seg Reg, width uint8) (Arg, bool) {
	inner, remain := line.consume(1).consumeUntilChar(']')
	if remain.isEmpty() {
		s.addError(line, "unterminated memory reference")
		return nil, false
	}
	if remain = remain.consume(1).consumeWhitespace(); !remain.isEmpty() {
		s.addError(remain, "unexpected characters after memory reference")
		return nil, false
	}

	m := Mem{Seg: seg, Scale: 1, Width: width}
	var disp *Expr

	inner = inner.consumeWhitespace()
	sign := byte('+')
	for !inner.isEmpty() {
		if inner.startsWithChar('+') || inner.startsWithChar('-') {
			sign = inner.str[0]
			inner = inner.consume(1).consumeWhitespace()
			if inner.isEmpty() {
				s.addError(inner, "malformed memory reference")
				return nil, false
			}
		}

		var term fstring
		term, inner = consumeMemTerm(inner)
		if term.isEmpty() {
			s.addError(inner, "malformed memory reference")
			return nil, false
		}

		reg, scale, isReg, ok := s.parseRegTerm(term)
		switch {
		case !ok:
			return nil, false
		case isReg:
			if sign == '-' {
				s.addError(term, "registers cannot be subtracted in a memory reference")
				return nil, false
			}
			switch {
			case scale != 1 || (m.Base != 0 && m.Index == 0):
				if m.Index != 0 {
					s.addError(term, "too many index registers")
					return nil, false
				}
				m.Index, m.Scale = reg, scale
			case m.Base == 0:
				m.Base = reg
			default:
				s.addError(term, "too many registers in memory reference")
				return nil, false
			}
		default:
			e, rest, err := s.exprParser.parse(term, s)
			if err != nil {
				s.addExprErrors()
				return nil, false
			}
			if !rest.isEmpty() {
				s.addError(rest, "malformed displacement")
				return nil, false
			}
			if sign == '-' {
				e, _ = Combine(OpNeg, e)
			}
			if disp == nil {
				disp = e
			} else {
				disp, _ = Combine(OpAdd, disp, e)
			}
		}

		inner = inner.consumeWhitespace()
		sign = '+'
	}

	m.Disp = disp
	return m, true
}

// consumeMemTerm consumes one component of a memory reference, up to a
// '+' or '-' at paren depth zero.
func consumeMemTerm(line fstring) (term, remain fstring) {
	depth := 0
	i := 0
	for ; i < len(line.str); i++ {
		switch line.str[i] {
		case '(', '{':
			depth++
		case ')', '}':
			depth--
		case '+', '-':
			if depth == 0 {
				return line.trunc(i), line.consume(i)
			}
		}
	}
	return line.trunc(i), line.consume(i)
}

// parseRegTerm recognizes "reg", "reg*n" and "n*reg" components.
// It reports isReg=false when the term is not register-shaped, leaving
// it to the displacement expression parser.
func (s *session) parseRegTerm(term fstring) (reg Reg, scale uint8, isReg, ok bool) {
	scale = 1

	if term.startsWith(labelStartChar) {
		word, rest := term.consumeWhile(labelChar)
		r, found := s.arch.RegByName(strings.ToLower(word.str))
		if !found {
			return 0, 1, false, true
		}
		rest = rest.consumeWhitespace()
		if rest.isEmpty() {
			return r, 1, true, true
		}
		if !rest.startsWithChar('*') {
			s.addError(rest, "unexpected characters after register '%s'", word.str)
			return 0, 1, false, false
		}
		num, rest := rest.consume(1).consumeWhitespace().consumeWhile(decimal)
		if !rest.isEmpty() || !validScale(num.str) {
			s.addError(num, "scale must be 1, 2, 4 or 8")
			return 0, 1, false, false
		}
		n, _ := strconv.Atoi(num.str)
		return r, uint8(n), true, true
	}

	if term.startsWith(decimal) {
		num, rest := term.consumeWhile(decimal)
		rest = rest.consumeWhitespace()
		if rest.startsWithChar('*') {
			word, rest := rest.consume(1).consumeWhitespace().consumeWhile(labelChar)
			r, found := s.arch.RegByName(strings.ToLower(word.str))
			if !found || !rest.isEmpty() {
				s.addError(word, "expected register after scale")
				return 0, 1, false, false
			}
			if !validScale(num.str) {
				s.addError(num, "scale must be 1, 2, 4 or 8")
				return 0, 1, false, false
			}
			n, _ := strconv.Atoi(num.str)
			return r, uint8(n), true, true
		}
	}

	return 0, 1, false, true
}

func validScale(s string) bool {
	return s == "1" || s == "2" || s == "4" || s == "8"
}
