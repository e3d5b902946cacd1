// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

import (
	"fmt"

	"github.com/beevik/dynasm/asm"
)

// operand kinds after classification.
const (
	opReg = iota
	opMem
	opImm
)

// immval is an immediate or branch-target operand. When the expression
// evaluates against the current label view, val holds its value;
// otherwise the encoder emits a placeholder field and a relocation
// carrying the expression.
type immval struct {
	expr  *asm.Expr
	val   int64
	known bool
	width uint8 // requested field width in bytes, 0 for automatic
}

// memory is a sanitized memory reference, ready to encode.
type memory struct {
	seg      Reg
	base     Reg
	index    Reg
	scale    byte // hardware scale field, 0..3
	disp     int64
	dispExpr *asm.Expr // non-nil when the displacement is unresolved
	rip      bool
	width    uint8 // operand size in bytes, 0 when unspecified
	addr     uint8 // address size in bytes, 0 when no registers
}

type operand struct {
	kind int
	reg  Reg
	mem  *memory
	imm  *immval
}

func hasReg(r Reg) bool { return r != 0 }

// isUniform reports whether r is one of spl, bpl, sil or dil, the byte
// registers reachable only with a REX prefix.
func isUniform(r Reg) bool {
	return r.Family() == regLegacy && r.Width() == 1 && r.Num() >= 4 && r.Num() <= 7
}

func isGP(r Reg) bool {
	return r.Family() == regLegacy || r.Family() == regHighByte
}

// buildOperands classifies the instruction's arguments and evaluates
// every expression it can against the current label view.
func (a *arch) buildOperands(inst *asm.Inst, labels asm.LabelView) ([]operand, error) {
	ops := make([]operand, 0, len(inst.Args))
	for _, arg := range inst.Args {
		switch t := arg.(type) {
		case asm.Reg:
			ops = append(ops, operand{kind: opReg, reg: t})
		case asm.Mem:
			m, err := a.sanitizeMem(t, labels)
			if err != nil {
				return nil, err
			}
			ops = append(ops, operand{kind: opMem, mem: m})
		case asm.Imm:
			iv := &immval{expr: t.Expr}
			if v, err := t.Expr.EvalWith(labels); err == nil {
				iv.val, iv.known = v, true
			}
			ops = append(ops, operand{kind: opImm, imm: iv})
		case asm.LabelRef:
			e := asm.NewLabelExpr(t.Name, 64)
			iv := &immval{expr: e, width: t.Width}
			if v, err := e.EvalWith(labels); err == nil {
				iv.val, iv.known = v, true
			}
			ops = append(ops, operand{kind: opImm, imm: iv})
		default:
			return nil, fmt.Errorf("invalid operand type %T", arg)
		}
	}
	return ops, nil
}

// sanitizeMem validates a memory reference and normalizes it into an
// encodable form: the index register is folded into the base slot when
// that produces a shorter encoding, the stack pointer is moved out of
// the index slot, and the displacement is evaluated when possible.
func (a *arch) sanitizeMem(m asm.Mem, labels asm.LabelView) (*memory, error) {
	out := &memory{seg: m.Seg, base: m.Base, index: m.Index, width: m.Width}

	if hasReg(m.Seg) && m.Seg.Family() != regSegment {
		return nil, fmt.Errorf("invalid segment register")
	}

	scale := m.Scale
	if hasReg(out.index) && scale == 0 {
		scale = 1
	}

	// [rip+disp] addressing allows no index register.
	if out.base == RIP {
		if hasReg(out.index) {
			return nil, fmt.Errorf("rip-relative reference cannot have an index register")
		}
		if a.mode != mode64 {
			return nil, fmt.Errorf("rip-relative addressing requires 64-bit mode")
		}
		out.rip = true
	}

	for _, r := range []Reg{out.base, out.index} {
		if hasReg(r) && r != RIP && r.Family() != regLegacy {
			return nil, fmt.Errorf("invalid address register")
		}
	}

	// An unscaled lone index works as a base. The stack pointer can
	// never be an index; swap it into the base slot when the scale
	// allows it.
	isSP := func(r Reg) bool { return r.Family() == regLegacy && r.Num() == 4 }
	switch {
	case hasReg(out.index) && !hasReg(out.base) && scale == 1:
		out.base, out.index = out.index, 0
	case hasReg(out.index) && isSP(out.index):
		if scale != 1 || isSP(out.base) {
			return nil, fmt.Errorf("the stack pointer cannot be scaled")
		}
		out.base, out.index = out.index, out.base
	}

	switch scale {
	case 0, 1:
		out.scale = 0
	case 2:
		out.scale = 1
	case 4:
		out.scale = 2
	case 8:
		out.scale = 3
	default:
		return nil, fmt.Errorf("invalid scale %d", scale)
	}

	// All address registers must agree on a legal address size.
	for _, r := range []Reg{out.base, out.index} {
		if !hasReg(r) || r == RIP {
			continue
		}
		w := r.Width()
		if out.addr != 0 && out.addr != w {
			return nil, fmt.Errorf("mismatched address register sizes")
		}
		out.addr = w
	}
	switch {
	case out.addr == 0 || out.rip:
	case a.mode == mode64 && (out.addr == 8 || out.addr == 4):
	case a.mode == mode32 && out.addr == 4:
	default:
		return nil, fmt.Errorf("invalid address size %d", out.addr*8)
	}

	if m.Disp != nil {
		var err error
		var v int64
		if out.rip {
			// Label displacements stay symbolic so the resolver can
			// patch them relative to the instruction's end.
			v, err = m.Disp.Eval()
		} else {
			v, err = m.Disp.EvalWith(labels)
		}
		switch {
		case err == nil:
			if v < -0x80000000 || v > 0x7fffffff {
				return nil, fmt.Errorf("displacement out of range")
			}
			out.disp = v
		default:
			out.dispExpr = m.Disp
		}
	}
	return out, nil
}

// match is a successful pairing of operands with an encoding form.
type match struct {
	f      *form
	opSize uint8 // wildcard operand size in bytes, 0 when unused

	m    *operand // ModRM rm slot, or the register for short-form opcodes
	reg  *operand // ModRM reg slot
	v    *operand // VEX vvvv slot
	imms []immField
}

type immField struct {
	op    *operand
	width uint8
	rel   bool // field is relative to the next instruction
}

func sizeOf(c byte) uint8 {
	switch c {
	case 'b':
		return 1
	case 'w':
		return 2
	case 'd':
		return 4
	case 'q':
		return 8
	case 'o':
		return 16
	case 'h':
		return 32
	default:
		return 0
	}
}

func fitsSigned(v int64, w uint8) bool {
	switch w {
	case 1:
		return v >= -0x80 && v <= 0x7f
	case 2:
		return v >= -0x8000 && v <= 0x7fff
	case 4:
		return v >= -0x80000000 && v <= 0x7fffffff
	default:
		return true
	}
}

func fitsUnsigned(v int64, w uint8) bool {
	switch w {
	case 1:
		return v >= 0 && v <= 0xff
	case 2:
		return v >= 0 && v <= 0xffff
	case 4:
		return v >= 0 && v <= 0xffffffff
	default:
		return true
	}
}

// matchForm attempts to pair the operands with one encoding form. The
// second return value reports that the operands fit the form's shape
// but carry no deducible operand size, so the caller can distinguish a
// missing size hint from an unencodable instruction.
func (a *arch) matchForm(f *form, ops []operand, pc int64) (*match, bool) {
	if f.flags&fX64Only != 0 && a.mode != mode64 {
		return nil, false
	}
	if f.flags&fX86Only != 0 && a.mode != mode32 {
		return nil, false
	}
	if len(f.args) != len(ops)*2 {
		return nil, false
	}

	// First pass: register and memory operands. Wildcard sizes must
	// agree across operands.
	var opSize uint8
	wildcard := false
	hasRegOp := false // a register operand pins the operand size
	looseMem := false // an unhinted memory operand filled a fixed-size slot
	for i := range ops {
		k, sz := f.args[i*2], f.args[i*2+1]
		want := sizeOf(sz)
		op := &ops[i]

		regSize := func(r Reg) bool {
			switch sz {
			case '*':
				wildcard = true
				w := r.Width()
				if w == 1 {
					return false
				}
				if opSize != 0 && opSize != w {
					return false
				}
				opSize = w
				return true
			case '!':
				return true
			default:
				return r.Width() == want
			}
		}
		memSize := func(m *memory) bool {
			switch sz {
			case '*':
				wildcard = true
				if m.width == 0 {
					return true
				}
				if opSize != 0 && opSize != m.width {
					return false
				}
				opSize = m.width
				return true
			case '!':
				return true
			default:
				if m.width == 0 {
					looseMem = true
					return true
				}
				return m.width == want
			}
		}

		switch k {
		case 'r':
			if op.kind != opReg || !isGP(op.reg) || !regSize(op.reg) {
				return nil, false
			}
			hasRegOp = true
		case 'A':
			if op.kind != opReg || op.reg.Family() != regLegacy || op.reg.Num() != 0 || !regSize(op.reg) {
				return nil, false
			}
			hasRegOp = true
		case 'C':
			if op.kind != opReg || op.reg != CL {
				return nil, false
			}
			hasRegOp = true
		case 's':
			if op.kind != opReg || op.reg.Family() != regSegment {
				return nil, false
			}
			hasRegOp = true
		case 'v':
			switch op.kind {
			case opReg:
				if !isGP(op.reg) || !regSize(op.reg) {
					return nil, false
				}
				hasRegOp = true
			case opMem:
				if !memSize(op.mem) {
					return nil, false
				}
			default:
				return nil, false
			}
		case 'm':
			if op.kind != opMem || !memSize(op.mem) {
				return nil, false
			}
		case 'y':
			if op.kind != opReg || !isVector(op.reg) || !regSize(op.reg) {
				return nil, false
			}
			hasRegOp = true
		case 'w':
			switch op.kind {
			case opReg:
				if !isVector(op.reg) || !regSize(op.reg) {
					return nil, false
				}
				hasRegOp = true
			case opMem:
				switch sz {
				case '!':
				case '*':
					if op.mem.width != 0 && op.mem.width != 16 && op.mem.width != 32 {
						return nil, false
					}
				default:
					if op.mem.width != 0 && op.mem.width != want {
						return nil, false
					}
				}
			default:
				return nil, false
			}
		case 'i', 'o':
			if op.kind != opImm {
				return nil, false
			}
			// Size checks happen below, once opSize is known.
		default:
			panic("invalid arg pattern")
		}
	}

	if wildcard {
		if opSize == 0 {
			return nil, true // shape fits, size unknown
		}
		if !a.opSizeValid(f.flags, opSize) {
			return nil, false
		}
	}
	if looseMem && !hasRegOp {
		return nil, true // shape fits, but nothing pins the memory size
	}

	// Second pass: immediate fields, plus slot assignment for the
	// ModRM-encoded operands.
	m := &match{f: f, opSize: opSize}
	var slots []*operand
	for i := range ops {
		k, sz := f.args[i*2], f.args[i*2+1]
		op := &ops[i]
		switch k {
		case 'i':
			w := sizeOf(sz)
			if sz == '*' {
				w = opSize
				if f.flags&fImmFull == 0 && w > 4 {
					w = 4
				}
			}
			if !immMatches(op.imm, w, opSize, f.flags) {
				return nil, false
			}
			m.imms = append(m.imms, immField{op: op, width: w})
		case 'o':
			w := sizeOf(sz)
			if !relMatches(op.imm, w, pc, len(f.op)) {
				return nil, false
			}
			m.imms = append(m.imms, immField{op: op, width: w, rel: true})
		case 'A', 'C':
			// Fixed registers are implied by the opcode.
		default:
			slots = append(slots, op)
		}
	}

	m.assign(slots)
	return m, false
}

// immMatches reports whether an immediate operand fits a field of w
// bytes. Fields narrower than the operand size hold sign-extended
// values and demand a signed fit; full-width fields accept an unsigned
// bit pattern too.
func immMatches(iv *immval, w, opSize uint8, flags uint32) bool {
	if iv.width != 0 {
		return iv.width == w
	}
	if !iv.known {
		// The relocation patches w bytes later. Require a field wide
		// enough for the expression's declared width.
		need := iv.expr.Width()
		if need > 32 {
			need = 32
		}
		return uint(w)*8 >= need
	}
	if flags&fSignExt != 0 || (opSize != 0 && w < opSize) {
		return fitsSigned(iv.val, w)
	}
	return fitsSigned(iv.val, w) || fitsUnsigned(iv.val, w)
}

// relMatches reports whether a branch target fits a relative field of
// w bytes. Branch forms carry no prefixes or ModRM byte, so the
// instruction length is the opcode length plus the field width.
func relMatches(iv *immval, w uint8, pc int64, opLen int) bool {
	if iv.width != 0 {
		return iv.width == w
	}
	if !iv.known {
		// Worst case until the target resolves.
		return w == 4
	}
	d := iv.val - (pc + int64(opLen) + int64(w))
	return fitsSigned(d, w)
}

// opSizeValid checks a wildcard operand size against the form's size
// policy and the current cpu mode.
func (a *arch) opSizeValid(flags uint32, size uint8) bool {
	switch {
	case flags&fAutoSize != 0:
		return size == 2 || size == 4 || (size == 8 && a.mode == mode64)
	case flags&fAutoNo32 != 0:
		if a.mode == mode64 {
			return size == 2 || size == 8
		}
		return size == 2 || size == 4
	case flags&fAutoRexW != 0:
		return size == 4 || (size == 8 && a.mode == mode64)
	case flags&fAutoVexL != 0:
		return size == 16 || size == 32
	default:
		return false
	}
}

// assign places the ModRM-encoded operands into their slots. The
// default order puts the first operand in the reg field and the second
// in the rm field; fEncMR reverses the direction for store forms, and
// fEncVM routes the first operand through the VEX vvvv field.
func (m *match) assign(slots []*operand) {
	flags := m.f.flags
	switch len(slots) {
	case 0:
	case 1:
		m.m = slots[0]
	case 2:
		switch {
		case flags&fEncMR != 0:
			m.m, m.reg = slots[0], slots[1]
		case flags&fEncVM != 0:
			m.v, m.m = slots[0], slots[1]
		default:
			m.reg, m.m = slots[0], slots[1]
		}
	case 3:
		switch {
		case flags&fEncMR != 0:
			m.reg, m.m, m.v = slots[0], slots[1], slots[2]
		case flags&fEncVM != 0:
			m.m, m.v, m.reg = slots[0], slots[1], slots[2]
		default:
			m.reg, m.v, m.m = slots[0], slots[1], slots[2]
		}
	}
}
