// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// An Arg is one instruction operand: a register, a memory reference,
// an immediate expression, or a label reference. The set is closed;
// the architecture backend dispatches over these four shapes.
type Arg interface {
	isArg()
}

//
// Reg
//

// A Reg is a machine register, packed as width<<16 | family<<8 | num.
// Families and register constants are defined by each architecture
// backend; the core engine treats the family as an opaque code.
type Reg uint32

// NewReg packs a register value from its family code, register number
// and width in bytes.
func NewReg(family, num, width uint8) Reg {
	return Reg(width)<<16 | Reg(family)<<8 | Reg(num)
}

// Family returns the architecture-defined register family code.
func (r Reg) Family() uint8 { return uint8(r >> 8) }

// Num returns the register number within its family.
func (r Reg) Num() uint8 { return uint8(r) & 0xf }

// Width returns the register width in bytes.
func (r Reg) Width() uint8 { return uint8(r>>16) & 0x3f }

// IsExtended reports whether the register requires an extension bit to
// encode (x86-64 registers numbered 8 and above).
func (r Reg) IsExtended() bool { return r.Num() > 7 }

func (r Reg) isArg() {}

//
// Mem
//

// A Mem is a memory-reference operand: an optional base and index
// register, a scale applied to the index, and a displacement
// expression. Width is the size in bytes of the value accessed through
// the reference; zero means the size is taken from the other operands.
type Mem struct {
	Seg   Reg   // optional segment override register
	Base  Reg   // optional base register
	Index Reg   // optional index register
	Scale uint8 // index scale: 1, 2, 4 or 8
	Disp  *Expr // optional displacement
	Width uint8 // operand size in bytes, 0 for unspecified
}

func (m Mem) isArg() {}

//
// Imm
//

// An Imm is an immediate operand carrying an expression. The
// expression may contain opaque host values, in which case the encoder
// emits a relocation in place of immediate bytes.
type Imm struct {
	Expr *Expr
}

func (i Imm) isArg() {}

// ImmVal returns an immediate operand holding a literal value.
func ImmVal(v int64) Imm {
	return Imm{Expr: Lit(v, immWidth(v))}
}

// immWidth returns the smallest standard bit width that can represent
// the value as a signed integer.
func immWidth(v int64) uint {
	switch {
	case v >= -128 && v <= 127:
		return 8
	case v >= -32768 && v <= 32767:
		return 16
	case v >= -2147483648 && v <= 2147483647:
		return 32
	default:
		return 64
	}
}

//
// LabelRef
//

// A LabelRef is a reference to an assembly label used as an operand,
// typically a branch target. Width constrains the reference field size
// in bytes; zero lets the encoder pick the shortest legal form.
type LabelRef struct {
	Name  string
	Width uint8
}

func (l LabelRef) isArg() {}
