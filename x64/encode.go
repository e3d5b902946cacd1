// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package x64 encodes x86 instructions for 64-bit and 32-bit protected
// mode. It registers itself with the core assembler under the names
// "x64" and "x86".
package x64

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/beevik/dynasm/asm"
)

type mode int

const (
	mode32 mode = iota
	mode64
)

type arch struct {
	name string
	mode mode
}

// The two supported targets.
var (
	X64 asm.Arch = &arch{name: "x64", mode: mode64}
	X86 asm.Arch = &arch{name: "x86", mode: mode32}
)

func init() {
	asm.RegisterArch("x64", X64)
	asm.RegisterArch("x86", X86)
}

func (a *arch) Name() string {
	return a.name
}

func (a *arch) RegByName(name string) (asm.Reg, bool) {
	r, ok := regNames[strings.ToLower(name)]
	if !ok {
		return 0, false
	}
	if a.mode == mode32 {
		switch {
		case r == RIP,
			r.Family() == regLegacy && r.Width() == 8,
			r.IsExtended(),
			isUniform(r):
			return 0, false
		}
	}
	return r, true
}

func (a *arch) HasMnemonic(name string) bool {
	_, ok := insts[strings.ToLower(name)]
	return ok
}

// Encode encodes one instruction placed at offset pc. Encoding forms
// are tried in table order and the first match wins, which keeps the
// output deterministic and shortest-first.
func (a *arch) Encode(inst *asm.Inst, pc int64, labels asm.LabelView) (asm.Encoded, error) {
	forms, ok := insts[strings.ToLower(inst.Mnemonic)]
	if !ok {
		return asm.Encoded{}, fmt.Errorf("invalid mnemonic '%s'", inst.Mnemonic)
	}

	ops, err := a.buildOperands(inst, labels)
	if err != nil {
		return asm.Encoded{}, err
	}

	ambiguous := false
	for i := range forms {
		m, amb := a.matchForm(&forms[i], ops, pc)
		if m != nil {
			return a.emit(m, strings.ToLower(inst.Prefix), pc)
		}
		ambiguous = ambiguous || amb
	}
	if ambiguous {
		return asm.Encoded{}, fmt.Errorf("unknown operand size for '%s'; add a size hint", inst.Mnemonic)
	}
	return asm.Encoded{}, fmt.Errorf("unsupported operand combination for '%s'", inst.Mnemonic)
}

type relFixup struct {
	off    int
	width  uint8
	target int64
}

// emit produces the instruction bytes for a matched form. Prefixes are
// emitted in fixed order: segment override, address size, lock/rep,
// mandatory prefixes, operand size, then REX or VEX.
func (a *arch) emit(m *match, prefix string, pc int64) (asm.Encoded, error) {
	var enc asm.Encoded
	f := m.f
	flags := f.flags

	out := func(bs ...byte) { enc.Bytes = append(enc.Bytes, bs...) }

	var mem *memory
	if m.m != nil && m.m.kind == opMem {
		mem = m.m.mem
	}

	if mem != nil {
		if hasReg(mem.seg) {
			out(segPrefix[mem.seg])
		}
		if (a.mode == mode64 && mem.addr == 4) || (a.mode == mode32 && mem.addr == 2) {
			out(0x67)
		}
	}

	switch prefix {
	case "":
	case "lock":
		if flags&fLockable == 0 || mem == nil {
			return enc, fmt.Errorf("lock prefix requires a read-modify-write memory target")
		}
		out(0xf0)
	case "rep":
		if flags&fRepable == 0 {
			return enc, fmt.Errorf("rep prefix is not valid here")
		}
		out(0xf3)
	case "repne":
		if flags&fRepable == 0 {
			return enc, fmt.Errorf("repne prefix is not valid here")
		}
		out(0xf2)
	default:
		return enc, fmt.Errorf("invalid prefix '%s'", prefix)
	}

	vex := flags&fVexOp != 0
	if !vex {
		if flags&fPrefF2 != 0 {
			out(0xf2)
		}
		if flags&fPrefF3 != 0 {
			out(0xf3)
		}
		if flags&fPref66 != 0 || flags&fWordSize != 0 || m.opSize == 2 {
			out(0x66)
		}
	}

	// Extension bits for the reg, index and base fields.
	var rN, xN, bN byte
	if m.reg != nil {
		rN = m.reg.reg.Num()
	}
	if m.m != nil {
		if m.m.kind == opReg {
			bN = m.m.reg.Num()
		} else {
			if hasReg(mem.base) && !mem.rip {
				bN = mem.base.Num()
			}
			if hasReg(mem.index) {
				xN = mem.index.Num()
			}
		}
	}

	rexW := flags&fWithRexW != 0 ||
		(m.opSize == 8 && flags&(fAutoSize|fAutoRexW) != 0)

	opcode := f.op
	if vex {
		mapSel := f.op[0]
		opcode = f.op[1:]

		var pp byte
		switch {
		case flags&fPref66 != 0:
			pp = 1
		case flags&fPrefF3 != 0:
			pp = 2
		case flags&fPrefF2 != 0:
			pp = 3
		}
		var l byte
		if flags&fWithVexL != 0 || (flags&fAutoVexL != 0 && m.opSize == 32) {
			l = 1
		}
		var vvvv byte
		if m.v != nil {
			vvvv = m.v.reg.Num()
		}
		var w byte
		if rexW {
			w = 1
		}
		b1 := mapSel | (^rN&8)<<4 | (^xN&8)<<3 | (^bN&8)<<2
		b2 := pp | l<<2 | (^vvvv&0xf)<<3 | w<<7
		if b1&0x7f == 0x61 && b2&0x80 == 0 {
			out(0xc5, b1&0x80|b2&0x7f)
		} else {
			out(0xc4, b1, b2)
		}
	} else {
		needRex := rexW || rN > 7 || xN > 7 || bN > 7
		highByte := false
		for _, o := range []*operand{m.reg, m.m, m.v} {
			if o == nil || o.kind != opReg {
				continue
			}
			if isUniform(o.reg) {
				needRex = true
			}
			if o.reg.Family() == regHighByte {
				highByte = true
			}
		}
		if needRex {
			if a.mode != mode64 {
				return enc, fmt.Errorf("encoding requires 64-bit mode")
			}
			if highByte {
				return enc, fmt.Errorf("cannot combine a high byte register with an extended register")
			}
			var w byte
			if rexW {
				w = 1
			}
			out(0x40 | w<<3 | (rN&8)>>1 | (xN&8)>>2 | (bN&8)>>3)
		}
	}

	if flags&fShortArg != 0 {
		out(opcode[:len(opcode)-1]...)
		out(opcode[len(opcode)-1] + bN&7)
	} else {
		out(opcode...)
	}

	// ModRM, SIB and displacement.
	if m.m != nil && flags&fShortArg == 0 {
		var regBits byte
		switch {
		case f.reg >= 0:
			regBits = byte(f.reg)
		case m.reg != nil:
			regBits = rN & 7
		}
		if m.m.kind == opReg {
			out(0xc0 | regBits<<3 | bN&7)
		} else {
			a.emitMem(&enc, mem, regBits)
		}
	}

	// Immediate and offset fields.
	var fixups []relFixup
	for _, fld := range m.imms {
		iv := fld.op.imm
		switch {
		case fld.rel && iv.known:
			fixups = append(fixups, relFixup{off: len(enc.Bytes), width: fld.width, target: iv.val})
			outZero(&enc, fld.width)
		case fld.rel:
			enc.Relocs = append(enc.Relocs, asm.Relocation{
				Offset: len(enc.Bytes),
				Width:  fld.width,
				Rel:    true,
				Expr:   iv.expr,
			})
			outZero(&enc, fld.width)
		case iv.known:
			outInt(&enc, iv.val, fld.width)
		default:
			enc.Relocs = append(enc.Relocs, asm.Relocation{
				Offset: len(enc.Bytes),
				Width:  fld.width,
				Expr:   iv.expr,
			})
			outZero(&enc, fld.width)
		}
	}

	// Relative fields are computed against the instruction's end, so
	// they can only be patched once the full length is known.
	for _, fx := range fixups {
		v := fx.target - (pc + int64(len(enc.Bytes)))
		putInt(enc.Bytes[fx.off:], v, fx.width)
	}
	return enc, nil
}

// emitMem emits the ModRM byte, optional SIB byte and displacement for
// a memory operand.
func (a *arch) emitMem(enc *asm.Encoded, mem *memory, regBits byte) {
	out := func(bs ...byte) { enc.Bytes = append(enc.Bytes, bs...) }

	dispField := func(width uint8) {
		if mem.dispExpr != nil {
			enc.Relocs = append(enc.Relocs, asm.Relocation{
				Offset: len(enc.Bytes),
				Width:  width,
				Rel:    mem.rip,
				Expr:   mem.dispExpr,
			})
			outZero(enc, width)
			return
		}
		outInt(enc, mem.disp, width)
	}

	switch {
	case mem.rip:
		out(regBits<<3 | 0x05)
		dispField(4)

	case !hasReg(mem.base) && !hasReg(mem.index):
		// Absolute address. 64-bit mode needs a SIB escape to avoid
		// the rip-relative encoding.
		if a.mode == mode64 {
			out(regBits<<3|0x04, 0x25)
		} else {
			out(regBits<<3 | 0x05)
		}
		dispField(4)

	default:
		hasBase := hasReg(mem.base)
		bNum := mem.base.Num()
		needSIB := hasReg(mem.index) || !hasBase || bNum&7 == 4

		var mod byte
		var dispW uint8
		switch {
		case !hasBase:
			// SIB with no base demands a 32-bit displacement.
			mod, dispW = 0, 4
		case mem.dispExpr != nil:
			mod, dispW = 2, 4
		case mem.disp == 0 && bNum&7 != 5:
			// rbp and r13 as base always carry a displacement.
			mod, dispW = 0, 0
		case fitsSigned(mem.disp, 1):
			mod, dispW = 1, 1
		default:
			mod, dispW = 2, 4
		}

		rm := bNum & 7
		if needSIB {
			rm = 4
		}
		out(mod<<6 | regBits<<3 | rm)

		if needSIB {
			idx := byte(4)
			if hasReg(mem.index) {
				idx = mem.index.Num() & 7
			}
			base := byte(5)
			if hasBase {
				base = bNum & 7
			}
			out(mem.scale<<6 | idx<<3 | base)
		}
		if dispW != 0 {
			dispField(dispW)
		}
	}
}

func outZero(enc *asm.Encoded, width uint8) {
	enc.Bytes = append(enc.Bytes, make([]byte, width)...)
}

func outInt(enc *asm.Encoded, v int64, width uint8) {
	switch width {
	case 1:
		enc.Bytes = append(enc.Bytes, byte(v))
	case 2:
		enc.Bytes = binary.LittleEndian.AppendUint16(enc.Bytes, uint16(v))
	case 4:
		enc.Bytes = binary.LittleEndian.AppendUint32(enc.Bytes, uint32(v))
	case 8:
		enc.Bytes = binary.LittleEndian.AppendUint64(enc.Bytes, uint64(v))
	}
}

func putInt(b []byte, v int64, width uint8) {
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(v))
	}
}
