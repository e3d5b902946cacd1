// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

import (
	"strconv"

	"github.com/beevik/dynasm/asm"
)

// Reg is the register representation shared with the core engine.
type Reg = asm.Reg

// Register families. The family code is stored in bits 8..15 of a Reg.
const (
	regLegacy uint8 = iota
	regRIP
	regHighByte
	regFP
	regMMX
	regXMM
	regYMM
	regSegment
	regControl
	regDebug
)

func legacy(num, width uint8) Reg { return asm.NewReg(regLegacy, num, width) }

// 8-bit legacy registers. SPL, BPL, SIL and DIL require a REX prefix
// and cannot be combined with the high-byte registers.
var (
	AL  = legacy(0, 1)
	CL  = legacy(1, 1)
	DL  = legacy(2, 1)
	BL  = legacy(3, 1)
	SPL = legacy(4, 1)
	BPL = legacy(5, 1)
	SIL = legacy(6, 1)
	DIL = legacy(7, 1)

	R8B  = legacy(8, 1)
	R9B  = legacy(9, 1)
	R10B = legacy(10, 1)
	R11B = legacy(11, 1)
	R12B = legacy(12, 1)
	R13B = legacy(13, 1)
	R14B = legacy(14, 1)
	R15B = legacy(15, 1)

	AH = asm.NewReg(regHighByte, 4, 1)
	CH = asm.NewReg(regHighByte, 5, 1)
	DH = asm.NewReg(regHighByte, 6, 1)
	BH = asm.NewReg(regHighByte, 7, 1)
)

// 16-bit registers.
var (
	AX   = legacy(0, 2)
	CX   = legacy(1, 2)
	DX   = legacy(2, 2)
	BX   = legacy(3, 2)
	SP   = legacy(4, 2)
	BP   = legacy(5, 2)
	SI   = legacy(6, 2)
	DI   = legacy(7, 2)
	R8W  = legacy(8, 2)
	R9W  = legacy(9, 2)
	R10W = legacy(10, 2)
	R11W = legacy(11, 2)
	R12W = legacy(12, 2)
	R13W = legacy(13, 2)
	R14W = legacy(14, 2)
	R15W = legacy(15, 2)
)

// 32-bit registers.
var (
	EAX  = legacy(0, 4)
	ECX  = legacy(1, 4)
	EDX  = legacy(2, 4)
	EBX  = legacy(3, 4)
	ESP  = legacy(4, 4)
	EBP  = legacy(5, 4)
	ESI  = legacy(6, 4)
	EDI  = legacy(7, 4)
	R8D  = legacy(8, 4)
	R9D  = legacy(9, 4)
	R10D = legacy(10, 4)
	R11D = legacy(11, 4)
	R12D = legacy(12, 4)
	R13D = legacy(13, 4)
	R14D = legacy(14, 4)
	R15D = legacy(15, 4)
)

// 64-bit registers.
var (
	RAX = legacy(0, 8)
	RCX = legacy(1, 8)
	RDX = legacy(2, 8)
	RBX = legacy(3, 8)
	RSP = legacy(4, 8)
	RBP = legacy(5, 8)
	RSI = legacy(6, 8)
	RDI = legacy(7, 8)
	R8  = legacy(8, 8)
	R9  = legacy(9, 8)
	R10 = legacy(10, 8)
	R11 = legacy(11, 8)
	R12 = legacy(12, 8)
	R13 = legacy(13, 8)
	R14 = legacy(14, 8)
	R15 = legacy(15, 8)

	RIP = asm.NewReg(regRIP, 0, 8)
)

// Segment registers.
var (
	ES = asm.NewReg(regSegment, 0, 2)
	CS = asm.NewReg(regSegment, 1, 2)
	SS = asm.NewReg(regSegment, 2, 2)
	DS = asm.NewReg(regSegment, 3, 2)
	FS = asm.NewReg(regSegment, 4, 2)
	GS = asm.NewReg(regSegment, 5, 2)
)

func xmm(n uint8) Reg { return asm.NewReg(regXMM, n, 16) }
func ymm(n uint8) Reg { return asm.NewReg(regYMM, n, 32) }

// Vector registers.
var (
	XMM0 = xmm(0)
	XMM1 = xmm(1)
	XMM2 = xmm(2)
	XMM3 = xmm(3)
	XMM4 = xmm(4)
	XMM5 = xmm(5)
	XMM6 = xmm(6)
	XMM7 = xmm(7)

	YMM0 = ymm(0)
	YMM1 = ymm(1)
	YMM2 = ymm(2)
	YMM3 = ymm(3)
	YMM4 = ymm(4)
	YMM5 = ymm(5)
	YMM6 = ymm(6)
	YMM7 = ymm(7)
)

var segPrefix = map[Reg]byte{
	ES: 0x26,
	CS: 0x2e,
	SS: 0x36,
	DS: 0x3e,
	FS: 0x64,
	GS: 0x65,
}

// regNames maps assembly names to registers for the parser's lookup.
var regNames = map[string]Reg{
	"al": AL, "cl": CL, "dl": DL, "bl": BL,
	"spl": SPL, "bpl": BPL, "sil": SIL, "dil": DIL,
	"ah": AH, "ch": CH, "dh": DH, "bh": BH,
	"ax": AX, "cx": CX, "dx": DX, "bx": BX,
	"sp": SP, "bp": BP, "si": SI, "di": DI,
	"eax": EAX, "ecx": ECX, "edx": EDX, "ebx": EBX,
	"esp": ESP, "ebp": EBP, "esi": ESI, "edi": EDI,
	"rax": RAX, "rcx": RCX, "rdx": RDX, "rbx": RBX,
	"rsp": RSP, "rbp": RBP, "rsi": RSI, "rdi": RDI,
	"rip": RIP,
	"es":  ES, "cs": CS, "ss": SS, "ds": DS, "fs": FS, "gs": GS,
}

func init() {
	for i := uint8(8); i <= 15; i++ {
		n := strconv.Itoa(int(i))
		regNames["r"+n+"b"] = legacy(i, 1)
		regNames["r"+n+"w"] = legacy(i, 2)
		regNames["r"+n+"d"] = legacy(i, 4)
		regNames["r"+n] = legacy(i, 8)
	}
	for i := uint8(0); i <= 15; i++ {
		n := strconv.Itoa(int(i))
		regNames["xmm"+n] = xmm(i)
		regNames["ymm"+n] = ymm(i)
	}
}

func isVector(r Reg) bool {
	return r.Family() == regXMM || r.Family() == regYMM
}
