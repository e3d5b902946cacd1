// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

// form describes one encoding of an instruction mnemonic. The args string
// holds two characters per operand. The first character selects the operand
// kind:
//
//	r  general purpose register
//	v  general purpose register or memory
//	m  memory
//	i  immediate
//	o  branch offset (relative)
//	y  xmm or ymm register
//	w  xmm or ymm register, or memory
//	s  segment register
//	A  the accumulator (al/ax/eax/rax)
//	C  the cl register
//
// The second character gives the operand size in bytes: b, w, d, q for
// 1/2/4/8, o for 16, h for 32, '*' for a size selected by the operand size
// wildcard, and '!' for an operand whose size is not checked.
//
// For fVexOp forms, op[0] selects the opcode map (1 = 0F, 2 = 0F38,
// 3 = 0F3A) and the remaining bytes are the opcode itself.
type form struct {
	op    []byte
	args  string
	reg   int8 // fixed ModRM reg field, or -1
	flags uint32
}

const (
	fAutoSize uint32 = 1 << iota // operand size 2, 4 or 8; 0x66 for 2, REX.W for 8
	fAutoNo32                    // operand size 2 or 8; 0x66 for 2 (push/pop family)
	fAutoRexW                    // operand size 4 or 8; REX.W for 8
	fAutoVexL                    // xmm or ymm; VEX.L for ymm
	fWordSize                    // implied 16-bit operand size
	fWithRexW                    // always emit REX.W
	fWithVexL                    // always emit VEX.L
	fPref66                      // mandatory 0x66 prefix
	fPrefF2                      // mandatory 0xf2 prefix
	fPrefF3                      // mandatory 0xf3 prefix
	fVexOp                       // VEX encoded
	fShortArg                    // register encoded in the low opcode bits
	fEncMR                       // ModRM operands reversed (store direction)
	fEncVM                       // VEX vvvv operand comes first
	fImmFull                     // immediate width equals operand size (movabs)
	fSignExt                     // immediate is sign-extended; require a signed fit
	fLockable                    // valid with a lock prefix when the target is memory
	fRepable                     // valid with rep/repne prefixes
	fX64Only                     // invalid in 32-bit protected mode
	fX86Only                     // valid only in 32-bit protected mode
)

func f1(op []byte, args string, flags uint32) form {
	return form{op: op, args: args, reg: -1, flags: flags}
}

func fr(op []byte, args string, reg int8, flags uint32) form {
	return form{op: op, args: args, reg: reg, flags: flags}
}

// arithForms builds the encoding set shared by the classic ALU group
// (add, or, adc, sbb, and, sub, xor, cmp). The base opcode is the register
// to r/m8 form; ext is the ModRM reg extension for the immediate forms.
// Forms with a shorter encoding are listed first.
func arithForms(base byte, ext int8) []form {
	return []form{
		f1([]byte{base}, "vbrb", fEncMR|fLockable),
		f1([]byte{base + 1}, "v*r*", fAutoSize|fEncMR|fLockable),
		f1([]byte{base + 2}, "rbvb", 0),
		f1([]byte{base + 3}, "r*v*", fAutoSize),
		f1([]byte{base + 4}, "Abib", 0),
		fr([]byte{0x80}, "vbib", ext, fLockable),
		fr([]byte{0x83}, "v*ib", ext, fAutoSize|fSignExt|fLockable),
		f1([]byte{base + 5}, "A*i*", fAutoSize),
		fr([]byte{0x81}, "v*i*", ext, fAutoSize|fLockable),
	}
}

// shiftForms builds the encoding set for the rotate and shift group.
func shiftForms(ext int8) []form {
	return []form{
		fr([]byte{0xc0}, "vbib", ext, 0),
		fr([]byte{0xc1}, "v*ib", ext, fAutoSize),
		fr([]byte{0xd2}, "vbCb", ext, 0),
		fr([]byte{0xd3}, "v*Cb", ext, fAutoSize),
	}
}

// unaryForms builds the encoding set for the F6/F7 group (not, neg, mul,
// imul, div, idiv) and the FE/FF group (inc, dec).
func unaryForms(op8, op byte, ext int8) []form {
	return []form{
		fr([]byte{op8}, "vb", ext, fLockable),
		fr([]byte{op}, "v*", ext, fAutoSize|fLockable),
	}
}

// sseForms builds the common load-op encoding for SSE arithmetic, where the
// destination is an xmm register and the source is xmm or memory.
func sseForms(flags uint32, op ...byte) []form {
	return []form{f1(op, "yow!", flags)}
}

// condition code suffixes, indexed by the low nibble of the opcode.
var condCodes = map[string]byte{
	"o": 0x0, "no": 0x1,
	"b": 0x2, "c": 0x2, "nae": 0x2,
	"ae": 0x3, "nb": 0x3, "nc": 0x3,
	"e": 0x4, "z": 0x4,
	"ne": 0x5, "nz": 0x5,
	"be": 0x6, "na": 0x6,
	"a": 0x7, "nbe": 0x7,
	"s": 0x8, "ns": 0x9,
	"p": 0xa, "pe": 0xa,
	"np": 0xb, "po": 0xb,
	"l": 0xc, "nge": 0xc,
	"ge": 0xd, "nl": 0xd,
	"le": 0xe, "ng": 0xe,
	"g": 0xf, "nle": 0xf,
}

// insts maps each mnemonic to its candidate encodings, ordered so that the
// first matching form is also the shortest one. The assembler relies on this
// ordering for deterministic output.
var insts = map[string][]form{
	"add": arithForms(0x00, 0),
	"or":  arithForms(0x08, 1),
	"adc": arithForms(0x10, 2),
	"sbb": arithForms(0x18, 3),
	"and": arithForms(0x20, 4),
	"sub": arithForms(0x28, 5),
	"xor": arithForms(0x30, 6),
	"cmp": arithForms(0x38, 7),

	"mov": {
		f1([]byte{0x88}, "vbrb", fEncMR),
		f1([]byte{0x89}, "v*r*", fAutoSize|fEncMR),
		f1([]byte{0x8a}, "rbvb", 0),
		f1([]byte{0x8b}, "r*v*", fAutoSize),
		f1([]byte{0x8c}, "vwsw", fEncMR|fWordSize),
		f1([]byte{0x8e}, "swvw", 0),
		f1([]byte{0xb0}, "rbib", fShortArg),
		f1([]byte{0xb8}, "rwiw", fWordSize|fShortArg),
		f1([]byte{0xb8}, "rdid", fShortArg),
		fr([]byte{0xc6}, "vbib", 0, 0),
		fr([]byte{0xc7}, "v*i*", 0, fAutoSize),
		f1([]byte{0xb8}, "rqiq", fWithRexW|fShortArg|fImmFull|fX64Only),
	},
	"movabs": {
		f1([]byte{0xb0}, "rbib", fShortArg),
		f1([]byte{0xb8}, "r*i*", fAutoSize|fShortArg|fImmFull),
	},
	"movzx": {
		f1([]byte{0x0f, 0xb6}, "r*vb", fAutoSize),
		f1([]byte{0x0f, 0xb7}, "r*vw", fAutoSize),
	},
	"movsx": {
		f1([]byte{0x0f, 0xbe}, "r*vb", fAutoSize),
		f1([]byte{0x0f, 0xbf}, "r*vw", fAutoSize),
	},
	"movsxd": {
		f1([]byte{0x63}, "rqvd", fWithRexW|fX64Only),
	},

	"lea": {
		f1([]byte{0x8d}, "r*m!", fAutoSize),
	},
	"xchg": {
		f1([]byte{0x86}, "vbrb", fEncMR|fLockable),
		f1([]byte{0x86}, "rbvb", 0),
		f1([]byte{0x87}, "v*r*", fAutoSize|fEncMR|fLockable),
		f1([]byte{0x87}, "r*v*", fAutoSize),
	},
	"test": {
		f1([]byte{0x84}, "vbrb", fEncMR),
		f1([]byte{0x85}, "v*r*", fAutoSize|fEncMR),
		f1([]byte{0xa8}, "Abib", 0),
		fr([]byte{0xf6}, "vbib", 0, 0),
		f1([]byte{0xa9}, "A*i*", fAutoSize),
		fr([]byte{0xf7}, "v*i*", 0, fAutoSize),
	},

	"push": {
		f1([]byte{0x50}, "r*", fAutoNo32|fShortArg),
		f1([]byte{0x6a}, "ib", fSignExt),
		f1([]byte{0x68}, "id", fSignExt),
		fr([]byte{0xff}, "m*", 6, fAutoNo32),
	},
	"pop": {
		f1([]byte{0x58}, "r*", fAutoNo32|fShortArg),
		fr([]byte{0x8f}, "m*", 0, fAutoNo32),
	},

	"inc":  unaryForms(0xfe, 0xff, 0),
	"dec":  unaryForms(0xfe, 0xff, 1),
	"not":  unaryForms(0xf6, 0xf7, 2),
	"neg":  unaryForms(0xf6, 0xf7, 3),
	"mul":  unaryForms(0xf6, 0xf7, 4),
	"div":  unaryForms(0xf6, 0xf7, 6),
	"idiv": unaryForms(0xf6, 0xf7, 7),
	"imul": {
		fr([]byte{0xf6}, "vb", 5, 0),
		fr([]byte{0xf7}, "v*", 5, fAutoSize),
		f1([]byte{0x0f, 0xaf}, "r*v*", fAutoSize),
		f1([]byte{0x6b}, "r*v*ib", fAutoSize|fSignExt),
		f1([]byte{0x69}, "r*v*i*", fAutoSize),
	},

	"shl": shiftForms(4),
	"sal": shiftForms(4),
	"shr": shiftForms(5),
	"sar": shiftForms(7),
	"rol": shiftForms(0),
	"ror": shiftForms(1),
	"rcl": shiftForms(2),
	"rcr": shiftForms(3),

	"bt":  btForms(0xa3, 4),
	"bts": btForms(0xab, 5),
	"btr": btForms(0xb3, 6),
	"btc": btForms(0xbb, 7),

	"bsf":    {f1([]byte{0x0f, 0xbc}, "r*v*", fAutoSize)},
	"bsr":    {f1([]byte{0x0f, 0xbd}, "r*v*", fAutoSize)},
	"popcnt": {f1([]byte{0x0f, 0xb8}, "r*v*", fAutoSize|fPrefF3)},
	"lzcnt":  {f1([]byte{0x0f, 0xbd}, "r*v*", fAutoSize|fPrefF3)},
	"tzcnt":  {f1([]byte{0x0f, 0xbc}, "r*v*", fAutoSize|fPrefF3)},

	"jmp": {
		f1([]byte{0xeb}, "ob", 0),
		f1([]byte{0xe9}, "od", 0),
		fr([]byte{0xff}, "vq", 4, fX64Only),
		fr([]byte{0xff}, "vd", 4, fX86Only),
	},
	"call": {
		f1([]byte{0xe8}, "od", 0),
		fr([]byte{0xff}, "vq", 2, fX64Only),
		fr([]byte{0xff}, "vd", 2, fX86Only),
	},
	"ret": {
		f1([]byte{0xc3}, "", 0),
		f1([]byte{0xc2}, "iw", 0),
	},

	"nop":     {f1([]byte{0x90}, "", 0)},
	"int3":    {f1([]byte{0xcc}, "", 0)},
	"int":     {f1([]byte{0xcd}, "ib", 0)},
	"syscall": {f1([]byte{0x0f, 0x05}, "", fX64Only)},
	"hlt":     {f1([]byte{0xf4}, "", 0)},
	"cpuid":   {f1([]byte{0x0f, 0xa2}, "", 0)},
	"leave":   {f1([]byte{0xc9}, "", 0)},
	"pause":   {f1([]byte{0x90}, "", fPrefF3)},
	"ud2":     {f1([]byte{0x0f, 0x0b}, "", 0)},

	"clc": {f1([]byte{0xf8}, "", 0)},
	"stc": {f1([]byte{0xf9}, "", 0)},
	"cmc": {f1([]byte{0xf5}, "", 0)},
	"cld": {f1([]byte{0xfc}, "", 0)},
	"std": {f1([]byte{0xfd}, "", 0)},
	"cli": {f1([]byte{0xfa}, "", 0)},
	"sti": {f1([]byte{0xfb}, "", 0)},

	"cbw":  {f1([]byte{0x98}, "", fWordSize)},
	"cwde": {f1([]byte{0x98}, "", 0)},
	"cdqe": {f1([]byte{0x98}, "", fWithRexW|fX64Only)},
	"cwd":  {f1([]byte{0x99}, "", fWordSize)},
	"cdq":  {f1([]byte{0x99}, "", 0)},
	"cqo":  {f1([]byte{0x99}, "", fWithRexW|fX64Only)},

	"movsb": {f1([]byte{0xa4}, "", fRepable)},
	"movsw": {f1([]byte{0xa5}, "", fWordSize|fRepable)},
	"movsd": {
		// Without operands this is the string move; with operands it is
		// the SSE scalar double move.
		f1([]byte{0xa5}, "", fRepable),
		f1([]byte{0x0f, 0x10}, "yow!", fPrefF2),
		f1([]byte{0x0f, 0x11}, "w!yo", fPrefF2|fEncMR),
	},
	"movsq": {f1([]byte{0xa5}, "", fWithRexW|fX64Only|fRepable)},
	"stosb": {f1([]byte{0xaa}, "", fRepable)},
	"stosw": {f1([]byte{0xab}, "", fWordSize|fRepable)},
	"stosd": {f1([]byte{0xab}, "", fRepable)},
	"stosq": {f1([]byte{0xab}, "", fWithRexW|fX64Only|fRepable)},
	"scasb": {f1([]byte{0xae}, "", fRepable)},
	"cmpsb": {f1([]byte{0xa6}, "", fRepable)},
	"lodsb": {f1([]byte{0xac}, "", fRepable)},

	// SSE moves.
	"movss": {
		f1([]byte{0x0f, 0x10}, "yow!", fPrefF3),
		f1([]byte{0x0f, 0x11}, "w!yo", fPrefF3|fEncMR),
	},
	"movaps": {
		f1([]byte{0x0f, 0x28}, "yow!", 0),
		f1([]byte{0x0f, 0x29}, "w!yo", fEncMR),
	},
	"movups": {
		f1([]byte{0x0f, 0x10}, "yow!", 0),
		f1([]byte{0x0f, 0x11}, "w!yo", fEncMR),
	},
	"movdqa": {
		f1([]byte{0x0f, 0x6f}, "yow!", fPref66),
		f1([]byte{0x0f, 0x7f}, "w!yo", fPref66|fEncMR),
	},
	"movdqu": {
		f1([]byte{0x0f, 0x6f}, "yow!", fPrefF3),
		f1([]byte{0x0f, 0x7f}, "w!yo", fPrefF3|fEncMR),
	},
	"movd": {
		f1([]byte{0x0f, 0x6e}, "yovd", fPref66),
		f1([]byte{0x0f, 0x7e}, "vdyo", fPref66|fEncMR),
	},
	"movq": {
		f1([]byte{0x0f, 0x7e}, "yow!", fPrefF3),
		f1([]byte{0x0f, 0x6e}, "yovq", fPref66|fWithRexW|fX64Only),
		f1([]byte{0x0f, 0x7e}, "vqyo", fPref66|fWithRexW|fEncMR|fX64Only),
	},

	// SSE scalar and packed arithmetic.
	"addss": sseForms(fPrefF3, 0x0f, 0x58),
	"addsd": sseForms(fPrefF2, 0x0f, 0x58),
	"addps": sseForms(0, 0x0f, 0x58),
	"addpd": sseForms(fPref66, 0x0f, 0x58),
	"subss": sseForms(fPrefF3, 0x0f, 0x5c),
	"subsd": sseForms(fPrefF2, 0x0f, 0x5c),
	"subps": sseForms(0, 0x0f, 0x5c),
	"subpd": sseForms(fPref66, 0x0f, 0x5c),
	"mulss": sseForms(fPrefF3, 0x0f, 0x59),
	"mulsd": sseForms(fPrefF2, 0x0f, 0x59),
	"divss": sseForms(fPrefF3, 0x0f, 0x5e),
	"divsd": sseForms(fPrefF2, 0x0f, 0x5e),
	"minss": sseForms(fPrefF3, 0x0f, 0x5d),
	"minsd": sseForms(fPrefF2, 0x0f, 0x5d),
	"maxss": sseForms(fPrefF3, 0x0f, 0x5f),
	"maxsd": sseForms(fPrefF2, 0x0f, 0x5f),

	"sqrtss": sseForms(fPrefF3, 0x0f, 0x51),
	"sqrtsd": sseForms(fPrefF2, 0x0f, 0x51),

	"andps": sseForms(0, 0x0f, 0x54),
	"andpd": sseForms(fPref66, 0x0f, 0x54),
	"orps":  sseForms(0, 0x0f, 0x56),
	"orpd":  sseForms(fPref66, 0x0f, 0x56),
	"xorps": sseForms(0, 0x0f, 0x57),
	"xorpd": sseForms(fPref66, 0x0f, 0x57),

	"pand":  sseForms(fPref66, 0x0f, 0xdb),
	"por":   sseForms(fPref66, 0x0f, 0xeb),
	"pxor":  sseForms(fPref66, 0x0f, 0xef),
	"paddd": sseForms(fPref66, 0x0f, 0xfe),
	"psubd": sseForms(fPref66, 0x0f, 0xfa),

	"ucomiss": sseForms(0, 0x0f, 0x2e),
	"ucomisd": sseForms(fPref66, 0x0f, 0x2e),
	"comiss":  sseForms(0, 0x0f, 0x2f),
	"comisd":  sseForms(fPref66, 0x0f, 0x2f),

	"cvtsi2ss":  {f1([]byte{0x0f, 0x2a}, "yov*", fPrefF3 | fAutoRexW)},
	"cvtsi2sd":  {f1([]byte{0x0f, 0x2a}, "yov*", fPrefF2 | fAutoRexW)},
	"cvttss2si": {f1([]byte{0x0f, 0x2c}, "r*w!", fPrefF3 | fAutoRexW)},
	"cvttsd2si": {f1([]byte{0x0f, 0x2c}, "r*w!", fPrefF2 | fAutoRexW)},
	"cvtss2sd":  sseForms(fPrefF3, 0x0f, 0x5a),
	"cvtsd2ss":  sseForms(fPrefF2, 0x0f, 0x5a),

	// A handful of VEX encoded forms. The first opcode byte selects the
	// opcode map.
	"vmovaps": {
		f1([]byte{1, 0x28}, "y*w*", fVexOp|fAutoVexL),
		f1([]byte{1, 0x29}, "w*y*", fVexOp|fAutoVexL|fEncMR),
	},
	"vmovdqu": {
		f1([]byte{1, 0x6f}, "y*w*", fVexOp|fAutoVexL|fPrefF3),
		f1([]byte{1, 0x7f}, "w*y*", fVexOp|fAutoVexL|fPrefF3|fEncMR),
	},
	"vaddps": {f1([]byte{1, 0x58}, "y*y*w*", fVexOp | fAutoVexL)},
	"vsubps": {f1([]byte{1, 0x5c}, "y*y*w*", fVexOp | fAutoVexL)},
	"vmulps": {f1([]byte{1, 0x59}, "y*y*w*", fVexOp | fAutoVexL)},
	"vaddss": {f1([]byte{1, 0x58}, "yoyow!", fVexOp | fPrefF3)},
	"vaddsd": {f1([]byte{1, 0x58}, "yoyow!", fVexOp | fPrefF2)},
	"vmulss": {f1([]byte{1, 0x59}, "yoyow!", fVexOp | fPrefF3)},
	"vxorps": {f1([]byte{1, 0x57}, "y*y*w*", fVexOp | fAutoVexL)},
	"vpxor":  {f1([]byte{1, 0xef}, "y*y*w*", fVexOp | fAutoVexL | fPref66)},
	"vpand":  {f1([]byte{1, 0xdb}, "y*y*w*", fVexOp | fAutoVexL | fPref66)},
	"vpor":   {f1([]byte{1, 0xeb}, "y*y*w*", fVexOp | fAutoVexL | fPref66)},
	"vzeroupper": {f1([]byte{1, 0x77}, "", fVexOp)},
}

func btForms(op byte, ext int8) []form {
	return []form{
		f1([]byte{0x0f, op}, "v*r*", fAutoSize|fEncMR|fLockable),
		fr([]byte{0x0f, 0xba}, "v*ib", ext, fAutoSize|fLockable),
	}
}

func init() {
	// The conditional families share opcode layouts, with the condition
	// in the low nibble.
	for suffix, cc := range condCodes {
		insts["j"+suffix] = []form{
			f1([]byte{0x70 + cc}, "ob", 0),
			f1([]byte{0x0f, 0x80 + cc}, "od", 0),
		}
		insts["set"+suffix] = []form{
			fr([]byte{0x0f, 0x90 + cc}, "vb", 0, 0),
		}
		insts["cmov"+suffix] = []form{
			f1([]byte{0x0f, 0x40 + cc}, "r*v*", fAutoSize),
		}
	}
}
