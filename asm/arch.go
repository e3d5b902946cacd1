// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// An Inst is one abstract machine instruction: a mnemonic, its ordered
// operands, and an optional instruction prefix. Instructions are
// produced by the parser or the Builder and consumed by the encoder.
type Inst struct {
	Mnemonic string
	Args     []Arg
	Prefix   string // "", "lock", "rep" or "repne"

	pos Pos
}

// An Encoded is the encoder's output for one instruction: its bytes
// and any relocations, with offsets relative to the instruction start.
// The resolver rebases relocation offsets into the output buffer.
type Encoded struct {
	Bytes  []byte
	Relocs []Relocation
}

// An Arch encodes instructions for one target architecture. Encode
// must be pure: for identical instructions and identical label views
// it returns identical results, since the resolver re-invokes it on
// every layout pass.
type Arch interface {
	// Name returns the architecture's name, e.g. "x64".
	Name() string

	// RegByName looks up a register by its assembly name.
	RegByName(name string) (Reg, bool)

	// HasMnemonic reports whether the architecture knows the
	// mnemonic, allowing the parser to reject bad opcodes with
	// source positions attached.
	HasMnemonic(name string) bool

	// Encode encodes one instruction placed at offset pc. Label
	// references resolve through the given view; a reference that
	// does not resolve yields a worst-case-sized placeholder field
	// and a relocation rather than an error.
	Encode(inst *Inst, pc int64, labels LabelView) (Encoded, error)
}
