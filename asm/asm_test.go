// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// testArch is a tiny synthetic architecture for exercising the core
// engine. It has four instructions:
//
//	halt         FF
//	wide r, imm  10 reg imm16
//	b target     20 rel8  |  21 rel32
//	put imm      30 imm8
//
// The branch instruction has a short and a long form, which gives the
// layout loop something to shrink.
type testArch struct{}

func init() {
	RegisterArch("test", &testArch{})
}

func (a *testArch) Name() string { return "test" }

func (a *testArch) RegByName(name string) (Reg, bool) {
	if len(name) == 2 && name[0] == 'r' && name[1] >= '0' && name[1] <= '3' {
		return NewReg(0, name[1]-'0', 4), true
	}
	return 0, false
}

func (a *testArch) HasMnemonic(name string) bool {
	switch name {
	case "halt", "wide", "b", "put":
		return true
	}
	return false
}

// argExpr converts an instruction operand into an expression.
func argExpr(arg Arg) (*Expr, error) {
	switch t := arg.(type) {
	case Imm:
		return t.Expr, nil
	case LabelRef:
		return NewLabelExpr(t.Name, 64), nil
	default:
		return nil, fmt.Errorf("unsupported operand type %T", arg)
	}
}

func (a *testArch) Encode(inst *Inst, pc int64, labels LabelView) (Encoded, error) {
	switch inst.Mnemonic {
	case "halt":
		if len(inst.Args) != 0 {
			return Encoded{}, errors.New("halt takes no operands")
		}
		return Encoded{Bytes: []byte{0xff}}, nil

	case "wide":
		if len(inst.Args) != 2 {
			return Encoded{}, errors.New("wide takes two operands")
		}
		reg, ok := inst.Args[0].(Reg)
		if !ok {
			return Encoded{}, errors.New("wide requires a register operand")
		}
		e, err := argExpr(inst.Args[1])
		if err != nil {
			return Encoded{}, err
		}
		enc := Encoded{Bytes: []byte{0x10, reg.Num(), 0, 0}}
		if v, err := e.EvalWith(labels); err == nil {
			enc.Bytes[2], enc.Bytes[3] = byte(v), byte(v>>8)
		} else {
			enc.Relocs = append(enc.Relocs, Relocation{Offset: 2, Width: 2, Expr: e})
		}
		return enc, nil

	case "b":
		if len(inst.Args) != 1 {
			return Encoded{}, errors.New("b takes one operand")
		}
		e, err := argExpr(inst.Args[0])
		if err != nil {
			return Encoded{}, err
		}
		v, err := e.EvalWith(labels)
		if err != nil {
			enc := Encoded{Bytes: []byte{0x21, 0, 0, 0, 0}}
			enc.Relocs = append(enc.Relocs, Relocation{Offset: 1, Width: 4, Rel: true, Expr: e})
			return enc, nil
		}
		if rel := v - (pc + 2); rel >= -128 && rel <= 127 {
			return Encoded{Bytes: []byte{0x20, byte(rel)}}, nil
		}
		rel := v - (pc + 5)
		return Encoded{Bytes: []byte{0x21, byte(rel), byte(rel >> 8), byte(rel >> 16), byte(rel >> 24)}}, nil

	case "put":
		if len(inst.Args) != 1 {
			return Encoded{}, errors.New("put takes one operand")
		}
		e, err := argExpr(inst.Args[0])
		if err != nil {
			return Encoded{}, err
		}
		enc := Encoded{Bytes: []byte{0x30, 0}}
		if v, err := e.EvalWith(labels); err == nil {
			enc.Bytes[1] = byte(v)
		} else {
			enc.Relocs = append(enc.Relocs, Relocation{Offset: 1, Width: 1, Expr: e})
		}
		return enc, nil
	}
	return Encoded{}, fmt.Errorf("unknown mnemonic '%s'", inst.Mnemonic)
}

func assemble(src string, opts ...Option) (*Result, error) {
	opts = append([]Option{WithArchName("test")}, opts...)
	return Assemble(strings.NewReader(src), "test.asm", opts...)
}

func checkASM(t *testing.T, src string, want string) {
	t.Helper()
	res, err := assemble(src)
	if err != nil {
		t.Error(err)
		return
	}
	if got := byteString(res.Code); got != want {
		t.Errorf("assembly mismatch\n got: %s\nwant: %s", got, want)
	}
}

func checkASMError(t *testing.T, src string, kind error) {
	t.Helper()
	_, err := assemble(src)
	if err == nil {
		t.Error("expected assembly to fail")
		return
	}
	if !errors.Is(err, kind) {
		t.Errorf("expected error kind '%v', got: %v", kind, err)
	}
}

func TestInstructions(t *testing.T) {
	checkASM(t, "\thalt", "FF")
	checkASM(t, "\twide r2, 0x1234", "10 02 34 12")
	checkASM(t, "\tput 5", "30 05")
	checkASM(t, "\tput 2+3", "30 05")
}

func TestInstructionCase(t *testing.T) {
	checkASM(t, "\tHALT", "FF")
	checkASM(t, "\tWIDE R1, $FF", "10 01 FF 00")
}

func TestExpressions(t *testing.T) {
	checkASM(t, "\tput 1 << 4", "30 10")
	checkASM(t, "\tput (1 | 6) & 3", "30 03")
	checkASM(t, "\tput -1 + 2", "30 01")
	checkASM(t, "\tput 'A'", "30 41")
	checkASM(t, "\tput 0b1010", "30 0A")
	checkASM(t, "\twide r0, $ABCD", "10 00 CD AB")
}

func TestBranchBackward(t *testing.T) {
	checkASM(t, ""+
		"top:\thalt\n"+
		"\tb top\n",
		"FF 20 FD")
}

func TestBranchForward(t *testing.T) {
	// The branch starts at its worst-case length and shrinks once
	// the target settles.
	checkASM(t, ""+
		"\tb done\n"+
		"\thalt\n"+
		"done:\thalt\n",
		"20 01 FF FF")
}

func TestBranchFarForward(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("\tb done\n")
	for i := 0; i < 200; i++ {
		sb.WriteString("\thalt\n")
	}
	sb.WriteString("done:\thalt\n")

	res, err := assemble(sb.String())
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0x21, 0xc8, 0, 0, 0}, make([]byte, 201)...)
	for i := 5; i < len(want); i++ {
		want[i] = 0xff
	}
	if byteString(res.Code) != byteString(want) {
		t.Errorf("assembly mismatch\n got: %s\nwant: %s", byteString(res.Code), byteString(want))
	}
}

func TestBranchDeterminism(t *testing.T) {
	src := "" +
		"\tb mid\n" +
		"\thalt\n" +
		"mid:\tb done\n" +
		"\thalt\n" +
		"done:\thalt\n"
	first, err := assemble(src)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		res, err := assemble(src)
		if err != nil {
			t.Fatal(err)
		}
		if byteString(res.Code) != byteString(first.Code) {
			t.Fatalf("assembly differed between runs:\n%s\n%s",
				byteString(first.Code), byteString(res.Code))
		}
	}
}

func TestLocalLabels(t *testing.T) {
	checkASM(t, ""+
		"first:\n"+
		".loop:\thalt\n"+
		"\tb .loop\n"+
		"second:\n"+
		".loop:\thalt\n"+
		"\tb .loop\n",
		"FF 20 FD FF 20 FD")
}

func TestConvergenceBound(t *testing.T) {
	src := "" +
		"\tb done\n" +
		"\thalt\n" +
		"done:\thalt\n"
	if _, err := assemble(src, WithMaxPasses(2)); !errors.Is(err, ErrNonConvergent) {
		t.Errorf("expected non-convergence error, got: %v", err)
	}
	if _, err := assemble(src, WithMaxPasses(4)); err != nil {
		t.Errorf("expected convergence within 4 passes, got: %v", err)
	}
}

func TestDataDirectives(t *testing.T) {
	checkASM(t, "\t.byte 1, 2, 3", "01 02 03")
	checkASM(t, "\t.word $1234", "34 12")
	checkASM(t, "\t.dword $12345678", "78 56 34 12")
	checkASM(t, "\t.qword 1", "01 00 00 00 00 00 00 00")
	checkASM(t, "\t.byte \"AB\", 0", "41 42 00")
	checkASM(t, "\t.db 'x'", "78")
}

func TestDataLabelReference(t *testing.T) {
	checkASM(t, ""+
		"a:\thalt\n"+
		"\t.word a\n",
		"FF 00 00")
}

func TestOrigin(t *testing.T) {
	checkASM(t, ""+
		"\t.org $100\n"+
		"a:\thalt\n"+
		"\t.word a\n",
		"FF 00 01")

	res, err := assemble("\thalt", WithOrigin(0x2000))
	if err != nil {
		t.Fatal(err)
	}
	if res.Origin != 0x2000 {
		t.Errorf("expected origin $2000, got $%x", res.Origin)
	}

	checkASMError(t, "\thalt\n\t.org $100\n", ErrSyntax)

	// The directive's dotless alias, by unambiguous prefix.
	checkASM(t, ""+
		"\torg $400\n"+
		"a:\thalt\n"+
		"\t.word a\n",
		"FF 00 04")
}

func TestEquates(t *testing.T) {
	checkASM(t, ""+
		"five\t.equ 5\n"+
		"\t.byte five, five+1\n",
		"05 06")
	checkASM(t, ""+
		"base\t.equ $100\n"+
		"\twide r0, base | 1\n",
		"10 00 01 01")
	checkASMError(t, "\t.equ 5\n", ErrSyntax)
	checkASMError(t, ""+
		"five\t.equ 5\n"+
		"five\t.equ 6\n"+
		"\tput five\n",
		ErrDuplicateLabel)
}

func TestAlign(t *testing.T) {
	checkASM(t, ""+
		"\thalt\n"+
		"\t.align 4, $AA\n"+
		"\thalt\n",
		"FF AA AA AA FF")
	// Already aligned; no padding.
	checkASM(t, ""+
		"\t.word 1\n"+
		"\t.align 2\n"+
		"\thalt\n",
		"01 00 FF")
	checkASMError(t, "\t.align 3\n", ErrSyntax)
}

func TestAlignAfterBranchShrink(t *testing.T) {
	// The pad is recomputed as the preceding branch shrinks.
	checkASM(t, ""+
		"\tb done\n"+
		"\t.align 4, $EE\n"+
		"done:\thalt\n",
		"20 02 EE EE FF")
}

func TestLabelErrors(t *testing.T) {
	checkASMError(t, "a:\thalt\na:\thalt\n", ErrDuplicateLabel)
	checkASMError(t, "\tb nowhere\n", ErrUnresolvedLabel)
}

func TestSyntaxErrors(t *testing.T) {
	checkASMError(t, "\tfrobnicate\n", ErrSyntax)
	checkASMError(t, "\tput 5 +\n", ErrSyntax)
	checkASMError(t, "\tput (5\n", ErrSyntax)
	checkASMError(t, "\t.byte\n", ErrSyntax)
}

func TestEncodingErrors(t *testing.T) {
	checkASMError(t, "\thalt 1\n", ErrUnsupportedEncoding)
	checkASMError(t, "\twide r1\n", ErrUnsupportedEncoding)
}

func TestErrorPositions(t *testing.T) {
	_, err := assemble("\thalt\n\tput )\n")
	var list ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("expected an ErrorList, got: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 error, got %d", len(list))
	}
	if list[0].Pos.Row != 2 {
		t.Errorf("expected error on row 2, got row %d", list[0].Pos.Row)
	}
	if list[0].Pos.File != "test.asm" {
		t.Errorf("expected error in test.asm, got '%s'", list[0].Pos.File)
	}
}

func TestNoArchSelected(t *testing.T) {
	_, err := Assemble(strings.NewReader("\thalt"), "test.asm", WithArchName("no-such-arch"))
	if err == nil {
		t.Error("expected assembly without a backend to fail")
	}
}

func TestArchDirective(t *testing.T) {
	checkASM(t, "\t.arch test\n\thalt\n", "FF")
	checkASMError(t, "\t.arch pdp11\n", ErrSyntax)
}

func TestEval(t *testing.T) {
	cases := []struct {
		src  string
		want int64
	}{
		{"5", 5},
		{"(1|6)&3<<1", 6},
		{"-1+2", 1},
		{"$FF00 >> 8", 0xff},
		{"'A'+1", 'B'},
	}
	for _, c := range cases {
		v, err := Eval(c.src)
		if err != nil {
			t.Errorf("Eval(%q): %v", c.src, err)
			continue
		}
		if v != c.want {
			t.Errorf("Eval(%q) = %d, want %d", c.src, v, c.want)
		}
	}

	if _, err := Eval("1+"); !errors.Is(err, ErrSyntax) {
		t.Errorf("expected syntax error, got %v", err)
	}
	if _, err := Eval("foo+1"); !errors.Is(err, ErrUnevaluable) {
		t.Errorf("expected unevaluable error, got %v", err)
	}
}

func TestPlaceholders(t *testing.T) {
	res, err := assemble("\tput {0}\n", WithExprs(Wrap(hostValue{"h0", 8})))
	if err != nil {
		t.Fatal(err)
	}
	if byteString(res.Code) != "30 00" {
		t.Errorf("unexpected code: %s", byteString(res.Code))
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}
	r := res.Relocs[0]
	if r.Offset != 1 || r.Width != 1 || r.Rel {
		t.Errorf("unexpected relocation: %+v", r)
	}
	h, ok := r.Expr.OpaqueValue()
	if !ok || h.Token() != "h0" {
		t.Errorf("unexpected relocation payload: %s", r.Expr)
	}

	checkASMError(t, "\tput {1}\n", ErrSyntax)
	checkASMError(t, "\tput {x}\n", ErrSyntax)
}

func TestExternalRelRelocation(t *testing.T) {
	res, err := assemble("\thalt\n\tb {0}\n", WithExprs(Wrap(hostValue{"fn", 64})))
	if err != nil {
		t.Fatal(err)
	}
	if byteString(res.Code) != "FF 21 00 00 00 00" {
		t.Errorf("unexpected code: %s", byteString(res.Code))
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}
	r := res.Relocs[0]
	if r.Offset != 2 || r.Width != 4 || !r.Rel {
		t.Errorf("unexpected relocation: %+v", r)
	}
	// The PC the host should subtract is the end of the branch.
	if r.PC != 6 {
		t.Errorf("expected relocation PC 6, got %d", r.PC)
	}
}

func TestExternalRelocationFoldsLabels(t *testing.T) {
	o := Wrap(hostValue{"h0", 16})
	res, err := assemble("start:\thalt\n\thalt\n\twide r0, {0}+start\n", WithExprs(o))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}

	// The surfaced payload has the label reference folded into a
	// literal, leaving only the opaque leaf unresolved.
	payload := res.Relocs[0].Expr
	op, ok := payload.Op()
	if !ok || op != OpAdd {
		t.Fatalf("unexpected payload: %s", payload)
	}
	ops := payload.Operands()
	if _, ok := ops[0].OpaqueValue(); !ok {
		t.Errorf("expected opaque leaf, got: %s", ops[0])
	}
	if v, ok := ops[1].Literal(); !ok || v != 0 {
		t.Errorf("expected label folded to 0, got: %s", ops[1])
	}
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(WithArchName("test"))
	b.Label("start").
		Inst("halt").
		Inst("b", LabelRef{Name: "start"}).
		Data(2, b.LabelExpr("start", 16))
	res, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if byteString(res.Code) != "FF 20 FD 00 00" {
		t.Errorf("unexpected code: %s", byteString(res.Code))
	}
}

func TestBuilderBytesAlign(t *testing.T) {
	b := NewBuilder(WithArchName("test"))
	b.Bytes([]byte{1, 2, 3}).
		Align(4, 0xcc).
		Inst("put", ImmVal(9))
	res, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if byteString(res.Code) != "01 02 03 CC 30 09" {
		t.Errorf("unexpected code: %s", byteString(res.Code))
	}
}

func TestBuilderOpaqueImmediate(t *testing.T) {
	o := Wrap(hostValue{"h1", 8})
	e, err := Combine(OpAdd, o, Lit(4, 32))
	if err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(WithArchName("test"))
	b.Inst("put", Imm{Expr: e})
	res, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	if byteString(res.Code) != "30 00" {
		t.Errorf("unexpected code: %s", byteString(res.Code))
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}
	if res.Relocs[0].Offset != 1 || res.Relocs[0].Width != 1 {
		t.Errorf("unexpected relocation: %+v", res.Relocs[0])
	}
}

func TestBuilderErrors(t *testing.T) {
	b := NewBuilder(WithArchName("test"))
	b.Label("x").Label("x")
	if _, err := b.Assemble(); !errors.Is(err, ErrDuplicateLabel) {
		t.Errorf("expected duplicate label error, got: %v", err)
	}

	b = NewBuilder(WithArchName("test"))
	b.Inst("b", LabelRef{Name: "nowhere"})
	if _, err := b.Assemble(); !errors.Is(err, ErrUnresolvedLabel) {
		t.Errorf("expected unresolved label error, got: %v", err)
	}
}

func TestSourceMap(t *testing.T) {
	src := "" +
		"start:\thalt\n" +
		"\t.byte 1, 2\n" +
		"\t.align 4\n" +
		"\thalt\n"
	res, err := assemble(src)
	if err != nil {
		t.Fatal(err)
	}

	sm := res.SourceMap
	if len(sm.Files) != 1 || sm.Files[0] != "test.asm" {
		t.Fatalf("unexpected source map files: %v", sm.Files)
	}

	if file, line := sm.Search(1); file != "test.asm" || line != 2 {
		t.Errorf("offset 1: expected test.asm:2, got %s:%d", file, line)
	}
	if file, line := sm.Search(4); file != "test.asm" || line != 4 {
		t.Errorf("offset 4: expected test.asm:4, got %s:%d", file, line)
	}

	if len(sm.Labels) != 1 || sm.Labels[0].Name != "start" || sm.Labels[0].Address != 0 {
		t.Errorf("unexpected source map labels: %v", sm.Labels)
	}
}

func TestSourceMapRoundTrip(t *testing.T) {
	res, err := assemble("start:\thalt\n\tb start\n")
	if err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	if _, err := res.SourceMap.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}

	var sm SourceMap
	if _, err := sm.ReadFrom(strings.NewReader(sb.String())); err != nil {
		t.Fatal(err)
	}
	if len(sm.Lines) != len(res.SourceMap.Lines) || len(sm.Labels) != 1 {
		t.Errorf("source map did not round-trip: %+v", sm)
	}
}

func TestComments(t *testing.T) {
	checkASM(t, ""+
		"; leading comment\n"+
		"\thalt ; trailing comment\n"+
		"\t.byte ';', 1 ; quoted semicolon survives\n",
		"FF 3B 01")
}
