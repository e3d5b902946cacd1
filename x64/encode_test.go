// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package x64

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/beevik/dynasm/asm"
)

func assemble(src string, opts ...asm.Option) (*asm.Result, error) {
	opts = append([]asm.Option{asm.WithArch(X64)}, opts...)
	return asm.Assemble(strings.NewReader(src), "test.asm", opts...)
}

func check(t *testing.T, a asm.Arch, src string, want string) {
	t.Helper()
	res, err := asm.Assemble(strings.NewReader(src), "test.asm", asm.WithArch(a))
	if err != nil {
		t.Errorf("%s: %v", strings.TrimSpace(src), err)
		return
	}
	if got := fmt.Sprintf("% X", res.Code); got != want {
		t.Errorf("%s:\n got: %s\nwant: %s", strings.TrimSpace(src), got, want)
	}
}

func checkASM(t *testing.T, src string, want string) {
	t.Helper()
	check(t, X64, "\t"+src+"\n", want)
}

func checkASM32(t *testing.T, src string, want string) {
	t.Helper()
	check(t, X86, "\t"+src+"\n", want)
}

func checkASMError(t *testing.T, src string) {
	t.Helper()
	_, err := assemble("\t" + src + "\n")
	if !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("%s: expected encoding error, got: %v", src, err)
	}
}

func TestMovImmediate(t *testing.T) {
	checkASM(t, "mov al, 1", "B0 01")
	checkASM(t, "mov bl, 5", "B3 05")
	checkASM(t, "mov ah, 1", "B4 01")
	checkASM(t, "mov ax, 1", "66 B8 01 00")
	checkASM(t, "mov eax, 1", "B8 01 00 00 00")
	checkASM(t, "mov eax, 0xffffffff", "B8 FF FF FF FF")
	checkASM(t, "mov rax, 1", "48 C7 C0 01 00 00 00")
	checkASM(t, "mov rax, -1", "48 C7 C0 FF FF FF FF")
	checkASM(t, "mov rax, 0x123456789", "48 B8 89 67 45 23 01 00 00 00")
	checkASM(t, "movabs rax, 1", "48 B8 01 00 00 00 00 00 00 00")
	checkASM(t, "mov byte [rbx], 1", "C6 03 01")
	checkASM(t, "mov dword [rbx], 1", "C7 03 01 00 00 00")
}

func TestMovRegister(t *testing.T) {
	checkASM(t, "mov al, bl", "88 D8")
	checkASM(t, "mov ah, al", "88 C4")
	checkASM(t, "mov eax, ebx", "89 D8")
	checkASM(t, "mov rax, rbx", "48 89 D8")
	checkASM(t, "mov r15, rax", "49 89 C7")
	checkASM(t, "mov r8d, r9d", "45 89 C8")
	checkASM(t, "mov sil, al", "40 88 C6")
	checkASM(t, "mov ax, ds", "66 8C D8")
	checkASM(t, "mov ds, ax", "8E D8")
}

func TestMovMemory(t *testing.T) {
	checkASM(t, "mov eax, [rbx]", "8B 03")
	checkASM(t, "mov eax, [rbx+8]", "8B 43 08")
	checkASM(t, "mov eax, [rbx-8]", "8B 43 F8")
	checkASM(t, "mov eax, [rbx+0x100]", "8B 83 00 01 00 00")
	checkASM(t, "mov eax, [rbx+rcx*4]", "8B 04 8B")
	checkASM(t, "mov eax, [rbx+rcx*4+8]", "8B 44 8B 08")
	checkASM(t, "mov eax, [rcx*1]", "8B 01")
	checkASM(t, "mov eax, [4*rcx+0x100]", "8B 04 8D 00 01 00 00")
	checkASM(t, "mov eax, [rsp]", "8B 04 24")
	checkASM(t, "mov rax, [rsp+8]", "48 8B 44 24 08")
	checkASM(t, "mov eax, [rbp]", "8B 45 00")
	checkASM(t, "mov eax, [r13+8]", "41 8B 45 08")
	checkASM(t, "mov eax, [rbx+rsp]", "8B 04 1C")
	checkASM(t, "mov eax, [0x10]", "8B 04 25 10 00 00 00")
	checkASM(t, "mov eax, fs:[0x10]", "64 8B 04 25 10 00 00 00")
	checkASM(t, "mov eax, [esp]", "67 8B 04 24")
	checkASM(t, "mov [rbx+8], ecx", "89 4B 08")
}

func TestMemoryErrors(t *testing.T) {
	checkASMError(t, "mov eax, [rbx+ebx]")
	checkASMError(t, "mov eax, [rsp*2]")
	checkASMError(t, "mov eax, [rsp+rsp]")
	checkASMError(t, "mov eax, [rip+rbx*2]")
	checkASMError(t, "mov eax, [bx]")
	checkASMError(t, "mov eax, [xmm0]")
}

func TestArith(t *testing.T) {
	checkASM(t, "add al, bl", "00 D8")
	checkASM(t, "add eax, ebx", "01 D8")
	checkASM(t, "add ax, bx", "66 01 D8")
	checkASM(t, "add rax, rbx", "48 01 D8")
	checkASM(t, "add eax, 1", "83 C0 01")
	checkASM(t, "add eax, 0x1234", "05 34 12 00 00")
	checkASM(t, "add ecx, 0x1234", "81 C1 34 12 00 00")
	checkASM(t, "add eax, 0xffffffff", "05 FF FF FF FF")
	checkASM(t, "add rax, -1", "48 83 C0 FF")
	checkASM(t, "add [rbx], eax", "01 03")
	checkASM(t, "add eax, [rbx]", "03 03")
	checkASM(t, "sub eax, ebx", "29 D8")
	checkASM(t, "and eax, 0x0f", "83 E0 0F")
	checkASM(t, "xor eax, eax", "31 C0")
	checkASM(t, "xor rcx, rcx", "48 31 C9")
	checkASM(t, "cmp eax, 100", "83 F8 64")
	checkASMError(t, "add rax, 0x100000000")
}

// A mnemonic that happens to prefix a directive alias must assemble as
// an instruction. "or" prefixes the "org" alias.
func TestMnemonicDirectiveOverlap(t *testing.T) {
	check(t, X64, "\tmov eax, 1\n\tor eax, ebx\n", "B8 01 00 00 00 09 D8")
	checkASM(t, "or al, 1", "0C 01")
	checkASM(t, "and byte [rbx], 3", "80 23 03")
}

func TestTest(t *testing.T) {
	checkASM(t, "test al, bl", "84 D8")
	checkASM(t, "test eax, ebx", "85 D8")
	checkASM(t, "test al, 1", "A8 01")
	checkASM(t, "test eax, 0x100", "A9 00 01 00 00")
	checkASM(t, "test cl, 1", "F6 C1 01")
}

func TestShift(t *testing.T) {
	checkASM(t, "shl eax, 1", "C1 E0 01")
	checkASM(t, "shl al, 1", "C0 E0 01")
	checkASM(t, "sar rax, 63", "48 C1 F8 3F")
	checkASM(t, "shr ebx, 4", "C1 EB 04")
	checkASM(t, "shl eax, cl", "D3 E0")
	checkASM(t, "rol bl, 2", "C0 C3 02")
}

func TestUnary(t *testing.T) {
	checkASM(t, "not eax", "F7 D0")
	checkASM(t, "neg rax", "48 F7 D8")
	checkASM(t, "inc eax", "FF C0")
	checkASM(t, "dec eax", "FF C8")
	checkASM(t, "dec word [rbx]", "66 FF 0B")
	checkASM(t, "mul bl", "F6 E3")
	checkASM(t, "div rbx", "48 F7 F3")
}

func TestImul(t *testing.T) {
	checkASM(t, "imul ebx", "F7 EB")
	checkASM(t, "imul eax, ebx", "0F AF C3")
	checkASM(t, "imul eax, ebx, 3", "6B C3 03")
	checkASM(t, "imul eax, ebx, 0x1234", "69 C3 34 12 00 00")
}

func TestMovExtend(t *testing.T) {
	checkASM(t, "movzx eax, bl", "0F B6 C3")
	checkASM(t, "movzx eax, word [rbx]", "0F B7 03")
	checkASM(t, "movsx rax, bl", "48 0F BE C3")
	checkASM(t, "movsxd rax, ebx", "48 63 C3")
}

func TestLea(t *testing.T) {
	checkASM(t, "lea rax, [rbx+rcx*4+8]", "48 8D 44 8B 08")
	checkASM(t, "lea eax, [rbx+1]", "8D 43 01")
	checkASM(t, "lea rax, [rip+0x10]", "48 8D 05 10 00 00 00")
}

func TestRIPLabelDisplacement(t *testing.T) {
	// The displacement is patched relative to the instruction's end.
	check(t, X64, ""+
		"\tlea rax, [rip+msg]\n"+
		"msg:\t.byte 0x7f\n",
		"48 8D 05 00 00 00 00 7F")
	check(t, X64, ""+
		"msg:\t.byte 0x7f\n"+
		"\tlea rax, [rip+msg]\n",
		"7F 48 8D 05 F8 FF FF FF")
}

func TestPushPop(t *testing.T) {
	checkASM(t, "push rax", "50")
	checkASM(t, "push r9", "41 51")
	checkASM(t, "pop rbx", "5B")
	checkASM(t, "pop r12", "41 5C")
	checkASM(t, "push 1", "6A 01")
	checkASM(t, "push 0x1234", "68 34 12 00 00")
	checkASM(t, "push qword [rax]", "FF 30")
	checkASMError(t, "push [rax]") // operand size unknown
	checkASMError(t, "push eax")   // 32-bit push is invalid in 64-bit mode
}

func TestBit(t *testing.T) {
	checkASM(t, "bt eax, ebx", "0F A3 D8")
	checkASM(t, "bts eax, 7", "0F BA E8 07")
	checkASM(t, "popcnt eax, ebx", "F3 0F B8 C3")
	checkASM(t, "tzcnt rax, rbx", "F3 48 0F BC C3")
}

func TestBranch(t *testing.T) {
	check(t, X64, "top:\tnop\n\tjmp top\n", "90 EB FD")
	check(t, X64, "top:\tnop\n\tjne top\n", "90 75 FD")
	check(t, X64, "\tjmp done\n\tnop\ndone:\tret\n", "EB 01 90 C3")
	check(t, X64, "\tcall fn\nfn:\tret\n", "E8 00 00 00 00 C3")
	checkASM(t, "jmp rax", "FF E0")
	checkASM(t, "call rax", "FF D0")
	checkASM(t, "jmp qword [rbx]", "FF 23")
	checkASM(t, "ret", "C3")
	checkASM(t, "ret 4", "C2 04 00")
}

func TestBranchRelaxation(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("\tjmp done\n")
	for i := 0; i < 200; i++ {
		sb.WriteString("\tnop\n")
	}
	sb.WriteString("done:\tret\n")

	res, err := assemble(sb.String())
	if err != nil {
		t.Fatal(err)
	}
	want := append([]byte{0xe9, 0xc8, 0, 0, 0}, make([]byte, 201)...)
	for i := 5; i < 205; i++ {
		want[i] = 0x90
	}
	want[205] = 0xc3
	if got := fmt.Sprintf("% X", res.Code); got != fmt.Sprintf("% X", want) {
		t.Errorf("relaxation mismatch:\n got: %s", got)
	}
}

func TestCondFamilies(t *testing.T) {
	checkASM(t, "sete al", "0F 94 C0")
	checkASM(t, "setnz bl", "0F 95 C3")
	checkASM(t, "cmove eax, ebx", "0F 44 C3")
	checkASM(t, "cmovge rax, rbx", "48 0F 4D C3")
}

func TestNoOperand(t *testing.T) {
	checkASM(t, "nop", "90")
	checkASM(t, "int3", "CC")
	checkASM(t, "int 0x80", "CD 80")
	checkASM(t, "syscall", "0F 05")
	checkASM(t, "cpuid", "0F A2")
	checkASM(t, "leave", "C9")
	checkASM(t, "pause", "F3 90")
	checkASM(t, "ud2", "0F 0B")
	checkASM(t, "cdq", "99")
	checkASM(t, "cqo", "48 99")
	checkASM(t, "cwd", "66 99")
}

func TestStringOps(t *testing.T) {
	checkASM(t, "movsb", "A4")
	checkASM(t, "rep movsb", "F3 A4")
	checkASM(t, "rep stosq", "F3 48 AB")
	checkASM(t, "repne scasb", "F2 AE")
	checkASM(t, "movsd", "A5")
	checkASM(t, "movsd xmm0, [rbx]", "F2 0F 10 03")
}

func TestLockPrefix(t *testing.T) {
	checkASM(t, "lock add [rbx], eax", "F0 01 03")
	checkASM(t, "lock inc dword [rbx]", "F0 FF 03")
	checkASM(t, "xchg [rbx], eax", "87 03")
	checkASM(t, "lock xchg [rbx], eax", "F0 87 03")
	checkASMError(t, "lock add eax, ebx")
	checkASMError(t, "rep add eax, ebx")
}

func TestSSE(t *testing.T) {
	checkASM(t, "movss xmm0, [rbx]", "F3 0F 10 03")
	checkASM(t, "movss [rbx], xmm0", "F3 0F 11 03")
	checkASM(t, "movaps xmm0, xmm1", "0F 28 C1")
	checkASM(t, "movaps [rbx], xmm3", "0F 29 1B")
	checkASM(t, "movaps xmm8, xmm1", "44 0F 28 C1")
	checkASM(t, "movdqa xmm0, [rbx]", "66 0F 6F 03")
	checkASM(t, "movdqu xmm2, [rsp]", "F3 0F 6F 14 24")
	checkASM(t, "movd xmm0, eax", "66 0F 6E C0")
	checkASM(t, "movq xmm0, rax", "66 48 0F 6E C0")
	checkASM(t, "addsd xmm1, xmm2", "F2 0F 58 CA")
	checkASM(t, "mulss xmm0, [rbx]", "F3 0F 59 03")
	checkASM(t, "xorps xmm0, xmm0", "0F 57 C0")
	checkASM(t, "pxor xmm1, xmm1", "66 0F EF C9")
	checkASM(t, "ucomisd xmm0, xmm1", "66 0F 2E C1")
	checkASM(t, "cvtsi2sd xmm0, rax", "F2 48 0F 2A C0")
	checkASM(t, "cvttsd2si eax, xmm1", "F2 0F 2C C1")
	checkASM(t, "sqrtsd xmm0, xmm0", "F2 0F 51 C0")
}

func TestVEX(t *testing.T) {
	checkASM(t, "vzeroupper", "C5 F8 77")
	checkASM(t, "vaddps ymm0, ymm1, ymm2", "C5 F4 58 C2")
	checkASM(t, "vpxor xmm0, xmm1, xmm2", "C5 F1 EF C2")
	checkASM(t, "vmovdqu ymm1, [rbx]", "C5 FE 6F 0B")
	checkASM(t, "vaddsd xmm0, xmm1, [rbx]", "C5 F3 58 03")
	checkASM(t, "vmovaps ymm0, ymm1", "C5 FC 28 C1")
	// Extension bits force the three-byte prefix.
	checkASM(t, "vaddps ymm0, ymm1, [r8]", "C4 C1 74 58 00")
}

func TestMode32(t *testing.T) {
	checkASM32(t, "mov eax, 1", "B8 01 00 00 00")
	checkASM32(t, "mov eax, [ebx]", "8B 03")
	checkASM32(t, "mov eax, [ebx+ecx*4]", "8B 04 8B")
	checkASM32(t, "mov eax, [0x10]", "8B 05 10 00 00 00")
	checkASM32(t, "push eax", "50")
	checkASM32(t, "inc eax", "FF C0")
	checkASM32(t, "jmp eax", "FF E0")
	checkASM32(t, "add eax, ebx", "01 D8")
}

func TestMode32Rejections(t *testing.T) {
	if _, ok := X86.RegByName("rax"); ok {
		t.Error("expected rax to be unknown in 32-bit mode")
	}
	if _, ok := X86.RegByName("r8d"); ok {
		t.Error("expected r8d to be unknown in 32-bit mode")
	}
	if _, ok := X86.RegByName("spl"); ok {
		t.Error("expected spl to be unknown in 32-bit mode")
	}
	if _, ok := X86.RegByName("rip"); ok {
		t.Error("expected rip to be unknown in 32-bit mode")
	}

	b := asm.NewBuilder(asm.WithArch(X86))
	b.Inst("mov", RAX, asm.ImmVal(1))
	if _, err := b.Assemble(); !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("expected encoding error, got: %v", err)
	}

	b = asm.NewBuilder(asm.WithArch(X86))
	b.Inst("mov", BL, SPL)
	if _, err := b.Assemble(); !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("expected encoding error, got: %v", err)
	}

	b = asm.NewBuilder(asm.WithArch(X86))
	b.Inst("syscall")
	if _, err := b.Assemble(); !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("expected encoding error, got: %v", err)
	}
}

func TestHighByteRexConflict(t *testing.T) {
	b := asm.NewBuilder(asm.WithArch(X64))
	b.Inst("mov", AH, SPL)
	if _, err := b.Assemble(); !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("expected encoding error, got: %v", err)
	}

	b = asm.NewBuilder(asm.WithArch(X64))
	b.Inst("mov", AH, R8B)
	if _, err := b.Assemble(); !errors.Is(err, asm.ErrUnsupportedEncoding) {
		t.Errorf("expected encoding error, got: %v", err)
	}
}

func TestAmbiguousSize(t *testing.T) {
	checkASMError(t, "inc [rbx]")
	checkASMError(t, "mov [rbx], 1")
	checkASMError(t, "add [rbx], 5")
	checkASM(t, "inc byte [rbx]", "FE 03")
	checkASM(t, "add dword [rbx], 5", "83 03 05")
}

func TestFunction(t *testing.T) {
	check(t, X64, ""+
		"fn:\tpush rbp\n"+
		"\tmov rbp, rsp\n"+
		"\tmov eax, 1\n"+
		".loop:\tadd eax, eax\n"+
		"\tcmp eax, 100\n"+
		"\tjl .loop\n"+
		"\tpop rbp\n"+
		"\tret\n",
		"55 48 89 E5 B8 01 00 00 00 01 C0 83 F8 64 7C F9 5D C3")
}

func TestBuilderX64(t *testing.T) {
	b := asm.NewBuilder(asm.WithArch(X64))
	b.Inst("mov", EAX, asm.ImmVal(1)).
		Inst("add", EAX, EBX).
		Inst("mov", asm.Mem{Base: RBX, Disp: asm.Lit(8, 8)}, EAX).
		Inst("ret")
	res, err := b.Assemble()
	if err != nil {
		t.Fatal(err)
	}
	want := "B8 01 00 00 00 01 D8 89 43 08 C3"
	if got := fmt.Sprintf("% X", res.Code); got != want {
		t.Errorf("builder output mismatch:\n got: %s\nwant: %s", got, want)
	}
}

type hostValue struct {
	tok   string
	width uint
}

func (h hostValue) Token() any  { return h.tok }
func (h hostValue) Width() uint { return h.width }

func TestExternalRelocation(t *testing.T) {
	res, err := assemble("\tmov eax, {0}\n", asm.WithExprs(asm.Wrap(hostValue{"h0", 32})))
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("% X", res.Code); got != "B8 00 00 00 00" {
		t.Errorf("unexpected code: %s", got)
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}
	r := res.Relocs[0]
	if r.Offset != 1 || r.Width != 4 || r.Rel {
		t.Errorf("unexpected relocation: %+v", r)
	}
}

func TestExternalBranchRelocation(t *testing.T) {
	res, err := assemble("\tnop\n\tjmp {0}\n", asm.WithExprs(asm.Wrap(hostValue{"fn", 64})))
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("% X", res.Code); got != "90 E9 00 00 00 00" {
		t.Errorf("unexpected code: %s", got)
	}
	if len(res.Relocs) != 1 {
		t.Fatalf("expected 1 relocation, got %d", len(res.Relocs))
	}
	r := res.Relocs[0]
	if r.Offset != 2 || r.Width != 4 || !r.Rel || r.PC != 6 {
		t.Errorf("unexpected relocation: %+v", r)
	}
}
