package asm

import "encoding/binary"

// A Relocation marks a byte range in the output that was not fully
// determined when its bytes were emitted. Internal relocations (label
// references) are patched by the resolver and never surfaced. External
// relocations carry an expression still containing opaque host values;
// the host alone can patch them.
type Relocation struct {
	Offset int   // byte offset of the field within the output
	Width  uint8 // field width in bytes
	Rel    bool  // field value is relative to PC
	PC     int64 // offset just past the emitting instruction
	Expr   *Expr // unevaluated payload
}

// A Result is the immutable output of one assembly: the machine code
// bytes and the ordered external relocations the host must patch
// before using them. The source map ties output offsets back to
// source lines for diagnostics and tooling.
type Result struct {
	Code      []byte
	Relocs    []Relocation
	Origin    int64
	SourceMap *SourceMap
}

// A buffer accumulates output bytes in little-endian order. Appends
// are amortized O(1); the buffer owns its storage exclusively until
// the session finalizes it into a Result.
type buffer struct {
	b []byte
}

func (b *buffer) len() int { return len(b.b) }

func (b *buffer) byte(v byte) { b.b = append(b.b, v) }

func (b *buffer) bytes(v []byte) { b.b = append(b.b, v...) }

func (b *buffer) int8(v int8) { b.b = append(b.b, byte(v)) }

func (b *buffer) int16(v int16) {
	b.b = binary.LittleEndian.AppendUint16(b.b, uint16(v))
}

func (b *buffer) int32(v int32) {
	b.b = binary.LittleEndian.AppendUint32(b.b, uint32(v))
}

func (b *buffer) int64(v int64) {
	b.b = binary.LittleEndian.AppendUint64(b.b, uint64(v))
}

// int emits a signed value as a field of the given byte width.
func (b *buffer) int(v int64, width uint8) {
	switch width {
	case 1:
		b.int8(int8(v))
	case 2:
		b.int16(int16(v))
	case 4:
		b.int32(int32(v))
	case 8:
		b.int64(v)
	default:
		panic("invalid field width")
	}
}

// patch overwrites a previously emitted field in place.
func (b *buffer) patch(off int, v int64, width uint8) {
	switch width {
	case 1:
		b.b[off] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b.b[off:], uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b.b[off:], uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b.b[off:], uint64(v))
	default:
		panic("invalid field width")
	}
}
