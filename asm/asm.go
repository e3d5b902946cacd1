// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm implements the core of a dynamic assembler. It turns a
// textual or programmatic description of machine instructions into a
// byte buffer plus the list of relocations a host environment must
// patch before using the bytes. Architecture backends plug in through
// the Arch interface.
package asm

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

//
// architecture registry
//

var archRegistry = struct {
	sync.RWMutex
	m map[string]Arch
}{m: make(map[string]Arch)}

// RegisterArch makes an architecture backend available by name, for
// use by the WithArchName option and the .arch directive. Backends
// register themselves from their package init functions.
func RegisterArch(name string, arch Arch) {
	archRegistry.Lock()
	defer archRegistry.Unlock()
	archRegistry.m[name] = arch
}

func archByName(name string) (Arch, bool) {
	archRegistry.RLock()
	defer archRegistry.RUnlock()
	a, ok := archRegistry.m[name]
	return a, ok
}

//
// options
//

const defaultMaxPasses = 16

// An Option adjusts the behavior of an assembly session.
type Option func(*session)

// WithArch selects the architecture backend. The default is the
// registered "x64" backend, if any.
func WithArch(a Arch) Option {
	return func(s *session) { s.arch = a }
}

// WithArchName selects a registered architecture backend by name.
// Unknown names leave the default in place; Assemble fails if no
// backend is ultimately selected.
func WithArchName(name string) Option {
	return func(s *session) {
		if a, ok := archByName(name); ok {
			s.arch = a
		}
	}
}

// WithOrigin sets the address assigned to the first emitted byte.
// Label offsets are relative to it.
func WithOrigin(origin int64) Option {
	return func(s *session) { s.origin = origin }
}

// WithMaxPasses bounds the layout loop. Exceeding the bound fails the
// assembly with ErrNonConvergent.
func WithMaxPasses(n int) Option {
	return func(s *session) { s.maxPasses = n }
}

// WithLogger supplies a logger for per-pass progress output. The
// default logger discards everything.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *session) { s.log = log }
}

// WithExprs supplies host expressions bound to the {n} placeholder
// operands of textual source: {0} refers to the first expression, and
// so on.
func WithExprs(exprs ...*Expr) Option {
	return func(s *session) { s.exprs = exprs }
}

//
// session
//

// A session owns all state for one assembly: the layout item sequence,
// the label table, and the output buffer. Nothing is shared between
// sessions, so independent sessions may run concurrently.
type session struct {
	arch      Arch
	origin    int64
	maxPasses int
	log       logrus.FieldLogger
	exprs     []*Expr

	r          io.Reader
	files      []string
	scopeLabel string
	exprParser exprParser

	items  []item
	labels *labelTable
	consts map[string]*Expr
	errors ErrorList

	buf     buffer
	smap    *SourceMap
	pending []Relocation // all relocations, in buffer-offset space
	relocs  []Relocation // external relocations surfaced to the host
}

func newSession(opts []Option) *session {
	s := &session{
		maxPasses: defaultMaxPasses,
		labels:    newLabelTable(),
		consts:    make(map[string]*Expr),
		smap:      new(SourceMap),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.arch == nil {
		if a, ok := archByName("x64"); ok {
			s.arch = a
		}
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		s.log = l
	}
	return s
}

// Assemble reads assembly source from r and assembles it for the
// session's architecture. On success it returns the machine code and
// the external relocations the host must patch. On failure it returns
// an ErrorList or a single structured error; no partial output is ever
// returned.
func Assemble(r io.Reader, filename string, opts ...Option) (*Result, error) {
	s := newSession(opts)
	s.r = r
	s.files = []string{filename}

	steps := []func(*session) error{
		(*session).parse,       // parse the assembly source into layout items
		(*session).checkLabels, // reject references to undefined labels
		(*session).layout,      // fixed-point offset and size assignment
		(*session).generate,    // emit bytes and resolve relocations
	}
	return s.run(steps)
}

// Eval parses and evaluates a constant expression using the
// assembler's expression syntax, for host tooling such as the
// interactive shell. Labels and placeholders are not in scope.
func Eval(src string) (int64, error) {
	s := newSession(nil)
	e, remain, err := s.exprParser.parse(newFstring(0, 1, src), s)
	switch {
	case err != nil:
		if len(s.exprParser.errors) > 0 {
			return 0, &Error{Kind: ErrSyntax, Msg: s.exprParser.errors[0].msg}
		}
		return 0, err
	case !remain.isEmpty():
		return 0, &Error{Kind: ErrSyntax, Msg: "unexpected characters in expression"}
	}
	return e.Eval()
}

// run executes assembly steps in order, stopping at the first step
// that fails or that leaves accumulated errors behind.
func (s *session) run(steps []func(*session) error) (*Result, error) {
	if s.arch == nil {
		return nil, fmt.Errorf("no architecture backend selected")
	}
	for _, step := range steps {
		err := step(s)
		if len(s.errors) > 0 {
			return nil, s.errors
		}
		if err != nil {
			return nil, err
		}
	}
	return &Result{
		Code:      s.buf.b,
		Relocs:    s.relocs,
		Origin:    s.origin,
		SourceMap: s.buildSourceMap(),
	}, nil
}

// parse reads the assembly source line by line, building the layout
// item sequence.
func (s *session) parse() error {
	s.log.Debug("parsing assembly source")

	scanner := bufio.NewScanner(s.r)
	row := 1
	for scanner.Scan() {
		line := newFstring(0, row, scanner.Text())
		s.parseLine(line.stripTrailingComment())
		row++
	}
	return scanner.Err()
}

// checkLabels verifies that every referenced label has a definition.
func (s *session) checkLabels() error {
	for _, l := range s.labels.unresolved() {
		pos := Pos{}
		if len(l.refs) > 0 {
			pos = l.refs[0]
		}
		s.errorAt(pos, ErrUnresolvedLabel, "label '%s' referenced but never defined", displayLabel(l.name))
	}
	return nil
}

//
// error helpers
//

// pos converts a source fragment into a public error position.
func (s *session) pos(line fstring) Pos {
	file := ""
	if line.fileIndex < len(s.files) {
		file = s.files[line.fileIndex]
	}
	return Pos{File: file, Row: line.row, Column: line.column}
}

// addError records a syntax error at a source position.
func (s *session) addError(line fstring, format string, args ...any) {
	s.errorAt(s.pos(line), ErrSyntax, format, args...)
}

func (s *session) errorAt(pos Pos, kind error, format string, args ...any) {
	e := &Error{Kind: kind, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	s.errors = append(s.errors, e)
	s.log.WithField("pos", pos.String()).Debug(e.Msg)
}

// addExprErrors folds the expression parser's errors into the
// session's error state.
func (s *session) addExprErrors() {
	for _, e := range s.exprParser.errors {
		s.addError(e.line, "%s", e.msg)
	}
	s.exprParser.errors = nil
}

// displayLabel strips the internal scope prefix from a local label
// name for diagnostics.
func displayLabel(name string) string {
	if len(name) > 0 && name[0] == '~' {
		for i := 1; i < len(name); i++ {
			if name[i] == '.' || name[i] == '@' {
				return name[i:]
			}
		}
	}
	return name
}

//
// Builder
//

// A Builder constructs a layout item sequence programmatically,
// bypassing the text parser. It is the primary entry point for
// embedding: instructions, operands and expressions are built directly
// as values.
type Builder struct {
	s *session
}

// NewBuilder returns an empty Builder.
func NewBuilder(opts ...Option) *Builder {
	return &Builder{s: newSession(opts)}
}

// Label defines a label at the current position in the item sequence.
func (b *Builder) Label(name string) *Builder {
	s := b.s
	idx := len(s.items)
	if !s.labels.define(name, idx, fstring{}) {
		s.errorAt(Pos{Item: idx}, ErrDuplicateLabel, "label '%s' used more than once", name)
		return b
	}
	s.items = append(s.items, &labelItem{name: name})
	return b
}

// Inst appends one instruction.
func (b *Builder) Inst(mnemonic string, args ...Arg) *Builder {
	s := b.s
	inst := Inst{Mnemonic: mnemonic, Args: args, pos: Pos{Item: len(s.items)}}
	for _, arg := range args {
		if ref, ok := arg.(LabelRef); ok {
			s.labels.reference(ref.Name, inst.pos)
		}
	}
	s.items = append(s.items, &instItem{inst: inst})
	return b
}

// Prefixed appends one instruction carrying a lock or repeat prefix.
func (b *Builder) Prefixed(prefix, mnemonic string, args ...Arg) *Builder {
	s := b.s
	inst := Inst{Mnemonic: mnemonic, Args: args, Prefix: prefix, pos: Pos{Item: len(s.items)}}
	for _, arg := range args {
		if ref, ok := arg.(LabelRef); ok {
			s.labels.reference(ref.Name, inst.pos)
		}
	}
	s.items = append(s.items, &instItem{inst: inst})
	return b
}

// Data appends expressions emitted as fields of the given byte width.
func (b *Builder) Data(width uint8, exprs ...*Expr) *Builder {
	s := b.s
	d := &dataItem{unit: width}
	pos := Pos{Item: len(s.items)}
	for _, e := range exprs {
		if name, ok := e.labelName(); ok {
			s.labels.reference(name, pos)
		}
		d.units = append(d.units, dataUnit{expr: e})
	}
	s.items = append(s.items, d)
	return b
}

// Bytes appends raw bytes.
func (b *Builder) Bytes(p []byte) *Builder {
	d := &dataItem{unit: 1, units: []dataUnit{{str: p}}}
	b.s.items = append(b.s.items, d)
	return b
}

// Align pads the output with fill bytes to the next multiple of align.
func (b *Builder) Align(align int, fill byte) *Builder {
	b.s.items = append(b.s.items, &alignItem{align: align, fill: fill})
	return b
}

// LabelExpr returns an expression referencing a label defined in this
// builder, for use inside Data fields.
func (b *Builder) LabelExpr(name string, width uint) *Expr {
	return labelRef(name, width, fstring{})
}

// Assemble lays out and encodes the accumulated items.
func (b *Builder) Assemble() (*Result, error) {
	steps := []func(*session) error{
		(*session).checkLabels,
		(*session).layout,
		(*session).generate,
	}
	return b.s.run(steps)
}
