// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors describing the kinds of failure the assembler can
// report. Use errors.Is to classify an error returned by Assemble or
// by a Session.
var (
	ErrSyntax              = errors.New("syntax error")
	ErrDuplicateLabel      = errors.New("duplicate label")
	ErrUnresolvedLabel     = errors.New("unresolved label")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrNonConvergent       = errors.New("layout failed to converge")

	// ErrUnevaluable is returned by Expr.Eval when the expression
	// tree still contains an opaque handle or an unresolved label.
	// The encoder treats it as the signal to emit a relocation.
	ErrUnevaluable = errors.New("expression is unevaluable")
)

// A Pos locates an error in the assembler's input. For text input it
// carries the file name and 1-based row. For programmatic input it
// carries the index of the offending layout item.
type Pos struct {
	File   string
	Row    int
	Column int
	Item   int
}

func (p Pos) String() string {
	if p.File != "" {
		return fmt.Sprintf("%s:%d:%d", p.File, p.Row, p.Column+1)
	}
	return fmt.Sprintf("item %d", p.Item)
}

// An Error is a structured assembly error. It wraps one of the
// package's sentinel errors, so errors.Is may be used to test its kind.
type Error struct {
	Kind error  // one of the sentinel errors above
	Pos  Pos    // input position of the failure
	Msg  string // human-readable detail
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// An ErrorList collects every error found during a single assembly.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	default:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d errors:", len(l))
		for _, e := range l {
			sb.WriteString("\n\t")
			sb.WriteString(e.Error())
		}
		return sb.String()
	}
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}
