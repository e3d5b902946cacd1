// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// An item is one unit of the parser's output. The ordered item
// sequence is the emission order: it equals the final buffer order.
// Each item tracks the buffer offset most recently assigned to it by a
// layout pass.
type item interface {
	address() int64
}

// An instItem holds a single machine instruction awaiting encoding.
// Its size may shrink as label offsets settle across layout passes; it
// must never grow.
type instItem struct {
	off  int64 // offset assigned by the latest layout pass
	size int   // encoded size chosen by the latest layout pass
	inst Inst
	line fstring
}

func (i *instItem) address() int64 { return i.off }

// A labelItem marks a label definition site.
type labelItem struct {
	off  int64
	name string // scoped label name
	line fstring
}

func (l *labelItem) address() int64 { return l.off }

// A dataUnit is one element of a data directive: either an expression
// emitted as a fixed-width field, or a string literal emitted verbatim.
type dataUnit struct {
	expr *Expr
	str  []byte
}

// A dataItem emits one or more expressions as fixed-width fields.
type dataItem struct {
	off   int64
	unit  uint8 // field width in bytes: 1, 2, 4 or 8
	units []dataUnit
	line  fstring
}

func (d *dataItem) address() int64 { return d.off }

func (d *dataItem) size() int {
	n := 0
	for _, u := range d.units {
		if u.str != nil {
			n += len(u.str)
		} else {
			n += int(d.unit)
		}
	}
	return n
}

// An alignItem pads the buffer to the next multiple of align.
type alignItem struct {
	off   int64
	align int
	fill  byte
	pad   int // pad size computed by the latest layout pass
	line  fstring
}

func (a *alignItem) address() int64 { return a.off }
