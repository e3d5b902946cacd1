// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// A LabelView resolves scoped label names to buffer offsets. The
// resolver provides one to the encoder on every pass; offsets from a
// prior pass remain visible through it until the current pass
// reassigns them.
type LabelView interface {
	LabelOffset(name string) (int64, bool)
}

// A label tracks one identifier from its first mention to its resolved
// offset. A label may be referenced before it is defined; it moves from
// undefined to defined exactly once.
type label struct {
	name    string  // scoped label name
	defined bool    // a definition site has been seen
	item    int     // index of the defining layout item
	offset  int64   // assigned buffer offset, valid once assigned
	reloff  bool    // offset has been assigned by a layout pass
	refs    []Pos   // positions of references, for diagnostics
	line    fstring // definition site, for diagnostics
}

// A labelTable is the per-session registry of labels. Each assembly
// session owns exactly one; nothing is shared across sessions.
type labelTable struct {
	labels map[string]*label
}

func newLabelTable() *labelTable {
	return &labelTable{labels: make(map[string]*label)}
}

// define records a label definition site. Defining the same name twice
// reports false; the caller raises a duplicate-label error.
func (t *labelTable) define(name string, item int, line fstring) bool {
	l := t.get(name)
	if l.defined {
		return false
	}
	l.defined = true
	l.item = item
	l.line = line
	return true
}

// reference records a referencing site for a label that may not be
// defined yet.
func (t *labelTable) reference(name string, pos Pos) {
	l := t.get(name)
	l.refs = append(l.refs, pos)
}

// assign sets the label's offset for the current layout pass.
func (t *labelTable) assign(name string, offset int64) {
	l := t.get(name)
	l.offset = offset
	l.reloff = true
}

// get returns the entry for a name, creating it on first mention.
func (t *labelTable) get(name string) *label {
	l, ok := t.labels[name]
	if !ok {
		l = &label{name: name}
		t.labels[name] = l
	}
	return l
}

// LabelOffset implements LabelView. A label resolves only once it is
// both defined and positioned by a layout pass.
func (t *labelTable) LabelOffset(name string) (int64, bool) {
	l, ok := t.labels[name]
	if !ok || !l.defined || !l.reloff {
		return 0, false
	}
	return l.offset, true
}

// unresolved returns every label that was referenced but never
// defined, in no particular order.
func (t *labelTable) unresolved() []*label {
	var missing []*label
	for _, l := range t.labels {
		if !l.defined && len(l.refs) > 0 {
			missing = append(missing, l)
		}
	}
	return missing
}
