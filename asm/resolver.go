// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// The resolver assigns offsets to layout items by iterating full
// passes over the item sequence until no offset or instruction size
// changes. Encoders must choose sizes that never grow as label
// distances settle, which makes the pass count bounded by the number
// of size-ambiguous instructions.

// layout runs layout passes until a fixed point is reached. It fails
// with ErrNonConvergent if an instruction grows between passes or the
// pass bound is exceeded.
func (s *session) layout() error {
	for pass := 1; ; pass++ {
		if pass > s.maxPasses {
			return &Error{
				Kind: ErrNonConvergent,
				Msg:  "layout did not converge within the pass bound",
			}
		}
		changed, err := s.layoutPass(pass)
		if err != nil {
			return err
		}
		if !changed {
			s.log.WithField("passes", pass).Debug("layout converged")
			return nil
		}
	}
}

// layoutPass walks the item sequence once, assigning each item an
// offset and each instruction a size. It reports whether anything
// moved relative to the previous pass.
func (s *session) layoutPass(pass int) (changed bool, err error) {
	log := s.log.WithField("pass", pass)
	pc := s.origin

	for _, it := range s.items {
		switch t := it.(type) {
		case *labelItem:
			if t.off != pc {
				changed = true
				t.off = pc
			}
			s.labels.assign(t.name, pc)

		case *instItem:
			if t.off != pc {
				changed = true
				t.off = pc
			}
			enc, encErr := s.arch.Encode(&t.inst, pc, s.labels)
			if encErr != nil {
				s.errorAt(s.instPos(t), ErrUnsupportedEncoding, "%s: %v", t.inst.Mnemonic, encErr)
				return false, nil
			}
			n := len(enc.Bytes)
			switch {
			case t.size == 0:
				t.size, changed = n, true
			case n < t.size:
				log.WithField("inst", t.inst.Mnemonic).Tracef("size %d -> %d", t.size, n)
				t.size, changed = n, true
			case n > t.size:
				return false, &Error{
					Kind: ErrNonConvergent,
					Pos:  s.instPos(t),
					Msg:  "instruction size grew between layout passes",
				}
			}
			pc += int64(t.size)

		case *dataItem:
			if t.off != pc {
				changed = true
				t.off = pc
			}
			pc += int64(t.size())

		case *alignItem:
			if t.off != pc {
				changed = true
				t.off = pc
			}
			pad := int(int64(t.align) - pc%int64(t.align))
			if pad == t.align {
				pad = 0
			}
			if pad != t.pad {
				changed = true
				t.pad = pad
			}
			pc += int64(t.pad)
		}
	}
	return changed, nil
}

// instPos returns the error position for an instruction item, using
// its source line when parsed from text.
func (s *session) instPos(t *instItem) Pos {
	if t.line.full != "" {
		return s.pos(t.line)
	}
	return t.inst.pos
}

// generate performs the final emission pass. Offsets are stable now:
// label references resolve to concrete values, internal relocations
// are patched in place, and relocations still carrying opaque host
// values are surfaced as external.
func (s *session) generate() error {
	s.log.Debug("generating code")

	for _, it := range s.items {
		switch t := it.(type) {
		case *labelItem:
			// already assigned during layout

		case *instItem:
			enc, err := s.arch.Encode(&t.inst, t.off, s.labels)
			if err != nil {
				s.errorAt(s.instPos(t), ErrUnsupportedEncoding, "%s: %v", t.inst.Mnemonic, err)
				return nil
			}
			if len(enc.Bytes) != t.size {
				return &Error{
					Kind: ErrNonConvergent,
					Pos:  s.instPos(t),
					Msg:  "instruction size changed after layout convergence",
				}
			}
			start := s.buf.len()
			s.smap.addLine(start, t.line)
			s.log.WithField("offset", start).Tracef("%-8s %s", t.inst.Mnemonic, byteString(enc.Bytes))
			s.buf.bytes(enc.Bytes)
			for _, r := range enc.Relocs {
				r.Offset += start
				r.PC = t.off + int64(t.size)
				s.pending = append(s.pending, r)
			}

		case *dataItem:
			s.smap.addLine(s.buf.len(), t.line)
			for _, u := range t.units {
				if u.str != nil {
					s.buf.bytes(u.str)
					continue
				}
				v, err := u.expr.eval(s.labels)
				switch {
				case err == nil:
					s.buf.int(v, t.unit)
				default:
					r := Relocation{
						Offset: s.buf.len(),
						Width:  t.unit,
						Expr:   u.expr,
					}
					s.buf.int(0, t.unit)
					s.pending = append(s.pending, r)
				}
			}

		case *alignItem:
			s.smap.addLine(s.buf.len(), t.line)
			for i := 0; i < t.pad; i++ {
				s.buf.byte(t.fill)
			}
		}
	}

	return s.resolveRelocations()
}

// resolveRelocations patches every relocation whose expression now
// evaluates, and surfaces the rest to the host. A relocation that
// still references an unknown label is a hard error; one that still
// holds an opaque host value becomes part of the output.
func (s *session) resolveRelocations() error {
	for _, r := range s.pending {
		e := r.Expr.resolve(s.labels)
		v, err := e.Eval()
		switch {
		case err == nil:
			if r.Rel {
				v -= r.PC
			}
			s.buf.patch(r.Offset, v, r.Width)
		case e.hasOpaque():
			r.Expr = e
			s.relocs = append(s.relocs, r)
			s.log.WithField("offset", r.Offset).Debugf("external relocation: %s", e)
		default:
			s.errorAt(s.pos(r.Expr.line), ErrUnresolvedLabel,
				"unresolved reference in expression '%s'", r.Expr)
		}
	}
	return nil
}
