// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"encoding/json"
	"io"
	"sort"
)

// A SourceMap describes the mapping between output buffer offsets and
// the source code lines that produced them. It also lists every global
// label with its resolved address.
type SourceMap struct {
	Files  []string
	Lines  []SourceLine
	Labels []LabelAddr
}

// A SourceLine represents a mapping between an output buffer offset
// and the source code file and line number used to generate it.
type SourceLine struct {
	Offset    int // output buffer offset
	FileIndex int // source code file index
	Line      int // source code line number
}

// A LabelAddr records the resolved address of a global label.
type LabelAddr struct {
	Name    string
	Address int64
}

// Search returns the source file and line that produced the byte at
// the requested buffer offset, or ("", -1) if the offset lies outside
// the map.
func (s *SourceMap) Search(offset int) (filename string, line int) {
	i := sort.Search(len(s.Lines), func(i int) bool {
		return s.Lines[i].Offset > offset
	})
	if i == 0 {
		return "", -1
	}
	l := s.Lines[i-1]
	return s.Files[l.FileIndex], l.Line
}

// ReadFrom reads the contents of an exported source map file.
func (s *SourceMap) ReadFrom(r io.Reader) (n int64, err error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	err = json.Unmarshal(b, s)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

// WriteTo writes the contents of the source map to an output stream.
func (s *SourceMap) WriteTo(w io.Writer) (n int64, err error) {
	b, err := json.Marshal(*s)
	if err != nil {
		return 0, err
	}

	nn, err := w.Write(b)
	return int64(nn), err
}

// addLine records that output starting at the given buffer offset was
// produced by the given source line. Consecutive bytes from the same
// line collapse into one entry.
func (s *SourceMap) addLine(offset int, line fstring) {
	if line.full == "" {
		return
	}
	if n := len(s.Lines); n > 0 {
		last := s.Lines[n-1]
		if last.FileIndex == line.fileIndex && last.Line == line.row {
			return
		}
	}
	s.Lines = append(s.Lines, SourceLine{
		Offset:    offset,
		FileIndex: line.fileIndex,
		Line:      line.row,
	})
}

// buildSourceMap finalizes the session's source map after generation,
// attaching the resolved global label addresses.
func (s *session) buildSourceMap() *SourceMap {
	m := s.smap
	m.Files = s.files
	for _, l := range s.labels.labels {
		if !l.defined || !l.reloff || len(l.name) > 0 && l.name[0] == '~' {
			continue
		}
		m.Labels = append(m.Labels, LabelAddr{Name: l.name, Address: l.offset})
	}
	sort.Slice(m.Labels, func(i, j int) bool {
		if m.Labels[i].Address != m.Labels[j].Address {
			return m.Labels[i].Address < m.Labels[j].Address
		}
		return m.Labels[i].Name < m.Labels[j].Name
	})
	return m
}
