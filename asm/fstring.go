// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

// An fstring is a string fragment that keeps track of its position
// within the source file from which it was read.
type fstring struct {
	fileIndex int    // index of file in the assembly
	row       int    // 1-based line number of substring
	column    int    // 0-based column of start of substring
	str       string // the actual substring of interest
	full      string // the full line as originally read from the file
}

func newFstring(fileIndex, row int, str string) fstring {
	return fstring{fileIndex, row, 0, str, str}
}

func (l fstring) String() string {
	return l.str
}

// advanceColumn computes the column reached after consuming n bytes,
// expanding tabs to 8-column stops.
func (l fstring) advanceColumn(n int) int {
	c := l.column
	for i := 0; i < n; i++ {
		if l.str[i] == '\t' {
			c += 8 - (c % 8)
		} else {
			c++
		}
	}
	return c
}

func (l fstring) consume(n int) fstring {
	col := l.advanceColumn(n)
	return fstring{l.fileIndex, l.row, col, l.str[n:], l.full}
}

func (l fstring) trunc(n int) fstring {
	return fstring{l.fileIndex, l.row, l.column, l.str[:n], l.full}
}

func (l fstring) isEmpty() bool {
	return len(l.str) == 0
}

func (l fstring) startsWith(fn func(c byte) bool) bool {
	return len(l.str) > 0 && fn(l.str[0])
}

func (l fstring) startsWithChar(c byte) bool {
	return len(l.str) > 0 && l.str[0] == c
}

func (l fstring) startsWithString(s string) bool {
	return len(l.str) >= len(s) && l.str[:len(s)] == s
}

func (l fstring) consumeWhitespace() fstring {
	_, remain := l.consumeWhile(whitespace)
	return remain
}

// consumeWhile splits the fragment at the first byte failing the
// predicate.
func (l fstring) consumeWhile(fn func(c byte) bool) (consumed, remain fstring) {
	i := 0
	for ; i < len(l.str) && fn(l.str[i]); i++ {
	}
	return l.trunc(i), l.consume(i)
}

// consumeUntil splits the fragment at the first byte satisfying the
// predicate.
func (l fstring) consumeUntil(fn func(c byte) bool) (consumed, remain fstring) {
	i := 0
	for ; i < len(l.str) && !fn(l.str[i]); i++ {
	}
	return l.trunc(i), l.consume(i)
}

func (l fstring) consumeUntilChar(c byte) (consumed, remain fstring) {
	i := 0
	for ; i < len(l.str) && l.str[i] != c; i++ {
	}
	return l.trunc(i), l.consume(i)
}

// consumeUntilUnquotedChar splits at the first occurrence of c outside
// a quoted string.
func (l fstring) consumeUntilUnquotedChar(c byte) (consumed, remain fstring) {
	var quote byte
	i := 0
	for ; i < len(l.str); i++ {
		switch {
		case quote != 0:
			if l.str[i] == quote {
				quote = 0
			}
		case l.str[i] == c:
			return l.trunc(i), l.consume(i)
		case stringQuote(l.str[i]):
			quote = l.str[i]
		}
	}
	return l.trunc(i), l.consume(i)
}

// stripTrailingComment removes a trailing ';' comment along with any
// whitespace preceding it. A ';' inside a quoted string does not start
// a comment.
func (l fstring) stripTrailingComment() fstring {
	end := 0
	var quote byte
	for i := 0; i < len(l.str); i++ {
		c := l.str[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
			end = i + 1
		case comment(c):
			return l.trunc(end)
		case stringQuote(c):
			quote = c
			end = i + 1
		case !whitespace(c):
			end = i + 1
		}
	}
	return l.trunc(end)
}

//
// character classes
//

func whitespace(c byte) bool {
	return c == ' ' || c == '\t'
}

// wordChar matches anything that can extend a mnemonic or directive
// word.
func wordChar(c byte) bool {
	return c != ' ' && c != '\t'
}

func alpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func decimal(c byte) bool {
	return (c >= '0' && c <= '9')
}

func hexadecimal(c byte) bool {
	return decimal(c) || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')
}

func binarynum(c byte) bool {
	return c == '0' || c == '1'
}

// Labels and operand identifiers share one class. A leading '.' or '@'
// marks a local label, and both characters may appear inside a scoped
// reference.
func labelStartChar(c byte) bool {
	return alpha(c) || c == '_' || c == '.' || c == '@'
}

func labelChar(c byte) bool {
	return labelStartChar(c) || decimal(c)
}

func comment(c byte) bool {
	return c == ';'
}

func stringQuote(c byte) bool {
	return c == '"' || c == '\''
}
