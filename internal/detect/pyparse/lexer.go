// SPDX-License-Identifier: MPL-2.0

package pyparse

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const tabSize = 8

var (
	ops3 = []string{"**=", "//=", ">>=", "<<=", "..."}
	ops2 = []string{
		"**", "//", ">>", "<<", "<=", ">=", "==", "!=", "->", ":=",
		"+=", "-=", "*=", "/=", "%=", "&=", "|=", "^=", "@=",
	}
	ops1 = "+-*/%@&|^~<>()[]{},:;.="

	stringPrefixes = map[string]bool{
		"r": true, "u": true, "f": true, "b": true,
		"br": true, "rb": true, "fr": true, "rf": true,
	}
	closers = map[byte]byte{')': '(', ']': '[', '}': '{'}

	errUnterminated = errors.New("unterminated string literal")
)

type lexer struct {
	src       string
	pos       int
	line      int
	lineStart int

	indents       []int
	brackets      []byte
	atLineStart   bool
	lineHasTokens bool
	toks          []Token
}

// Tokenize splits Python 3 source into tokens, synthesizing NEWLINE, INDENT
// and DEDENT the way the reference tokenizer does. Python 2 only lexical
// forms (backticks, <>, long suffixes, legacy octal, ur prefixes) are
// rejected with a *SyntaxError.
func Tokenize(src []byte) ([]Token, error) {
	s := string(src)
	s = strings.TrimPrefix(s, "\ufeff")
	lx := &lexer{src: s, line: 1, indents: []int{0}, atLineStart: true}
	if err := lx.run(); err != nil {
		return nil, err
	}
	return lx.toks, nil
}

func (lx *lexer) errorf(format string, args ...any) error {
	return &SyntaxError{Line: lx.line, Col: lx.pos - lx.lineStart + 1, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) emit(k Kind, text string, start int) {
	lx.toks = append(lx.toks, Token{Kind: k, Text: text, Line: lx.line, Col: start - lx.lineStart + 1})
	if k != Newline && k != Indent && k != Dedent {
		lx.lineHasTokens = true
	}
}

func (lx *lexer) peekAt(off int) byte {
	if lx.pos+off < len(lx.src) {
		return lx.src[lx.pos+off]
	}
	return 0
}

func (lx *lexer) newline() {
	if lx.peekAt(0) == '\r' && lx.peekAt(1) == '\n' {
		lx.pos++
	}
	lx.pos++
	lx.line++
	lx.lineStart = lx.pos
}

func (lx *lexer) run() error {
	for {
		if lx.atLineStart && len(lx.brackets) == 0 {
			done, err := lx.indentation()
			if err != nil {
				return err
			}
			if done {
				continue
			}
		}
		if lx.pos >= len(lx.src) {
			return lx.finish()
		}

		c := lx.src[lx.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\f':
			lx.pos++
		case c == '#':
			for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' && lx.src[lx.pos] != '\r' {
				lx.pos++
			}
		case c == '\\':
			if n := lx.peekAt(1); n != '\n' && n != '\r' {
				return lx.errorf("unexpected character after line continuation character")
			}
			lx.pos++
			lx.newline()
		case c == '\n' || c == '\r':
			if len(lx.brackets) == 0 && lx.lineHasTokens {
				lx.emit(Newline, "", lx.pos)
				lx.lineHasTokens = false
			}
			lx.newline()
			if len(lx.brackets) == 0 {
				lx.atLineStart = true
			}
		case c == '"' || c == '\'':
			if err := lx.str(lx.pos); err != nil {
				return err
			}
		case isDigit(c) || (c == '.' && isDigit(lx.peekAt(1))):
			if err := lx.number(); err != nil {
				return err
			}
		case c == '`':
			return lx.errorf("backtick repr is not valid syntax")
		default:
			r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
			if isIdentStart(r) {
				if err := lx.name(); err != nil {
					return err
				}
				continue
			}
			if err := lx.op(); err != nil {
				return err
			}
		}
	}
}

// indentation measures the leading whitespace of a new logical line. It
// returns done=true when the line was blank or a comment and has been
// consumed.
func (lx *lexer) indentation() (bool, error) {
	col := 0
	p := lx.pos
measure:
	for ; p < len(lx.src); p++ {
		switch lx.src[p] {
		case ' ':
			col++
		case '\t':
			col = (col/tabSize + 1) * tabSize
		case '\f':
			col = 0
		default:
			break measure
		}
	}
	lx.pos = p
	if p >= len(lx.src) {
		return false, nil
	}
	switch lx.src[p] {
	case '#':
		for lx.pos < len(lx.src) && lx.src[lx.pos] != '\n' && lx.src[lx.pos] != '\r' {
			lx.pos++
		}
		if lx.pos < len(lx.src) {
			lx.newline()
		}
		return true, nil
	case '\n', '\r':
		lx.newline()
		return true, nil
	case '\\':
		if n := lx.peekAt(1); n == '\n' || n == '\r' {
			lx.pos++
			lx.newline()
			return true, nil
		}
	}

	lx.atLineStart = false
	top := lx.indents[len(lx.indents)-1]
	switch {
	case col > top:
		lx.indents = append(lx.indents, col)
		lx.emit(Indent, "", lx.pos)
	case col < top:
		for col < lx.indents[len(lx.indents)-1] {
			lx.indents = lx.indents[:len(lx.indents)-1]
			lx.emit(Dedent, "", lx.pos)
		}
		if col != lx.indents[len(lx.indents)-1] {
			return false, lx.errorf("unindent does not match any outer indentation level")
		}
	}
	return false, nil
}

func (lx *lexer) finish() error {
	if len(lx.brackets) > 0 {
		return lx.errorf("unexpected EOF: %q was never closed", string(lx.brackets[len(lx.brackets)-1]))
	}
	if lx.lineHasTokens {
		lx.emit(Newline, "", lx.pos)
	}
	for len(lx.indents) > 1 {
		lx.indents = lx.indents[:len(lx.indents)-1]
		lx.emit(Dedent, "", lx.pos)
	}
	lx.emit(EOF, "", lx.pos)
	return nil
}

func (lx *lexer) name() error {
	start := lx.pos
	for lx.pos < len(lx.src) {
		r, size := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if !isIdentPart(r) {
			break
		}
		lx.pos += size
	}
	ident := lx.src[start:lx.pos]
	if q := lx.peekAt(0); q == '"' || q == '\'' {
		lower := strings.ToLower(ident)
		if stringPrefixes[lower] {
			return lx.str(start)
		}
		if lower == "ur" {
			return lx.errorf("ur string prefix is not valid")
		}
	}
	lx.emit(Name, ident, start)
	return nil
}

// str scans a string literal whose prefix (possibly empty) starts at start
// and whose opening quote is at lx.pos.
func (lx *lexer) str(start int) error {
	startLine, startCol := lx.line, start-lx.lineStart+1
	q := lx.src[lx.pos]
	triple := lx.peekAt(1) == q && lx.peekAt(2) == q
	if triple {
		lx.pos += 3
	} else {
		lx.pos++
	}
	if err := lx.strBody(q, triple); err != nil {
		return &SyntaxError{Line: startLine, Col: startCol, Msg: err.Error()}
	}
	lx.toks = append(lx.toks, Token{Kind: String, Text: lx.src[start:lx.pos], Line: startLine, Col: startCol})
	lx.lineHasTokens = true
	return nil
}

func (lx *lexer) strBody(q byte, triple bool) error {
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		switch {
		case c == '\\':
			lx.pos++
			if n := lx.peekAt(0); n == '\n' || n == '\r' {
				lx.newline()
			} else if lx.pos < len(lx.src) {
				lx.pos++
			}
			continue
		case c == '\n' || c == '\r':
			if !triple {
				return errUnterminated
			}
			lx.newline()
			continue
		case c == q && !triple:
			lx.pos++
			return nil
		case c == q && lx.peekAt(1) == q && lx.peekAt(2) == q:
			lx.pos += 3
			return nil
		}
		lx.pos++
	}
	return errUnterminated
}

func (lx *lexer) number() error {
	start := lx.pos
	c := lx.src[lx.pos]
	if c == '0' {
		var valid func(byte) bool
		switch lx.peekAt(1) {
		case 'x', 'X':
			valid = isHexDigit
		case 'o', 'O':
			valid = func(b byte) bool { return b >= '0' && b <= '7' }
		case 'b', 'B':
			valid = func(b byte) bool { return b == '0' || b == '1' }
		}
		if valid != nil {
			lx.pos += 2
			// 0x_FF: one underscore may follow the base prefix.
			if lx.peekAt(0) == '_' && valid(lx.peekAt(1)) {
				lx.pos++
			}
			n := lx.digits(valid)
			if n == 0 {
				return lx.errorf("invalid numeric literal")
			}
			return lx.numberSuffix(start, false)
		}
	}

	intStart := lx.pos
	lx.digits(isDigit)
	intPart := lx.src[intStart:lx.pos]
	isFloat := false
	if lx.peekAt(0) == '.' {
		lx.pos++
		lx.digits(isDigit)
		isFloat = true
	}
	if e := lx.peekAt(0); e == 'e' || e == 'E' {
		off := 1
		if s := lx.peekAt(1); s == '+' || s == '-' {
			off = 2
		}
		if isDigit(lx.peekAt(off)) {
			lx.pos += off
			lx.digits(isDigit)
			isFloat = true
		}
	}
	if !isFloat && len(intPart) > 1 && intPart[0] == '0' && strings.Trim(intPart, "0_") != "" {
		if j := lx.peekAt(0); j != 'j' && j != 'J' {
			return lx.errorf("leading zeros in decimal integer literals are not permitted")
		}
	}
	return lx.numberSuffix(start, true)
}

func (lx *lexer) numberSuffix(start int, decimal bool) error {
	switch lx.peekAt(0) {
	case 'l', 'L':
		return lx.errorf("long integer suffix is not valid")
	case 'j', 'J':
		if decimal {
			lx.pos++
		}
	}
	if lx.pos < len(lx.src) {
		r, _ := utf8.DecodeRuneInString(lx.src[lx.pos:])
		if isIdentPart(r) && !startsKeyword(lx.src[lx.pos:]) {
			return lx.errorf("invalid numeric literal")
		}
	}
	lx.emit(Number, lx.src[start:lx.pos], start)
	return nil
}

// startsKeyword tolerates forms like 1if x else 2 and 0or 1, which the
// reference tokenizer still accepts.
func startsKeyword(s string) bool {
	for _, kw := range []string{"and", "else", "for", "if", "in", "is", "not", "or"} {
		if strings.HasPrefix(s, kw) {
			rest := s[len(kw):]
			if rest == "" {
				return true
			}
			r, _ := utf8.DecodeRuneInString(rest)
			if !isIdentPart(r) {
				return true
			}
		}
	}
	return false
}

func (lx *lexer) digits(valid func(byte) bool) int {
	n := 0
	for lx.pos < len(lx.src) {
		c := lx.src[lx.pos]
		if c == '_' && valid(lx.peekAt(1)) && n > 0 {
			lx.pos++
			continue
		}
		if !valid(c) {
			break
		}
		lx.pos++
		n++
	}
	return n
}

func (lx *lexer) op() error {
	rest := lx.src[lx.pos:]
	if strings.HasPrefix(rest, "<>") {
		return lx.errorf("<> is not a valid operator")
	}
	for _, group := range [][]string{ops3, ops2} {
		for _, o := range group {
			if strings.HasPrefix(rest, o) {
				lx.emit(Op, o, lx.pos)
				lx.pos += len(o)
				return nil
			}
		}
	}
	c := lx.src[lx.pos]
	if strings.IndexByte(ops1, c) < 0 {
		r, _ := utf8.DecodeRuneInString(rest)
		return lx.errorf("invalid character %q", r)
	}
	switch c {
	case '(', '[', '{':
		lx.brackets = append(lx.brackets, c)
	case ')', ']', '}':
		if len(lx.brackets) == 0 {
			return lx.errorf("unmatched %q", string(c))
		}
		if open := lx.brackets[len(lx.brackets)-1]; open != closers[c] {
			return lx.errorf("closing %q does not match %q", string(c), string(open))
		}
		lx.brackets = lx.brackets[:len(lx.brackets)-1]
	}
	lx.emit(Op, string(c), lx.pos)
	lx.pos++
	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Mc, r)
}
