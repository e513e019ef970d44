// SPDX-License-Identifier: MPL-2.0

package pyparse

import "fmt"

// Kind classifies a token.
type Kind int

const (
	// EOF ends every token stream.
	EOF Kind = iota
	// Name is an identifier or keyword.
	Name
	// Number is an integer, float or imaginary literal.
	Number
	// String is a string or bytes literal, including f-strings.
	String
	// Op is an operator or delimiter.
	Op
	// Newline ends a logical line.
	Newline
	// Indent opens a block.
	Indent
	// Dedent closes a block.
	Dedent
)

var kindNames = [...]string{
	EOF:     "EOF",
	Name:    "NAME",
	Number:  "NUMBER",
	String:  "STRING",
	Op:      "OP",
	Newline: "NEWLINE",
	Indent:  "INDENT",
	Dedent:  "DEDENT",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Token is one lexical unit with its 1-based position.
type Token struct {
	Kind Kind
	Text string
	Line int
	Col  int
}

func (t Token) String() string {
	switch t.Kind {
	case Newline, Indent, Dedent, EOF:
		return t.Kind.String()
	default:
		return fmt.Sprintf("%s %q", t.Kind, t.Text)
	}
}

// SyntaxError reports the first construct the tokenizer or parser rejected.
type SyntaxError struct {
	Line int
	Col  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d:%d: %s", e.Line, e.Col, e.Msg)
}

var keywords = map[string]bool{
	"False": true, "None": true, "True": true, "and": true, "as": true,
	"assert": true, "async": true, "await": true, "break": true, "class": true,
	"continue": true, "def": true, "del": true, "elif": true, "else": true,
	"except": true, "finally": true, "for": true, "from": true, "global": true,
	"if": true, "import": true, "in": true, "is": true, "lambda": true,
	"nonlocal": true, "not": true, "or": true, "pass": true, "raise": true,
	"return": true, "try": true, "while": true, "with": true, "yield": true,
}

// IsKeyword reports whether s is a reserved word. Soft keywords such as
// match and case are not reserved.
func IsKeyword(s string) bool {
	return keywords[s]
}
