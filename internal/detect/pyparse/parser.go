// SPDX-License-Identifier: MPL-2.0

// Package pyparse is a recognizer for Python 3 source. It validates the
// grammar and records import statements; it does not build a full syntax
// tree. Python 2 only constructs fail with a *SyntaxError.
//
// The match statement is not recognized.
package pyparse

import (
	"fmt"
	"strings"
)

type (
	// Import is one imported module path.
	Import struct {
		// Module is the dotted module path, e.g. "os.path". Empty for
		// "from . import x".
		Module string
		// Level is the number of leading dots of a relative import.
		Level int
		Line  int
	}

	// Module is the result of a successful parse.
	Module struct {
		Imports []Import
	}

	parser struct {
		toks    []Token
		pos     int
		imports []Import
	}
)

// Root returns the first component of the module path.
func (i Import) Root() string {
	root, _, _ := strings.Cut(i.Module, ".")
	return root
}

// Relative reports whether the import is package relative.
func (i Import) Relative() bool {
	return i.Level > 0
}

// Parse tokenizes and parses src as a Python 3 module.
func Parse(src []byte) (*Module, error) {
	toks, err := Tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	if err := p.file(); err != nil {
		return nil, err
	}
	return &Module{Imports: p.imports}, nil
}

func (p *parser) tok() Token { return p.toks[p.pos] }

func (p *parser) peek(n int) Token {
	if p.pos+n < len(p.toks) {
		return p.toks[p.pos+n]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != EOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(s string) bool {
	t := p.tok()
	return t.Kind == Op && t.Text == s
}

func (p *parser) isKw(s string) bool {
	t := p.tok()
	return t.Kind == Name && t.Text == s
}

func (p *parser) acceptOp(s string) bool {
	if p.isOp(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptKw(s string) bool {
	if p.isKw(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorf(format string, args ...any) error {
	t := p.tok()
	return &SyntaxError{Line: t.Line, Col: t.Col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) unexpected() error {
	return p.errorf("invalid syntax near %s", p.tok())
}

func (p *parser) expectOp(s string) error {
	if !p.acceptOp(s) {
		return p.errorf("expected %q, found %s", s, p.tok())
	}
	return nil
}

func (p *parser) expectKw(s string) error {
	if !p.acceptKw(s) {
		return p.errorf("expected %q, found %s", s, p.tok())
	}
	return nil
}

func (p *parser) expectKind(k Kind) (Token, error) {
	t := p.tok()
	if t.Kind != k {
		return t, p.errorf("expected %s, found %s", k, t)
	}
	p.pos++
	return t, nil
}

// identifier accepts a non-keyword name.
func (p *parser) identifier() (string, error) {
	t := p.tok()
	if t.Kind != Name || IsKeyword(t.Text) {
		return "", p.errorf("expected identifier, found %s", t)
	}
	p.pos++
	return t.Text, nil
}

func (p *parser) file() error {
	for p.tok().Kind != EOF {
		if p.tok().Kind == Newline {
			p.pos++
			continue
		}
		if err := p.statement(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) statement() error {
	t := p.tok()
	if t.Kind == Op && t.Text == "@" {
		return p.decorated()
	}
	if t.Kind == Name {
		switch t.Text {
		case "if":
			return p.ifStmt()
		case "while":
			return p.whileStmt()
		case "for":
			return p.forStmt()
		case "try":
			return p.tryStmt()
		case "with":
			return p.withStmt()
		case "def":
			return p.funcDef()
		case "class":
			return p.classDef()
		case "async":
			return p.asyncStmt()
		case "match":
			if ok, err := p.matchStmt(); ok {
				return err
			}
		}
	}
	return p.simpleStmts()
}

func (p *parser) simpleStmts() error {
	for {
		if err := p.smallStmt(); err != nil {
			return err
		}
		if !p.acceptOp(";") {
			break
		}
		if p.tok().Kind == Newline {
			break
		}
	}
	if _, err := p.expectKind(Newline); err != nil {
		return p.unexpected()
	}
	return nil
}

func (p *parser) smallStmt() error {
	t := p.tok()
	if t.Kind == Name {
		switch t.Text {
		case "pass", "break", "continue":
			p.pos++
			return nil
		case "return":
			p.pos++
			if p.atStmtEnd() {
				return nil
			}
			return p.testListStarExpr()
		case "raise":
			return p.raiseStmt()
		case "global", "nonlocal":
			p.pos++
			return p.nameList()
		case "del":
			p.pos++
			return p.exprList()
		case "assert":
			p.pos++
			if err := p.test(); err != nil {
				return err
			}
			if p.acceptOp(",") {
				return p.test()
			}
			return nil
		case "yield":
			return p.yieldExpr()
		case "import":
			return p.importName()
		case "from":
			return p.importFrom()
		case "type":
			if p.isTypeAlias() {
				return p.typeAlias()
			}
		}
	}
	return p.exprStmt()
}

func (p *parser) atStmtEnd() bool {
	t := p.tok()
	return t.Kind == Newline || t.Kind == EOF || (t.Kind == Op && t.Text == ";")
}

func (p *parser) raiseStmt() error {
	p.pos++
	if p.atStmtEnd() {
		return nil
	}
	if err := p.test(); err != nil {
		return err
	}
	if p.acceptKw("from") {
		return p.test()
	}
	return nil
}

func (p *parser) nameList() error {
	for {
		if _, err := p.identifier(); err != nil {
			return err
		}
		if !p.acceptOp(",") {
			return nil
		}
	}
}

func (p *parser) dottedName() (string, error) {
	first, err := p.identifier()
	if err != nil {
		return "", err
	}
	parts := []string{first}
	for p.acceptOp(".") {
		part, err := p.identifier()
		if err != nil {
			return "", err
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, "."), nil
}

func (p *parser) importName() error {
	line := p.next().Line
	for {
		name, err := p.dottedName()
		if err != nil {
			return err
		}
		if p.acceptKw("as") {
			if _, err := p.identifier(); err != nil {
				return err
			}
		}
		p.imports = append(p.imports, Import{Module: name, Line: line})
		if !p.acceptOp(",") {
			return nil
		}
	}
}

func (p *parser) importFrom() error {
	line := p.next().Line
	level := 0
	for {
		if p.acceptOp(".") {
			level++
		} else if p.acceptOp("...") {
			level += 3
		} else {
			break
		}
	}
	var module string
	if !p.isKw("import") {
		name, err := p.dottedName()
		if err != nil {
			return err
		}
		module = name
	} else if level == 0 {
		return p.unexpected()
	}
	if err := p.expectKw("import"); err != nil {
		return err
	}
	p.imports = append(p.imports, Import{Module: module, Level: level, Line: line})

	if p.acceptOp("*") {
		return nil
	}
	paren := p.acceptOp("(")
	for {
		if _, err := p.identifier(); err != nil {
			return err
		}
		if p.acceptKw("as") {
			if _, err := p.identifier(); err != nil {
				return err
			}
		}
		if !p.acceptOp(",") {
			break
		}
		if paren && p.isOp(")") {
			break
		}
	}
	if paren {
		return p.expectOp(")")
	}
	return nil
}

var augAssign = map[string]bool{
	"+=": true, "-=": true, "*=": true, "/=": true, "//=": true, "%=": true,
	"@=": true, "&=": true, "|=": true, "^=": true, ">>=": true, "<<=": true, "**=": true,
}

func (p *parser) exprStmt() error {
	if err := p.testListStarExpr(); err != nil {
		return err
	}
	switch {
	case p.acceptOp(":"):
		if err := p.test(); err != nil {
			return err
		}
		if p.acceptOp("=") {
			return p.yieldOrTestListStar()
		}
		return nil
	case p.tok().Kind == Op && augAssign[p.tok().Text]:
		p.pos++
		return p.yieldOrTestListStar()
	}
	for p.acceptOp("=") {
		if err := p.yieldOrTestListStar(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) yieldOrTestListStar() error {
	if p.isKw("yield") {
		return p.yieldExpr()
	}
	return p.testListStarExpr()
}

func (p *parser) block() error {
	if err := p.expectOp(":"); err != nil {
		return err
	}
	return p.suite()
}

func (p *parser) suite() error {
	if p.tok().Kind != Newline {
		return p.simpleStmts()
	}
	p.pos++
	if _, err := p.expectKind(Indent); err != nil {
		return p.errorf("expected an indented block")
	}
	for p.tok().Kind != Dedent && p.tok().Kind != EOF {
		if err := p.statement(); err != nil {
			return err
		}
	}
	_, err := p.expectKind(Dedent)
	return err
}

func (p *parser) ifStmt() error {
	p.pos++
	if err := p.namedExprTest(); err != nil {
		return err
	}
	if err := p.block(); err != nil {
		return err
	}
	for p.acceptKw("elif") {
		if err := p.namedExprTest(); err != nil {
			return err
		}
		if err := p.block(); err != nil {
			return err
		}
	}
	return p.elseClause()
}

func (p *parser) elseClause() error {
	if p.acceptKw("else") {
		return p.block()
	}
	return nil
}

func (p *parser) whileStmt() error {
	p.pos++
	if err := p.namedExprTest(); err != nil {
		return err
	}
	if err := p.block(); err != nil {
		return err
	}
	return p.elseClause()
}

func (p *parser) forStmt() error {
	p.pos++
	if err := p.exprList(); err != nil {
		return err
	}
	if err := p.expectKw("in"); err != nil {
		return err
	}
	if err := p.testListStarExpr(); err != nil {
		return err
	}
	if err := p.block(); err != nil {
		return err
	}
	return p.elseClause()
}

func (p *parser) tryStmt() error {
	p.pos++
	if err := p.block(); err != nil {
		return err
	}
	handlers := 0
	for p.acceptKw("except") {
		handlers++
		p.acceptOp("*")
		if !p.isOp(":") {
			if err := p.test(); err != nil {
				return err
			}
			if p.acceptKw("as") {
				if _, err := p.identifier(); err != nil {
					return err
				}
			}
		}
		if err := p.block(); err != nil {
			return err
		}
	}
	if handlers > 0 {
		if err := p.elseClause(); err != nil {
			return err
		}
	}
	if p.acceptKw("finally") {
		return p.block()
	}
	if handlers == 0 {
		return p.errorf("expected 'except' or 'finally' block")
	}
	return nil
}

func (p *parser) withStmt() error {
	p.pos++
	if p.isOp("(") {
		save := p.pos
		if err := p.parenthesizedWithItems(); err == nil {
			return p.block()
		}
		p.pos = save
	}
	for {
		if err := p.withItem(); err != nil {
			return err
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return p.block()
}

func (p *parser) parenthesizedWithItems() error {
	p.pos++
	for {
		if err := p.withItem(); err != nil {
			return err
		}
		if !p.acceptOp(",") {
			break
		}
		if p.isOp(")") {
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return err
	}
	if !p.isOp(":") {
		return p.unexpected()
	}
	return nil
}

func (p *parser) withItem() error {
	if err := p.test(); err != nil {
		return err
	}
	if p.acceptKw("as") {
		return p.expr()
	}
	return nil
}

func (p *parser) funcDef() error {
	p.pos++
	if _, err := p.identifier(); err != nil {
		return err
	}
	if err := p.typeParams(); err != nil {
		return err
	}
	if err := p.expectOp("("); err != nil {
		return err
	}
	if err := p.params(")", true); err != nil {
		return err
	}
	if err := p.expectOp(")"); err != nil {
		return err
	}
	if p.acceptOp("->") {
		if err := p.test(); err != nil {
			return err
		}
	}
	return p.block()
}

// params parses a parameter list up to, not including, the closing token.
// Annotations are allowed in def signatures but not in lambdas.
func (p *parser) params(closing string, annotated bool) error {
	for !p.isOp(closing) {
		switch {
		case p.acceptOp("/"):
		case p.acceptOp("**"), p.acceptOp("*"):
			if p.tok().Kind == Name && !IsKeyword(p.tok().Text) {
				if err := p.param(annotated, false); err != nil {
					return err
				}
			}
		default:
			if err := p.param(annotated, true); err != nil {
				return err
			}
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return nil
}

func (p *parser) param(annotated, defaults bool) error {
	if _, err := p.identifier(); err != nil {
		return err
	}
	if annotated && p.acceptOp(":") {
		if err := p.test(); err != nil {
			return err
		}
	}
	if defaults && p.acceptOp("=") {
		return p.test()
	}
	return nil
}

func (p *parser) classDef() error {
	p.pos++
	if _, err := p.identifier(); err != nil {
		return err
	}
	if err := p.typeParams(); err != nil {
		return err
	}
	if p.acceptOp("(") {
		if err := p.argList(")"); err != nil {
			return err
		}
		if err := p.expectOp(")"); err != nil {
			return err
		}
	}
	return p.block()
}

func (p *parser) decorated() error {
	for p.acceptOp("@") {
		if err := p.namedExprTest(); err != nil {
			return err
		}
		if _, err := p.expectKind(Newline); err != nil {
			return err
		}
	}
	switch {
	case p.isKw("def"):
		return p.funcDef()
	case p.isKw("class"):
		return p.classDef()
	case p.isKw("async") && p.peek(1).Text == "def":
		p.pos++
		return p.funcDef()
	}
	return p.errorf("expected function or class definition after decorator")
}

func (p *parser) asyncStmt() error {
	p.pos++
	switch {
	case p.isKw("def"):
		return p.funcDef()
	case p.isKw("with"):
		return p.withStmt()
	case p.isKw("for"):
		return p.forStmt()
	}
	return p.unexpected()
}
