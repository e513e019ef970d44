// SPDX-License-Identifier: MPL-2.0

package pyparse

// matchStmt parses a match statement. match is a soft keyword: when the line
// does not read as a match header, the position is restored and the caller
// parses it as an ordinary statement.
func (p *parser) matchStmt() (bool, error) {
	start := p.pos
	p.pos++
	if !p.startsExpr() || p.testListStarExpr() != nil || !p.acceptOp(":") || p.tok().Kind != Newline {
		p.pos = start
		return false, nil
	}
	p.pos++
	if _, err := p.expectKind(Indent); err != nil {
		return true, p.errorf("expected an indented block")
	}
	if !p.isKw("case") {
		return true, p.unexpected()
	}
	for p.isKw("case") {
		if err := p.caseBlock(); err != nil {
			return true, err
		}
	}
	if _, err := p.expectKind(Dedent); err != nil {
		return true, p.unexpected()
	}
	return true, nil
}

func (p *parser) caseBlock() error {
	p.pos++
	if p.isOp(":") {
		return p.unexpected()
	}
	if err := p.patternSeq(":"); err != nil {
		return err
	}
	if p.acceptKw("if") {
		if err := p.namedExprTest(); err != nil {
			return err
		}
	}
	return p.block()
}

// patternSeq parses comma separated patterns up to closing or a guard.
func (p *parser) patternSeq(closing string) error {
	for !p.isOp(closing) && !p.isKw("if") {
		if err := p.starPattern(); err != nil {
			return err
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return nil
}

func (p *parser) starPattern() error {
	if p.acceptOp("*") {
		_, err := p.identifier()
		return err
	}
	return p.asPattern()
}

func (p *parser) asPattern() error {
	if err := p.closedPattern(); err != nil {
		return err
	}
	for p.acceptOp("|") {
		if err := p.closedPattern(); err != nil {
			return err
		}
	}
	if p.acceptKw("as") {
		_, err := p.identifier()
		return err
	}
	return nil
}

func (p *parser) closedPattern() error {
	t := p.tok()
	switch {
	case t.Kind == Number || (t.Kind == Op && t.Text == "-"):
		return p.numberPattern()
	case t.Kind == String:
		for p.tok().Kind == String {
			p.pos++
		}
		return nil
	case t.Kind == Name && (t.Text == "None" || t.Text == "True" || t.Text == "False"):
		p.pos++
		return nil
	case t.Kind == Name:
		if _, err := p.dottedName(); err != nil {
			return err
		}
		if p.acceptOp("(") {
			if err := p.classPatternArgs(); err != nil {
				return err
			}
			return p.expectOp(")")
		}
		return nil
	case p.acceptOp("("):
		if err := p.patternSeq(")"); err != nil {
			return err
		}
		return p.expectOp(")")
	case p.acceptOp("["):
		if err := p.patternSeq("]"); err != nil {
			return err
		}
		return p.expectOp("]")
	case p.acceptOp("{"):
		return p.mappingPattern()
	}
	return p.unexpected()
}

// numberPattern accepts signed numbers and complex literals like -1+2j.
func (p *parser) numberPattern() error {
	p.acceptOp("-")
	if _, err := p.expectKind(Number); err != nil {
		return p.unexpected()
	}
	if p.acceptOp("+") || p.acceptOp("-") {
		if _, err := p.expectKind(Number); err != nil {
			return p.unexpected()
		}
	}
	return nil
}

func (p *parser) classPatternArgs() error {
	for !p.isOp(")") {
		if p.tok().Kind == Name && p.peek(1).Kind == Op && p.peek(1).Text == "=" {
			p.pos += 2
		}
		if err := p.asPattern(); err != nil {
			return err
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return nil
}

func (p *parser) mappingPattern() error {
	for !p.isOp("}") {
		if p.acceptOp("**") {
			if _, err := p.identifier(); err != nil {
				return err
			}
		} else {
			if err := p.closedPattern(); err != nil {
				return err
			}
			if err := p.expectOp(":"); err != nil {
				return err
			}
			if err := p.asPattern(); err != nil {
				return err
			}
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return p.expectOp("}")
}

// isTypeAlias reports whether the statement is type X = ... or type X[T] = ...
// rather than an expression using a variable named type.
func (p *parser) isTypeAlias() bool {
	name, after := p.peek(1), p.peek(2)
	if name.Kind != Name || IsKeyword(name.Text) {
		return false
	}
	return after.Kind == Op && (after.Text == "=" || after.Text == "[")
}

func (p *parser) typeAlias() error {
	p.pos += 2
	if err := p.typeParams(); err != nil {
		return err
	}
	if err := p.expectOp("="); err != nil {
		return err
	}
	return p.test()
}

// typeParams parses an optional [T: bound, *Ts, **P] list after a def, class
// or type alias name.
func (p *parser) typeParams() error {
	if !p.acceptOp("[") {
		return nil
	}
	for !p.isOp("]") {
		if !p.acceptOp("**") {
			p.acceptOp("*")
		}
		if _, err := p.identifier(); err != nil {
			return err
		}
		if p.acceptOp(":") {
			if err := p.test(); err != nil {
				return err
			}
		}
		if p.acceptOp("=") {
			if err := p.test(); err != nil {
				return err
			}
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return p.expectOp("]")
}
