// SPDX-License-Identifier: MPL-2.0

package pyparse

// Binary operator precedence for the Pratt loop in binary. Comparison and
// boolean operators are handled by the recursive layers above it.
var binaryPrec = map[string]int{
	"|":  1,
	"^":  2,
	"&":  3,
	"<<": 4, ">>": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "//": 6, "%": 6, "@": 6,
}

const unaryPrec = 7

var compareOps = map[string]bool{
	"<": true, ">": true, "==": true, ">=": true, "<=": true, "!=": true,
}

func (p *parser) testListStarExpr() error {
	for {
		if err := p.testOrStar(); err != nil {
			return err
		}
		if !p.acceptOp(",") || !p.startsExpr() {
			return nil
		}
	}
}

func (p *parser) exprList() error {
	for {
		if p.acceptOp("*") {
			if err := p.expr(); err != nil {
				return err
			}
		} else if err := p.expr(); err != nil {
			return err
		}
		if !p.acceptOp(",") || !p.startsExpr() {
			return nil
		}
	}
}

func (p *parser) testOrStar() error {
	if p.acceptOp("*") {
		return p.expr()
	}
	return p.test()
}

func (p *parser) namedExprOrStar() error {
	if p.acceptOp("*") {
		return p.expr()
	}
	return p.namedExprTest()
}

// startsExpr reports whether the current token can begin an expression,
// used to allow trailing commas.
func (p *parser) startsExpr() bool {
	t := p.tok()
	switch t.Kind {
	case Name:
		switch t.Text {
		case "not", "lambda", "await", "None", "True", "False", "yield":
			return true
		}
		return !IsKeyword(t.Text)
	case Number, String:
		return true
	case Op:
		switch t.Text {
		case "(", "[", "{", "-", "+", "~", "*", "...":
			return true
		}
	}
	return false
}

func (p *parser) namedExprTest() error {
	if p.tok().Kind == Name && !IsKeyword(p.tok().Text) && p.peek(1).Kind == Op && p.peek(1).Text == ":=" {
		p.pos += 2
	}
	return p.test()
}

func (p *parser) test() error {
	if p.isKw("lambda") {
		return p.lambda()
	}
	if err := p.orTest(); err != nil {
		return err
	}
	if p.acceptKw("if") {
		if err := p.orTest(); err != nil {
			return err
		}
		if err := p.expectKw("else"); err != nil {
			return err
		}
		return p.test()
	}
	return nil
}

// testNoCond is a test without a ternary, used by comprehension conditions.
func (p *parser) testNoCond() error {
	if p.isKw("lambda") {
		return p.lambda()
	}
	return p.orTest()
}

func (p *parser) lambda() error {
	p.pos++
	if err := p.params(":", false); err != nil {
		return err
	}
	if err := p.expectOp(":"); err != nil {
		return err
	}
	return p.test()
}

func (p *parser) orTest() error {
	for {
		if err := p.andTest(); err != nil {
			return err
		}
		if !p.acceptKw("or") {
			return nil
		}
	}
}

func (p *parser) andTest() error {
	for {
		if err := p.notTest(); err != nil {
			return err
		}
		if !p.acceptKw("and") {
			return nil
		}
	}
}

func (p *parser) notTest() error {
	if p.acceptKw("not") {
		return p.notTest()
	}
	return p.comparison()
}

func (p *parser) comparison() error {
	for {
		if err := p.expr(); err != nil {
			return err
		}
		t := p.tok()
		switch {
		case t.Kind == Op && compareOps[t.Text]:
			p.pos++
		case p.isKw("in"):
			p.pos++
		case p.isKw("not") && p.peek(1).Kind == Name && p.peek(1).Text == "in":
			p.pos += 2
		case p.isKw("is"):
			p.pos++
			p.acceptKw("not")
		default:
			return nil
		}
	}
}

func (p *parser) expr() error {
	return p.binary(1)
}

func (p *parser) binary(minPrec int) error {
	if err := p.unary(); err != nil {
		return err
	}
	for {
		t := p.tok()
		prec, ok := binaryPrec[t.Text]
		if t.Kind != Op || !ok || prec < minPrec {
			return nil
		}
		p.pos++
		if err := p.binary(prec + 1); err != nil {
			return err
		}
	}
}

func (p *parser) unary() error {
	if p.acceptOp("-") || p.acceptOp("+") || p.acceptOp("~") {
		return p.unary()
	}
	return p.power()
}

func (p *parser) power() error {
	p.acceptKw("await")
	if err := p.atom(); err != nil {
		return err
	}
	if err := p.trailers(); err != nil {
		return err
	}
	if p.acceptOp("**") {
		return p.unary()
	}
	return nil
}

func (p *parser) trailers() error {
	for {
		switch {
		case p.acceptOp("("):
			if err := p.argList(")"); err != nil {
				return err
			}
			if err := p.expectOp(")"); err != nil {
				return err
			}
		case p.acceptOp("["):
			if err := p.subscripts(); err != nil {
				return err
			}
			if err := p.expectOp("]"); err != nil {
				return err
			}
		case p.acceptOp("."):
			if _, err := p.identifier(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (p *parser) atom() error {
	t := p.tok()
	switch t.Kind {
	case Number:
		p.pos++
		return nil
	case String:
		for p.tok().Kind == String {
			p.pos++
		}
		return nil
	case Name:
		switch t.Text {
		case "None", "True", "False":
			p.pos++
			return nil
		}
		if IsKeyword(t.Text) {
			return p.unexpected()
		}
		p.pos++
		return nil
	case Op:
		switch t.Text {
		case "...":
			p.pos++
			return nil
		case "(":
			p.pos++
			if p.acceptOp(")") {
				return nil
			}
			if p.isKw("yield") {
				if err := p.yieldExpr(); err != nil {
					return err
				}
			} else if err := p.testListComp(")"); err != nil {
				return err
			}
			return p.expectOp(")")
		case "[":
			p.pos++
			if p.acceptOp("]") {
				return nil
			}
			if err := p.testListComp("]"); err != nil {
				return err
			}
			return p.expectOp("]")
		case "{":
			p.pos++
			if p.acceptOp("}") {
				return nil
			}
			if err := p.dictOrSet(); err != nil {
				return err
			}
			return p.expectOp("}")
		}
	}
	return p.unexpected()
}

func (p *parser) testListComp(closing string) error {
	if err := p.namedExprOrStar(); err != nil {
		return err
	}
	if p.isCompFor() {
		return p.compFor()
	}
	for p.acceptOp(",") {
		if p.isOp(closing) {
			return nil
		}
		if err := p.namedExprOrStar(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) dictOrSet() error {
	isDict, err := p.dictOrSetItem(true, false)
	if err != nil {
		return err
	}
	if p.isCompFor() {
		return p.compFor()
	}
	for p.acceptOp(",") {
		if p.isOp("}") {
			return nil
		}
		if _, err := p.dictOrSetItem(false, isDict); err != nil {
			return err
		}
	}
	return nil
}

// dictOrSetItem parses one display element. On the first element it decides
// whether the display is a dict; afterwards it enforces that choice.
func (p *parser) dictOrSetItem(first, isDict bool) (bool, error) {
	if p.acceptOp("**") {
		if !first && !isDict {
			return false, p.unexpected()
		}
		return true, p.binary(1)
	}
	if p.acceptOp("*") {
		if !first && isDict {
			return false, p.unexpected()
		}
		return false, p.expr()
	}
	if err := p.namedExprTest(); err != nil {
		return false, err
	}
	if p.acceptOp(":") {
		if !first && !isDict {
			return false, p.unexpected()
		}
		return true, p.test()
	}
	if !first && isDict {
		return false, p.unexpected()
	}
	return false, nil
}

func (p *parser) isCompFor() bool {
	return p.isKw("for") || (p.isKw("async") && p.peek(1).Text == "for")
}

func (p *parser) compFor() error {
	for p.isCompFor() {
		p.acceptKw("async")
		p.pos++
		if err := p.exprList(); err != nil {
			return err
		}
		if err := p.expectKw("in"); err != nil {
			return err
		}
		if err := p.orTest(); err != nil {
			return err
		}
		for p.acceptKw("if") {
			if err := p.testNoCond(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *parser) argList(closing string) error {
	for !p.isOp(closing) {
		switch {
		case p.acceptOp("**"), p.acceptOp("*"):
			if err := p.test(); err != nil {
				return err
			}
		case p.tok().Kind == Name && p.peek(1).Kind == Op && p.peek(1).Text == "=":
			if _, err := p.identifier(); err != nil {
				return err
			}
			p.pos++
			if err := p.test(); err != nil {
				return err
			}
		default:
			if err := p.namedExprTest(); err != nil {
				return err
			}
			if p.isCompFor() {
				if err := p.compFor(); err != nil {
					return err
				}
			}
		}
		if !p.acceptOp(",") {
			break
		}
	}
	return nil
}

func (p *parser) subscripts() error {
	for {
		if err := p.subscript(); err != nil {
			return err
		}
		if !p.acceptOp(",") || p.isOp("]") {
			return nil
		}
	}
}

func (p *parser) subscript() error {
	if p.acceptOp("*") {
		return p.expr()
	}
	if !p.isOp(":") {
		if err := p.namedExprTest(); err != nil {
			return err
		}
		if !p.isOp(":") {
			return nil
		}
	}
	for i := 0; i < 2 && p.acceptOp(":"); i++ {
		if !p.isOp(":") && !p.isOp("]") && !p.isOp(",") {
			if err := p.test(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *parser) yieldExpr() error {
	p.pos++
	if p.acceptKw("from") {
		return p.test()
	}
	if p.startsExpr() {
		return p.testListStarExpr()
	}
	return nil
}
