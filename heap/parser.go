package heap

import (
	"fmt"
	"strconv"
)

type node interface {
	pos() (int, int)
}

type at struct{ line, col int }

func (a at) pos() (int, int) { return a.line, a.col }

type (
	intLit struct {
		at
		v int64
	}
	floatLit struct {
		at
		v float64
	}
	stringLit struct {
		at
		v string
	}
	symbolLit struct {
		at
		name string
	}
	ident struct {
		at
		name string
	}
	arrayLit struct {
		at
		elems []node
	}
	dictLit struct {
		at
		keys   []node
		values []node
	}
	fieldExpr struct {
		at
		x    node
		name string
	}
	indexExpr struct {
		at
		x   node
		idx []node
	}
	callExpr struct {
		at
		fn   node
		args []node
	}
	unaryExpr struct {
		at
		op tokenType
		x  node
	}
	binaryExpr struct {
		at
		op   tokenType
		l, r node
	}
	assignStmt struct {
		at
		target   node
		value    node
		constant bool
	}
	structDecl struct {
		at
		name    string
		fields  []string
		super   string
		mutable bool
	}
	abstractDecl struct {
		at
		name  string
		super string
	}
)

type syntaxError struct {
	line, col int
	msg       string
}

func (e *syntaxError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.line, e.col, e.msg)
}

type parser struct {
	lex  *lexer
	cur  token
	peek token
	err  *syntaxError
}

// parse turns source text into a statement list.
func parse(src string) ([]node, error) {
	p := &parser{lex: newLexer(src)}
	p.next()
	p.next()
	prog := p.program()
	if p.err != nil {
		return nil, p.err
	}
	return prog, nil
}

func (p *parser) next() {
	p.cur = p.peek
	p.peek = p.lex.next()
}

func (p *parser) fail(tok token, format string, args ...any) {
	if p.err == nil {
		p.err = &syntaxError{line: tok.line, col: tok.col, msg: fmt.Sprintf(format, args...)}
	}
	// stop consuming input
	p.cur = token{typ: tokEOF, line: tok.line, col: tok.col}
	p.peek = p.cur
}

func (p *parser) expect(t tokenType) token {
	tok := p.cur
	if tok.typ != t {
		p.fail(tok, "expected %s, found %s", t, describe(tok))
		return tok
	}
	p.next()
	return tok
}

func describe(tok token) string {
	switch tok.typ {
	case tokIdent, tokInt, tokFloat:
		return fmt.Sprintf("%s %q", tok.typ, tok.text)
	case tokIllegal:
		if tok.text != "" {
			return fmt.Sprintf("illegal input %q", tok.text)
		}
	}
	return tok.typ.String()
}

func isSeparator(t tokenType) bool {
	return t == tokNewline || t == tokSemicolon
}

func (p *parser) program() []node {
	var prog []node
	for {
		for isSeparator(p.cur.typ) {
			p.next()
		}
		if p.cur.typ == tokEOF {
			return prog
		}
		stmt := p.statement()
		if p.err != nil {
			return nil
		}
		prog = append(prog, stmt)
		if !isSeparator(p.cur.typ) && p.cur.typ != tokEOF {
			p.fail(p.cur, "unexpected %s after statement", describe(p.cur))
			return nil
		}
	}
}

func (p *parser) statement() node {
	start := at{p.cur.line, p.cur.col}
	switch p.cur.typ {
	case tokConst:
		p.next()
		name := p.expect(tokIdent)
		p.expect(tokAssign)
		value := p.expression()
		return &assignStmt{at: start, target: &ident{at: at{name.line, name.col}, name: name.text}, value: value, constant: true}
	case tokMutable:
		p.next()
		if p.cur.typ != tokStruct {
			p.fail(p.cur, "expected 'struct' after 'mutable'")
			return nil
		}
		decl := p.structDecl(start)
		decl.mutable = true
		return decl
	case tokStruct:
		return p.structDecl(start)
	case tokAbstract:
		p.next()
		p.expect(tokType)
		name := p.expect(tokIdent)
		decl := &abstractDecl{at: start, name: name.text}
		if p.cur.typ == tokSubtype {
			p.next()
			decl.super = p.expect(tokIdent).text
		}
		return decl
	}

	x := p.expression()
	if p.cur.typ == tokAssign {
		switch x.(type) {
		case *ident, *fieldExpr, *indexExpr:
		default:
			p.fail(p.cur, "invalid assignment target")
			return nil
		}
		p.next()
		return &assignStmt{at: start, target: x, value: p.expression()}
	}
	return x
}

func (p *parser) structDecl(start at) *structDecl {
	p.expect(tokStruct)
	decl := &structDecl{at: start, name: p.expect(tokIdent).text}
	p.expect(tokLParen)
	for p.cur.typ != tokRParen && p.cur.typ != tokEOF {
		decl.fields = append(decl.fields, p.expect(tokIdent).text)
		if p.cur.typ != tokComma {
			break
		}
		p.next()
	}
	p.expect(tokRParen)
	if p.cur.typ == tokSubtype {
		p.next()
		decl.super = p.expect(tokIdent).text
	}
	return decl
}

func (p *parser) expression() node {
	return p.comparison()
}

func (p *parser) comparison() node {
	l := p.additive()
	switch p.cur.typ {
	case tokEqual, tokNotEq, tokLess, tokLessEq, tokGreater, tokGreaterEq, tokSubtype:
		op := p.cur
		p.next()
		r := p.additive()
		return &binaryExpr{at: at{op.line, op.col}, op: op.typ, l: l, r: r}
	}
	return l
}

func (p *parser) additive() node {
	l := p.term()
	for p.cur.typ == tokPlus || p.cur.typ == tokMinus {
		op := p.cur
		p.next()
		l = &binaryExpr{at: at{op.line, op.col}, op: op.typ, l: l, r: p.term()}
	}
	return l
}

func (p *parser) term() node {
	l := p.unary()
	for p.cur.typ == tokStar || p.cur.typ == tokSlash {
		op := p.cur
		p.next()
		l = &binaryExpr{at: at{op.line, op.col}, op: op.typ, l: l, r: p.unary()}
	}
	return l
}

func (p *parser) unary() node {
	if p.cur.typ == tokMinus {
		op := p.cur
		p.next()
		return &unaryExpr{at: at{op.line, op.col}, op: op.typ, x: p.unary()}
	}
	return p.postfix()
}

func (p *parser) postfix() node {
	x := p.primary()
	for p.err == nil {
		tok := p.cur
		switch tok.typ {
		case tokDot:
			p.next()
			name := p.expect(tokIdent)
			x = &fieldExpr{at: at{tok.line, tok.col}, x: x, name: name.text}
		case tokLBracket:
			p.next()
			idx := p.list(tokRBracket)
			if len(idx) == 0 {
				p.fail(tok, "empty index")
				return x
			}
			x = &indexExpr{at: at{tok.line, tok.col}, x: x, idx: idx}
		case tokLParen:
			p.next()
			x = &callExpr{at: at{tok.line, tok.col}, fn: x, args: p.list(tokRParen)}
		default:
			return x
		}
	}
	return x
}

// list parses comma-separated expressions up to and including the closing token.
func (p *parser) list(end tokenType) []node {
	var out []node
	for p.cur.typ != end && p.cur.typ != tokEOF {
		out = append(out, p.expression())
		if p.cur.typ != tokComma {
			break
		}
		p.next()
	}
	p.expect(end)
	return out
}

func (p *parser) primary() node {
	tok := p.cur
	pos := at{tok.line, tok.col}
	switch tok.typ {
	case tokInt:
		p.next()
		v, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			p.fail(tok, "integer literal %s out of range", tok.text)
		}
		return &intLit{at: pos, v: v}
	case tokFloat:
		p.next()
		v, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			p.fail(tok, "invalid float literal %s", tok.text)
		}
		return &floatLit{at: pos, v: v}
	case tokString:
		p.next()
		return &stringLit{at: pos, v: tok.text}
	case tokSymbol:
		p.next()
		return &symbolLit{at: pos, name: tok.text}
	case tokIdent:
		p.next()
		return &ident{at: pos, name: tok.text}
	case tokLParen:
		p.next()
		x := p.expression()
		p.expect(tokRParen)
		return x
	case tokLBracket:
		p.next()
		return &arrayLit{at: pos, elems: p.list(tokRBracket)}
	case tokLBrace:
		p.next()
		d := &dictLit{at: pos}
		for p.cur.typ != tokRBrace && p.cur.typ != tokEOF {
			d.keys = append(d.keys, p.expression())
			p.expect(tokColon)
			d.values = append(d.values, p.expression())
			if p.cur.typ != tokComma {
				break
			}
			p.next()
		}
		p.expect(tokRBrace)
		return d
	}
	p.fail(tok, "unexpected %s", describe(tok))
	return &ident{at: pos}
}
