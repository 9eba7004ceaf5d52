package heap

import (
	"fmt"
	"strings"
)

type tokenType uint8

const (
	tokEOF tokenType = iota
	tokIllegal
	tokNewline
	tokIdent
	tokInt
	tokFloat
	tokString
	tokSymbol

	tokAssign // =
	tokEqual  // ==
	tokNotEq  // !=
	tokLess
	tokLessEq
	tokGreater
	tokGreaterEq
	tokSubtype // <:
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokDot
	tokComma
	tokColon
	tokSemicolon
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokLBrace
	tokRBrace

	tokConst
	tokStruct
	tokMutable
	tokAbstract
	tokType
)

var keywords = map[string]tokenType{
	"const":    tokConst,
	"struct":   tokStruct,
	"mutable":  tokMutable,
	"abstract": tokAbstract,
	"type":     tokType,
}

var tokenNames = map[tokenType]string{
	tokEOF:       "end of input",
	tokIllegal:   "illegal",
	tokNewline:   "newline",
	tokIdent:     "identifier",
	tokInt:       "integer",
	tokFloat:     "float",
	tokString:    "string",
	tokSymbol:    "symbol",
	tokAssign:    "'='",
	tokEqual:     "'=='",
	tokNotEq:     "'!='",
	tokLess:      "'<'",
	tokLessEq:    "'<='",
	tokGreater:   "'>'",
	tokGreaterEq: "'>='",
	tokSubtype:   "'<:'",
	tokPlus:      "'+'",
	tokMinus:     "'-'",
	tokStar:      "'*'",
	tokSlash:     "'/'",
	tokDot:       "'.'",
	tokComma:     "','",
	tokColon:     "':'",
	tokSemicolon: "';'",
	tokLParen:    "'('",
	tokRParen:    "')'",
	tokLBracket:  "'['",
	tokRBracket:  "']'",
	tokLBrace:    "'{'",
	tokRBrace:    "'}'",
	tokConst:     "'const'",
	tokStruct:    "'struct'",
	tokMutable:   "'mutable'",
	tokAbstract:  "'abstract'",
	tokType:      "'type'",
}

func (t tokenType) String() string {
	if s, ok := tokenNames[t]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", t)
}

type token struct {
	typ  tokenType
	text string
	line int
	col  int
}

// lexer converts source text into tokens.
// Newlines inside (), [] and {} are skipped.
type lexer struct {
	input   string
	pos     int
	line    int
	col     int
	nesting int
	last    tokenType
}

func newLexer(input string) *lexer {
	return &lexer{input: input, line: 1, col: 1, last: tokNewline}
}

func (l *lexer) peek(off int) byte {
	if l.pos+off < len(l.input) {
		return l.input[l.pos+off]
	}
	return 0
}

func (l *lexer) advance() byte {
	ch := l.input[l.pos]
	l.pos++
	if ch == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return ch
}

func (l *lexer) next() token {
	tok := l.scan()
	l.last = tok.typ
	return tok
}

func (l *lexer) scan() token {
	for l.pos < len(l.input) {
		ch := l.peek(0)
		switch {
		case ch == ' ' || ch == '\t' || ch == '\r':
			l.advance()
		case ch == '#':
			for l.pos < len(l.input) && l.peek(0) != '\n' {
				l.advance()
			}
		case ch == '\n' && l.nesting > 0:
			l.advance()
		default:
			return l.scanToken()
		}
	}
	return token{typ: tokEOF, line: l.line, col: l.col}
}

func (l *lexer) scanToken() token {
	line, col := l.line, l.col
	mk := func(t tokenType, text string) token {
		return token{typ: t, text: text, line: line, col: col}
	}
	two := func(t tokenType) token {
		text := l.input[l.pos : l.pos+2]
		l.advance()
		l.advance()
		return mk(t, text)
	}
	one := func(t tokenType) token {
		return mk(t, string(l.advance()))
	}

	ch := l.peek(0)
	switch {
	case ch == '\n':
		l.advance()
		return mk(tokNewline, "\n")
	case isIdentStart(ch):
		start := l.pos
		for l.pos < len(l.input) && isIdentPart(l.peek(0)) {
			l.advance()
		}
		word := l.input[start:l.pos]
		if kw, ok := keywords[word]; ok {
			return mk(kw, word)
		}
		return mk(tokIdent, word)
	case isDigit(ch):
		return l.scanNumber(line, col)
	case ch == '"':
		return l.scanString(line, col)
	}

	switch ch {
	case '=':
		if l.peek(1) == '=' {
			return two(tokEqual)
		}
		return one(tokAssign)
	case '!':
		if l.peek(1) == '=' {
			return two(tokNotEq)
		}
	case '<':
		switch l.peek(1) {
		case '=':
			return two(tokLessEq)
		case ':':
			return two(tokSubtype)
		}
		return one(tokLess)
	case '>':
		if l.peek(1) == '=' {
			return two(tokGreaterEq)
		}
		return one(tokGreater)
	case ':':
		// :name is a symbol unless it directly follows a value
		if isIdentStart(l.peek(1)) && !endsValue(l.last) {
			l.advance()
			start := l.pos
			for l.pos < len(l.input) && isIdentPart(l.peek(0)) {
				l.advance()
			}
			return mk(tokSymbol, l.input[start:l.pos])
		}
		return one(tokColon)
	case '+':
		return one(tokPlus)
	case '-':
		return one(tokMinus)
	case '*':
		return one(tokStar)
	case '/':
		return one(tokSlash)
	case '.':
		return one(tokDot)
	case ',':
		return one(tokComma)
	case ';':
		return one(tokSemicolon)
	case '(':
		l.nesting++
		return one(tokLParen)
	case '[':
		l.nesting++
		return one(tokLBracket)
	case '{':
		l.nesting++
		return one(tokLBrace)
	case ')', ']', '}':
		if l.nesting > 0 {
			l.nesting--
		}
		switch ch {
		case ')':
			return one(tokRParen)
		case ']':
			return one(tokRBracket)
		}
		return one(tokRBrace)
	}
	return one(tokIllegal)
}

func (l *lexer) scanNumber(line, col int) token {
	start := l.pos
	typ := tokInt
	for l.pos < len(l.input) && (isDigit(l.peek(0)) || l.peek(0) == '_') {
		l.advance()
	}
	if l.peek(0) == '.' && isDigit(l.peek(1)) {
		typ = tokFloat
		l.advance()
		for l.pos < len(l.input) && isDigit(l.peek(0)) {
			l.advance()
		}
	}
	if c := l.peek(0); c == 'e' || c == 'E' {
		off := 1
		if s := l.peek(1); s == '+' || s == '-' {
			off = 2
		}
		if isDigit(l.peek(off)) {
			typ = tokFloat
			for i := 0; i < off; i++ {
				l.advance()
			}
			for l.pos < len(l.input) && isDigit(l.peek(0)) {
				l.advance()
			}
		}
	}
	return token{typ: typ, text: strings.ReplaceAll(l.input[start:l.pos], "_", ""), line: line, col: col}
}

func (l *lexer) scanString(line, col int) token {
	l.advance()
	var b strings.Builder
	for {
		if l.pos >= len(l.input) {
			return token{typ: tokIllegal, text: "unterminated string", line: line, col: col}
		}
		ch := l.advance()
		switch ch {
		case '"':
			return token{typ: tokString, text: b.String(), line: line, col: col}
		case '\\':
			if l.pos >= len(l.input) {
				return token{typ: tokIllegal, text: "unterminated string", line: line, col: col}
			}
			esc := l.advance()
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '"', '\\':
				b.WriteByte(esc)
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
		default:
			b.WriteByte(ch)
		}
	}
}

func endsValue(t tokenType) bool {
	switch t {
	case tokIdent, tokInt, tokFloat, tokString, tokSymbol, tokRParen, tokRBracket, tokRBrace:
		return true
	}
	return false
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
