package pdf

import (
	"bytes"
	"strconv"
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokName
	tokOperator
	tokArrayStart
	tokArrayEnd
	tokDictStart
	tokDictEnd
)

type token struct {
	kind tokenKind
	text string
	data []byte
	num  float64
}

// lexer tokenizes PDF content streams and CMap programs.
type lexer struct {
	src []byte
	pos int
}

func newLexer(src []byte) *lexer {
	return &lexer{src: src}
}

func isWhitespace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (l *lexer) skipSpaceAndComments() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case isWhitespace(c):
			l.pos++
		case c == '%':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' && l.src[l.pos] != '\r' {
				l.pos++
			}
		default:
			return
		}
	}
}

// next returns the next token, or false at end of input.
func (l *lexer) next() (token, bool) {
	for {
		l.skipSpaceAndComments()
		if l.pos >= len(l.src) {
			return token{}, false
		}
		c := l.src[l.pos]
		switch c {
		case '(':
			l.pos++
			return token{kind: tokString, data: l.literalString()}, true
		case '<':
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '<' {
				l.pos += 2
				return token{kind: tokDictStart}, true
			}
			l.pos++
			return token{kind: tokString, data: l.hexString()}, true
		case '>':
			l.pos++
			if l.pos < len(l.src) && l.src[l.pos] == '>' {
				l.pos++
				return token{kind: tokDictEnd}, true
			}
			continue
		case '[':
			l.pos++
			return token{kind: tokArrayStart}, true
		case ']':
			l.pos++
			return token{kind: tokArrayEnd}, true
		case '{', '}', ')':
			l.pos++
			continue
		case '/':
			l.pos++
			return token{kind: tokName, text: string(l.regular())}, true
		}

		word := l.regular()
		if len(word) == 0 {
			l.pos++
			continue
		}
		if n, err := strconv.ParseFloat(string(word), 64); err == nil {
			return token{kind: tokNumber, num: n, text: string(word)}, true
		}
		return token{kind: tokOperator, text: string(word)}, true
	}
}

func (l *lexer) regular() []byte {
	start := l.pos
	for l.pos < len(l.src) && !isWhitespace(l.src[l.pos]) && !isDelimiter(l.src[l.pos]) {
		l.pos++
	}
	return l.src[start:l.pos]
}

// literalString reads up to the balancing close paren. The opening paren has
// already been consumed.
func (l *lexer) literalString() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
			out = append(out, c)
		case ')':
			depth--
			if depth == 0 {
				return out
			}
			out = append(out, c)
		case '\\':
			if l.pos >= len(l.src) {
				return out
			}
			e := l.src[l.pos]
			l.pos++
			switch e {
			case 'n':
				out = append(out, '\n')
			case 'r':
				out = append(out, '\r')
			case 't':
				out = append(out, '\t')
			case 'b':
				out = append(out, '\b')
			case 'f':
				out = append(out, '\f')
			case '\r':
				if l.pos < len(l.src) && l.src[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					val := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.src) && l.src[l.pos] >= '0' && l.src[l.pos] <= '7'; i++ {
						val = val*8 + int(l.src[l.pos]-'0')
						l.pos++
					}
					out = append(out, byte(val))
				} else {
					out = append(out, e)
				}
			}
		default:
			out = append(out, c)
		}
	}
	return out
}

// hexString reads hex digits up to '>'. An odd trailing digit is padded with 0.
func (l *lexer) hexString() []byte {
	var out []byte
	var hi byte
	half := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		l.pos++
		if c == '>' {
			break
		}
		v, ok := hexValue(c)
		if !ok {
			continue
		}
		if half {
			out = append(out, hi<<4|v)
			half = false
		} else {
			hi = v
			half = true
		}
	}
	if half {
		out = append(out, hi<<4)
	}
	return out
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// skipInlineImage advances past the binary payload that follows an ID operator.
func (l *lexer) skipInlineImage() {
	for l.pos < len(l.src) {
		idx := bytes.Index(l.src[l.pos:], []byte("EI"))
		if idx < 0 {
			l.pos = len(l.src)
			return
		}
		at := l.pos + idx
		before := at == 0 || isWhitespace(l.src[at-1])
		after := at+2 >= len(l.src) || isWhitespace(l.src[at+2])
		l.pos = at + 2
		if before && after {
			return
		}
	}
}
