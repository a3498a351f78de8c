package pdf

import (
	"strings"
)

// kerningGap is the TJ displacement, in thousandths of text space, treated as
// a word break.
const kerningGap = -250

// operand is a content-stream operand; arrays are flattened into items.
type operand struct {
	token
	items []token
}

// pageText assembles readable text from a decoded page content stream. Line
// structure is kept: operators that move to a new line emit '\n'. fonts maps
// resource names to ToUnicode tables; fonts without one decode as Latin-1.
func pageText(content []byte, fonts map[string]*CMap) string {
	w := &textWriter{fonts: fonts}
	lx := newLexer(content)
	var operands []operand
	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		switch tok.kind {
		case tokArrayStart:
			operands = append(operands, operand{token: tok, items: readArray(lx)})
			continue
		case tokOperator:
		default:
			operands = append(operands, operand{token: tok})
			continue
		}

		w.apply(tok.text, operands)
		if tok.text == "ID" {
			lx.skipInlineImage()
		}
		operands = operands[:0]
	}
	return w.String()
}

func readArray(lx *lexer) []token {
	var items []token
	for {
		tok, ok := lx.next()
		if !ok || tok.kind == tokArrayEnd {
			return items
		}
		if tok.kind == tokArrayStart {
			items = append(items, readArray(lx)...)
			continue
		}
		items = append(items, tok)
	}
}

type textWriter struct {
	b     strings.Builder
	fonts map[string]*CMap
	font  *CMap
	lineY float64
	haveY bool
}

func (w *textWriter) String() string {
	return strings.TrimRight(w.b.String(), " \n")
}

func (w *textWriter) apply(op string, args []operand) {
	switch op {
	case "Tf":
		if len(args) >= 1 && args[0].kind == tokName {
			w.font = w.fonts[args[0].text]
		}
	case "Tj":
		if s, ok := lastString(args); ok {
			w.write(s)
		}
	case "'", "\"":
		w.newline()
		if s, ok := lastString(args); ok {
			w.write(s)
		}
	case "TJ":
		if len(args) == 0 {
			return
		}
		for _, item := range args[len(args)-1].items {
			switch item.kind {
			case tokString:
				w.write(item.data)
			case tokNumber:
				if item.num <= kerningGap {
					w.space()
				}
			}
		}
	case "Td", "TD":
		if len(args) >= 2 && args[1].num != 0 {
			w.lineY += args[1].num
			w.newline()
		} else {
			w.space()
		}
	case "T*":
		w.newline()
	case "Tm":
		if len(args) < 6 {
			return
		}
		y := args[5].num
		if w.haveY && y != w.lineY {
			w.newline()
		} else {
			w.space()
		}
		w.lineY = y
		w.haveY = true
	case "ET":
		w.space()
	}
}

func lastString(args []operand) ([]byte, bool) {
	for i := len(args) - 1; i >= 0; i-- {
		if args[i].kind == tokString {
			return args[i].data, true
		}
	}
	return nil, false
}

func (w *textWriter) write(raw []byte) {
	if w.font != nil {
		w.b.WriteString(w.font.Decode(raw))
		return
	}
	for _, c := range raw {
		w.b.WriteRune(rune(c))
	}
}

func (w *textWriter) last() byte {
	s := w.b.String()
	if s == "" {
		return 0
	}
	return s[len(s)-1]
}

func (w *textWriter) newline() {
	if w.b.Len() == 0 {
		return
	}
	if w.last() == ' ' {
		trimmed := strings.TrimRight(w.b.String(), " ")
		w.b.Reset()
		w.b.WriteString(trimmed)
	}
	if w.last() != '\n' {
		w.b.WriteByte('\n')
	}
}

func (w *textWriter) space() {
	if w.b.Len() == 0 {
		return
	}
	if c := w.last(); c != ' ' && c != '\n' {
		w.b.WriteByte(' ')
	}
}
