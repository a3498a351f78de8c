package pdf

import (
	"strings"
	"unicode/utf16"
)

type codespace struct {
	width  int
	lo, hi uint32
}

// CMap is a parsed ToUnicode map: character codes to Unicode text.
type CMap struct {
	spaces []codespace
	chars  map[int]map[uint32]string
}

// ParseCMap parses the bfchar, bfrange and codespacerange sections of a
// ToUnicode CMap program. Unknown operators are ignored.
func ParseCMap(data []byte) *CMap {
	cm := &CMap{chars: make(map[int]map[uint32]string)}
	lx := newLexer(data)
	var section string
	var args []token
	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		switch tok.kind {
		case tokOperator:
			switch tok.text {
			case "begincodespacerange", "beginbfchar", "beginbfrange":
				section = tok.text
				args = args[:0]
			case "endcodespacerange":
				cm.addCodespaces(args)
				section = ""
			case "endbfchar":
				cm.addChars(args)
				section = ""
			case "endbfrange":
				cm.addRanges(args)
				section = ""
			}
			if section == "" {
				args = args[:0]
			}
		case tokArrayStart:
			if section == "beginbfrange" {
				// Arrays are only valid as the destination of a bfrange entry;
				// mark the position and collect the items.
				items := readArray(lx)
				args = append(args, token{kind: tokArrayStart, text: "array"})
				args = append(args, items...)
				args = append(args, token{kind: tokArrayEnd})
			}
		default:
			if section != "" {
				args = append(args, tok)
			}
		}
	}
	return cm
}

func codeValue(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func decodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		return string(b)
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	return string(utf16.Decode(units))
}

func (cm *CMap) set(width int, code uint32, text string) {
	m := cm.chars[width]
	if m == nil {
		m = make(map[uint32]string)
		cm.chars[width] = m
	}
	m[code] = text
}

func (cm *CMap) addCodespaces(args []token) {
	for i := 0; i+1 < len(args); i += 2 {
		lo, hi := args[i], args[i+1]
		if lo.kind != tokString || hi.kind != tokString || len(lo.data) == 0 {
			continue
		}
		cm.spaces = append(cm.spaces, codespace{
			width: len(lo.data),
			lo:    codeValue(lo.data),
			hi:    codeValue(hi.data),
		})
	}
}

func (cm *CMap) addChars(args []token) {
	for i := 0; i+1 < len(args); i += 2 {
		src, dst := args[i], args[i+1]
		if src.kind != tokString || len(src.data) == 0 {
			continue
		}
		var text string
		switch dst.kind {
		case tokString:
			text = decodeUTF16(dst.data)
		case tokName:
			text = dst.text
		default:
			continue
		}
		cm.set(len(src.data), codeValue(src.data), text)
	}
}

func (cm *CMap) addRanges(args []token) {
	for i := 0; i+2 < len(args); {
		lo, hi := args[i], args[i+1]
		if lo.kind != tokString || hi.kind != tokString || len(lo.data) == 0 {
			i++
			continue
		}
		width := len(lo.data)
		start, end := codeValue(lo.data), codeValue(hi.data)
		dst := args[i+2]

		if dst.kind == tokArrayStart {
			j := i + 3
			code := start
			for ; j < len(args) && args[j].kind != tokArrayEnd; j++ {
				if args[j].kind == tokString && code <= end {
					cm.set(width, code, decodeUTF16(args[j].data))
					code++
				}
			}
			i = j + 1
			continue
		}

		if dst.kind == tokString && len(dst.data) >= 2 && end >= start && end-start <= 0xFFFF {
			base := []rune(decodeUTF16(dst.data))
			if len(base) > 0 {
				last := base[len(base)-1]
				for code := start; code <= end; code++ {
					out := append([]rune(nil), base[:len(base)-1]...)
					out = append(out, last+rune(code-start))
					cm.set(width, code, string(out))
				}
			}
		}
		i += 3
	}
}

// widthFor picks the code width for the bytes at the start of raw.
func (cm *CMap) widthFor(raw []byte) int {
	for _, cs := range cm.spaces {
		if cs.width > len(raw) {
			continue
		}
		v := codeValue(raw[:cs.width])
		if v >= cs.lo && v <= cs.hi {
			return cs.width
		}
	}
	if len(cm.spaces) > 0 {
		return cm.spaces[0].width
	}
	if _, ok := cm.chars[1]; ok {
		return 1
	}
	return 2
}

// Decode maps a string operand to Unicode. Codes without a mapping fall back
// to their single-byte Latin-1 value when printable and are dropped otherwise.
func (cm *CMap) Decode(raw []byte) string {
	var b strings.Builder
	for len(raw) > 0 {
		w := cm.widthFor(raw)
		if w > len(raw) {
			w = len(raw)
		}
		code := codeValue(raw[:w])
		if text, ok := cm.chars[w][code]; ok {
			b.WriteString(text)
		} else if w == 1 && code >= 0x20 {
			b.WriteRune(rune(code))
		}
		raw = raw[w:]
	}
	return b.String()
}
