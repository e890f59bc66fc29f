package graph

import (
	"fmt"
	"strings"
)

type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdent
	tokenString
	tokenSymbol
)

type token struct {
	typ tokenType
	lit string
	pos int
}

// stripComments removes //, #, and /* */ comments while preserving string
// literals. Byte offsets shift, so diagnostics report post-strip positions.
func stripComments(src []byte) ([]byte, error) {
	var b strings.Builder
	s := string(src)
	i := 0
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '"':
			start := i
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					i += 2
					continue
				}
				if s[i] == '"' {
					i++
					break
				}
				i++
			}
			b.WriteString(s[start:i])
		case ch == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '#':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("graph parse: unterminated block comment at %d", i)
			}
			i += 2 + end + 2
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return []byte(b.String()), nil
}

type lexer struct {
	s   string
	pos int
}

func newLexer(src []byte) *lexer {
	return &lexer{s: string(src)}
}

func (lx *lexer) next() (token, error) {
	lx.skipSpace()
	if lx.pos >= len(lx.s) {
		return token{typ: tokenEOF, pos: lx.pos}, nil
	}
	start := lx.pos
	ch := lx.s[lx.pos]

	if ch == '"' {
		lit, err := lx.readString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenString, lit: lit, pos: start}, nil
	}

	if isIdentByte(ch) {
		lx.pos++
		for lx.pos < len(lx.s) && isIdentByte(lx.s[lx.pos]) {
			lx.pos++
		}
		return token{typ: tokenIdent, lit: lx.s[start:lx.pos], pos: start}, nil
	}

	if ch == '-' && lx.pos+1 < len(lx.s) && lx.s[lx.pos+1] == '>' {
		lx.pos += 2
		return token{typ: tokenSymbol, lit: "->", pos: start}, nil
	}

	switch ch {
	case '{', '}', '[', ']', ';', ',', '=', '-', '.', ':', '/':
		lx.pos++
		return token{typ: tokenSymbol, lit: string(ch), pos: start}, nil
	}
	return token{}, fmt.Errorf("graph parse: unexpected character %q at %d", ch, start)
}

func (lx *lexer) readString() (string, error) {
	// Caller verified the opening quote.
	lx.pos++
	var b strings.Builder
	for lx.pos < len(lx.s) {
		ch := lx.s[lx.pos]
		lx.pos++
		if ch == '"' {
			return b.String(), nil
		}
		if ch == '\\' {
			if lx.pos >= len(lx.s) {
				return "", fmt.Errorf("graph parse: unterminated escape at %d", lx.pos)
			}
			esc := lx.s[lx.pos]
			lx.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			continue
		}
		b.WriteByte(ch)
	}
	return "", fmt.Errorf("graph parse: unterminated string at %d", lx.pos)
}

func (lx *lexer) skipSpace() {
	for lx.pos < len(lx.s) {
		switch lx.s[lx.pos] {
		case ' ', '\t', '\r', '\n':
			lx.pos++
		default:
			return
		}
	}
}

func isIdentByte(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
