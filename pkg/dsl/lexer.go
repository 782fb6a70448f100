package dsl

import (
	"strings"
)

// tabWidth is the column width a tab advances to when measuring
// indentation.
const tabWidth = 8

// lexer turns plan-language source into a flat token stream. It is
// line-oriented: each physical line is scanned independently, and block
// structure surfaces as Indent/Dedent tokens computed from an
// indentation stack.
type lexer struct {
	lines  []string
	indent []int // indentation stack, always starts with 0
	tokens []Token
}

// lex tokenizes src. The returned stream always ends with TokenEOF, with
// any open indentation blocks closed by trailing Dedent tokens.
func lex(src string) ([]Token, error) {
	src = strings.TrimPrefix(src, "\uFEFF")
	l := &lexer{
		lines:  strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n"),
		indent: []int{0},
	}
	for i, line := range l.lines {
		if err := l.lexLine(i+1, line); err != nil {
			return nil, err
		}
	}
	lastLine := len(l.lines)
	for len(l.indent) > 1 {
		l.indent = l.indent[:len(l.indent)-1]
		l.emit(Token{Kind: TokenDedent, Line: lastLine})
	}
	l.emit(Token{Kind: TokenEOF, Line: lastLine})
	return l.tokens, nil
}

func (l *lexer) emit(t Token) {
	l.tokens = append(l.tokens, t)
}

func (l *lexer) lexLine(lineno int, line string) error {
	width, start := measureIndent(line)
	rest := line[start:]
	if rest == "" || strings.HasPrefix(rest, "#") {
		// Blank and comment-only lines carry no block structure.
		return nil
	}

	if err := l.adjustIndent(lineno, width); err != nil {
		return err
	}
	if err := l.lexTokens(lineno, start, rest); err != nil {
		return err
	}
	l.emit(Token{Kind: TokenNewline, Line: lineno})
	return nil
}

// measureIndent returns the indentation width in columns and the byte
// offset of the first non-indent character.
func measureIndent(line string) (width, offset int) {
	for offset < len(line) {
		switch line[offset] {
		case ' ':
			width++
		case '\t':
			width += tabWidth - width%tabWidth
		default:
			return width, offset
		}
		offset++
	}
	return width, offset
}

func (l *lexer) adjustIndent(lineno, width int) error {
	top := l.indent[len(l.indent)-1]
	switch {
	case width > top:
		l.indent = append(l.indent, width)
		l.emit(Token{Kind: TokenIndent, Line: lineno})
	case width < top:
		for width < l.indent[len(l.indent)-1] {
			l.indent = l.indent[:len(l.indent)-1]
			l.emit(Token{Kind: TokenDedent, Line: lineno})
		}
		if width != l.indent[len(l.indent)-1] {
			return parseErrorf(lineno, "unindent does not match any outer indentation level")
		}
	}
	return nil
}

func (l *lexer) lexTokens(lineno, col0 int, s string) error {
	i := 0
	for i < len(s) {
		ch := s[i]
		col := col0 + i + 1
		switch {
		case ch == ' ' || ch == '\t':
			i++
		case ch == '#':
			return nil // comment to end of line
		case isNameStart(ch):
			j := i + 1
			for j < len(s) && isNamePart(s[j]) {
				j++
			}
			word := s[i:j]
			kind := TokenName
			if kw, ok := keywords[word]; ok {
				kind = kw
			}
			l.emit(Token{Kind: kind, Lit: word, Line: lineno, Col: col})
			i = j
		case isDigit(ch) || (ch == '-' && i+1 < len(s) && isDigit(s[i+1])):
			j := i + 1
			sawDot := false
			for j < len(s) && (isDigit(s[j]) || (s[j] == '.' && !sawDot && j+1 < len(s) && isDigit(s[j+1]))) {
				if s[j] == '.' {
					sawDot = true
				}
				j++
			}
			l.emit(Token{Kind: TokenNumber, Lit: s[i:j], Line: lineno, Col: col})
			i = j
		case ch == '"' || ch == '\'':
			lit, n, err := scanString(s[i:], lineno)
			if err != nil {
				return err
			}
			l.emit(Token{Kind: TokenString, Lit: lit, Line: lineno, Col: col})
			i += n
		case ch == '=':
			if i+1 < len(s) && s[i+1] == '=' {
				l.emit(Token{Kind: TokenEq, Lit: "==", Line: lineno, Col: col})
				i += 2
			} else {
				l.emit(Token{Kind: TokenAssign, Lit: "=", Line: lineno, Col: col})
				i++
			}
		case ch == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				l.emit(Token{Kind: TokenNe, Lit: "!=", Line: lineno, Col: col})
				i += 2
			} else {
				return parseErrorf(lineno, "unexpected character %q", string(ch))
			}
		case ch == '<':
			if i+1 < len(s) && s[i+1] == '=' {
				l.emit(Token{Kind: TokenLe, Lit: "<=", Line: lineno, Col: col})
				i += 2
			} else {
				l.emit(Token{Kind: TokenLt, Lit: "<", Line: lineno, Col: col})
				i++
			}
		case ch == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				l.emit(Token{Kind: TokenGe, Lit: ">=", Line: lineno, Col: col})
				i += 2
			} else {
				l.emit(Token{Kind: TokenGt, Lit: ">", Line: lineno, Col: col})
				i++
			}
		case ch == '(':
			l.emit(Token{Kind: TokenLParen, Lit: "(", Line: lineno, Col: col})
			i++
		case ch == ')':
			l.emit(Token{Kind: TokenRParen, Lit: ")", Line: lineno, Col: col})
			i++
		case ch == ':':
			l.emit(Token{Kind: TokenColon, Lit: ":", Line: lineno, Col: col})
			i++
		case ch == ',':
			l.emit(Token{Kind: TokenComma, Lit: ",", Line: lineno, Col: col})
			i++
		case ch == '.':
			l.emit(Token{Kind: TokenDot, Lit: ".", Line: lineno, Col: col})
			i++
		default:
			return parseErrorf(lineno, "unexpected character %q", string(ch))
		}
	}
	return nil
}

// scanString consumes a quoted literal from the start of s. It strips the
// single layer of surrounding quotes and resolves escape sequences,
// returning the literal value and the number of source bytes consumed.
func scanString(s string, lineno int) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	i := 1
	for i < len(s) {
		ch := s[i]
		switch ch {
		case quote:
			return b.String(), i + 1, nil
		case '\\':
			if i+1 >= len(s) {
				return "", 0, parseErrorf(lineno, "unterminated string literal")
			}
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '"', '\'':
				b.WriteByte(s[i+1])
			default:
				// Unknown escapes pass through verbatim.
				b.WriteByte('\\')
				b.WriteByte(s[i+1])
			}
			i += 2
		default:
			b.WriteByte(ch)
			i++
		}
	}
	return "", 0, parseErrorf(lineno, "unterminated string literal")
}

func isNameStart(ch byte) bool {
	return ch == '_' || ('a' <= ch && ch <= 'z') || ('A' <= ch && ch <= 'Z')
}

func isNamePart(ch byte) bool {
	return isNameStart(ch) || isDigit(ch)
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
