package dsl

import "fmt"

// TokenKind identifies the lexical class of a token.
type TokenKind int

const (
	// TokenEOF marks the end of the token stream.
	TokenEOF TokenKind = iota

	// TokenNewline terminates a logical line.
	TokenNewline

	// TokenIndent opens a new indentation block.
	TokenIndent

	// TokenDedent closes the innermost indentation block.
	TokenDedent

	// TokenName is an identifier (variable, task name, attribute segment).
	TokenName

	// TokenNumber is an integer or decimal literal.
	TokenNumber

	// TokenString is a quoted string literal with the surrounding quotes
	// already stripped and escapes resolved.
	TokenString

	// TokenAssign is the assignment operator "=".
	TokenAssign

	// TokenLParen is "(".
	TokenLParen

	// TokenRParen is ")".
	TokenRParen

	// TokenColon is ":".
	TokenColon

	// TokenComma is ",".
	TokenComma

	// TokenDot is the attribute-access dot. Whitespace around the dot is
	// insignificant: "a . b" lexes identically to "a.b".
	TokenDot

	// Comparison operators.
	TokenEq // ==
	TokenNe // !=
	TokenLt // <
	TokenGt // >
	TokenLe // <=
	TokenGe // >=

	// Keywords.
	TokenIf
	TokenElse
	TokenFor
	TokenIn
	TokenRetry
	TokenAnd
	TokenOr
	TokenTrue
	TokenFalse
)

// Token is a single lexical unit with its source position.
type Token struct {
	Kind TokenKind
	Lit  string
	Line int
	Col  int
}

var tokenNames = map[TokenKind]string{
	TokenEOF:     "end of input",
	TokenNewline: "newline",
	TokenIndent:  "indent",
	TokenDedent:  "dedent",
	TokenName:    "name",
	TokenNumber:  "number",
	TokenString:  "string",
	TokenAssign:  `"="`,
	TokenLParen:  `"("`,
	TokenRParen:  `")"`,
	TokenColon:   `":"`,
	TokenComma:   `","`,
	TokenDot:     `"."`,
	TokenEq:      `"=="`,
	TokenNe:      `"!="`,
	TokenLt:      `"<"`,
	TokenGt:      `">"`,
	TokenLe:      `"<="`,
	TokenGe:      `">="`,
	TokenIf:      `"if"`,
	TokenElse:    `"else"`,
	TokenFor:     `"for"`,
	TokenIn:      `"in"`,
	TokenRetry:   `"retry"`,
	TokenAnd:     `"and"`,
	TokenOr:      `"or"`,
	TokenTrue:    `"true"`,
	TokenFalse:   `"false"`,
}

// String returns a human-readable name for the token kind.
func (k TokenKind) String() string {
	if s, ok := tokenNames[k]; ok {
		return s
	}
	return fmt.Sprintf("token(%d)", int(k))
}

var keywords = map[string]TokenKind{
	"if":    TokenIf,
	"else":  TokenElse,
	"for":   TokenFor,
	"in":    TokenIn,
	"retry": TokenRetry,
	"and":   TokenAnd,
	"or":    TokenOr,
	"true":  TokenTrue,
	"false": TokenFalse,
}

// IsKeyword reports whether name is a reserved word of the plan language.
func IsKeyword(name string) bool {
	_, ok := keywords[name]
	return ok
}
