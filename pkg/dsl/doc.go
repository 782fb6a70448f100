// Package dsl implements the plan language front end: a line-oriented
// lexer, a recursive-descent parser producing a typed AST, and a static
// validator.
//
// The language is deliberately small. Statements are task-call
// assignments, bare task calls, if/else branches, for loops over an
// iterable expression, and bounded retry blocks. Blocks are delimited by
// indentation. The expression sub-grammar is a hard whitelist: literals,
// variable references, dotted attribute paths, comparison and membership
// operators, and and/or composition. Function calls are not part of the
// grammar and are rejected at parse time, which is what makes runtime
// condition evaluation safe by construction.
//
// Parsing normalizes the source exactly once: string literals lose their
// single layer of surrounding quotes and become typed values, and
// whitespace around attribute-access dots is insignificant. Nothing
// downstream ever re-parses literal text.
package dsl
