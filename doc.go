// Package pgargs rewrites PostgreSQL queries written with $named parameters into
// queries using positional $1..$N placeholders plus the matching argument slice. It
// supports a $[col, col] / $[..] column-list syntax that keeps INSERT column and value
// lists in sync, and ${name} fragments for splicing static SQL text — all without an
// ORM or a query DSL.

package pgargs
