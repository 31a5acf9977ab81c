package pgargs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Query is the result of rewriting a template. SQL holds positional $1..$N
// placeholders and, until Resolve runs, unexpanded {} fragment holes with
// literal braces doubled. Names lists the distinct parameter names in
// first-occurrence order; Fragments lists every fragment occurrence in order.
//
// A Query is immutable and safe for concurrent use; Rewrite may return the
// same *Query for repeated templates.
type Query struct {
	SQL       string
	Names     []string
	Fragments []string
}

// Record is a named bundle of values for Resolve. The two recognized names
// are "Args" (parameter values) and "Sql" (fragment values); anything else
// is reported as an unknown record.
type Record struct {
	name  string
	value any
}

// Fragment is a static piece of SQL text for a ${name} hole. The zero value
// splices nothing. Fragments cannot contain `$`, so they cannot smuggle in
// placeholders that would break positional numbering.
type Fragment struct {
	text string
}

// Execer abstracts *sql.DB / *sql.Tx ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Role names matched against Record names, exactly as declared by the caller.
const (
	roleArgs = "Args"
	roleSQL  = "Sql"
)

const cacheSize = 4096 // Default size for the rewrite and field-index caches

var (
	// Scanner diagnostics. The bracket/brace ones abort the scan early; the
	// group-lifecycle ones are recoverable and accumulate.
	ErrExpectedIdent    = errors.New("pgargs: expected identifier or `[` after `$`")
	ErrUnclosedGroup    = errors.New("pgargs: expected closing `]`")
	ErrEmptyGroupEntry  = errors.New("pgargs: expected identifier between all of `$[`, every `,` and final `]`")
	ErrGroupNotDefined  = errors.New("pgargs: parameter group is used, but not defined")
	ErrGroupNotUsed     = errors.New("pgargs: previous parameter group is not used")
	ErrLastGroupNotUsed = errors.New("pgargs: last parameter group is not used")
	ErrFragmentIdent    = errors.New("pgargs: expected an identifier after `{`")
	ErrFragmentUnclosed = errors.New("pgargs: fragment should end with `}`")

	// Resolver diagnostics.
	ErrArgsStructMissing = errors.New("pgargs: expected `Args` struct")
	ErrSQLStructMissing  = errors.New("pgargs: expected `Sql` struct")
	ErrDuplicateStruct   = errors.New("pgargs: duplicate struct name")
	ErrUnknownStruct     = errors.New("pgargs: unknown struct name")
	ErrParamMissing      = errors.New("pgargs: missing parameter")
	ErrFragmentMissing   = errors.New("pgargs: missing fragment")
	ErrFieldAmbiguous    = errors.New("pgargs: ambiguous field name")
	ErrFragmentDollar    = errors.New("pgargs: fragment is not allowed to contain `$`")
	ErrFragmentValue     = errors.New("pgargs: fragment value must be a Fragment or string")

	// Execution convenience errors.
	ErrMoreThanOneRow = errors.New("pgargs: more than one row")
)

// rewriteResult pairs a Query with its joined diagnostics so cache hits
// replay both. Rewriting is deterministic, so caching is transparent.
type rewriteResult struct {
	q   *Query
	err error
}

var rewriteCache, _ = lru.New[string, *rewriteResult](cacheSize)

// Rewrite scans template and returns the positional-placeholder Query.
// Diagnostics accumulate: the returned error joins every problem found in one
// pass (match individual ones with errors.Is). Even on error the Query holds
// the output built so far. Results are memoized per template text.
func Rewrite(template string) (*Query, error) {
	if r, ok := rewriteCache.Get(template); ok {
		return r.q, r.err
	}

	sqlOut, names, fragments, diags := rewrite(template)
	r := &rewriteResult{
		q:   &Query{SQL: sqlOut, Names: names, Fragments: fragments},
		err: errors.Join(diags...),
	}
	rewriteCache.Add(template, r)
	return r.q, r.err
}

// QueryArgs rewrites template and resolves records in one call, returning the
// final query and the argument slice aligned to $1..$N.
func QueryArgs(template string, records ...Record) (string, []any, error) {
	q, err := Rewrite(template)
	out, args, rerr := q.Resolve(records...)
	return out, args, errors.Join(err, rerr)
}

// Args declares the parameter record: one value per distinct $name, supplied
// as a map or a struct (see Resolve).
func Args(v any) Record {
	return Record{name: roleArgs, value: v}
}

// SQL declares the fragment record: one Fragment (or string) per ${name}.
func SQL(v any) Record {
	return Record{name: roleSQL, value: v}
}

// NamedRecord declares a record under an arbitrary name. Names other than
// "Args" and "Sql" make Resolve report an unknown record.
func NamedRecord(name string, v any) Record {
	return Record{name: name, value: v}
}

// NewFragment validates text and wraps it as a Fragment.
func NewFragment(text string) (Fragment, error) {
	if strings.ContainsRune(text, '$') {
		return Fragment{}, fmt.Errorf("%w: %q", ErrFragmentDollar, text)
	}
	return Fragment{text: text}, nil
}

// MustFragment is NewFragment that panics on invalid text. Intended for
// fragment literals known at compile time.
func MustFragment(text string) Fragment {
	f, err := NewFragment(text)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns the fragment text.
func (f Fragment) String() string {
	return f.text
}

// Exec is a convenience that resolves records and executes the statement with
// context.Background().
func (q *Query) Exec(db Execer, records ...Record) (sql.Result, error) {
	return q.ExecContext(context.Background(), db, records...)
}

// ExecContext resolves records and executes the statement with the provided context.
func (q *Query) ExecContext(ctx context.Context, db Execer, records ...Record) (sql.Result, error) {
	out, args, err := q.Resolve(records...)
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, out, args...)
}

// ScanOne resolves records, runs the query, and scans exactly one row into dest.
// It returns sql.ErrNoRows if no rows are returned. It errors if more than one row.
func (q *Query) ScanOne(db Queryer, dest any, records ...Record) error {
	return q.ScanOneContext(context.Background(), db, dest, records...)
}

// ScanAll resolves records, runs the query, and scans all rows into dest slice.
func (q *Query) ScanAll(db Queryer, dest any, records ...Record) error {
	return q.ScanAllContext(context.Background(), db, dest, records...)
}

// ScanOneContext is the context-aware variant of ScanOne.
func (q *Query) ScanOneContext(ctx context.Context, db Queryer, dest any, records ...Record) error {
	out, args, err := q.Resolve(records...)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, out, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	}
	if err := scanOne(rows, dest); err != nil {
		return err
	}

	// Must be at most ONE row
	if rows.Next() {
		return ErrMoreThanOneRow
	}
	return rows.Err()
}

// ScanAllContext is the context-aware variant of ScanAll.
func (q *Query) ScanAllContext(ctx context.Context, db Queryer, dest any, records ...Record) error {
	out, args, err := q.Resolve(records...)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, out, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return scanAll(rows, dest)
}
