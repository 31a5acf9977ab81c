package pgargs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PGXExecer abstracts pgx.Conn / pgxpool.Pool Exec.
type PGXExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PGXQueryer abstracts pgx.Conn / pgxpool.Pool Query.
type PGXQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ExecPGX resolves records and executes the statement through a pgx connection
// or pool.
func (q *Query) ExecPGX(ctx context.Context, db PGXExecer, records ...Record) (pgconn.CommandTag, error) {
	out, args, err := q.Resolve(records...)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	return db.Exec(ctx, out, args...)
}

// QueryPGX resolves records and runs the query through a pgx connection or
// pool. The caller owns the returned rows.
func (q *Query) QueryPGX(ctx context.Context, db PGXQueryer, records ...Record) (pgx.Rows, error) {
	out, args, err := q.Resolve(records...)
	if err != nil {
		return nil, err
	}
	return db.Query(ctx, out, args...)
}
