package tx

import (
	"context"
	"database/sql"
	"time"

	dErrors "onboarding/pkg/domain-errors"
)

type ctxKey struct{}

var txKey = ctxKey{}

// DefaultTimeout bounds a transaction when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Executor is satisfied by both *sql.DB and *sql.Tx.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Exec returns the transaction carried by ctx, or db when there is none.
func Exec(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

// Postgres runs callbacks inside a database transaction. Nested calls reuse
// the transaction already present in the context.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
	opts    *sql.TxOptions
}

// Option configures a Postgres transactor.
type Option func(*Postgres)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Postgres) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithIsolation sets the isolation level for new transactions.
func WithIsolation(level sql.IsolationLevel) Option {
	return func(p *Postgres) {
		p.opts = &sql.TxOptions{Isolation: level}
	}
}

// NewPostgres constructs a transactor over db.
func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	p := &Postgres{db: db, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunInTx begins a transaction, exposes it through the context passed to fn,
// and commits when fn returns nil.
func (p *Postgres) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	sqlTx, err := p.db.BeginTx(ctx, p.opts)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin transaction")
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(WithTx(ctx, sqlTx)); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit transaction")
	}
	return nil
}
