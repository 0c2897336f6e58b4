package kstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/vatkernel/internal/db"
)

// pgxPool adapts *pgxpool.Pool to db.Database, grounded on the teacher's
// PostgresStore in internal/store/postgres.go (pool construction, ping,
// ensureSchema-on-open idiom).
type pgxPool struct {
	pool *pgxpool.Pool
}

func newPgxPool(ctx context.Context, dsn string) (*pgxPool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	p := &pgxPool{pool: pool}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *pgxPool) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	ct, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{ct}, nil
}

func (p *pgxPool) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

func (p *pgxPool) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (p *pgxPool) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Tx, error) {
	pgxOpts := pgx.TxOptions{}
	if opts != nil {
		if opts.ReadOnly {
			pgxOpts.AccessMode = pgx.ReadOnly
		}
		switch opts.IsolationLevel {
		case "serializable":
			pgxOpts.IsoLevel = pgx.Serializable
		case "repeatable read":
			pgxOpts.IsoLevel = pgx.RepeatableRead
		case "read committed":
			pgxOpts.IsoLevel = pgx.ReadCommitted
		}
	}
	tx, err := p.pool.BeginTx(ctx, pgxOpts)
	if err != nil {
		return nil, err
	}
	return &pgxTx{tx: tx}, nil
}

func (p *pgxPool) Ping(ctx context.Context) error {
	if p.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return p.pool.Ping(ctx)
}

func (p *pgxPool) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func (p *pgxPool) DriverName() string { return "postgres" }

type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Exec(ctx context.Context, sql string, args ...any) (db.Result, error) {
	ct, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxResult{ct}, nil
}

func (t *pgxTx) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	return t.tx.QueryRow(ctx, sql, args...)
}

func (t *pgxTx) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgxRows{rows}, nil
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// Savepoint, RollbackToSavepoint, and ReleaseSavepoint implement nested
// savepoints per spec.md section 9's design note: names are restricted to
// alphanumeric/underscore by db.ValidSavepointName before interpolation,
// since the Postgres wire protocol has no bind-parameter form for
// SAVEPOINT/ROLLBACK TO/RELEASE identifiers.
func (t *pgxTx) Savepoint(ctx context.Context, name string) error {
	if !db.ValidSavepointName(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.Exec(ctx, "SAVEPOINT "+name)
	return err
}

func (t *pgxTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if !db.ValidSavepointName(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (t *pgxTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if !db.ValidSavepointName(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.Exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

type pgxResult struct {
	ct interface{ RowsAffected() int64 }
}

func (r pgxResult) RowsAffected() int64 { return r.ct.RowsAffected() }

type pgxRows struct {
	rows pgx.Rows
}

func (r pgxRows) Next() bool          { return r.rows.Next() }
func (r pgxRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r pgxRows) Err() error           { return r.rows.Err() }
func (r pgxRows) Close()               { r.rows.Close() }

// ErrNoRows mirrors pgx.ErrNoRows for callers in this package that need to
// distinguish "not found" from a real query error.
var ErrNoRows = pgx.ErrNoRows
