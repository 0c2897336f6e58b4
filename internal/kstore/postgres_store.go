package kstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

// PostgresKernelStore is the Postgres-backed KernelStore, grounded on the
// teacher's PostgresStore (internal/store/postgres.go): a pgxpool.Pool
// behind a typed accessor layer, schema ensured once at construction.
type PostgresKernelStore struct {
	pool *pgxPool
}

// NewPostgresKernelStore opens a pool against dsn and ensures the schema.
func NewPostgresKernelStore(ctx context.Context, dsn string) (*PostgresKernelStore, error) {
	pool, err := newPgxPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresKernelStore{pool: pool}, nil
}

var _ KernelStore = (*PostgresKernelStore)(nil)

func (s *PostgresKernelStore) Close() error { return s.pool.Close() }

func (s *PostgresKernelStore) BeginTx(ctx context.Context) (db.Tx, error) {
	return s.pool.BeginTx(ctx, nil)
}

func (s *PostgresKernelStore) Savepoint(ctx context.Context, ex db.Executor, name string) error {
	tx, ok := ex.(db.Tx)
	if !ok {
		return fmt.Errorf("savepoint requires an active transaction")
	}
	return tx.Savepoint(ctx, name)
}

func (s *PostgresKernelStore) RollbackToSavepoint(ctx context.Context, ex db.Executor, name string) error {
	tx, ok := ex.(db.Tx)
	if !ok {
		return fmt.Errorf("savepoint requires an active transaction")
	}
	return tx.RollbackToSavepoint(ctx, name)
}

func (s *PostgresKernelStore) ReleaseSavepoint(ctx context.Context, ex db.Executor, name string) error {
	tx, ok := ex.(db.Tx)
	if !ok {
		return fmt.Errorf("savepoint requires an active transaction")
	}
	return tx.ReleaseSavepoint(ctx, name)
}

func (s *PostgresKernelStore) executor(ex db.Executor) db.Executor {
	if ex != nil {
		return ex
	}
	return s.pool
}

// --- counters ---

func (s *PostgresKernelStore) nextID(ctx context.Context, ex db.Executor, name string) (uint64, error) {
	var id uint64
	err := s.executor(ex).QueryRow(ctx, `
		UPDATE kcounters SET value = value + 1 WHERE name = $1 RETURNING value
	`, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("next id %s: %w", name, err)
	}
	return id, nil
}

// --- object table ---

func (s *PostgresKernelStore) AllocateObject(ctx context.Context, ex db.Executor, owner domain.ObjectOwner) (domain.KRef, error) {
	id, err := s.nextID(ctx, ex, "nextObjectId")
	if err != nil {
		return "", err
	}
	kref := domain.ObjectKRef(id)
	_, err = s.executor(ex).Exec(ctx, `
		INSERT INTO kobjects (kref, owner, revoked, reachable, recognizable)
		VALUES ($1, $2, FALSE, 0, 0)
	`, string(kref), string(owner))
	if err != nil {
		return "", fmt.Errorf("allocate object: %w", err)
	}
	return kref, nil
}

func (s *PostgresKernelStore) GetObject(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Object, error) {
	var obj domain.Object
	var owner string
	err := s.executor(ex).QueryRow(ctx, `
		SELECT kref, owner, revoked, reachable, recognizable FROM kobjects WHERE kref = $1
	`, string(kref)).Scan(&obj.KRef, &owner, &obj.Revoked, &obj.Reachable, &obj.Recognizable)
	if errors.Is(err, ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, kref)
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	obj.Owner = domain.ObjectOwner(owner)
	return &obj, nil
}

func (s *PostgresKernelStore) SetObjectOwner(ctx context.Context, ex db.Executor, kref domain.KRef, owner domain.ObjectOwner) error {
	ct, err := s.executor(ex).Exec(ctx, `UPDATE kobjects SET owner = $2 WHERE kref = $1`, string(kref), string(owner))
	if err != nil {
		return fmt.Errorf("set object owner: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("object not found: %s", kref)
	}
	return nil
}

func (s *PostgresKernelStore) SetRevoked(ctx context.Context, ex db.Executor, kref domain.KRef, revoked bool) error {
	ct, err := s.executor(ex).Exec(ctx, `UPDATE kobjects SET revoked = $2 WHERE kref = $1`, string(kref), revoked)
	if err != nil {
		return fmt.Errorf("set revoked: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("object not found: %s", kref)
	}
	return nil
}

func (s *PostgresKernelStore) AdjustObjectRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, reachableDelta, recognizableDelta int64) (int64, int64, error) {
	var reachable, recognizable int64
	err := s.executor(ex).QueryRow(ctx, `
		UPDATE kobjects
		SET reachable = reachable + $2, recognizable = recognizable + $3
		WHERE kref = $1
		RETURNING reachable, recognizable
	`, string(kref), reachableDelta, recognizableDelta).Scan(&reachable, &recognizable)
	if errors.Is(err, ErrNoRows) {
		return 0, 0, fmt.Errorf("object not found: %s", kref)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("adjust object refcount: %w", err)
	}
	if reachable > recognizable {
		return 0, 0, &domain.InternalError{Invariant: fmt.Sprintf("reachable(%d) > recognizable(%d) for %s", reachable, recognizable, kref)}
	}
	return reachable, recognizable, nil
}

func (s *PostgresKernelStore) DeleteObject(ctx context.Context, ex db.Executor, kref domain.KRef) error {
	_, err := s.executor(ex).Exec(ctx, `DELETE FROM kobjects WHERE kref = $1`, string(kref))
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// --- promise table ---

func (s *PostgresKernelStore) AllocatePromise(ctx context.Context, ex db.Executor, decider domain.VatID) (domain.KRef, error) {
	id, err := s.nextID(ctx, ex, "nextPromiseId")
	if err != nil {
		return "", err
	}
	kref := domain.PromiseKRef(id)
	_, err = s.executor(ex).Exec(ctx, `
		INSERT INTO kpromises (kref, state, decider, subscribers, ref_count)
		VALUES ($1, $2, $3, '[]', 0)
	`, string(kref), string(domain.PromiseUnresolved), string(decider))
	if err != nil {
		return "", fmt.Errorf("allocate promise: %w", err)
	}
	return kref, nil
}

func (s *PostgresKernelStore) GetPromise(ctx context.Context, ex db.Executor, kref domain.KRef) (*domain.Promise, error) {
	var p domain.Promise
	var state, decider, forward string
	var subsJSON, valueJSON []byte
	err := s.executor(ex).QueryRow(ctx, `
		SELECT kref, state, decider, subscribers, forward, value, ref_count FROM kpromises WHERE kref = $1
	`, string(kref)).Scan(&p.KRef, &state, &decider, &subsJSON, &forward, &valueJSON, &p.RefCount)
	if errors.Is(err, ErrNoRows) {
		return nil, fmt.Errorf("promise not found: %s", kref)
	}
	if err != nil {
		return nil, fmt.Errorf("get promise: %w", err)
	}
	p.State = domain.PromiseState(state)
	p.Decider = domain.VatID(decider)
	p.Forward = domain.KRef(forward)
	if err := unmarshalSubscribers(subsJSON, &p.Subscribers); err != nil {
		return nil, err
	}
	if len(valueJSON) > 0 {
		val, err := unmarshalCapData(valueJSON)
		if err != nil {
			return nil, err
		}
		p.Value = val
	}
	return &p, nil
}

func (s *PostgresKernelStore) SetPromiseDecider(ctx context.Context, ex db.Executor, kref domain.KRef, decider domain.VatID) error {
	ct, err := s.executor(ex).Exec(ctx, `UPDATE kpromises SET decider = $2 WHERE kref = $1`, string(kref), string(decider))
	if err != nil {
		return fmt.Errorf("set promise decider: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("promise not found: %s", kref)
	}
	return nil
}

func (s *PostgresKernelStore) AddPromiseSubscriber(ctx context.Context, ex db.Executor, kref domain.KRef, vat domain.VatID) error {
	p, err := s.GetPromise(ctx, ex, kref)
	if err != nil {
		return err
	}
	if p.Decider == vat {
		return fmt.Errorf("promise decider cannot also be a subscriber: %s", vat)
	}
	for _, v := range p.Subscribers {
		if v == vat {
			return nil
		}
	}
	subs := append(p.Subscribers, vat)
	data, err := marshalSubscribers(subs)
	if err != nil {
		return err
	}
	_, err = s.executor(ex).Exec(ctx, `UPDATE kpromises SET subscribers = $2 WHERE kref = $1`, string(kref), data)
	if err != nil {
		return fmt.Errorf("add promise subscriber: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) ResolvePromise(ctx context.Context, ex db.Executor, kref domain.KRef, state domain.PromiseState, value *domain.CapData, forward domain.KRef) error {
	var valueJSON []byte
	var err error
	if value != nil {
		valueJSON, err = marshalCapData(*value)
		if err != nil {
			return err
		}
	}
	ct, err := s.executor(ex).Exec(ctx, `
		UPDATE kpromises SET state = $2, value = $3, forward = $4 WHERE kref = $1
	`, string(kref), string(state), valueJSON, string(forward))
	if err != nil {
		return fmt.Errorf("resolve promise: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("promise not found: %s", kref)
	}
	return nil
}

func (s *PostgresKernelStore) AdjustPromiseRefCount(ctx context.Context, ex db.Executor, kref domain.KRef, delta int64) (int64, error) {
	var count int64
	err := s.executor(ex).QueryRow(ctx, `
		UPDATE kpromises SET ref_count = ref_count + $2 WHERE kref = $1 RETURNING ref_count
	`, string(kref), delta).Scan(&count)
	if errors.Is(err, ErrNoRows) {
		return 0, fmt.Errorf("promise not found: %s", kref)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust promise refcount: %w", err)
	}
	return count, nil
}

func (s *PostgresKernelStore) DeletePromise(ctx context.Context, ex db.Executor, kref domain.KRef) error {
	_, err := s.executor(ex).Exec(ctx, `DELETE FROM kpromises WHERE kref = $1`, string(kref))
	if err != nil {
		return fmt.Errorf("delete promise: %w", err)
	}
	return nil
}
