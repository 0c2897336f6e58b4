package kstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

func (s *PostgresKernelStore) EnqueueRunItem(ctx context.Context, ex db.Executor, item domain.RunItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal run item: %w", err)
	}
	if _, err := s.executor(ex).Exec(ctx, `INSERT INTO run_queue (item) VALUES ($1)`, data); err != nil {
		return fmt.Errorf("enqueue run item: %w", err)
	}
	return nil
}

// DequeueRunItem pops the oldest run-queue entry, grounded on the teacher's
// AcquireDueAsyncInvocation (internal/store/async_invocations.go): a
// SELECT ... FOR UPDATE SKIP LOCKED subselect feeding a DELETE ... RETURNING,
// so the pop is atomic within the caller's transaction.
func (s *PostgresKernelStore) DequeueRunItem(ctx context.Context, ex db.Executor) (*domain.RunItem, int64, bool, error) {
	var seq int64
	var data []byte
	err := s.executor(ex).QueryRow(ctx, `
		DELETE FROM run_queue
		WHERE seq = (
			SELECT seq FROM run_queue ORDER BY seq ASC FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING seq, item
	`).Scan(&seq, &data)
	if errors.Is(err, ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("dequeue run item: %w", err)
	}
	var item domain.RunItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, 0, false, fmt.Errorf("unmarshal run item: %w", err)
	}
	return &item, seq, true, nil
}

func (s *PostgresKernelStore) RunQueueEmpty(ctx context.Context, ex db.Executor) (bool, error) {
	var count int64
	if err := s.executor(ex).QueryRow(ctx, `SELECT COUNT(*) FROM run_queue`).Scan(&count); err != nil {
		return false, fmt.Errorf("run queue empty check: %w", err)
	}
	return count == 0, nil
}

func (s *PostgresKernelStore) EnqueuePromiseItem(ctx context.Context, ex db.Executor, kp domain.KRef, item domain.RunItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal promise item: %w", err)
	}
	if _, err := s.executor(ex).Exec(ctx, `INSERT INTO promise_queue (kp, item) VALUES ($1, $2)`, string(kp), data); err != nil {
		return fmt.Errorf("enqueue promise item: %w", err)
	}
	return nil
}

// DrainPromiseQueue returns and deletes every entry queued against kp, in
// FIFO order, per spec section 4.3's resolve() contract ("drains any
// per-promise queue").
func (s *PostgresKernelStore) DrainPromiseQueue(ctx context.Context, ex db.Executor, kp domain.KRef) ([]domain.RunItem, error) {
	e := s.executor(ex)
	rows, err := e.Query(ctx, `SELECT seq, item FROM promise_queue WHERE kp = $1 ORDER BY seq ASC`, string(kp))
	if err != nil {
		return nil, fmt.Errorf("drain promise queue select: %w", err)
	}
	var items []domain.RunItem
	var seqs []int64
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			rows.Close()
			return nil, err
		}
		var item domain.RunItem
		if err := json.Unmarshal(data, &item); err != nil {
			rows.Close()
			return nil, err
		}
		items = append(items, item)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(seqs) == 0 {
		return nil, nil
	}
	if _, err := e.Exec(ctx, `DELETE FROM promise_queue WHERE kp = $1`, string(kp)); err != nil {
		return nil, fmt.Errorf("drain promise queue delete: %w", err)
	}
	return items, nil
}
