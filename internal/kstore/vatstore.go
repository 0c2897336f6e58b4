package kstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

// vatstore is each vat's opaque key-value namespace (spec section 3:
// "writes are buffered per crank and committed with the kernel store's
// transaction" — satisfied by callers passing the active crank tx as ex).

func (s *PostgresKernelStore) VatstoreGet(ctx context.Context, ex db.Executor, vat domain.VatID, key string) (string, bool, error) {
	var value string
	err := s.executor(ex).QueryRow(ctx, `SELECT value FROM vatstore WHERE vat_id = $1 AND key = $2`, string(vat), key).Scan(&value)
	if errors.Is(err, ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vatstore get: %w", err)
	}
	return value, true, nil
}

func (s *PostgresKernelStore) VatstoreSet(ctx context.Context, ex db.Executor, vat domain.VatID, key, value string) error {
	_, err := s.executor(ex).Exec(ctx, `
		INSERT INTO vatstore (vat_id, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (vat_id, key) DO UPDATE SET value = EXCLUDED.value
	`, string(vat), key, value)
	if err != nil {
		return fmt.Errorf("vatstore set: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) VatstoreDelete(ctx context.Context, ex db.Executor, vat domain.VatID, key string) error {
	_, err := s.executor(ex).Exec(ctx, `DELETE FROM vatstore WHERE vat_id = $1 AND key = $2`, string(vat), key)
	if err != nil {
		return fmt.Errorf("vatstore delete: %w", err)
	}
	return nil
}

// VatstoreGetNextKey returns the lexicographically next key after `after`
// for iteration support (the worker's vatstoreGetNextKey syscall).
func (s *PostgresKernelStore) VatstoreGetNextKey(ctx context.Context, ex db.Executor, vat domain.VatID, after string) (string, bool, error) {
	var key string
	err := s.executor(ex).QueryRow(ctx, `
		SELECT key FROM vatstore WHERE vat_id = $1 AND key > $2 ORDER BY key ASC LIMIT 1
	`, string(vat), after).Scan(&key)
	if errors.Is(err, ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("vatstore get next key: %w", err)
	}
	return key, true, nil
}

func (s *PostgresKernelStore) VatstoreDeleteAll(ctx context.Context, ex db.Executor, vat domain.VatID) error {
	_, err := s.executor(ex).Exec(ctx, `DELETE FROM vatstore WHERE vat_id = $1`, string(vat))
	if err != nil {
		return fmt.Errorf("vatstore delete all: %w", err)
	}
	return nil
}
