package kstore

import (
	"context"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

func (s *PostgresKernelStore) AddRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (bool, error) {
	ct, err := s.executor(ex).Exec(ctx, `
		INSERT INTO recognizers (vat_id, kref) VALUES ($1, $2) ON CONFLICT DO NOTHING
	`, string(vat), string(kref))
	if err != nil {
		return false, fmt.Errorf("add recognizer: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (s *PostgresKernelStore) RemoveRecognizer(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	if _, err := s.executor(ex).Exec(ctx, `DELETE FROM recognizers WHERE vat_id = $1 AND kref = $2`, string(vat), string(kref)); err != nil {
		return fmt.Errorf("remove recognizer: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) RecognizersForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error) {
	rows, err := s.executor(ex).Query(ctx, `SELECT vat_id FROM recognizers WHERE kref = $1`, string(kref))
	if err != nil {
		return nil, fmt.Errorf("recognizers for kref: %w", err)
	}
	defer rows.Close()
	var vats []domain.VatID
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		vats = append(vats, domain.VatID(v))
	}
	return vats, rows.Err()
}
