package kstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

// CListInsert records a (vat, kref, eref) mapping. Idempotent: if the kref
// already has an eref for this vat, the existing mapping is left alone and
// inserted is false, matching the translator's required idempotency (spec
// section 4.2: "the second mention of the same kref reuses the c-list
// entry").
func (s *PostgresKernelStore) CListInsert(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef, eref domain.ERef) (bool, error) {
	existing, ok, err := s.CListLookupByKRef(ctx, ex, vat, kref)
	if err != nil {
		return false, err
	}
	if ok {
		if existing != eref {
			return false, fmt.Errorf("c-list conflict for vat %s kref %s: have %s, want %s", vat, kref, existing, eref)
		}
		return false, nil
	}
	e := s.executor(ex)
	if _, err := e.Exec(ctx, `INSERT INTO clist_k2e (vat_id, kref, eref) VALUES ($1, $2, $3)`, string(vat), string(kref), string(eref)); err != nil {
		return false, fmt.Errorf("c-list insert k2e: %w", err)
	}
	if _, err := e.Exec(ctx, `INSERT INTO clist_e2k (vat_id, eref, kref) VALUES ($1, $2, $3)`, string(vat), string(eref), string(kref)); err != nil {
		return false, fmt.Errorf("c-list insert e2k: %w", err)
	}
	return true, nil
}

func (s *PostgresKernelStore) CListLookupByKRef(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) (domain.ERef, bool, error) {
	var eref string
	err := s.executor(ex).QueryRow(ctx, `SELECT eref FROM clist_k2e WHERE vat_id = $1 AND kref = $2`, string(vat), string(kref)).Scan(&eref)
	if errors.Is(err, ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("c-list lookup by kref: %w", err)
	}
	return domain.ERef(eref), true, nil
}

func (s *PostgresKernelStore) CListLookupByERef(ctx context.Context, ex db.Executor, vat domain.VatID, eref domain.ERef) (domain.KRef, bool, error) {
	var kref string
	err := s.executor(ex).QueryRow(ctx, `SELECT kref FROM clist_e2k WHERE vat_id = $1 AND eref = $2`, string(vat), string(eref)).Scan(&kref)
	if errors.Is(err, ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("c-list lookup by eref: %w", err)
	}
	return domain.KRef(kref), true, nil
}

func (s *PostgresKernelStore) CListDelete(ctx context.Context, ex db.Executor, vat domain.VatID, kref domain.KRef) error {
	eref, ok, err := s.CListLookupByKRef(ctx, ex, vat, kref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	e := s.executor(ex)
	if _, err := e.Exec(ctx, `DELETE FROM clist_k2e WHERE vat_id = $1 AND kref = $2`, string(vat), string(kref)); err != nil {
		return fmt.Errorf("c-list delete k2e: %w", err)
	}
	if _, err := e.Exec(ctx, `DELETE FROM clist_e2k WHERE vat_id = $1 AND eref = $2`, string(vat), string(eref)); err != nil {
		return fmt.Errorf("c-list delete e2k: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) CListVatsForKRef(ctx context.Context, ex db.Executor, kref domain.KRef) ([]domain.VatID, error) {
	rows, err := s.executor(ex).Query(ctx, `SELECT vat_id FROM clist_k2e WHERE kref = $1`, string(kref))
	if err != nil {
		return nil, fmt.Errorf("c-list vats for kref: %w", err)
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

func (s *PostgresKernelStore) CListKRefsForVat(ctx context.Context, ex db.Executor, vat domain.VatID) ([]domain.KRef, error) {
	rows, err := s.executor(ex).Query(ctx, `SELECT kref FROM clist_k2e WHERE vat_id = $1`, string(vat))
	if err != nil {
		return nil, fmt.Errorf("c-list krefs for vat: %w", err)
	}
	defer rows.Close()
	var krefs []domain.KRef
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		krefs = append(krefs, domain.KRef(k))
	}
	return krefs, rows.Err()
}
