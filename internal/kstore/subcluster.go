package kstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oriys/vatkernel/internal/db"
	"github.com/oriys/vatkernel/internal/domain"
)

func (s *PostgresKernelStore) SaveSubcluster(ctx context.Context, ex db.Executor, rec SubclusterRecord) error {
	vats, err := json.Marshal(rec.Vats)
	if err != nil {
		return fmt.Errorf("marshal subcluster vats: %w", err)
	}
	services, err := json.Marshal(rec.Services)
	if err != nil {
		return fmt.Errorf("marshal subcluster services: %w", err)
	}
	_, err = s.executor(ex).Exec(ctx, `
		INSERT INTO subclusters (id, bootstrap_vat, vats, services, config_blob, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			bootstrap_vat = EXCLUDED.bootstrap_vat,
			vats = EXCLUDED.vats,
			services = EXCLUDED.services,
			config_blob = EXCLUDED.config_blob,
			updated_at = NOW()
	`, string(rec.ID), string(rec.BootstrapVat), vats, services, rec.ConfigBlob)
	if err != nil {
		return fmt.Errorf("save subcluster: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) GetSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) (*SubclusterRecord, error) {
	var rec SubclusterRecord
	var bootstrapVat string
	var vatsJSON, servicesJSON []byte
	err := s.executor(ex).QueryRow(ctx, `
		SELECT id, bootstrap_vat, vats, services, config_blob FROM subclusters WHERE id = $1
	`, string(id)).Scan(&rec.ID, &bootstrapVat, &vatsJSON, &servicesJSON, &rec.ConfigBlob)
	if errors.Is(err, ErrNoRows) {
		return nil, fmt.Errorf("subcluster not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subcluster: %w", err)
	}
	rec.BootstrapVat = domain.VatID(bootstrapVat)
	if err := json.Unmarshal(vatsJSON, &rec.Vats); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(servicesJSON, &rec.Services); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresKernelStore) ListSubclusters(ctx context.Context, ex db.Executor) ([]SubclusterRecord, error) {
	rows, err := s.executor(ex).Query(ctx, `SELECT id FROM subclusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subclusters: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	recs := make([]SubclusterRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.GetSubcluster(ctx, ex, domain.SubclusterID(id))
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, nil
}

func (s *PostgresKernelStore) DeleteSubcluster(ctx context.Context, ex db.Executor, id domain.SubclusterID) error {
	_, err := s.executor(ex).Exec(ctx, `DELETE FROM subclusters WHERE id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("delete subcluster: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) SaveOcapToken(ctx context.Context, ex db.Executor, token string, kref domain.KRef, peer domain.PeerID) error {
	_, err := s.executor(ex).Exec(ctx, `
		INSERT INTO ocap_tokens (token, kref, peer_id) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING
	`, token, string(kref), string(peer))
	if err != nil {
		return fmt.Errorf("save ocap token: %w", err)
	}
	return nil
}

func (s *PostgresKernelStore) LookupOcapToken(ctx context.Context, ex db.Executor, token string) (domain.KRef, domain.PeerID, bool, error) {
	var kref, peer string
	err := s.executor(ex).QueryRow(ctx, `SELECT kref, peer_id FROM ocap_tokens WHERE token = $1`, token).Scan(&kref, &peer)
	if errors.Is(err, ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("lookup ocap token: %w", err)
	}
	return domain.KRef(kref), domain.PeerID(peer), true, nil
}
