package kstore

import (
	"context"
	"fmt"
)

// ensureSchema creates the relational tables backing the KV sections named
// in spec.md section 4.1, grounded on the teacher's ensureSchema in
// internal/store/postgres.go (idempotent CREATE TABLE IF NOT EXISTS list
// run once at store construction).
func ensureSchema(ctx context.Context, p *pgxPool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kobjects (
			kref TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			revoked BOOLEAN NOT NULL DEFAULT FALSE,
			reachable BIGINT NOT NULL DEFAULT 0,
			recognizable BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kpromises (
			kref TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			decider TEXT NOT NULL DEFAULT '',
			subscribers JSONB NOT NULL DEFAULT '[]',
			forward TEXT NOT NULL DEFAULT '',
			value JSONB,
			ref_count BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS clist_k2e (
			vat_id TEXT NOT NULL,
			kref TEXT NOT NULL,
			eref TEXT NOT NULL,
			PRIMARY KEY (vat_id, kref)
		)`,
		`CREATE TABLE IF NOT EXISTS clist_e2k (
			vat_id TEXT NOT NULL,
			eref TEXT NOT NULL,
			kref TEXT NOT NULL,
			PRIMARY KEY (vat_id, eref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clist_k2e_kref ON clist_k2e(kref)`,
		`CREATE TABLE IF NOT EXISTS recognizers (
			vat_id TEXT NOT NULL,
			kref TEXT NOT NULL,
			PRIMARY KEY (vat_id, kref)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recognizers_kref ON recognizers(kref)`,
		`CREATE TABLE IF NOT EXISTS run_queue (
			seq BIGSERIAL PRIMARY KEY,
			item JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS promise_queue (
			kp TEXT NOT NULL,
			seq BIGSERIAL,
			item JSONB NOT NULL,
			PRIMARY KEY (kp, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS vatstore (
			vat_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (vat_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS subclusters (
			id TEXT PRIMARY KEY,
			bootstrap_vat TEXT NOT NULL,
			vats JSONB NOT NULL DEFAULT '[]',
			services JSONB NOT NULL DEFAULT '[]',
			config_blob JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ocap_tokens (
			token TEXT PRIMARY KEY,
			kref TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS kcounters (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO kcounters (name, value) VALUES ('nextObjectId', 0), ('nextPromiseId', 0)
			ON CONFLICT (name) DO NOTHING`,
	}
	for _, stmt := range stmts {
		if _, err := p.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
