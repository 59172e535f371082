package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cognitude/gateway/internal/storage"
)

const providerConfigCols = `id, org_id, provider, api_key_ciphertext, enabled, priority, created_at`

// CreateProviderConfig inserts a provider configuration. The partial unique
// index rejects a second enabled config for the same (org, provider).
func (s *Store) CreateProviderConfig(ctx context.Context, p *storage.ProviderConfig) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO provider_configs (org_id, provider, api_key_ciphertext, enabled, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.OrgID, p.Provider, p.APIKeyCiphertext, boolToInt(p.Enabled), p.Priority, formatTime(p.CreatedAt),
	)
	if err != nil {
		return err
	}
	p.ID, err = res.LastInsertId()
	return err
}

// GetProviderConfig fetches one config scoped to its owning tenant.
func (s *Store) GetProviderConfig(ctx context.Context, orgID, id int64) (*storage.ProviderConfig, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+providerConfigCols+` FROM provider_configs WHERE org_id = ? AND id = ?`, orgID, id)
	return scanProviderConfig(row)
}

// ListProviderConfigs returns every config of a tenant ordered by priority,
// then id — the same order the registry resolves in.
func (s *Store) ListProviderConfigs(ctx context.Context, orgID int64) ([]*storage.ProviderConfig, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+providerConfigCols+` FROM provider_configs
		 WHERE org_id = ? ORDER BY priority ASC, id ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.ProviderConfig
	for rows.Next() {
		p, err := scanProviderConfigRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProviderConfig rewrites the mutable fields of a config.
func (s *Store) UpdateProviderConfig(ctx context.Context, p *storage.ProviderConfig) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE provider_configs
		 SET api_key_ciphertext = ?, enabled = ?, priority = ?
		 WHERE org_id = ? AND id = ?`,
		p.APIKeyCiphertext, boolToInt(p.Enabled), p.Priority, p.OrgID, p.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return err
}

// DeleteProviderConfig removes one config scoped to its owning tenant.
func (s *Store) DeleteProviderConfig(ctx context.Context, orgID, id int64) error {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM provider_configs WHERE org_id = ? AND id = ?`, orgID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProviderConfig(row *sql.Row) (*storage.ProviderConfig, error) {
	p, err := scanProviderConfigRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return p, err
}

func scanProviderConfigRows(row rowScanner) (*storage.ProviderConfig, error) {
	var (
		p         storage.ProviderConfig
		enabled   int
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.Provider, &p.APIKeyCiphertext, &enabled, &p.Priority, &createdAt); err != nil {
		return nil, err
	}
	p.Enabled = enabled == 1
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}
