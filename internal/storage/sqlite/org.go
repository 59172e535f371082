package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cognitude/gateway/internal/storage"
)

// CreateOrg inserts a tenant and backfills its generated ID.
func (s *Store) CreateOrg(ctx context.Context, org *storage.Organization) error {
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO organizations (name, api_key_hash, created_at) VALUES (?, ?, ?)`,
		org.Name, org.APIKeyHash, formatTime(org.CreatedAt),
	)
	if err != nil {
		return err
	}
	org.ID, err = res.LastInsertId()
	return err
}

// GetOrg fetches a tenant by ID.
func (s *Store) GetOrg(ctx context.Context, id int64) (*storage.Organization, error) {
	return s.scanOrg(s.read.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, created_at FROM organizations WHERE id = ?`, id))
}

// GetOrgByKeyHash resolves a tenant from the salted hash of its API key.
func (s *Store) GetOrgByKeyHash(ctx context.Context, hash string) (*storage.Organization, error) {
	return s.scanOrg(s.read.QueryRowContext(ctx,
		`SELECT id, name, api_key_hash, created_at FROM organizations WHERE api_key_hash = ?`, hash))
}

func (s *Store) scanOrg(row *sql.Row) (*storage.Organization, error) {
	var (
		org       storage.Organization
		createdAt string
	)
	err := row.Scan(&org.ID, &org.Name, &org.APIKeyHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.CreatedAt = parseTime(createdAt)
	return &org, nil
}
