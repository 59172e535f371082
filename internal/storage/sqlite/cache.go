package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cognitude/gateway/internal/storage"
)

// GetCacheEntry fetches the durable tier entry for fingerprint.
func (s *Store) GetCacheEntry(ctx context.Context, fingerprint string) (*storage.CacheEntry, error) {
	var (
		e            storage.CacheEntry
		payload      string
		firstSeen    string
		lastAccessed string
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT fingerprint, prompt_hash, model, payload, first_seen, last_accessed, hit_count, ttl_hours
		 FROM cache_entries WHERE fingerprint = ?`, fingerprint,
	).Scan(&e.Fingerprint, &e.PromptHash, &e.Model, &payload, &firstSeen, &lastAccessed, &e.HitCount, &e.TTLHours)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.FirstSeen = parseTime(firstSeen)
	e.LastAccessed = parseTime(lastAccessed)
	return &e, nil
}

// UpsertCacheEntry inserts or updates the durable tier. The payload is
// last-writer-wins; the hit counter is monotone and never reset by a write.
func (s *Store) UpsertCacheEntry(ctx context.Context, e *storage.CacheEntry) error {
	now := time.Now().UTC()
	if e.FirstSeen.IsZero() {
		e.FirstSeen = now
	}
	if e.LastAccessed.IsZero() {
		e.LastAccessed = now
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_entries (fingerprint, prompt_hash, model, payload, first_seen, last_accessed, hit_count, ttl_hours)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   payload       = excluded.payload,
		   model         = excluded.model,
		   last_accessed = excluded.last_accessed,
		   ttl_hours     = excluded.ttl_hours`,
		e.Fingerprint, e.PromptHash, e.Model, string(e.Payload),
		formatTime(e.FirstSeen), formatTime(e.LastAccessed), e.HitCount, e.TTLHours,
	)
	return err
}

// TouchCacheEntry bumps the hit counter and last-accessed time.
func (s *Store) TouchCacheEntry(ctx context.Context, fingerprint string, at time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed = ? WHERE fingerprint = ?`,
		formatTime(at), fingerprint,
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

// DeleteCacheEntries removes entries whose fingerprint matches pattern
// ("*" wildcards, translated to SQL LIKE). Returns the number removed.
func (s *Store) DeleteCacheEntries(ctx context.Context, pattern string) (int64, error) {
	like := strings.ReplaceAll(pattern, "%", `\%`)
	like = strings.ReplaceAll(like, "*", "%")
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint LIKE ? ESCAPE '\'`, like)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ClearCacheEntries removes every durable entry.
func (s *Store) ClearCacheEntries(ctx context.Context) (int64, error) {
	res, err := s.write.ExecContext(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CacheStats reports durable entry count and approximate payload bytes.
func (s *Store) CacheStats(ctx context.Context) (storage.CacheStats, error) {
	var st storage.CacheStats
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM cache_entries`,
	).Scan(&st.Entries, &st.ApproxBytes)
	return st, err
}
