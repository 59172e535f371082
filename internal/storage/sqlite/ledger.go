package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/storage"
)

// InsertLedgerRows batch-inserts usage rows. A single multi-row INSERT
// avoids N round-trips for large batches.
func (s *Store) InsertLedgerRows(ctx context.Context, rows []storage.LedgerRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 16
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*cols)

	for i, r := range rows {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var cacheKey, errorText any
		if r.CacheKey != "" {
			cacheKey = r.CacheKey
		}
		if r.ErrorText != "" {
			errorText = r.ErrorText
		}
		args = append(args,
			r.ID, r.OrgID, formatTime(r.Timestamp),
			r.RequestedModel, r.Provider, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
			r.CostUSD.StringFixed(6), r.LatencyMs, boolToInt(r.CacheHit),
			cacheKey, r.Endpoint, r.UpstreamStatus, errorText,
		)
	}

	query := `INSERT INTO ledger_rows
		(id, org_id, ts, requested_model, provider, model,
		 prompt_tokens, completion_tokens, total_tokens,
		 cost_usd, latency_ms, cache_hit, cache_key, endpoint, upstream_status, error_text)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCostSince returns the tenant's accumulated cost since the given time.
func (s *Store) SumCostSince(ctx context.Context, orgID int64, since time.Time) (decimal.Decimal, error) {
	var total sql.NullFloat64
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(CAST(cost_usd AS REAL)) FROM ledger_rows WHERE org_id = ? AND ts >= ?`,
		orgID, formatTime(since),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(total.Float64).Round(6), nil
}

// CacheHitRateSince returns the tenant's cache hit rate and request count
// over the window starting at since.
func (s *Store) CacheHitRateSince(ctx context.Context, orgID int64, since time.Time) (float64, int64, error) {
	var hits, total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cache_hit), 0), COUNT(*) FROM ledger_rows WHERE org_id = ? AND ts >= ?`,
		orgID, formatTime(since),
	).Scan(&hits, &total)
	if err != nil {
		return 0, 0, err
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(hits) / float64(total), total, nil
}

// UsageSummary aggregates the ledger between start and end, grouped by
// "day", "model" or "provider".
func (s *Store) UsageSummary(ctx context.Context, orgID int64, start, end time.Time, groupBy string) ([]storage.UsageBucket, error) {
	var keyExpr string
	switch groupBy {
	case "model":
		keyExpr = "model"
	case "provider":
		keyExpr = "provider"
	case "day", "":
		keyExpr = "SUBSTR(ts, 1, 10)"
	default:
		return nil, fmt.Errorf("sqlite: unknown group_by %q", groupBy)
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyExpr+` AS k,
		        COUNT(*),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(SUM(CAST(cost_usd AS REAL)), 0),
		        COALESCE(SUM(cache_hit), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM ledger_rows
		 WHERE org_id = ? AND ts >= ? AND ts < ?
		 GROUP BY k ORDER BY k`,
		orgID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.UsageBucket
	for rows.Next() {
		var (
			b    storage.UsageBucket
			cost float64
		)
		if err := rows.Scan(&b.Key, &b.Requests, &b.TotalTokens, &cost, &b.CacheHits, &b.AvgLatencyMs); err != nil {
			return nil, err
		}
		b.CostUSD = decimal.NewFromFloat(cost).Round(6)
		out = append(out, b)
	}
	return out, rows.Err()
}
