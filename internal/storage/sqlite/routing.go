package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/storage"
)

// InsertRoutingDecision persists one smart-router decision.
func (s *Store) InsertRoutingDecision(ctx context.Context, d *storage.RoutingDecision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO routing_decisions
		 (org_id, requested_model, selected_model, selected_provider, task_class, reason,
		  estimated_savings, confidence, prompt_length, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.OrgID, d.RequestedModel, d.SelectedModel, d.SelectedProvider, d.TaskClass, d.Reason,
		d.EstimatedSavings.StringFixed(6), d.Confidence, d.PromptLength, formatTime(d.CreatedAt),
	)
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// SavingsSince sums the router's estimated savings and counts routed
// requests for one tenant since the given time.
func (s *Store) SavingsSince(ctx context.Context, orgID int64, since time.Time) (decimal.Decimal, int64, error) {
	var (
		total sql.NullFloat64
		n     int64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT SUM(CAST(estimated_savings AS REAL)), COUNT(*)
		 FROM routing_decisions WHERE org_id = ? AND created_at >= ?`,
		orgID, formatTime(since),
	).Scan(&total, &n)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if !total.Valid {
		return decimal.Zero, n, nil
	}
	return decimal.NewFromFloat(total.Float64).Round(6), n, nil
}
