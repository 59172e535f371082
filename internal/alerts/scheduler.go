package alerts

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cognitude/gateway/internal/ratelimit"
	"github.com/cognitude/gateway/internal/storage"
)

const defaultInterval = 15 * time.Minute

// minSampleRequests is the floor below which rolling-window warnings stay
// silent — a 0% hit rate over three requests is noise, not a signal.
const minSampleRequests = 10

// Scheduler periodically evaluates every enabled alert config against the
// ledger and dispatches notifications.
//
// Ticks never overlap: the job holds a mutex and a tick arriving while the
// previous run is still going is skipped, not queued, so a slow store never
// builds an unbounded backlog.
type Scheduler struct {
	store      storage.Store
	limiter    *ratelimit.Limiter // nil when rate limiting is disabled
	dispatcher *Dispatcher
	interval   time.Duration
	log        *slog.Logger

	jobMu sync.Mutex

	// now is replaceable in tests.
	now func() time.Time
}

// NewScheduler creates a Scheduler. interval ≤ 0 uses the 15-minute default.
func NewScheduler(store storage.Store, limiter *ratelimit.Limiter, dispatcher *Dispatcher, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:      store,
		limiter:    limiter,
		dispatcher: dispatcher,
		interval:   interval,
		log:        log,
		now:        time.Now,
	}
}

// Run fires the cost-check job on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// tick runs the job unless the previous run is still in progress.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.jobMu.TryLock() {
		s.log.Warn("alert tick skipped, previous run still in progress")
		return
	}
	defer s.jobMu.Unlock()

	if err := s.RunOnce(ctx); err != nil {
		// Job failures are logged, never propagated — the next tick retries.
		s.log.Error("alert job failed", slog.String("error", err.Error()))
	}
}

// RunOnce evaluates every enabled alert config once. Exported for tests and
// for an operator-triggered manual sweep.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	configs, err := s.store.ListEnabledAlertConfigs(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.evaluate(ctx, cfg); err != nil {
			s.log.Error("alert evaluation failed",
				slog.Int64("org_id", cfg.OrgID),
				slog.String("kind", cfg.Kind),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (s *Scheduler) evaluate(ctx context.Context, cfg *storage.AlertConfig) error {
	now := s.now().UTC()

	var (
		observed    decimal.Decimal
		window      string
		windowStart time.Time
		breached    bool
	)

	switch cfg.Kind {
	case KindDailyCost:
		windowStart = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		window = "current UTC day"
		cost, err := s.store.SumCostSince(ctx, cfg.OrgID, windowStart)
		if err != nil {
			return err
		}
		observed = cost
		breached = cost.Cmp(cfg.Threshold) >= 0

	case KindMonthlyCost:
		windowStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		window = "current UTC month"
		cost, err := s.store.SumCostSince(ctx, cfg.OrgID, windowStart)
		if err != nil {
			return err
		}
		observed = cost
		breached = cost.Cmp(cfg.Threshold) >= 0

	case KindCacheHitWarning:
		// Rolling one-hour window; fires when the hit rate falls BELOW the
		// threshold percentage.
		windowStart = now.Add(-time.Hour)
		window = "rolling 1 hour"
		rate, requests, err := s.store.CacheHitRateSince(ctx, cfg.OrgID, windowStart)
		if err != nil {
			return err
		}
		observed = decimal.NewFromFloat(rate * 100).Round(2)
		breached = requests >= minSampleRequests && observed.Cmp(cfg.Threshold) < 0

	case KindRateLimitWarning:
		// Rolling window keyed off the limiter's live minute counters; fires
		// when utilization reaches the threshold percentage.
		windowStart = now.Add(-time.Hour)
		window = "rolling 1 hour"
		if s.limiter == nil {
			return nil
		}
		rlCfg, err := s.store.GetRateLimitConfig(ctx, cfg.OrgID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		util := s.limiter.Utilization(ctx, cfg.OrgID, *rlCfg)
		observed = decimal.NewFromFloat(util * 100).Round(2)
		breached = observed.Cmp(cfg.Threshold) >= 0

	default:
		s.log.Warn("unknown alert kind", slog.String("kind", cfg.Kind))
		return nil
	}

	if !breached {
		return nil
	}

	// The conditional stamp enforces at most one alert per (tenant, kind,
	// window instance), even with competing scheduler processes.
	fired, err := s.store.MarkAlertTriggered(ctx, cfg.ID, now, windowStart)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	org, err := s.store.GetOrg(ctx, cfg.OrgID)
	if err != nil {
		return err
	}

	alert := Alert{
		Kind:       cfg.Kind,
		OrgName:    org.Name,
		Threshold:  cfg.Threshold,
		Observed:   observed,
		Window:     window,
		DetectedAt: now,
	}

	channels, err := s.store.ListAlertChannels(ctx, cfg.OrgID, true)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		s.log.Warn("alert fired with no active channels",
			slog.Int64("org_id", cfg.OrgID),
			slog.String("kind", cfg.Kind),
		)
		return nil
	}

	for _, ch := range channels {
		// Dispatch failures are logged inside the dispatcher; a failed
		// channel does not block the others.
		_ = s.dispatcher.Dispatch(ctx, ch, alert)
	}
	return nil
}
