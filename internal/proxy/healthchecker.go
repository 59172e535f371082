package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/cognitude/gateway/internal/cache"
	"github.com/cognitude/gateway/internal/storage"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against the relational store and
// the fast cache tier and exposes the latest results.
type HealthChecker struct {
	store   storage.Store
	cache   *cache.Cache
	baseCtx context.Context

	dbStatus    componentStatus
	cacheStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts probing.
func NewHealthChecker(ctx context.Context, store storage.Store, c *cache.Cache) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		store:     store,
		cache:     c,
		baseCtx:   ctx,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// First probe runs synchronously so health is never "unknown" at boot.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot is the GET /health response body.
type HealthSnapshot struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Database      string `json:"database"`
	Cache         string `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	db := hc.dbStatus.get()
	cacheSt := hc.cacheStatus.get()

	overall := "ok"
	if db == "down" || cacheSt == "degraded" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Database:      db,
		Cache:         cacheSt,
	}
}

// ReadinessOK returns true when the relational store is reachable. The
// cache tier degrades gracefully and does not gate readiness.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	if hc.store != nil && hc.store.Ping(ctx) == nil {
		hc.dbStatus.set("ok")
	} else {
		hc.dbStatus.set("down")
	}

	if hc.cache == nil || hc.cache.Ready(ctx) {
		hc.cacheStatus.set("ok")
	} else {
		hc.cacheStatus.set("degraded")
	}
}
