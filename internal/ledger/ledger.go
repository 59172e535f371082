// Package ledger buffers usage rows and batch-flushes them to the
// relational store off the request path.
//
// Recording applies bounded backpressure: a full queue blocks the caller
// briefly, then the row is dropped and counted — an overloaded ledger never
// fails a request.
package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cognitude/gateway/internal/storage"
)

const (
	defaultQueueSize     = 1000
	defaultBatchSize     = 100
	defaultFlushInterval = 500 * time.Millisecond
	defaultDrainTimeout  = 5 * time.Second

	// backpressureWindow is how long Record blocks on a full queue before
	// dropping the row.
	backpressureWindow = 100 * time.Millisecond
)

// Options tunes the Recorder. Zero values use the defaults above.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	DrainTimeout  time.Duration
}

// Recorder is the async ledger writer. Create with New, start with Run,
// and feed with Record.
type Recorder struct {
	ch    chan storage.LedgerRow
	store storage.LedgerStore
	log   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	drainTimeout  time.Duration

	dropped   atomic.Int64
	unflushed atomic.Int64
}

// New creates a Recorder backed by store.
func New(store storage.LedgerStore, log *slog.Logger, opts Options) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		ch:            make(chan storage.LedgerRow, opts.QueueSize),
		store:         store,
		log:           log,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		drainTimeout:  opts.DrainTimeout,
	}
}

// Record enqueues one row. On a full queue it blocks for the backpressure
// window, then drops the row and counts it. The row's ID and timestamp are
// filled in when absent.
func (r *Recorder) Record(row storage.LedgerRow) {
	if row.ID == "" {
		row.ID = uuid.Must(uuid.NewV7()).String()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}

	select {
	case r.ch <- row:
		return
	default:
	}

	// Queue full — apply backpressure before giving up.
	timer := time.NewTimer(backpressureWindow)
	defer timer.Stop()
	select {
	case r.ch <- row:
	case <-timer.C:
		r.dropped.Add(1)
		r.log.Warn("ledger row dropped, queue full",
			slog.Int64("org_id", row.OrgID),
			slog.String("endpoint", row.Endpoint),
		)
	}
}

// Dropped returns the number of rows lost to queue overflow.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Unflushed returns the number of rows lost at shutdown because the drain
// deadline expired before they reached the store.
func (r *Recorder) Unflushed() int64 { return r.unflushed.Load() }

// Run processes rows until ctx is cancelled, then drains the queue with a
// deadline. Rows are flushed in batches of batchSize or every
// flushInterval, whichever comes first; the channel preserves FIFO order.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	buf := make([]storage.LedgerRow, 0, r.batchSize)

	for {
		select {
		case row := <-r.ch:
			buf = append(buf, row)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain empties the queue with the configured deadline; rows that miss the
// deadline are counted, not retried.
func (r *Recorder) drain(buf []storage.LedgerRow) {
	ctx, cancel := context.WithTimeout(context.Background(), r.drainTimeout)
	defer cancel()

	for {
		if ctx.Err() != nil {
			r.unflushed.Add(int64(len(buf) + len(r.ch)))
			return
		}
		select {
		case row := <-r.ch:
			buf = append(buf, row)
			if len(buf) >= r.batchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []storage.LedgerRow) {
	batch := make([]storage.LedgerRow, len(buf))
	copy(batch, buf)

	if err := r.store.InsertLedgerRows(ctx, batch); err != nil {
		r.unflushed.Add(int64(len(batch)))
		r.log.LogAttrs(ctx, slog.LevelError, "ledger flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
