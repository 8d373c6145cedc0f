// Package poll drives the per-marketplace fetch, dedup and notify cycle.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"freelance-notifier/metrics"
	"freelance-notifier/pkg/listing"
	"freelance-notifier/storage"
)

// Defaults applied by NewLoop to zero config values.
const (
	DefaultMaxPages    = 10
	DefaultInterval    = 150 * time.Second
	DefaultSweepMaxAge = 24 * time.Hour
	DefaultSweepBatch  = 50
)

// Fetcher reads listing pages of one marketplace.
type Fetcher interface {
	Marketplace() listing.Marketplace
	Fetch(ctx context.Context, page int) ([]listing.Record, error)
	Enrich(ctx context.Context, rec *listing.Record) error
}

// Store is the dedup record set of one marketplace.
type Store interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, rec *listing.Record) (storage.InsertResult, error)
	MarkSent(ctx context.Context, id string) error
	Unsent(ctx context.Context, since time.Time, limit int) ([]listing.Record, error)
}

// Notifier delivers one record to the administrator.
type Notifier interface {
	Notify(ctx context.Context, rec *listing.Record) error
}

// State is the phase a loop is currently in.
type State int32

// Loop states.
const (
	Idle State = iota
	FetchingPage
	Filtering
	Notifying
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingPage:
		return "fetching_page"
	case Filtering:
		return "filtering"
	case Notifying:
		return "notifying"
	case Sleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Config tunes one marketplace loop.
type Config struct {
	MaxPages    int
	Interval    time.Duration
	SweepMaxAge time.Duration
	SweepBatch  int
	// Enrich loads detail pages for new records that have no description.
	Enrich bool
}

// CycleStats summarises one cycle or sweep.
type CycleStats struct {
	FetchErr error
	Pages    int
	Fetched  int
	New      int
	Sent     int
	Failed   int
}

// Loop polls a single marketplace.
type Loop struct {
	fetcher  Fetcher
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	trigger  chan struct{}
	// pending holds identities delivered but not yet marked sent. Guarded by mu.
	pending     map[string]struct{}
	cfg         Config
	marketplace listing.Marketplace
	// mu is the cycle lock; cycles and sweeps never overlap.
	mu    sync.Mutex
	state atomic.Int32
}

// NewLoop creates a loop for the fetcher's marketplace.
func NewLoop(fetcher Fetcher, store Store, notifier Notifier, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SweepMaxAge <= 0 {
		cfg.SweepMaxAge = DefaultSweepMaxAge
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = DefaultSweepBatch
	}
	mp := fetcher.Marketplace()
	return &Loop{
		fetcher:     fetcher,
		store:       store,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With("marketplace", mp),
		trigger:     make(chan struct{}, 1),
		pending:     make(map[string]struct{}),
		cfg:         cfg,
		marketplace: mp,
	}
}

// Marketplace returns the marketplace this loop polls.
func (l *Loop) Marketplace() listing.Marketplace {
	return l.marketplace
}

// State returns the current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Trigger wakes the loop if it is sleeping. It never blocks.
func (l *Loop) Trigger() {
	select {
	case l.trigger <- struct{}{}:
	default:
	}
}

// Run cycles until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Poll loop started",
		"max_pages", l.cfg.MaxPages,
		"interval", l.cfg.Interval.String())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.RunCycle(ctx)
		if err := l.sleep(ctx); err != nil {
			return err
		}
	}
}

func (l *Loop) sleep(ctx context.Context) error {
	l.setState(Sleeping)
	timer := time.NewTimer(l.cfg.Interval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-l.trigger:
		l.logger.Info("Poll triggered manually")
	}
	return nil
}

// RunCycle fetches pages 1..MaxPages and announces every record not seen before.
// A fetch error ends the page loop; an empty page means there are no further results.
func (l *Loop) RunCycle(ctx context.Context) CycleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.setState(Idle)

	start := time.Now()
	l.flushPending(ctx)

	var stats CycleStats
	for page := 1; page <= l.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			break
		}

		l.setState(FetchingPage)

		records, err := l.fetcher.Fetch(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn("Page fetch failed, ending cycle", "page", page, "error", err)
			l.metrics.FetchErrors.WithLabelValues(string(l.marketplace)).Inc()
			stats.FetchErr = err
			break
		}

		stats.Pages++
		stats.Fetched += len(records)
		l.metrics.RecordsFetched.WithLabelValues(string(l.marketplace)).Add(float64(len(records)))

		if len(records) == 0 {
			l.logger.Debug("Empty page, no further results", "page", page)
			break
		}

		for i := range records {
			if ctx.Err() != nil {
				break
			}
			l.process(ctx, &records[i], &stats)
		}
	}

	duration := time.Since(start)
	l.metrics.CycleDuration.WithLabelValues(string(l.marketplace)).Observe(duration.Seconds())
	if ctx.Err() == nil {
		l.metrics.CyclesCompleted.WithLabelValues(string(l.marketplace)).Inc()
	}

	l.logger.Info("Poll cycle completed",
		"pages", stats.Pages,
		"fetched", stats.Fetched,
		"new", stats.New,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"duration_ms", duration.Milliseconds())
	return stats
}

func (l *Loop) process(ctx context.Context, rec *listing.Record, stats *CycleStats) {
	l.setState(Filtering)

	exists, err := l.store.Exists(ctx, rec.ID)
	if err != nil {
		l.storageFailed("exists", rec.ID, err)
		return
	}
	if exists {
		return
	}

	if l.cfg.Enrich && rec.Description == "" {
		if err := l.fetcher.Enrich(ctx, rec); err != nil {
			l.logger.Warn("Detail page enrichment failed", "id", rec.ID, "error", err)
		}
	}

	rec.Marketplace = l.marketplace
	rec.Sent = false
	rec.SentAt = nil
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	result, err := l.store.Insert(ctx, rec)
	if err != nil {
		l.storageFailed("insert", rec.ID, err)
		return
	}
	if result == storage.AlreadyExists {
		return
	}

	stats.New++
	l.metrics.RecordsNew.WithLabelValues(string(l.marketplace)).Inc()
	l.logger.Info("New listing found", "id", rec.ID, "title", rec.Title)

	l.deliver(ctx, rec, stats)
}

// deliver notifies and marks rec sent. Callers hold mu.
func (l *Loop) deliver(ctx context.Context, rec *listing.Record, stats *CycleStats) {
	l.setState(Notifying)

	if err := l.notifier.Notify(ctx, rec); err != nil {
		stats.Failed++
		l.metrics.Notifications.WithLabelValues(string(l.marketplace), metrics.ResultFailed).Inc()
		l.logger.Warn("Notification failed, record left unsent", "id", rec.ID, "error", err)
		return
	}
	stats.Sent++
	l.metrics.Notifications.WithLabelValues(string(l.marketplace), metrics.ResultSent).Inc()

	if err := l.store.MarkSent(ctx, rec.ID); err != nil {
		l.pending[rec.ID] = struct{}{}
		l.storageFailed("mark_sent", rec.ID, err)
	}
}

// flushPending retries MarkSent for delivered records. Callers hold mu.
func (l *Loop) flushPending(ctx context.Context) {
	for id := range l.pending {
		err := l.store.MarkSent(ctx, id)
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			delete(l.pending, id)
			continue
		}
		l.storageFailed("mark_sent", id, err)
	}
}

func (l *Loop) storageFailed(op, id string, err error) {
	l.metrics.StorageErrors.WithLabelValues(string(l.marketplace), op).Inc()
	l.logger.Error("Storage operation failed, skipping record", "op", op, "id", id, "error", err)
}

// Sweep re-announces records that were stored but never delivered.
// It holds the cycle lock, so it never overlaps a cycle of the same marketplace.
func (l *Loop) Sweep(ctx context.Context) CycleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.setState(Idle)

	l.flushPending(ctx)

	var stats CycleStats
	records, err := l.store.Unsent(ctx, time.Now().Add(-l.cfg.SweepMaxAge), l.cfg.SweepBatch)
	if err != nil {
		l.storageFailed("unsent", "", err)
		return stats
	}
	if len(records) == 0 {
		return stats
	}

	l.logger.Info("Redelivering unsent records", "count", len(records))
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if _, ok := l.pending[records[i].ID]; ok {
			continue
		}
		l.deliver(ctx, &records[i], &stats)
	}
	return stats
}
