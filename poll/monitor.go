package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"freelance-notifier/metrics"
	"freelance-notifier/pkg/listing"

	"github.com/codeGROOVE-dev/retry"
	"github.com/robfig/cron/v3"
)

// DefaultRestartBackoff is the pause before a crashed loop is restarted.
const DefaultRestartBackoff = 30 * time.Second

// MonitorConfig tunes supervision and the unsent sweep.
type MonitorConfig struct {
	// SweepSchedule is a cron spec such as "@every 10m"; empty disables the sweep.
	SweepSchedule  string
	RestartBackoff time.Duration
}

// Monitor supervises one Loop per enabled marketplace.
type Monitor struct {
	loops   map[listing.Marketplace]*Loop
	metrics *metrics.Metrics
	logger  *slog.Logger
	order   []listing.Marketplace
	cfg     MonitorConfig
}

// New creates a Monitor. The sweep schedule is validated here.
func New(loops []*Loop, cfg MonitorConfig, m *metrics.Metrics, logger *slog.Logger) (*Monitor, error) {
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = DefaultRestartBackoff
	}
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			return nil, fmt.Errorf("parse sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}

	mon := &Monitor{
		loops:   make(map[listing.Marketplace]*Loop, len(loops)),
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
	for _, l := range loops {
		if _, dup := mon.loops[l.Marketplace()]; dup {
			return nil, fmt.Errorf("duplicate loop for marketplace %s", l.Marketplace())
		}
		mon.loops[l.Marketplace()] = l
		mon.order = append(mon.order, l.Marketplace())
	}
	return mon, nil
}

// Marketplaces lists the supervised marketplaces in registration order.
func (m *Monitor) Marketplaces() []listing.Marketplace {
	out := make([]listing.Marketplace, len(m.order))
	copy(out, m.order)
	return out
}

// Trigger wakes the loop for marketplace, or every loop when marketplace is empty.
func (m *Monitor) Trigger(marketplace string) error {
	if marketplace == "" {
		for _, mp := range m.order {
			m.loops[mp].Trigger()
		}
		return nil
	}

	mp, err := listing.ParseMarketplace(marketplace)
	if err != nil {
		return err
	}
	l, ok := m.loops[mp]
	if !ok {
		return fmt.Errorf("marketplace %s is not enabled", mp)
	}
	l.Trigger()
	return nil
}

// Run starts every loop and the sweep scheduler, and blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	if len(m.loops) == 0 {
		m.logger.Info("No marketplaces enabled, idling")
		<-ctx.Done()
		return nil
	}

	var c *cron.Cron
	if m.cfg.SweepSchedule != "" {
		clog := cronLogger{m.logger}
		c = cron.New(cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)), cron.WithLogger(clog))
		for _, mp := range m.order {
			l := m.loops[mp]
			if _, err := c.AddFunc(m.cfg.SweepSchedule, func() { l.Sweep(ctx) }); err != nil {
				return fmt.Errorf("schedule sweep for %s: %w", mp, err)
			}
		}
		c.Start()
		m.logger.Info("Unsent sweep scheduled", "schedule", m.cfg.SweepSchedule)
	}

	var wg sync.WaitGroup
	for _, mp := range m.order {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			m.supervise(ctx, l)
		}(m.loops[mp])
	}
	wg.Wait()

	if c != nil {
		// Wait for a running sweep to observe cancellation.
		<-c.Stop().Done()
	}
	m.logger.Info("All poll loops stopped")
	return nil
}

// supervise restarts l after an error or panic, with a fixed backoff, until ctx is canceled.
func (m *Monitor) supervise(ctx context.Context, l *Loop) {
	jitter := max(m.cfg.RestartBackoff/10, time.Millisecond)
	err := retry.Do(
		func() error {
			err := runRecovered(ctx, l)
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			return err
		},
		retry.Attempts(0),
		retry.Delay(m.cfg.RestartBackoff),
		retry.MaxDelay(m.cfg.RestartBackoff),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			m.metrics.LoopRestarts.WithLabelValues(string(l.Marketplace())).Inc()
			m.logger.Error("Poll loop crashed, restarting",
				"marketplace", l.Marketplace(),
				"attempt", n,
				"backoff", m.cfg.RestartBackoff.String(),
				"error", err)
		}),
	)
	m.logger.Info("Poll loop stopped", "marketplace", l.Marketplace(), "reason", err)
}

func runRecovered(ctx context.Context, l *Loop) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll loop panic: %v", r)
		}
	}()
	return l.Run(ctx)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
