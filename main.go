// Package main runs the freelance notifier daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"freelance-notifier/config"
	"freelance-notifier/metrics"
	"freelance-notifier/notify"
	"freelance-notifier/pkg/listing"
	"freelance-notifier/poll"
	"freelance-notifier/scraper"
	"freelance-notifier/server"
	"freelance-notifier/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Notifier stopped with error", "error", err, "config_error", config.IsConfigError(err))
		stop()
		os.Exit(1)
	}
	logger.Info("Notifier stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	enabled := cfg.Mode.Marketplaces()
	logger.Info("Starting freelance notifier",
		"mode", int(cfg.Mode),
		"marketplaces", enabled,
		"notifier", cfg.Notifier)

	var loops []*poll.Loop
	if len(enabled) > 0 {
		provider, err := newProvider(ctx, cfg, logger)
		if err != nil {
			return err
		}
		sender := notify.New(provider, cfg.SendDelay, logger)

		stores, closeStores, err := openStores(ctx, cfg, enabled, logger)
		if err != nil {
			return err
		}
		defer closeStores()

		httpClient := &http.Client{Timeout: cfg.FetchTimeout}
		for _, mp := range enabled {
			fetcher, err := newFetcher(mp, cfg, httpClient, logger)
			if err != nil {
				return err
			}
			mc := cfg.For(mp)
			loops = append(loops, poll.NewLoop(fetcher, stores[mp], sender, poll.Config{
				MaxPages:    mc.MaxPages,
				Interval:    mc.Interval,
				SweepMaxAge: cfg.SweepMaxAge,
				Enrich:      mc.EnrichEnabled(),
			}, m, logger))
		}
	}

	monitor, err := poll.New(loops, poll.MonitorConfig{
		SweepSchedule:  cfg.SweepSchedule,
		RestartBackoff: cfg.RestartBackoff,
	}, m, logger)
	if err != nil {
		return &config.ConfigError{Key: "sweep_schedule", Reason: err.Error()}
	}

	var status runner
	if cfg.HTTPAddr != "" {
		status = server.New(&server.Config{
			Poller:   monitor,
			Gatherer: reg,
			Logger:   logger,
			Addr:     cfg.HTTPAddr,
		})
	}
	return serve(ctx, monitor, status, logger)
}

type runner interface {
	Run(ctx context.Context) error
}

// serve runs the monitor and the optional status server until ctx is canceled.
// A status server failure is logged and polling carries on without it.
func serve(ctx context.Context, monitor, status runner, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	if status != nil {
		g.Go(func() error {
			if err := status.Run(gctx); err != nil {
				logger.Error("Status server failed, polling continues without it", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func newProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Provider, error) {
	switch cfg.Notifier {
	case config.NotifierTelegram:
		p, err := notify.NewTelegramProvider(ctx, notify.TelegramConfig{
			Client: &http.Client{Timeout: 30 * time.Second},
			Token:  cfg.TelegramToken,
			ChatID: cfg.ChatID,
		}, logger)
		if errors.Is(err, notify.ErrInvalidToken) {
			return nil, &config.ConfigError{Key: "TELEGRAM_TOKEN", Reason: err.Error()}
		}
		return p, err
	case config.NotifierGmail:
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail: %w", err)
		}
		return notify.NewGmailProvider(svc, cfg.AdminEmail, logger), nil
	default:
		logger.Info("Mock notifier enabled, messages are only logged")
		return notify.NewMockProvider(logger), nil
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// On GCP, use Application Default Credentials; the service account needs gmail.send.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running on GCP")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", http.NoBody)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

type closableStore interface {
	poll.Store
	Close() error
}

// openStores opens one record set per marketplace. The returned func closes all of them.
func openStores(ctx context.Context, cfg *config.Config, enabled []listing.Marketplace, logger *slog.Logger) (map[listing.Marketplace]poll.Store, func(), error) {
	var (
		opened []closableStore
		client *gcs.Client
	)
	closeAll := func() {
		for _, s := range opened {
			if err := s.Close(); err != nil {
				logger.Warn("Failed to close store", "error", err)
			}
		}
		if client != nil {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
	}

	if cfg.StorageBucket != "" {
		var err error
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data directory: %w", err)
		}
		logger.Info("Using SQLite storage", "data_dir", cfg.DataDir)
	}

	stores := make(map[listing.Marketplace]poll.Store, len(enabled))
	for _, mp := range enabled {
		var s closableStore
		if client != nil {
			s = storage.NewGCS(client, cfg.StorageBucket, mp, logger)
		} else {
			sq, err := storage.OpenSQLite(ctx, cfg.DataDir, mp, logger)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("open %s store: %w", mp, err)
			}
			s = sq
		}
		opened = append(opened, s)
		stores[mp] = s
	}
	return stores, closeAll, nil
}

func newFetcher(mp listing.Marketplace, cfg *config.Config, client *http.Client, logger *slog.Logger) (poll.Fetcher, error) {
	switch mp {
	case listing.Kwork:
		return scraper.NewKwork(client, scraper.KworkConfig{
			Category: cfg.Kwork.Category,
			Timeout:  cfg.FetchTimeout,
		}, logger), nil
	case listing.Habr:
		return scraper.NewHabr(client, scraper.HabrConfig{
			Categories: cfg.Habr.Categories,
			Timeout:    cfg.FetchTimeout,
		}, logger)
	default:
		return nil, fmt.Errorf("no fetcher for marketplace %s", mp)
	}
}
