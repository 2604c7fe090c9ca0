package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"miren.dev/broker/alloc"
	"miren.dev/broker/controllers/poolsync"
	"miren.dev/broker/controllers/reclaim"
	"miren.dev/broker/pkg/serverconfig"
	"miren.dev/broker/service"
	"miren.dev/broker/store"
	"miren.dev/broker/store/dynamo"
	"miren.dev/broker/store/memory"
	"miren.dev/broker/upstream"
)

// signalContext returns a context cancelled by SIGINT or SIGTERM, so
// every command drains cleanly under Ctrl-C and under the orchestrator.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newLogger builds the process logger from the log config. Logs go to
// stderr; stdout stays free for command output.
func newLogger(cfg serverconfig.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// components is the wired broker core shared by the server and worker
// commands: one store, one upstream client, and the jobs built on them.
type components struct {
	store     store.Store
	upstream  upstream.Client
	allocator *alloc.Allocator
	syncer    *poolsync.Reconciler
	reclaimer *reclaim.Reclaimer
	broker    *service.Broker
}

// buildComponents assembles the broker core from configuration. With
// dev set, the store is in-memory and the upstream is always the mock,
// regardless of what the config says.
func buildComponents(ctx context.Context, log *slog.Logger, cfg *serverconfig.Config, dev bool) (*components, error) {
	st, err := buildStore(ctx, log, &cfg.Store, dev)
	if err != nil {
		return nil, err
	}

	up := buildUpstream(log, &cfg.CSP, dev)

	allocator := alloc.New(log, st, alloc.Options{
		Candidates:    cfg.Pool.KCandidates,
		LeaseDuration: cfg.Pool.LeaseDuration(),
		BackoffBase:   cfg.Pool.BackoffBase(),
		BackoffMax:    cfg.Pool.BackoffMax(),
	})

	syncer := poolsync.New(log, st, up, cfg.Jobs.SyncInterval())

	reclaimer := reclaim.New(log, st, up, reclaim.Options{
		Interval:        cfg.Jobs.CleanupInterval(),
		DeletionTimeout: cfg.Jobs.DeletionTimeout(),
		BatchSize:       cfg.Jobs.CleanupBatchSize,
		BatchPause:      2 * time.Second,
	})

	return &components{
		store:     st,
		upstream:  up,
		allocator: allocator,
		syncer:    syncer,
		reclaimer: reclaimer,
		broker:    service.New(log, st, allocator, syncer, reclaimer),
	}, nil
}

func buildStore(ctx context.Context, log *slog.Logger, cfg *serverconfig.StoreConfig, dev bool) (store.Store, error) {
	if dev {
		log.Info("using in-memory store")
		return memory.New(), nil
	}

	st, err := dynamo.New(ctx, log, dynamo.Options{
		Table:    cfg.Table,
		Region:   cfg.Region,
		Endpoint: cfg.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}

	// A local endpoint means dynamodb-local, which starts empty; the
	// real table is provisioned by infrastructure, never by the broker.
	if cfg.Endpoint != "" {
		if err := st.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("failed to provision local table: %w", err)
		}
	}

	log.Info("using dynamodb store",
		"table", cfg.Table,
		"region", cfg.Region,
		"endpoint", cfg.Endpoint)
	return st, nil
}

// buildUpstream picks the provider client. Mock mode is a first-class
// runtime mode, not a test hook, so the choice is logged loudly.
func buildUpstream(log *slog.Logger, cfg *serverconfig.CSPConfig, dev bool) upstream.Client {
	if dev || cfg.MockMode() {
		log.Info("upstream provider in mock mode, serving fixture accounts")
		return upstream.NewMock(log)
	}

	log.Info("upstream provider configured", "base_url", cfg.BaseURL)
	return upstream.NewHTTPClient(log, cfg.BaseURL, cfg.APIToken)
}
