package commands

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"miren.dev/broker/metrics"
	"miren.dev/broker/pkg/serverconfig"
	"miren.dev/broker/version"
)

// WorkerCommand runs only the background jobs. Deployments that scale
// the API horizontally run one worker next to N API-only replicas so
// sync and cleanup pressure does not multiply with API capacity.
type WorkerCommand struct{}

func (c *WorkerCommand) Help() string {
	helpText := `
Usage: broker worker [options]

  Runs the sync reconciler and the cleanup reclaimer without the
  request API. Health and metrics are served on -metrics-addr.

Options:

  -config=<path>        Path to a broker.toml config file.
  -metrics-addr=<addr>  Address for /healthz, /readyz and /metrics.
                        Defaults to :9090.
  -table=<name>         DynamoDB table name.
  -endpoint=<url>       DynamoDB endpoint override (dynamodb-local).
  -log-level=<level>    debug, info, warn or error.
  -log-format=<fmt>     json or text.
`
	return strings.TrimSpace(helpText)
}

func (c *WorkerCommand) Synopsis() string {
	return "Run only the background jobs"
}

func (c *WorkerCommand) Run(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	metricsAddr := fs.String("metrics-addr", ":9090", "health and metrics address")
	flags := bindConfigFlags(fs)

	if err := fs.Parse(args); err != nil {
		return 1
	}
	recordSetFlags(fs, flags)

	ctx, cancel := signalContext()
	defer cancel()

	boot := newLogger(serverconfig.LogConfig{Level: "info", Format: "text"})
	loaded, err := serverconfig.Load(*configPath, flags, boot)
	if err != nil {
		boot.Error("failed to load configuration", "error", err)
		return 1
	}
	cfg := &loaded.Config

	log := newLogger(cfg.Log)

	info := version.GetInfo()
	log.Info("starting broker worker", "version", info.Version, "commit", info.Commit)

	comps, err := buildComponents(ctx, log, cfg, false)
	if err != nil {
		log.Error("failed to build broker components", "error", err)
		return 1
	}

	probes := &http.Server{
		Addr:              *metricsAddr,
		Handler:           probeMux(comps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("serving worker probes", "addr", *metricsAddr)
		if err := probes.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("error serving worker probes", "error", err)
		}
	}()

	eg, jobCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return comps.syncer.Run(jobCtx) })
	eg.Go(func() error { return comps.reclaimer.Run(jobCtx) })

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("background job failed", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := probes.Shutdown(drainCtx); err != nil {
		log.Error("error draining worker probes", "error", err)
	}

	log.Info("worker stopped")
	return 0
}

func probeMux(comps *components) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := comps.store.Ping(r.Context()); err != nil {
			writeProbe(w, http.StatusServiceUnavailable, "store unreachable")
			return
		}
		writeProbe(w, http.StatusOK, "ready")
	})
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func writeProbe(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": msg})
}
