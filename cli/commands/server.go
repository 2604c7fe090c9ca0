package commands

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"miren.dev/broker/pkg/serverconfig"
	"miren.dev/broker/servers/httpapi"
	"miren.dev/broker/version"
)

const shutdownGrace = 10 * time.Second

// ServerCommand runs the full broker: the HTTP API plus both
// background jobs in one process.
type ServerCommand struct{}

func (c *ServerCommand) Help() string {
	helpText := `
Usage: broker server [options]

  Runs the sandbox broker: the /v1 HTTP API, the upstream sync
  reconciler, and the cleanup reclaimer.

  Configuration is loaded from defaults, then an optional TOML file,
  then environment variables, then these flags.

Options:

  -config=<path>      Path to a broker.toml config file.
  -listen=<addr>      Address the HTTP API binds to.
  -table=<name>       DynamoDB table name.
  -endpoint=<url>     DynamoDB endpoint override (dynamodb-local).
  -log-level=<level>  debug, info, warn or error.
  -log-format=<fmt>   json or text.
  -dev                In-memory store, mock upstream, generated
                      tokens. For local development only.
`
	return strings.TrimSpace(helpText)
}

func (c *ServerCommand) Synopsis() string {
	return "Run the broker API and background jobs"
}

func (c *ServerCommand) Run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
	dev := fs.Bool("dev", false, "development mode")
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
	log.Info("starting sandbox broker",
		"version", info.Version,
		"commit", info.Commit,
		"dev", *dev)

	if *dev {
		applyDevDefaults(log, cfg)
	}
	if !*dev && cfg.Server.APIToken == "" {
		log.Error("BROKER_API_TOKEN is required outside dev mode")
		return 1
	}
	if !*dev && cfg.Server.AdminToken == "" {
		log.Error("BROKER_ADMIN_TOKEN is required outside dev mode")
		return 1
	}

	comps, err := buildComponents(ctx, log, cfg, *dev)
	if err != nil {
		log.Error("failed to build broker components", "error", err)
		return 1
	}

	api := httpapi.NewServer(log, comps.broker, httpapi.Options{
		Addr:           cfg.Server.ListenAddr,
		APIToken:       cfg.Server.APIToken,
		AdminToken:     cfg.Server.AdminToken,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	})
	if err := api.Start(ctx); err != nil {
		log.Error("failed to start http api", "error", err)
		return 1
	}

	eg, jobCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return comps.syncer.Run(jobCtx) })
	eg.Go(func() error { return comps.reclaimer.Run(jobCtx) })

	log.Info("broker started", "addr", cfg.Server.ListenAddr)

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("background job failed", "error", err)
	}

	log.Info("broker shutting down, draining http api")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer drainCancel()
	if err := api.Shutdown(drainCtx); err != nil {
		log.Error("error draining http api", "error", err)
		return 1
	}

	log.Info("broker stopped")
	return 0
}

// applyDevDefaults fills in throwaway credentials so a bare
// `broker server -dev` is immediately usable. The tokens are printed
// because there is no other way to learn them.
func applyDevDefaults(log *slog.Logger, cfg *serverconfig.Config) {
	if cfg.Server.APIToken == "" {
		cfg.Server.APIToken = uuid.NewString()
		log.Warn("generated dev api token", "token", cfg.Server.APIToken)
	}
	if cfg.Server.AdminToken == "" {
		cfg.Server.AdminToken = uuid.NewString()
		log.Warn("generated dev admin token", "token", cfg.Server.AdminToken)
	}
}

// bindConfigFlags registers the flags shared by server and worker and
// returns the CLIFlags carrier serverconfig.Load consumes.
func bindConfigFlags(fs *flag.FlagSet) *serverconfig.CLIFlags {
	flags := &serverconfig.CLIFlags{SetFlags: make(map[string]bool)}
	fs.StringVar(&flags.ListenAddr, "listen", "", "http listen address")
	fs.StringVar(&flags.Table, "table", "", "dynamodb table name")
	fs.StringVar(&flags.Endpoint, "endpoint", "", "dynamodb endpoint override")
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level")
	fs.StringVar(&flags.LogFormat, "log-format", "", "log format")
	return flags
}

// recordSetFlags marks which flags the user actually passed, so unset
// flags never shadow file or environment values.
func recordSetFlags(fs *flag.FlagSet, flags *serverconfig.CLIFlags) {
	fs.Visit(func(f *flag.Flag) {
		flags.SetFlags[f.Name] = true
	})
}
