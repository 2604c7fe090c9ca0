package commands

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"miren.dev/broker/pkg/serverconfig"
)

// SyncCommand runs one reconciliation against the upstream provider
// and exits. Operators use it to verify credentials and to force a
// sync without touching the admin API.
type SyncCommand struct{}

func (c *SyncCommand) Help() string {
	helpText := `
Usage: broker sync [options]

  Fetches the upstream account list, reconciles the pool table once,
  prints the counts, and exits. Exits non-zero when the upstream or
  the store cannot be reached.

Options:

  -config=<path>      Path to a broker.toml config file.
  -table=<name>       DynamoDB table name.
  -endpoint=<url>     DynamoDB endpoint override (dynamodb-local).
  -log-level=<level>  debug, info, warn or error.
  -log-format=<fmt>   json or text.
`
	return strings.TrimSpace(helpText)
}

func (c *SyncCommand) Synopsis() string {
	return "Reconcile the pool against upstream once"
}

func (c *SyncCommand) Run(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config file")
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

	comps, err := buildComponents(ctx, log, cfg, false)
	if err != nil {
		log.Error("failed to build broker components", "error", err)
		return 1
	}

	res, err := comps.syncer.SyncOnce(ctx)
	if err != nil {
		log.Error("sync failed", "error", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "synced=%d refreshed=%d removed=%d orphaned=%d duration_ms=%d\n",
		res.Synced, res.Refreshed, res.Removed, res.Orphaned, res.DurationMS)
	return 0
}
