// Package commands holds the broker's CLI commands. Each command is a
// small struct wired into the mitchellh/cli registry; the heavy lifting
// lives in the service packages.
package commands

import (
	"github.com/mitchellh/cli"
)

func AllCommands() map[string]cli.CommandFactory {
	return map[string]cli.CommandFactory{
		"server": func() (cli.Command, error) {
			return &ServerCommand{}, nil
		},

		"worker": func() (cli.Command, error) {
			return &WorkerCommand{}, nil
		},

		"sync": func() (cli.Command, error) {
			return &SyncCommand{}, nil
		},

		"version": func() (cli.Command, error) {
			return &VersionCommand{}, nil
		},
	}
}
