package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/cli"
	"miren.dev/broker/cli/commands"
	"miren.dev/broker/version"
)

func Run(args []string) int {
	c := cli.NewCLI("broker", version.Version)
	c.Commands = commands.AllCommands()
	c.Args = args[1:]

	exitStatus, err := c.Run()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Printf("ERROR: %s\n", err)
			return 1
		}
	}

	return exitStatus
}
