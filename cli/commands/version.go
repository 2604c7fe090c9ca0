package commands

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"miren.dev/broker/version"
)

// VersionCommand prints the build information stamped at link time.
type VersionCommand struct{}

func (c *VersionCommand) Help() string {
	helpText := `
Usage: broker version [options]

  Prints version, commit and build date.

Options:

  -json  Print as JSON.
`
	return strings.TrimSpace(helpText)
}

func (c *VersionCommand) Synopsis() string {
	return "Print the broker version"
}

func (c *VersionCommand) Run(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	info := version.GetInfo()

	if *asJSON {
		out, err := info.JSON()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
			return 1
		}
		fmt.Fprintln(os.Stdout, out)
		return 0
	}

	fmt.Fprintln(os.Stdout, info.String())
	return 0
}
