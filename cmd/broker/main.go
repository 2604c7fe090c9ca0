package main

import (
	"os"

	"miren.dev/broker/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
