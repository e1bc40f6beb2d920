package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/openrendermanagement/octopus/command"
	"github.com/openrendermanagement/octopus/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run runs the CLI with the given arguments.
func Run(args []string) int {
	c := cli.NewCLI("octopus", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
