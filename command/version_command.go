package command

import "github.com/openrendermanagement/octopus/version"

// VersionCommand is a Command implementation prints the version.
type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return ""
}

func (c *VersionCommand) Name() string { return "version" }

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the Octopus version"
}
