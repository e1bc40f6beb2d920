package command

import (
	"fmt"
	"strings"

	"github.com/ryanuber/columnize"

	"github.com/openrendermanagement/octopus/api"
)

// RenderNodesCommand lists the worker fleet.
type RenderNodesCommand struct {
	Meta
}

func (c *RenderNodesCommand) Help() string {
	helpText := `
Usage: octopus rendernodes [options]

  Lists the registered render nodes with their pools and liveness.

Options:

  -address=<addr>
    Address of the dispatcher, default ` + DefaultAddress + `.
`
	return strings.TrimSpace(helpText)
}

func (c *RenderNodesCommand) Synopsis() string {
	return "List the worker fleet"
}

func (c *RenderNodesCommand) Name() string { return "rendernodes" }

func (c *RenderNodesCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}

	rns, err := api.NewClient(c.Address()).ListRenderNodes()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying render nodes: %s", err))
		return 1
	}
	if len(rns) == 0 {
		c.Ui.Output("No render nodes registered")
		return 0
	}

	out := make([]string, 0, len(rns)+1)
	out = append(out, "ID|Name|Host|Cores|RAM|Pools|Idle|Reachable")
	for _, rn := range rns {
		out = append(out, fmt.Sprintf("%d|%s|%s:%d|%d|%d|%s|%v|%v",
			rn.ID, rn.Name, rn.Host, rn.Port, rn.CoresNumber, rn.RamSize,
			strings.Join(rn.Pools, ","), rn.Idle, rn.Reachable))
	}
	c.Ui.Output(columnize.SimpleFormat(out))
	return 0
}
