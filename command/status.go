package command

import (
	"fmt"
	"strings"

	"github.com/ryanuber/columnize"

	"github.com/openrendermanagement/octopus/api"
	"github.com/openrendermanagement/octopus/octopus/structs"
)

// StatusCommand lists the dispatch tree roots, or details one node.
type StatusCommand struct {
	Meta
}

func (c *StatusCommand) Help() string {
	helpText := `
Usage: octopus status [options] [node-id]

  Without argument, lists the submitted graphs. With a node id, shows the
  node and its commands.

Options:

  -address=<addr>
    Address of the dispatcher, default ` + DefaultAddress + `.
`
	return strings.TrimSpace(helpText)
}

func (c *StatusCommand) Synopsis() string {
	return "Display the status of submitted graphs"
}

func (c *StatusCommand) Name() string { return "status" }

func (c *StatusCommand) Run(args []string) int {
	flags := c.Meta.FlagSet(c.Name())
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	if err := flags.Parse(args); err != nil {
		return 1
	}
	args = flags.Args()

	client := api.NewClient(c.Address())

	if len(args) == 0 {
		nodes, err := client.ListNodes()
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error querying nodes: %s", err))
			return 1
		}
		if len(nodes) == 0 {
			c.Ui.Output("No graphs submitted")
			return 0
		}
		out := make([]string, 0, len(nodes)+1)
		out = append(out, "ID|Name|User|Status|Completion")
		for _, n := range nodes {
			out = append(out, fmt.Sprintf("%d|%s|%s|%s|%.0f%%",
				n.ID, n.Name, n.User, structs.Status(n.Status), n.Completion*100))
		}
		c.Ui.Output(columnize.SimpleFormat(out))
		return 0
	}

	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		c.Ui.Error(fmt.Sprintf("Bad node id %q", args[0]))
		return 1
	}
	node, err := client.GetNode(id)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying node %d: %s", id, err))
		return 1
	}

	c.Ui.Output(fmt.Sprintf("%s %q (%s) status=%s completion=%.0f%%",
		node.Kind, node.Name, node.User, structs.Status(node.Status), node.Completion*100))
	if len(node.Commands) > 0 {
		out := make([]string, 0, len(node.Commands)+1)
		out = append(out, "ID|Description|Status|Completion|Worker|Attempt|Message")
		for _, cmd := range node.Commands {
			out = append(out, fmt.Sprintf("%d|%s|%s|%.0f%%|%s|%d|%s",
				cmd.ID, cmd.Description, structs.Status(cmd.Status), cmd.Completion*100,
				cmd.RenderNode, cmd.Attempt, cmd.Message))
		}
		c.Ui.Output(columnize.SimpleFormat(out))
	}
	return 0
}
