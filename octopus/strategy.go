package octopus

import (
	"sort"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Strategy is the ordering policy a folder node applies to its children
// while the assignment loop drains ready commands. Strategies come from a
// closed, named set; unknown names are rejected at submission time.
type Strategy interface {
	Name() string

	// OrderedCommands returns the READY commands under the given children
	// in dispatch order.
	OrderedCommands(children []*structs.Node) []*structs.Command
}

// NewStrategy resolves a strategy name, the empty string meaning FIFO.
func NewStrategy(name string) Strategy {
	switch name {
	case structs.StrategyRoundRobin:
		return roundRobinStrategy{}
	default:
		return fifoStrategy{}
	}
}

// fifoStrategy drains children by dispatch key (higher first), then by
// creation time, then by id.
type fifoStrategy struct{}

func (fifoStrategy) Name() string { return structs.StrategyFIFO }

func (fifoStrategy) OrderedCommands(children []*structs.Node) []*structs.Command {
	ordered := sortByDispatchKey(children)
	var out []*structs.Command
	for _, child := range ordered {
		out = append(out, readyCommands(child)...)
	}
	return out
}

// roundRobinStrategy emits one command from each sibling in turn until all
// siblings are drained.
type roundRobinStrategy struct{}

func (roundRobinStrategy) Name() string { return structs.StrategyRoundRobin }

func (roundRobinStrategy) OrderedCommands(children []*structs.Node) []*structs.Command {
	ordered := sortByDispatchKey(children)
	queues := make([][]*structs.Command, len(ordered))
	total := 0
	for i, child := range ordered {
		queues[i] = readyCommands(child)
		total += len(queues[i])
	}
	out := make([]*structs.Command, 0, total)
	for len(out) < total {
		for i := range queues {
			if len(queues[i]) > 0 {
				out = append(out, queues[i][0])
				queues[i] = queues[i][1:]
			}
		}
	}
	return out
}

// readyCommands collects READY commands under a node, honoring the node's
// own strategy for folders.
func readyCommands(n *structs.Node) []*structs.Command {
	if n.Kind == structs.NodeKindTask {
		var out []*structs.Command
		for _, cmd := range n.Task.Commands {
			if cmd.Status == structs.StatusReady {
				out = append(out, cmd)
			}
		}
		// Deterministic last-resort tie break.
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}
	return NewStrategy(n.Strategy).OrderedCommands(n.Children)
}

func sortByDispatchKey(children []*structs.Node) []*structs.Node {
	ordered := make([]*structs.Node, len(children))
	copy(ordered, children)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.DispatchKey != b.DispatchKey {
			return a.DispatchKey > b.DispatchKey
		}
		if !a.CreationTime.Equal(b.CreationTime) {
			return a.CreationTime.Before(b.CreationTime)
		}
		return a.ID < b.ID
	})
	return ordered
}
