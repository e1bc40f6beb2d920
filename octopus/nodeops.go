package octopus

import (
	"fmt"
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Node control operations, run on the dispatcher loop via NodeOp. Each op
// receives the resolved node and the loop's notion of now.

// OpPause parks every non-terminal command of the subtree. A running
// command is marked PAUSED but keeps its worker binding: pause is not
// cancel, the attempt finishes on the worker and its callback settles it.
func OpPause(d *Dispatcher, node *structs.Node, now time.Time) error {
	for _, cmd := range node.Commands() {
		switch cmd.Status {
		case structs.StatusReady, structs.StatusBlocked, structs.StatusRunning:
			d.tree.UpdateCommandStatus(cmd, structs.StatusPaused, now)
		}
	}
	return nil
}

// OpResume returns paused commands to the scheduler. Commands whose
// dependency edges are not settled go back to BLOCKED, the rest to READY.
func OpResume(d *Dispatcher, node *structs.Node, now time.Time) error {
	node.Walk(func(n *structs.Node) {
		if n.Kind != structs.NodeKindTask {
			return
		}
		for _, cmd := range n.Task.Commands {
			if cmd.Status != structs.StatusPaused {
				continue
			}
			// A paused attempt still on its worker resumes in place.
			if cmd.OnWorker() {
				d.tree.UpdateCommandStatus(cmd, structs.StatusRunning, now)
				continue
			}
			next := structs.StatusReady
			if !edgesSettled(n) {
				next = structs.StatusBlocked
			}
			d.tree.UpdateCommandStatus(cmd, next, now)
		}
	})
	return nil
}

// OpCancel settles the whole subtree CANCELED. Running commands get a kill
// instruction and are forced after the grace period if the worker never
// confirms.
func OpCancel(d *Dispatcher, node *structs.Node, now time.Time) error {
	for _, cmd := range node.Commands() {
		switch {
		case cmd.Status.Terminal():
		case cmd.Status == structs.StatusRunning || cmd.OnWorker():
			d.shipKill(cmd, now)
		default:
			d.tree.UpdateCommandStatus(cmd, structs.StatusCanceled, now)
		}
	}
	d.tree.ReevaluateDependents(node, now)
	return nil
}

// OpRestart gives settled commands a fresh attempt budget and requeues
// them. Running and waiting commands are untouched.
func OpRestart(d *Dispatcher, node *structs.Node, now time.Time) error {
	node.Walk(func(n *structs.Node) {
		if n.Kind != structs.NodeKindTask {
			return
		}
		for _, cmd := range n.Task.Commands {
			if !cmd.Status.Terminal() {
				continue
			}
			cmd.Attempt = 0
			cmd.Message = ""
			cmd.RenderNode = nil
			next := structs.StatusReady
			if !edgesSettled(n) {
				next = structs.StatusBlocked
			}
			d.tree.UpdateCommandStatus(cmd, next, now)
		}
	})
	d.tree.ReevaluateDependents(node, now)
	return nil
}

// OpSetStatus maps a user-requested node status onto the matching control
// operation. Only the user-reachable statuses are accepted.
func OpSetStatus(status structs.Status) func(*Dispatcher, *structs.Node, time.Time) error {
	return func(d *Dispatcher, node *structs.Node, now time.Time) error {
		switch status {
		case structs.StatusPaused:
			return OpPause(d, node, now)
		case structs.StatusCanceled:
			return OpCancel(d, node, now)
		case structs.StatusReady:
			if node.Status == structs.StatusPaused {
				return OpResume(d, node, now)
			}
			return OpRestart(d, node, now)
		default:
			return &structs.ValidationError{Err: fmt.Errorf("status %s cannot be requested on a node", status)}
		}
	}
}

// OpSetMaxRN retunes the subtree's concurrency quota.
func OpSetMaxRN(maxRN int) func(*Dispatcher, *structs.Node, time.Time) error {
	return func(d *Dispatcher, node *structs.Node, now time.Time) error {
		if maxRN < structs.UnlimitedMaxRN {
			return &structs.ValidationError{Err: fmt.Errorf("maxRN %d out of range", maxRN)}
		}
		node.MaxRN = maxRN
		node.UpdateTime = now
		d.tree.MarkModified(node)
		return nil
	}
}

// OpSetDispatchKey reorders the node among its siblings.
func OpSetDispatchKey(key float64) func(*Dispatcher, *structs.Node, time.Time) error {
	return func(d *Dispatcher, node *structs.Node, now time.Time) error {
		node.DispatchKey = key
		node.UpdateTime = now
		d.tree.MarkModified(node)
		return nil
	}
}

// OpSetPriority updates the display priority.
func OpSetPriority(priority int) func(*Dispatcher, *structs.Node, time.Time) error {
	return func(d *Dispatcher, node *structs.Node, now time.Time) error {
		node.Priority = priority
		node.UpdateTime = now
		d.tree.MarkModified(node)
		return nil
	}
}

// OpArchive tombstones the subtree immediately, regardless of grace.
func OpArchive(d *Dispatcher, node *structs.Node, now time.Time) error {
	for _, cmd := range node.Commands() {
		if cmd.Status == structs.StatusRunning || cmd.OnWorker() {
			return fmt.Errorf("node %d has running commands", node.ID)
		}
	}
	return d.tree.ArchiveNode(node)
}

// edgesSettled reports whether the node and its ancestors have all their
// dependency edges satisfied.
func edgesSettled(n *structs.Node) bool {
	for a := n; a != nil; a = a.Parent {
		for _, dep := range a.Dependencies {
			if !dep.Satisfied() {
				return false
			}
		}
	}
	return true
}

// CommandOp runs a control operation against one command on the loop.
func (d *Dispatcher) CommandOp(commandID int64, status structs.Status) error {
	reply := make(chan error, 1)
	d.eventCh <- commandOpEvent{commandID: commandID, status: status, reply: reply}
	return <-reply
}

type commandOpEvent struct {
	commandID int64
	status    structs.Status
	reply     chan error
}

func (d *Dispatcher) handleCommandOp(ev commandOpEvent, now time.Time) error {
	cmd, ok := d.tree.Commands[ev.commandID]
	if !ok {
		return fmt.Errorf("unknown command %d", ev.commandID)
	}
	switch ev.status {
	case structs.StatusPaused:
		switch cmd.Status {
		case structs.StatusReady, structs.StatusBlocked, structs.StatusRunning:
			d.tree.UpdateCommandStatus(cmd, structs.StatusPaused, now)
		}
		return nil
	case structs.StatusCanceled:
		switch {
		case cmd.Status.Terminal():
		case cmd.Status == structs.StatusRunning || cmd.OnWorker():
			d.shipKill(cmd, now)
		default:
			d.tree.UpdateCommandStatus(cmd, structs.StatusCanceled, now)
			for _, node := range cmd.Task.Nodes {
				d.tree.ReevaluateDependents(node, now)
			}
		}
		return nil
	case structs.StatusReady:
		if cmd.Status == structs.StatusRunning {
			return &structs.ValidationError{Err: fmt.Errorf("command %d is running", cmd.ID)}
		}
		if cmd.OnWorker() {
			// Paused with the attempt still on its worker: resume in place.
			d.tree.UpdateCommandStatus(cmd, structs.StatusRunning, now)
			return nil
		}
		cmd.Attempt = 0
		cmd.Message = ""
		cmd.RenderNode = nil
		next := structs.StatusReady
		if node := cmd.Task.Nodes["graphs"]; node != nil && !edgesSettled(node) {
			next = structs.StatusBlocked
		}
		d.tree.UpdateCommandStatus(cmd, next, now)
		return nil
	default:
		return &structs.ValidationError{Err: fmt.Errorf("status %s cannot be requested on a command", ev.status)}
	}
}
