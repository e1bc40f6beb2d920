package octopus

import (
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// DetectCycle runs a depth-first search over the dependency edges of the
// given nodes and returns a DependencyCycleError naming the offending chain
// when one exists. Edges leaving the node set (to already-grafted targets)
// cannot close a cycle and are followed anyway for completeness.
func DetectCycle(nodes []*structs.Node) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[*structs.Node]int, len(nodes))

	var path []*structs.Node
	var visit func(n *structs.Node) *structs.DependencyCycleError
	visit = func(n *structs.Node) *structs.DependencyCycleError {
		color[n] = grey
		path = append(path, n)
		for _, dep := range n.Dependencies {
			switch color[dep.Target] {
			case grey:
				// Close the loop for the error message.
				chain := make([]string, 0, len(path)+1)
				start := 0
				for i, p := range path {
					if p == dep.Target {
						start = i
						break
					}
				}
				for _, p := range path[start:] {
					chain = append(chain, p.Name)
				}
				chain = append(chain, dep.Target.Name)
				return &structs.DependencyCycleError{Chain: chain}
			case white:
				if err := visit(dep.Target); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return nil
	}

	for _, n := range nodes {
		if color[n] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// dependents indexes, for a subtree, which nodes depend on each target so a
// status change re-evaluates only the affected edges.
type dependents map[*structs.Node][]*structs.Node

func (t *DispatchTree) collectDependents() dependents {
	idx := make(dependents)
	t.Root.Walk(func(n *structs.Node) {
		for _, dep := range n.Dependencies {
			idx[dep.Target] = append(idx[dep.Target], n)
		}
	})
	return idx
}

// ReevaluateDependents re-runs the dependency evaluation for every node
// waiting on target, unblocking or canceling commands as the edges settle.
// Cascades are followed: an unblocked node that completes instantly is not
// possible here, but a canceled subtree can in turn release or kill further
// dependents.
func (t *DispatchTree) ReevaluateDependents(target *structs.Node, now time.Time) {
	idx := t.collectDependents()
	seen := make(map[*structs.Node]bool)
	queue := []*structs.Node{target}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, waiter := range idx[current] {
			if seen[waiter] {
				continue
			}
			seen[waiter] = true
			if t.evaluateNode(waiter, now) {
				queue = append(queue, waiter)
			}
		}
	}
}

// evaluateNode settles one node against its dependency edges. It returns
// true when the node's status changed so dependents of the node itself get
// re-evaluated in turn.
func (t *DispatchTree) evaluateNode(n *structs.Node, now time.Time) bool {
	satisfied := true
	for _, dep := range n.Dependencies {
		if dep.Unsatisfiable() {
			t.cancelSubtree(n, now)
			return true
		}
		if !dep.Satisfied() {
			satisfied = false
		}
	}
	if !satisfied || blockedByAncestor(n) {
		return false
	}

	changed := false
	switch n.Kind {
	case structs.NodeKindTask:
		for _, cmd := range n.Task.Commands {
			if cmd.Status == structs.StatusBlocked {
				t.UpdateCommandStatus(cmd, structs.StatusReady, now)
				changed = true
			}
		}
	case structs.NodeKindFolder:
		// A folder's own edges gate its whole subtree.
		for _, child := range n.Children {
			if t.evaluateNode(child, now) {
				changed = true
			}
		}
	}
	return changed
}

// blockedByAncestor reports whether any ancestor still has an unsatisfied
// dependency edge, which gates the whole subtree regardless of n's own
// edges.
func blockedByAncestor(n *structs.Node) bool {
	for a := n.Parent; a != nil; a = a.Parent {
		for _, dep := range a.Dependencies {
			if !dep.Satisfied() {
				return true
			}
		}
	}
	return false
}

// cancelSubtree marks every non-terminal command under n CANCELED. Running
// commands are left to the dispatcher, which owns the kill instruction.
func (t *DispatchTree) cancelSubtree(n *structs.Node, now time.Time) {
	for _, cmd := range n.Commands() {
		if !cmd.Status.Terminal() && cmd.Status != structs.StatusRunning {
			t.UpdateCommandStatus(cmd, structs.StatusCanceled, now)
		}
	}
}
