package octopus

import (
	"sort"
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Assignment pairs a READY command with the idle render node chosen for it.
type Assignment struct {
	Command    *structs.Command
	RenderNode *structs.RenderNode
}

// PlanAssignments matches READY commands to idle reachable workers, one
// pool share at a time. Ordering is deterministic: shares by id, commands
// by the folder strategies of their subtree, workers by id. Licence tokens
// are reserved as commands are planned; the caller must release them if a
// planned dispatch never happens.
func (t *DispatchTree) PlanAssignments(lm *LicenceManager, now time.Time, rnTimeout time.Duration) []Assignment {
	shares := make([]*structs.PoolShare, 0, len(t.PoolShares))
	for _, ps := range t.PoolShares {
		shares = append(shares, ps)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].ID < shares[j].ID })

	var plan []Assignment
	taken := make(map[*structs.RenderNode]bool)
	plannedUnder := make(map[*structs.Node]int)
	plannedShare := make(map[*structs.PoolShare]int)
	plannedCmd := make(map[*structs.Command]bool)

	for _, share := range shares {
		capacity := share.RemainingCapacity() - plannedShare[share]
		if capacity <= 0 {
			continue
		}

		workers := idleWorkers(share.Pool, taken, now, rnTimeout)
		if len(workers) == 0 {
			continue
		}

		for _, cmd := range readyCommands(share.Node) {
			if capacity <= 0 || len(workers) == 0 {
				break
			}
			if plannedCmd[cmd] {
				continue
			}
			task := cmd.Task
			if task.Timer != nil && task.Timer.After(now) {
				continue
			}
			node := task.Nodes["graphs"]
			if node == nil || quotaExceeded(node, plannedUnder) {
				continue
			}

			picked := -1
			for i, rn := range workers {
				if fits(task, rn) {
					picked = i
					break
				}
			}
			if picked < 0 {
				continue
			}
			if !lm.Reserve(task.Licence, cmd) {
				continue
			}

			rn := workers[picked]
			workers = append(workers[:picked], workers[picked+1:]...)
			taken[rn] = true
			plannedCmd[cmd] = true
			plannedShare[share]++
			capacity--
			for n := node; n != nil; n = n.Parent {
				plannedUnder[n]++
			}
			plan = append(plan, Assignment{Command: cmd, RenderNode: rn})
		}
	}
	return plan
}

// idleWorkers lists the pool's dispatchable workers, id order, skipping
// those already planned this tick.
func idleWorkers(pool *structs.Pool, taken map[*structs.RenderNode]bool, now time.Time, rnTimeout time.Duration) []*structs.RenderNode {
	var out []*structs.RenderNode
	for _, rn := range pool.RenderNodes {
		if rn.Archived || taken[rn] || !rn.Idle() || !rn.Reachable(now, rnTimeout) {
			continue
		}
		out = append(out, rn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fits checks the hard resource requirements of a task against one worker.
func fits(task *structs.Task, rn *structs.RenderNode) bool {
	if task.MinNbCores > 0 && rn.CoresNumber < task.MinNbCores {
		return false
	}
	if task.RamUse > 0 && rn.RamSize < task.RamUse {
		return false
	}
	return structs.MatchRequirements(task.Requirements, rn)
}

// quotaExceeded walks the ancestor chain and reports whether any maxRN
// quota would be breached by one more running command under node.
func quotaExceeded(node *structs.Node, plannedUnder map[*structs.Node]int) bool {
	for n := node; n != nil; n = n.Parent {
		if n.MaxRN == structs.UnlimitedMaxRN {
			continue
		}
		if runningUnder(n)+plannedUnder[n] >= n.MaxRN {
			return true
		}
	}
	return false
}

func runningUnder(node *structs.Node) int {
	count := 0
	for _, cmd := range node.Commands() {
		if cmd.Status == structs.StatusRunning {
			count++
		}
	}
	return count
}

// Bind transitions a planned assignment to RUNNING: the command and worker
// point at each other, the attempt counter advances and the rollup
// propagates. The caller ships the dispatch to the worker afterwards.
func (t *DispatchTree) Bind(a Assignment, now time.Time) {
	a.Command.RenderNode = a.RenderNode
	a.RenderNode.Command = a.Command
	a.Command.Attempt++
	a.Command.Message = ""
	t.UpdateCommandStatus(a.Command, structs.StatusRunning, now)
	t.MarkModified(a.RenderNode)
}

// Unbind frees the worker side of a command/worker pair. The command keeps
// its RenderNode pointer as execution history unless requeue is set, in
// which case the command goes back to the unassigned state. The caller
// follows up with UpdateCommandStatus.
func (t *DispatchTree) Unbind(cmd *structs.Command, requeue bool) {
	if rn := cmd.RenderNode; rn != nil {
		if rn.Command == cmd {
			rn.Command = nil
		}
		t.MarkModified(rn)
	}
	if requeue {
		cmd.RenderNode = nil
	}
}
