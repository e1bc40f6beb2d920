// Package octopus implements the dispatcher core: the in-memory dispatch
// tree, the dependency engine, the assignment loop and the single-writer
// event loop tying them together.
package octopus

import (
	"fmt"
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// DispatchTree is the authoritative in-memory state: every live node, task,
// command, pool and render node, plus the dirty queues consumed by the
// persistence layer. It is owned by the dispatcher goroutine and must not
// be touched from any other goroutine.
type DispatchTree struct {
	Root *structs.Node

	Nodes       map[int64]*structs.Node
	Tasks       map[int64]*structs.Task
	TaskGroups  map[int64]*structs.TaskGroup
	Commands    map[int64]*structs.Command
	Pools       map[string]*structs.Pool
	RenderNodes map[string]*structs.RenderNode
	PoolShares  map[int64]*structs.PoolShare

	// Id allocators. Tasks and task groups share one id space, as do folder
	// and task nodes.
	nodeMaxID       int64
	taskMaxID       int64
	commandMaxID    int64
	poolMaxID       int64
	renderNodeMaxID int64
	poolShareMaxID  int64

	// Dirty queues drained by the persistence flush. An entity appears at
	// most once per queue between flushes.
	toCreate  []interface{}
	toModify  []interface{}
	toArchive []interface{}
	queued    map[interface{}]uint8
}

const (
	queuedCreate uint8 = 1 << iota
	queuedModify
	queuedArchive
)

// NewDispatchTree builds an empty tree around a synthetic root folder. The
// root has node id 1 and carries no task group.
func NewDispatchTree() *DispatchTree {
	t := &DispatchTree{
		Nodes:       make(map[int64]*structs.Node),
		Tasks:       make(map[int64]*structs.Task),
		TaskGroups:  make(map[int64]*structs.TaskGroup),
		Commands:    make(map[int64]*structs.Command),
		Pools:       make(map[string]*structs.Pool),
		RenderNodes: make(map[string]*structs.RenderNode),
		PoolShares:  make(map[int64]*structs.PoolShare),
		queued:      make(map[interface{}]uint8),
	}
	root := &structs.Node{
		ID:           t.NextNodeID(),
		Kind:         structs.NodeKindFolder,
		Name:         "root",
		MaxRN:        structs.UnlimitedMaxRN,
		CreationTime: time.Now(),
		PoolShares:   make(map[string]*structs.PoolShare),
	}
	t.Root = root
	t.Nodes[root.ID] = root
	return t
}

func (t *DispatchTree) NextNodeID() int64       { t.nodeMaxID++; return t.nodeMaxID }
func (t *DispatchTree) NextTaskID() int64       { t.taskMaxID++; return t.taskMaxID }
func (t *DispatchTree) NextCommandID() int64    { t.commandMaxID++; return t.commandMaxID }
func (t *DispatchTree) NextPoolID() int64       { t.poolMaxID++; return t.poolMaxID }
func (t *DispatchTree) NextRenderNodeID() int64 { t.renderNodeMaxID++; return t.renderNodeMaxID }
func (t *DispatchTree) NextPoolShareID() int64  { t.poolShareMaxID++; return t.poolShareMaxID }

// ReseedIDs raises the allocators to at least the given values. Used on
// restore so fresh ids never collide with persisted rows.
func (t *DispatchTree) ReseedIDs(node, task, command, pool, renderNode, poolShare int64) {
	if node > t.nodeMaxID {
		t.nodeMaxID = node
	}
	if task > t.taskMaxID {
		t.taskMaxID = task
	}
	if command > t.commandMaxID {
		t.commandMaxID = command
	}
	if pool > t.poolMaxID {
		t.poolMaxID = pool
	}
	if renderNode > t.renderNodeMaxID {
		t.renderNodeMaxID = renderNode
	}
	if poolShare > t.poolShareMaxID {
		t.poolShareMaxID = poolShare
	}
}

// MarkCreated queues e for insertion at the next flush.
func (t *DispatchTree) MarkCreated(e interface{}) {
	if t.queued[e]&queuedCreate != 0 {
		return
	}
	t.queued[e] |= queuedCreate
	t.toCreate = append(t.toCreate, e)
}

// MarkModified queues e for update at the next flush. An entity pending
// creation is not double-queued: the insert will carry the current state.
func (t *DispatchTree) MarkModified(e interface{}) {
	if t.queued[e]&(queuedCreate|queuedModify) != 0 {
		return
	}
	t.queued[e] |= queuedModify
	t.toModify = append(t.toModify, e)
}

// MarkArchived queues e for tombstoning at the next flush.
func (t *DispatchTree) MarkArchived(e interface{}) {
	if t.queued[e]&queuedArchive != 0 {
		return
	}
	t.queued[e] |= queuedArchive
	t.toArchive = append(t.toArchive, e)
}

// DrainDirty hands the pending queues to the persistence layer and resets
// them. The caller owns the returned slices.
func (t *DispatchTree) DrainDirty() (create, modify, archive []interface{}) {
	create, modify, archive = t.toCreate, t.toModify, t.toArchive
	t.toCreate, t.toModify, t.toArchive = nil, nil, nil
	t.queued = make(map[interface{}]uint8)
	return create, modify, archive
}

// DirtyCount reports how many entities are waiting for the next flush.
func (t *DispatchTree) DirtyCount() int {
	return len(t.toCreate) + len(t.toModify) + len(t.toArchive)
}

// GetPool returns the named pool, creating and queueing it when missing.
func (t *DispatchTree) GetPool(name string) *structs.Pool {
	if p, ok := t.Pools[name]; ok {
		return p
	}
	p := &structs.Pool{
		ID:     t.NextPoolID(),
		Name:   name,
		Shares: make(map[int64]*structs.PoolShare),
	}
	t.Pools[name] = p
	t.MarkCreated(p)
	return p
}

// FolderForPool returns the folder child of the root that collects the
// submissions of the named pool, creating it on first use. Submissions to
// the default pool graft directly under the root.
func (t *DispatchTree) FolderForPool(poolName string) *structs.Node {
	if poolName == "" || poolName == structs.DefaultPool {
		return t.Root
	}
	for _, child := range t.Root.Children {
		if child.Kind == structs.NodeKindFolder && child.TaskGroup == nil && child.Name == poolName {
			return child
		}
	}
	folder := &structs.Node{
		ID:           t.NextNodeID(),
		Kind:         structs.NodeKindFolder,
		Name:         poolName,
		MaxRN:        structs.UnlimitedMaxRN,
		CreationTime: time.Now(),
		PoolShares:   make(map[string]*structs.PoolShare),
	}
	t.Root.AddChild(folder)
	t.Nodes[folder.ID] = folder
	t.MarkCreated(folder)
	return folder
}

// AddPoolShare grants node capacity on pool and indexes the share on all
// three sides.
func (t *DispatchTree) AddPoolShare(pool *structs.Pool, node *structs.Node, maxRN int) *structs.PoolShare {
	ps := &structs.PoolShare{
		ID:    t.NextPoolShareID(),
		Pool:  pool,
		Node:  node,
		MaxRN: maxRN,
	}
	t.PoolShares[ps.ID] = ps
	pool.Shares[ps.ID] = ps
	if node.PoolShares == nil {
		node.PoolShares = make(map[string]*structs.PoolShare)
	}
	node.PoolShares[pool.Name] = ps
	t.MarkCreated(ps)
	return ps
}

// UpdateCommandStatus applies a status transition to a command, stamps the
// lifecycle timestamps, queues the command for persistence and propagates
// the rollup up the node chain. It is the single entry point for command
// status changes.
func (t *DispatchTree) UpdateCommandStatus(cmd *structs.Command, status structs.Status, now time.Time) {
	if cmd.Status == status {
		return
	}
	cmd.Status = status
	cmd.UpdateTime = now
	switch status {
	case structs.StatusRunning:
		cmd.StartTime = now
		cmd.EndTime = time.Time{}
	case structs.StatusDone:
		cmd.Completion = 1
		cmd.EndTime = now
	case structs.StatusError, structs.StatusCanceled:
		cmd.EndTime = now
	case structs.StatusReady, structs.StatusBlocked:
		// Requeued for another attempt.
		cmd.Completion = 0
		cmd.EndTime = time.Time{}
	}
	t.MarkModified(cmd)
	t.PropagateFromCommand(cmd, now)
}

// PropagateFromCommand recomputes status and completion on the command's
// task node and every ancestor, stopping early when nothing changes.
func (t *DispatchTree) PropagateFromCommand(cmd *structs.Command, now time.Time) {
	for _, node := range cmd.Task.Nodes {
		t.PropagateFromNode(node, now)
	}
}

// PropagateFromNode recomputes the rollup on node and its ancestors.
func (t *DispatchTree) PropagateFromNode(node *structs.Node, now time.Time) {
	for n := node; n != nil; n = n.Parent {
		status := n.ComputeStatus()
		completion := n.ComputeCompletion()
		if status == n.Status && completion == n.Completion {
			break
		}
		n.Status = status
		n.Completion = completion
		n.UpdateTime = now
		// A first command that errors can settle the rollup without a
		// RUNNING step in between; the settle still marks the start.
		if n.StartTime.IsZero() && (status == structs.StatusRunning || status.Terminal()) {
			n.StartTime = now
		}
		if status.Terminal() {
			if n.EndTime.IsZero() {
				n.EndTime = now
			}
		} else {
			n.EndTime = time.Time{}
		}
		t.MarkModified(n)
	}
}

// ArchiveNode tombstones a whole subtree: nodes, tasks, task groups,
// commands and pool shares are flagged archived, queued for persistence,
// removed from the live indexes and detached from the parent.
func (t *DispatchTree) ArchiveNode(node *structs.Node) error {
	if node == t.Root {
		return fmt.Errorf("cannot archive the tree root")
	}
	node.Walk(func(n *structs.Node) {
		n.Archived = true
		t.MarkArchived(n)
		delete(t.Nodes, n.ID)
		for _, ps := range n.PoolShares {
			ps.Archived = true
			t.MarkArchived(ps)
			delete(t.PoolShares, ps.ID)
			delete(ps.Pool.Shares, ps.ID)
		}
		switch n.Kind {
		case structs.NodeKindTask:
			task := n.Task
			task.Archived = true
			t.MarkArchived(task)
			delete(t.Tasks, task.ID)
			for _, cmd := range task.Commands {
				cmd.Archived = true
				t.MarkArchived(cmd)
				delete(t.Commands, cmd.ID)
			}
		case structs.NodeKindFolder:
			if tg := n.TaskGroup; tg != nil {
				tg.Archived = true
				t.MarkArchived(tg)
				delete(t.TaskGroups, tg.ID)
			}
		}
	})
	if p := node.Parent; p != nil {
		for i, c := range p.Children {
			if c == node {
				p.Children = append(p.Children[:i], p.Children[i+1:]...)
				break
			}
		}
		node.Parent = nil
		t.PropagateFromNode(p, time.Now())
	}
	return nil
}

// RegisterRenderNode indexes a worker by name, queueing the insert. A
// re-registration of a known name refreshes the mutable fields in place so
// pool membership and a bound command survive.
func (t *DispatchTree) RegisterRenderNode(rn *structs.RenderNode, now time.Time) *structs.RenderNode {
	if existing, ok := t.RenderNodes[rn.Name]; ok {
		existing.Host = rn.Host
		existing.Port = rn.Port
		existing.CoresNumber = rn.CoresNumber
		existing.Speed = rn.Speed
		existing.RamSize = rn.RamSize
		if rn.Characteristics != nil {
			existing.Characteristics = rn.Characteristics
		}
		existing.LastHeartbeat = now
		t.MarkModified(existing)
		return existing
	}
	rn.ID = t.NextRenderNodeID()
	rn.LastHeartbeat = now
	t.RenderNodes[rn.Name] = rn
	t.GetPool(structs.DefaultPool).AddRenderNode(rn)
	t.MarkCreated(rn)
	return rn
}
