// Package structs holds the dispatch tree data model shared by the
// dispatcher core, the persistence layer and the HTTP API.
package structs

import (
	"time"

	"github.com/hashicorp/go-set/v3"
)

const (
	// DefaultPool is the pool a submission lands in when none is named.
	DefaultPool = "default"

	// UnlimitedMaxRN disables the concurrent-worker quota on a node or a
	// pool share.
	UnlimitedMaxRN = -1
)

// NodeKind discriminates the two node variants of the dispatch tree.
type NodeKind int8

const (
	NodeKindFolder NodeKind = iota
	NodeKindTask
)

func (k NodeKind) String() string {
	if k == NodeKindFolder {
		return "FolderNode"
	}
	return "TaskNode"
}

// Dependency is an edge from a node to a target node it waits on, together
// with the target statuses that satisfy the edge.
type Dependency struct {
	Target         *Node
	AcceptedStatus *set.Set[Status]
}

// Satisfied reports whether the target's current status is in the accepted
// set.
func (d *Dependency) Satisfied() bool {
	return d.AcceptedStatus.Contains(d.Target.Status)
}

// Unsatisfiable reports whether the edge can never be satisfied anymore:
// the target is terminal and its status is not accepted. A terminal target
// could still be restarted by a user, but the dispatcher treats that as a
// new evaluation round.
func (d *Dependency) Unsatisfiable() bool {
	return d.Target.Status.Terminal() && !d.Satisfied()
}

// Node is the scheduling identity overlaid on a Task or a TaskGroup. The
// Kind tag selects the variant: a folder node wraps a TaskGroup and owns
// children, a task node wraps exactly one Task.
type Node struct {
	ID          int64
	Kind        NodeKind
	Name        string
	Parent      *Node
	User        string
	Priority    int
	DispatchKey float64
	MaxRN       int

	CreationTime time.Time
	StartTime    time.Time
	UpdateTime   time.Time
	EndTime      time.Time

	Archived   bool
	Status     Status
	Completion float64

	Dependencies []*Dependency

	// TaskNode only.
	Task *Task

	// FolderNode only. TaskGroup is nil on the synthetic tree root and on
	// pool folders.
	TaskGroup *TaskGroup
	Strategy  string
	Children  []*Node

	// PoolShares indexes the shares granting this subtree pool capacity,
	// keyed by pool name.
	PoolShares map[string]*PoolShare
}

// IsFolder reports whether the node is the FolderNode variant.
func (n *Node) IsFolder() bool { return n.Kind == NodeKindFolder }

// AddChild appends c under n and sets the back-pointer. The caller must
// guarantee c is not already parented.
func (n *Node) AddChild(c *Node) {
	c.Parent = n
	n.Children = append(n.Children, c)
}

// AddDependency records an edge to target, accepted on any status in
// accepted.
func (n *Node) AddDependency(target *Node, accepted []Status) {
	n.Dependencies = append(n.Dependencies, &Dependency{
		Target:         target,
		AcceptedStatus: set.From(accepted),
	})
}

// Commands returns the commands scheduled under this node: the task's
// commands for a task node, all descendant commands for a folder.
func (n *Node) Commands() []*Command {
	if n.Kind == NodeKindTask {
		if n.Task == nil {
			return nil
		}
		return n.Task.Commands
	}
	var out []*Command
	for _, c := range n.Children {
		out = append(out, c.Commands()...)
	}
	return out
}

// Walk visits n and every descendant in depth-first order.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ComputeStatus derives the node status from its immediate constituents:
// command statuses for a task node, child node statuses for a folder.
func (n *Node) ComputeStatus() Status {
	var statuses []Status
	if n.Kind == NodeKindTask {
		for _, cmd := range n.Task.Commands {
			statuses = append(statuses, cmd.Status)
		}
	} else {
		for _, c := range n.Children {
			statuses = append(statuses, c.Status)
		}
	}
	return RollupStatus(statuses)
}

// ComputeCompletion derives the node completion as the mean completion of
// its constituents.
func (n *Node) ComputeCompletion() float64 {
	var sum float64
	var count int
	if n.Kind == NodeKindTask {
		for _, cmd := range n.Task.Commands {
			sum += cmd.Completion
			count++
		}
	} else {
		for _, c := range n.Children {
			sum += c.Completion
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Task is the execution template owned by exactly one task node. The
// node/task split separates scheduling identity from execution payload.
type Task struct {
	ID     int64
	Name   string
	Parent *TaskGroup
	User   string

	Priority    int
	DispatchKey float64
	MaxRN       int

	Runner               string
	Arguments            map[string]string
	Environment          map[string]string
	Requirements         map[string]interface{}
	MinNbCores           int
	MaxNbCores           int
	RamUse               int
	Licence              string
	Tags                 map[string]string
	ValidationExpression string
	Timer                *time.Time
	MaxAttempt           int

	Commands []*Command

	// Nodes maps a rule name to the node hosting this task under that
	// rule. The default submission rule is "graphs".
	Nodes map[string]*Node

	Archived bool
}

// LookupArgument resolves key against the task's own arguments, falling
// back to the parent task group chain. Mutation never propagates upward.
func (t *Task) LookupArgument(key string) (string, bool) {
	if v, ok := t.Arguments[key]; ok {
		return v, true
	}
	if t.Parent != nil {
		return t.Parent.LookupArgument(key)
	}
	return "", false
}

// FlattenedArguments merges the parent chain's arguments under the task's
// own, own keys winning. The result is what ships to the worker.
func (t *Task) FlattenedArguments() map[string]string {
	return flattenChain(t.Arguments, t.Parent, func(g *TaskGroup) map[string]string { return g.Arguments })
}

// FlattenedEnvironment is FlattenedArguments for the environment map.
func (t *Task) FlattenedEnvironment() map[string]string {
	return flattenChain(t.Environment, t.Parent, func(g *TaskGroup) map[string]string { return g.Environment })
}

func flattenChain(own map[string]string, parent *TaskGroup, pick func(*TaskGroup) map[string]string) map[string]string {
	var chain []map[string]string
	for g := parent; g != nil; g = g.Parent {
		chain = append(chain, pick(g))
	}
	out := make(map[string]string)
	// Apply from the root down so nearer maps win.
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i] {
			out[k] = v
		}
	}
	for k, v := range own {
		out[k] = v
	}
	return out
}

// TaskGroup is a hierarchical container of tasks and nested groups. Its
// arguments and environment are inherited by descendants on lookup.
type TaskGroup struct {
	ID     int64
	Name   string
	Parent *TaskGroup
	User   string

	Priority    int
	DispatchKey float64
	MaxRN       int

	Arguments    map[string]string
	Environment  map[string]string
	Requirements map[string]interface{}
	Tags         map[string]string
	Strategy     string
	Timer        *time.Time

	Tasks  []*Task
	Groups []*TaskGroup

	Nodes map[string]*Node

	Archived bool
}

// LookupArgument resolves key against the group's own arguments, then the
// parent chain.
func (g *TaskGroup) LookupArgument(key string) (string, bool) {
	if v, ok := g.Arguments[key]; ok {
		return v, true
	}
	if g.Parent != nil {
		return g.Parent.LookupArgument(key)
	}
	return "", false
}

// Command is the atomic scheduling unit: one process invocation on one
// render node.
type Command struct {
	ID          int64
	Description string
	Task        *Task
	Status      Status
	Completion  float64
	RenderNode  *RenderNode
	Message     string
	Attempt     int
	Arguments   map[string]string

	CreationTime time.Time
	StartTime    time.Time
	UpdateTime   time.Time
	EndTime      time.Time

	Archived bool
}

// FlattenedArguments overlays the command's own arguments on the task's
// inherited ones.
func (c *Command) FlattenedArguments() map[string]string {
	out := c.Task.FlattenedArguments()
	for k, v := range c.Arguments {
		out[k] = v
	}
	return out
}

// OnWorker reports whether an attempt is live on a render node: RUNNING, or
// PAUSED with the paused attempt still executing.
func (c *Command) OnWorker() bool {
	return c.RenderNode != nil && (c.Status == StatusRunning || c.Status == StatusPaused)
}

// ReadyForRetry reports whether a failed command still has attempt budget.
func (c *Command) ReadyForRetry() bool {
	max := c.Task.MaxAttempt
	if max <= 0 {
		max = 1
	}
	return c.Attempt < max
}

// RenderNode is a worker host able to execute commands.
type RenderNode struct {
	ID              int64
	Name            string
	Host            string
	Port            int
	CoresNumber     int
	Speed           float64
	RamSize         int
	Characteristics map[string]string

	Pools []*Pool

	// Command is the command currently bound to this node, nil when idle.
	Command *Command

	LastHeartbeat time.Time
	Archived      bool
}

// Idle reports whether the node carries no command.
func (rn *RenderNode) Idle() bool { return rn.Command == nil }

// Reachable reports whether the node heartbeated within timeout of now.
func (rn *RenderNode) Reachable(now time.Time, timeout time.Duration) bool {
	if rn.LastHeartbeat.IsZero() {
		return false
	}
	return now.Sub(rn.LastHeartbeat) <= timeout
}

// InPool reports membership in the named pool.
func (rn *RenderNode) InPool(name string) bool {
	for _, p := range rn.Pools {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Pool is a named collection of render nodes.
type Pool struct {
	ID          int64
	Name        string
	RenderNodes []*RenderNode
	Shares      map[int64]*PoolShare
	Archived    bool
}

// AddRenderNode records membership both ways; adding twice is a no-op.
func (p *Pool) AddRenderNode(rn *RenderNode) {
	if rn.InPool(p.Name) {
		return
	}
	p.RenderNodes = append(p.RenderNodes, rn)
	rn.Pools = append(rn.Pools, p)
}

// RemoveRenderNode severs membership both ways.
func (p *Pool) RemoveRenderNode(rn *RenderNode) {
	for i, other := range p.RenderNodes {
		if other == rn {
			p.RenderNodes = append(p.RenderNodes[:i], p.RenderNodes[i+1:]...)
			break
		}
	}
	for i, other := range rn.Pools {
		if other == p {
			rn.Pools = append(rn.Pools[:i], rn.Pools[i+1:]...)
			break
		}
	}
}

// PoolShare grants a dispatch tree subtree access to up to MaxRN concurrent
// workers from a pool.
type PoolShare struct {
	ID       int64
	Pool     *Pool
	Node     *Node
	MaxRN    int
	Archived bool
}

// RunningInShare counts commands under the share's subtree currently
// RUNNING on workers of the share's pool.
func (ps *PoolShare) RunningInShare() int {
	count := 0
	for _, cmd := range ps.Node.Commands() {
		if cmd.Status == StatusRunning && cmd.RenderNode != nil && cmd.RenderNode.InPool(ps.Pool.Name) {
			count++
		}
	}
	return count
}

// RemainingCapacity is the share's unused quota; UnlimitedMaxRN shares
// always report a positive remainder.
func (ps *PoolShare) RemainingCapacity() int {
	if ps.MaxRN == UnlimitedMaxRN {
		return int(^uint(0) >> 1) // max int
	}
	rem := ps.MaxRN - ps.RunningInShare()
	if rem < 0 {
		return 0
	}
	return rem
}
