package octopus

import (
	"fmt"
	"strconv"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// StateStore is the persistence edge the dispatcher flushes dirty entities
// into. One Flush call is one transaction.
type StateStore interface {
	Flush(create, modify, archive []interface{}) error
}

// Config tunes the dispatcher loop.
type Config struct {
	// AssignInterval is the period of the assignment tick.
	AssignInterval time.Duration

	// FlushInterval is the period of the persistence flush tick.
	FlushInterval time.Duration

	// RNTimeout is how long a worker may go without a heartbeat before it
	// is treated as offline.
	RNTimeout time.Duration

	// KillGrace is how long a killed command may linger RUNNING before it
	// is forced CANCELED.
	KillGrace time.Duration

	// ArchiveGrace is how long a DONE subtree is kept in the live tree
	// before archival. Zero disables automatic archival.
	ArchiveGrace time.Duration

	// DefaultCommandTimeout bounds a command's RUNNING phase when the task
	// arguments carry no "timeout" entry. Zero means unbounded.
	DefaultCommandTimeout time.Duration

	// WorkerCallTimeout bounds one HTTP call to a worker.
	WorkerCallTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		AssignInterval:    time.Second,
		FlushInterval:     3 * time.Second,
		RNTimeout:         60 * time.Second,
		KillGrace:         30 * time.Second,
		ArchiveGrace:      24 * time.Hour,
		WorkerCallTimeout: 10 * time.Second,
	}
}

// SubmissionResult is what a successful graph submission returns to the
// caller.
type SubmissionResult struct {
	NodeID int64  `json:"id"`
	Name   string `json:"name"`
}

// Dispatcher is the single writer of the dispatch tree. All mutation flows
// through its event channel and executes on one goroutine; the exported
// methods are the thread-safe entry points used by the HTTP layer.
type Dispatcher struct {
	logger   hclog.Logger
	config   *Config
	tree     *DispatchTree
	store    StateStore
	licences *LicenceManager
	workers  WorkerClient

	eventCh    chan event
	shutdownCh chan struct{}
	doneCh     chan struct{}

	// pendingKills maps a command id to the deadline after which a kill
	// that the worker never confirmed is forced CANCELED.
	pendingKills map[int64]time.Time
}

type event interface{}

type submitEvent struct {
	sub   *structs.GraphSubmission
	reply chan submitReply
}

type submitReply struct {
	result *SubmissionResult
	err    error
}

type commandUpdateEvent struct {
	update *structs.CommandUpdate
	reply  chan error
}

type nodeOpEvent struct {
	nodeID int64
	op     func(*Dispatcher, *structs.Node, time.Time) error
	reply  chan error
}

type workerEvent struct {
	rn    *structs.RenderNode
	reply chan error
}

type heartbeatEvent struct {
	name  string
	reply chan error
}

type dispatchFailedEvent struct {
	commandID int64
	rnName    string
	err       error
}

type inspectEvent struct {
	fn   func(*DispatchTree, *LicenceManager)
	done chan struct{}
}

// NewDispatcher wires the loop. Run must be called before any entry point
// is used.
func NewDispatcher(logger hclog.Logger, config *Config, tree *DispatchTree, store StateStore, workers WorkerClient) *Dispatcher {
	d := &Dispatcher{
		logger:       logger.Named("dispatcher"),
		config:       config,
		tree:         tree,
		store:        store,
		licences:     NewLicenceManager(logger),
		workers:      workers,
		eventCh:      make(chan event, 256),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		pendingKills: make(map[int64]time.Time),
	}
	// Commands restored with a live attempt still hold their licence tokens.
	for _, cmd := range tree.Commands {
		if cmd.Status == structs.StatusRunning || cmd.OnWorker() {
			d.licences.Recover(cmd.Task.Licence, cmd)
		}
	}
	return d
}

// Licences exposes the licence manager for initial loading, before Run.
func (d *Dispatcher) Licences() *LicenceManager { return d.licences }

// Run drives the event loop until Shutdown. It owns the tree exclusively.
func (d *Dispatcher) Run() {
	defer close(d.doneCh)

	assignTicker := time.NewTicker(d.config.AssignInterval)
	defer assignTicker.Stop()
	flushTicker := time.NewTicker(d.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case ev := <-d.eventCh:
			d.handleEvent(ev)
		case <-assignTicker.C:
			d.assignTick(time.Now())
		case <-flushTicker.C:
			d.flushTick()
		case <-d.shutdownCh:
			// Final flush so a clean shutdown loses nothing.
			d.flushTick()
			return
		}
	}
}

// Shutdown stops the loop and waits for the final flush.
func (d *Dispatcher) Shutdown() {
	close(d.shutdownCh)
	<-d.doneCh
}

func (d *Dispatcher) handleEvent(ev event) {
	now := time.Now()
	switch ev := ev.(type) {
	case submitEvent:
		node, err := d.tree.DecodeSubmission(ev.sub)
		if err != nil {
			ev.reply <- submitReply{err: err}
			return
		}
		d.logger.Info("graph submitted", "name", ev.sub.Name, "node_id", node.ID, "tasks", len(ev.sub.Tasks))
		metrics.IncrCounter([]string{"octopus", "submissions"}, 1)
		ev.reply <- submitReply{result: &SubmissionResult{NodeID: node.ID, Name: node.Name}}
	case commandUpdateEvent:
		ev.reply <- d.handleCommandUpdate(ev.update, now)
	case nodeOpEvent:
		node, ok := d.tree.Nodes[ev.nodeID]
		if !ok {
			ev.reply <- structs.ErrUnknownNode
			return
		}
		ev.reply <- ev.op(d, node, now)
	case workerEvent:
		rn := d.tree.RegisterRenderNode(ev.rn, now)
		d.logger.Info("render node registered", "name", rn.Name, "host", rn.Host, "port", rn.Port, "cores", rn.CoresNumber)
		ev.reply <- nil
	case heartbeatEvent:
		rn, ok := d.tree.RenderNodes[ev.name]
		if !ok {
			ev.reply <- fmt.Errorf("unknown render node %q", ev.name)
			return
		}
		rn.LastHeartbeat = now
		d.tree.MarkModified(rn)
		ev.reply <- nil
	case commandOpEvent:
		ev.reply <- d.handleCommandOp(ev, now)
	case dispatchFailedEvent:
		d.handleDispatchFailed(ev, now)
	case inspectEvent:
		ev.fn(d.tree, d.licences)
		close(ev.done)
	default:
		d.logger.Error("dropped unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// SubmitGraph decodes and grafts a submission, returning the grafted node.
func (d *Dispatcher) SubmitGraph(sub *structs.GraphSubmission) (*SubmissionResult, error) {
	reply := make(chan submitReply, 1)
	d.eventCh <- submitEvent{sub: sub, reply: reply}
	r := <-reply
	return r.result, r.err
}

// UpdateCommand applies a worker progress or completion callback.
func (d *Dispatcher) UpdateCommand(update *structs.CommandUpdate) error {
	reply := make(chan error, 1)
	d.eventCh <- commandUpdateEvent{update: update, reply: reply}
	return <-reply
}

// RegisterWorker adds or refreshes a render node.
func (d *Dispatcher) RegisterWorker(rn *structs.RenderNode) error {
	reply := make(chan error, 1)
	d.eventCh <- workerEvent{rn: rn, reply: reply}
	return <-reply
}

// WorkerHeartbeat refreshes a render node's liveness.
func (d *Dispatcher) WorkerHeartbeat(name string) error {
	reply := make(chan error, 1)
	d.eventCh <- heartbeatEvent{name: name, reply: reply}
	return <-reply
}

// Inspect runs fn on the dispatcher goroutine with exclusive access to the
// tree, blocking until it returns. fn must not retain references.
func (d *Dispatcher) Inspect(fn func(*DispatchTree, *LicenceManager)) {
	done := make(chan struct{})
	d.eventCh <- inspectEvent{fn: fn, done: done}
	<-done
}

// NodeOp runs a control operation against one node on the loop.
func (d *Dispatcher) NodeOp(nodeID int64, op func(*Dispatcher, *structs.Node, time.Time) error) error {
	reply := make(chan error, 1)
	d.eventCh <- nodeOpEvent{nodeID: nodeID, op: op, reply: reply}
	return <-reply
}

// handleCommandUpdate is the single sink for worker callbacks.
func (d *Dispatcher) handleCommandUpdate(update *structs.CommandUpdate, now time.Time) error {
	cmd, ok := d.tree.Commands[update.CommandID]
	if !ok {
		return structs.NewValidationError("unknown command %d", update.CommandID)
	}
	if !update.Status.Valid() {
		return structs.NewValidationError("unknown status %d", int(update.Status))
	}

	// A callback only applies to the attempt currently on a worker, which
	// includes a paused command whose attempt kept running. Anything
	// arriving after the command settled or was requeued (for example a kill
	// confirmation after a timeout already errored the command) is dropped,
	// not replayed.
	if cmd.Status != structs.StatusRunning && !cmd.OnWorker() {
		d.logger.Debug("dropped late command update", "command_id", cmd.ID,
			"command_status", cmd.Status.String(), "status", update.Status.String())
		return nil
	}

	if update.Message != "" {
		cmd.Message = update.Message
	}

	switch update.Status {
	case structs.StatusRunning:
		// Progress only moves forward within an attempt. A paused command
		// keeps its status; only the completion advances.
		if update.Completion > cmd.Completion {
			cmd.Completion = update.Completion
		}
		cmd.UpdateTime = now
		d.tree.MarkModified(cmd)
		d.tree.PropagateFromCommand(cmd, now)
	case structs.StatusDone:
		d.finishCommand(cmd, structs.StatusDone, now)
	case structs.StatusCanceled:
		delete(d.pendingKills, cmd.ID)
		d.finishCommand(cmd, structs.StatusCanceled, now)
	case structs.StatusError:
		d.commandErrored(cmd, now)
	default:
		return structs.NewValidationError("status %s is not a worker transition", update.Status)
	}
	return nil
}

// finishCommand settles a terminal status: the worker is freed, the licence
// token returned and the dependents of the task's nodes re-evaluated.
func (d *Dispatcher) finishCommand(cmd *structs.Command, status structs.Status, now time.Time) {
	d.tree.Unbind(cmd, false)
	d.licences.Release(cmd.Task.Licence, cmd)
	d.tree.UpdateCommandStatus(cmd, status, now)
	for _, node := range cmd.Task.Nodes {
		d.tree.ReevaluateDependents(node, now)
	}
	metrics.IncrCounterWithLabels([]string{"octopus", "commands", "finished"}, 1,
		[]metrics.Label{{Name: "status", Value: status.String()}})
}

// commandErrored applies the retry policy: back to READY while the attempt
// budget lasts, ERROR otherwise.
func (d *Dispatcher) commandErrored(cmd *structs.Command, now time.Time) {
	wasPaused := cmd.Status == structs.StatusPaused
	d.tree.Unbind(cmd, true)
	d.licences.Release(cmd.Task.Licence, cmd)
	if cmd.ReadyForRetry() {
		d.logger.Warn("command failed, requeueing", "command_id", cmd.ID, "attempt", cmd.Attempt, "message", cmd.Message)
		if wasPaused {
			// The retry stays parked until the user resumes.
			cmd.Completion = 0
			cmd.UpdateTime = now
			d.tree.MarkModified(cmd)
			return
		}
		d.tree.UpdateCommandStatus(cmd, structs.StatusReady, now)
		return
	}
	d.logger.Error("command failed permanently", "command_id", cmd.ID, "attempt", cmd.Attempt, "message", cmd.Message)
	d.tree.UpdateCommandStatus(cmd, structs.StatusError, now)
	for _, node := range cmd.Task.Nodes {
		d.tree.ReevaluateDependents(node, now)
	}
	metrics.IncrCounter([]string{"octopus", "commands", "errors"}, 1)
}

// handleDispatchFailed rolls back a bind whose HTTP dispatch never reached
// the worker. The attempt is not charged.
func (d *Dispatcher) handleDispatchFailed(ev dispatchFailedEvent, now time.Time) {
	cmd, ok := d.tree.Commands[ev.commandID]
	if !ok {
		return
	}
	if (cmd.Status != structs.StatusRunning && !cmd.OnWorker()) || cmd.RenderNode == nil || cmd.RenderNode.Name != ev.rnName {
		return
	}
	d.logger.Warn("dispatch failed, requeueing", "command_id", cmd.ID, "render_node", ev.rnName, "error", ev.err)
	wasPaused := cmd.Status == structs.StatusPaused
	d.tree.Unbind(cmd, true)
	d.licences.Release(cmd.Task.Licence, cmd)
	cmd.Attempt--
	if wasPaused {
		// The user paused it in the meantime; it stays parked.
		cmd.Completion = 0
		cmd.UpdateTime = now
		d.tree.MarkModified(cmd)
		return
	}
	d.tree.UpdateCommandStatus(cmd, structs.StatusReady, now)
}

// assignTick runs the periodic maintenance then plans and ships new
// assignments.
func (d *Dispatcher) assignTick(now time.Time) {
	defer metrics.MeasureSince([]string{"octopus", "dispatcher", "assign"}, now)

	d.reapOfflineWorkers(now)
	d.reapTimedOutCommands(now)
	d.reapPendingKills(now)
	d.archiveCompleted(now)

	plan := d.tree.PlanAssignments(d.licences, now, d.config.RNTimeout)
	for _, a := range plan {
		d.tree.Bind(a, now)
		d.shipDispatch(a)
	}
	if len(plan) > 0 {
		d.logger.Debug("assigned commands", "count", len(plan))
	}
	metrics.SetGauge([]string{"octopus", "commands", "pending_flush"}, float32(d.tree.DirtyCount()))
}

// shipDispatch performs the worker HTTP call off the loop, reporting
// failure back as an event.
func (d *Dispatcher) shipDispatch(a Assignment) {
	dispatch := &structs.CommandDispatch{
		CommandID:            a.Command.ID,
		Runner:               a.Command.Task.Runner,
		Arguments:            a.Command.FlattenedArguments(),
		Environment:          a.Command.Task.FlattenedEnvironment(),
		ValidationExpression: a.Command.Task.ValidationExpression,
		Timeout:              int(d.commandTimeout(a.Command) / time.Second),
	}
	// A re-registration may refresh the render node in place on the loop, so
	// the goroutine works off a snapshot of the address fields.
	addr := &structs.RenderNode{Name: a.RenderNode.Name, Host: a.RenderNode.Host, Port: a.RenderNode.Port}
	go func() {
		if err := d.workers.Dispatch(addr, dispatch); err != nil {
			select {
			case d.eventCh <- dispatchFailedEvent{commandID: dispatch.CommandID, rnName: addr.Name, err: err}:
			case <-d.shutdownCh:
			}
		}
	}()
}

// shipKill sends a kill instruction off the loop and records the grace
// deadline.
func (d *Dispatcher) shipKill(cmd *structs.Command, now time.Time) {
	rn := cmd.RenderNode
	if rn == nil {
		return
	}
	d.pendingKills[cmd.ID] = now.Add(d.config.KillGrace)
	id := cmd.ID
	addr := &structs.RenderNode{Name: rn.Name, Host: rn.Host, Port: rn.Port}
	go func() {
		if err := d.workers.Kill(addr, id); err != nil {
			d.logger.Warn("kill instruction failed", "command_id", id, "render_node", addr.Name, "error", err)
		}
	}()
}

// commandTimeout resolves the RUNNING bound for one command: the flattened
// "timeout" argument in seconds, else the configured default.
func (d *Dispatcher) commandTimeout(cmd *structs.Command) time.Duration {
	if raw, ok := cmd.Task.LookupArgument("timeout"); ok {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return d.config.DefaultCommandTimeout
}

// reapOfflineWorkers requeues the commands of workers that stopped
// heartbeating. The lost run is charged against the attempt budget.
func (d *Dispatcher) reapOfflineWorkers(now time.Time) {
	for _, rn := range d.tree.RenderNodes {
		cmd := rn.Command
		if cmd == nil || rn.Reachable(now, d.config.RNTimeout) {
			continue
		}
		d.logger.Warn("render node offline, requeueing its command", "render_node", rn.Name, "command_id", cmd.ID,
			"last_heartbeat", rn.LastHeartbeat)
		delete(d.pendingKills, cmd.ID)
		wasPaused := cmd.Status == structs.StatusPaused
		d.tree.Unbind(cmd, true)
		d.licences.Release(cmd.Task.Licence, cmd)
		if wasPaused && cmd.ReadyForRetry() {
			cmd.Completion = 0
			cmd.UpdateTime = now
			d.tree.MarkModified(cmd)
		} else if cmd.ReadyForRetry() {
			d.tree.UpdateCommandStatus(cmd, structs.StatusReady, now)
		} else {
			cmd.Message = fmt.Sprintf("render node %s went offline", rn.Name)
			d.tree.UpdateCommandStatus(cmd, structs.StatusError, now)
			for _, node := range cmd.Task.Nodes {
				d.tree.ReevaluateDependents(node, now)
			}
		}
		metrics.IncrCounter([]string{"octopus", "render_nodes", "offline"}, 1)
	}
}

// reapTimedOutCommands errors commands that exceeded their RUNNING bound
// and tells the worker to stop them.
func (d *Dispatcher) reapTimedOutCommands(now time.Time) {
	for _, cmd := range d.tree.Commands {
		if cmd.Status != structs.StatusRunning {
			continue
		}
		timeout := d.commandTimeout(cmd)
		if timeout <= 0 || now.Sub(cmd.StartTime) <= timeout {
			continue
		}
		d.logger.Warn("command timed out", "command_id", cmd.ID, "timeout", timeout)
		d.shipKill(cmd, now)
		cmd.Message = fmt.Sprintf("timed out after %s", timeout)
		d.commandErrored(cmd, now)
	}
}

// reapPendingKills forces CANCELED on kills the worker never confirmed
// within the grace period.
func (d *Dispatcher) reapPendingKills(now time.Time) {
	for id, deadline := range d.pendingKills {
		if now.Before(deadline) {
			continue
		}
		delete(d.pendingKills, id)
		cmd, ok := d.tree.Commands[id]
		if !ok || (cmd.Status != structs.StatusRunning && !cmd.OnWorker()) {
			continue
		}
		d.logger.Warn("kill unconfirmed, forcing cancel", "command_id", id)
		d.finishCommand(cmd, structs.StatusCanceled, now)
	}
}

// archiveCompleted tombstones submission roots that have been fully DONE
// longer than the grace period.
func (d *Dispatcher) archiveCompleted(now time.Time) {
	if d.config.ArchiveGrace <= 0 {
		return
	}
	var expired []*structs.Node
	for _, parent := range append([]*structs.Node{d.tree.Root}, d.tree.Root.Children...) {
		if parent.Kind != structs.NodeKindFolder || parent.TaskGroup != nil {
			continue
		}
		for _, child := range parent.Children {
			if child.TaskGroup == nil && child.Task == nil {
				continue // pool folder
			}
			if child.Status == structs.StatusDone && !child.EndTime.IsZero() && now.Sub(child.EndTime) > d.config.ArchiveGrace {
				expired = append(expired, child)
			}
		}
	}
	for _, node := range expired {
		d.logger.Info("archiving completed graph", "node_id", node.ID, "name", node.Name)
		if err := d.tree.ArchiveNode(node); err != nil {
			d.logger.Error("archive failed", "node_id", node.ID, "error", err)
		}
	}
}

// flushTick drains the dirty queues into one store transaction. On failure
// the entities are re-queued for the next tick.
func (d *Dispatcher) flushTick() {
	create, modify, archive := d.tree.DrainDirty()
	if len(create)+len(modify)+len(archive) == 0 {
		return
	}
	start := time.Now()
	if err := d.store.Flush(create, modify, archive); err != nil {
		d.logger.Error("persistence flush failed", "error", err,
			"create", len(create), "modify", len(modify), "archive", len(archive))
		for _, e := range create {
			d.tree.MarkCreated(e)
		}
		for _, e := range modify {
			d.tree.MarkModified(e)
		}
		for _, e := range archive {
			d.tree.MarkArchived(e)
		}
		return
	}
	metrics.MeasureSince([]string{"octopus", "store", "flush"}, start)
	d.logger.Trace("flushed dirty entities", "create", len(create), "modify", len(modify), "archive", len(archive))
}
