package octopus

import (
	"sync"
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// taskEntry builds one Task submission entry with n commands.
func taskEntry(name string, commands int) *structs.TaskSubmission {
	ts := &structs.TaskSubmission{
		Type:      structs.TaskTypeTask,
		Name:      name,
		Runner:    "shell",
		Arguments: make(map[string]string),
	}
	for i := 0; i < commands; i++ {
		ts.Commands = append(ts.Commands, &structs.CommandSubmission{Description: name})
	}
	return ts
}

func groupEntry(name string, children ...int) *structs.TaskSubmission {
	return &structs.TaskSubmission{
		Type:  structs.TaskTypeGroup,
		Name:  name,
		Tasks: children,
	}
}

// chainSubmission is a root group over n single-command tasks where each
// task waits on the previous one being DONE.
func chainSubmission(name string, n int) *structs.GraphSubmission {
	sub := &structs.GraphSubmission{
		Name: name,
		User: "tester",
		Root: 0,
	}
	root := groupEntry(name)
	sub.Tasks = append(sub.Tasks, root)
	for i := 1; i <= n; i++ {
		entry := taskEntry(name+"-task", 1)
		if i > 1 {
			entry.Dependencies = []*structs.DependencySubmission{
				{TargetIndex: i - 1, Status: []structs.Status{structs.StatusDone}},
			}
		}
		root.Tasks = append(root.Tasks, i)
		sub.Tasks = append(sub.Tasks, entry)
	}
	return sub
}

// addWorker registers a reachable idle render node on the tree.
func addWorker(t *DispatchTree, name string, now time.Time) *structs.RenderNode {
	return t.RegisterRenderNode(&structs.RenderNode{
		Name:        name,
		Host:        name + ".local",
		Port:        8000,
		CoresNumber: 8,
		RamSize:     16384,
	}, now)
}

// fakeWorkerClient records dispatch and kill calls and can fail dispatches
// on demand.
type fakeWorkerClient struct {
	mu          sync.Mutex
	dispatches  []*structs.CommandDispatch
	targets     []*structs.RenderNode
	kills       []int64
	dispatchErr error
}

func (f *fakeWorkerClient) Dispatch(rn *structs.RenderNode, d *structs.CommandDispatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatches = append(f.dispatches, d)
	f.targets = append(f.targets, rn)
	return nil
}

func (f *fakeWorkerClient) Kill(rn *structs.RenderNode, commandID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, commandID)
	return nil
}

func (f *fakeWorkerClient) dispatched() []*structs.CommandDispatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*structs.CommandDispatch(nil), f.dispatches...)
}

func (f *fakeWorkerClient) dispatchTargets() []*structs.RenderNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*structs.RenderNode(nil), f.targets...)
}

func (f *fakeWorkerClient) killed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.kills...)
}

// nullStore satisfies StateStore for tests that do not exercise
// persistence.
type nullStore struct{}

func (nullStore) Flush(create, modify, archive []interface{}) error { return nil }
