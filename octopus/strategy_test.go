package octopus

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

func taskNode(id int64, key float64, created time.Time, ready int) *structs.Node {
	task := &structs.Task{ID: id, Name: "task"}
	for i := 0; i < ready; i++ {
		task.Commands = append(task.Commands, &structs.Command{
			ID:     id*100 + int64(i),
			Task:   task,
			Status: structs.StatusReady,
		})
	}
	return &structs.Node{
		ID:           id,
		Kind:         structs.NodeKindTask,
		DispatchKey:  key,
		CreationTime: created,
		Task:         task,
	}
}

func TestNewStrategy(t *testing.T) {
	t.Parallel()

	must.Eq(t, structs.StrategyFIFO, NewStrategy("").Name())
	must.Eq(t, structs.StrategyFIFO, NewStrategy(structs.StrategyFIFO).Name())
	must.Eq(t, structs.StrategyRoundRobin, NewStrategy(structs.StrategyRoundRobin).Name())
}

func TestFIFOStrategy_Ordering(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	low := taskNode(1, 0, t0, 1)
	high := taskNode(2, 10, t0.Add(time.Hour), 1)
	older := taskNode(3, 0, t0.Add(-time.Hour), 1)

	out := NewStrategy(structs.StrategyFIFO).OrderedCommands([]*structs.Node{low, high, older})
	must.Len(t, 3, out)

	// Higher dispatch key first, then older creation.
	must.Eq(t, high.Task.Commands[0], out[0])
	must.Eq(t, older.Task.Commands[0], out[1])
	must.Eq(t, low.Task.Commands[0], out[2])
}

func TestFIFOStrategy_SkipsNonReady(t *testing.T) {
	t.Parallel()

	n := taskNode(1, 0, time.Now(), 3)
	n.Task.Commands[0].Status = structs.StatusRunning
	n.Task.Commands[2].Status = structs.StatusDone

	out := NewStrategy("").OrderedCommands([]*structs.Node{n})
	must.Len(t, 1, out)
	must.Eq(t, n.Task.Commands[1], out[0])
}

func TestRoundRobinStrategy_Interleaves(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	a := taskNode(1, 0, t0, 3)
	b := taskNode(2, 0, t0.Add(time.Second), 1)
	c := taskNode(3, 0, t0.Add(2*time.Second), 2)

	out := NewStrategy(structs.StrategyRoundRobin).OrderedCommands([]*structs.Node{a, b, c})
	must.Len(t, 6, out)

	ids := make([]int64, len(out))
	for i, cmd := range out {
		ids[i] = cmd.ID
	}
	// One per sibling in turn, drained siblings skipped.
	must.Eq(t, []int64{100, 200, 300, 101, 301, 102}, ids)
}

func TestStrategy_NestedFolders(t *testing.T) {
	t.Parallel()

	t0 := time.Now()
	inner := &structs.Node{
		ID:           10,
		Kind:         structs.NodeKindFolder,
		Strategy:     structs.StrategyRoundRobin,
		CreationTime: t0,
		Children: []*structs.Node{
			taskNode(1, 0, t0, 2),
			taskNode(2, 0, t0.Add(time.Second), 2),
		},
	}
	solo := taskNode(3, 5, t0, 1)

	out := NewStrategy("").OrderedCommands([]*structs.Node{inner, solo})
	must.Len(t, 5, out)

	// solo's higher key drains it first; the inner folder then applies its
	// own round robin.
	ids := make([]int64, len(out))
	for i, cmd := range out {
		ids[i] = cmd.ID
	}
	must.Eq(t, []int64{300, 100, 200, 101, 201}, ids)
}
