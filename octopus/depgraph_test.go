package octopus

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

func TestDetectCycle(t *testing.T) {
	t.Parallel()

	a := &structs.Node{Name: "a"}
	b := &structs.Node{Name: "b"}
	c := &structs.Node{Name: "c"}
	a.AddDependency(b, []structs.Status{structs.StatusDone})
	b.AddDependency(c, []structs.Status{structs.StatusDone})

	must.NoError(t, DetectCycle([]*structs.Node{a, b, c}))

	c.AddDependency(a, []structs.Status{structs.StatusDone})
	err := DetectCycle([]*structs.Node{a, b, c})
	must.Error(t, err)

	cerr, ok := err.(*structs.DependencyCycleError)
	must.True(t, ok)
	must.Eq(t, cerr.Chain[0], cerr.Chain[len(cerr.Chain)-1])
	must.Len(t, 4, cerr.Chain)
}

func TestReevaluateDependents_Chain(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	root, err := tree.DecodeSubmission(chainSubmission("chain", 3))
	must.NoError(t, err)

	first := root.Children[0]
	second := root.Children[1]
	third := root.Children[2]

	now := time.Now()

	// Finishing the first task unblocks exactly the second.
	tree.UpdateCommandStatus(first.Task.Commands[0], structs.StatusDone, now)
	tree.ReevaluateDependents(first, now)
	must.Eq(t, structs.StatusReady, second.Task.Commands[0].Status)
	must.Eq(t, structs.StatusBlocked, third.Task.Commands[0].Status)

	tree.UpdateCommandStatus(second.Task.Commands[0], structs.StatusDone, now)
	tree.ReevaluateDependents(second, now)
	must.Eq(t, structs.StatusReady, third.Task.Commands[0].Status)
}

func TestReevaluateDependents_UnsatisfiableCancels(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	root, err := tree.DecodeSubmission(chainSubmission("doomed", 3))
	must.NoError(t, err)

	first := root.Children[0]
	second := root.Children[1]
	third := root.Children[2]

	now := time.Now()

	// The first task fails terminally: the chain behind it cascades to
	// CANCELED since the edges only accept DONE.
	tree.UpdateCommandStatus(first.Task.Commands[0], structs.StatusError, now)
	tree.ReevaluateDependents(first, now)

	must.Eq(t, structs.StatusCanceled, second.Task.Commands[0].Status)
	must.Eq(t, structs.StatusCanceled, third.Task.Commands[0].Status)
	must.Eq(t, structs.StatusError, root.Status)
}

func TestReevaluateDependents_ErrorAccepted(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	sub := chainSubmission("cleanup", 2)
	// The second task accepts DONE or ERROR: a cleanup step.
	sub.Tasks[2].Dependencies[0].Status = []structs.Status{structs.StatusDone, structs.StatusError}
	root, err := tree.DecodeSubmission(sub)
	must.NoError(t, err)

	first := root.Children[0]
	second := root.Children[1]

	now := time.Now()
	tree.UpdateCommandStatus(first.Task.Commands[0], structs.StatusError, now)
	tree.ReevaluateDependents(first, now)
	must.Eq(t, structs.StatusReady, second.Task.Commands[0].Status)
}

func TestReevaluateDependents_GroupEdge(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	sub := &structs.GraphSubmission{
		Name: "gated",
		User: "lisa",
		Root: 0,
		Tasks: []*structs.TaskSubmission{
			groupEntry("gated", 1, 2),
			taskEntry("sim", 1),
			groupEntry("render", 3),
			taskEntry("frames", 2),
		},
	}
	sub.Tasks[2].Dependencies = []*structs.DependencySubmission{
		{TargetIndex: 1, Status: []structs.Status{structs.StatusDone}},
	}
	root, err := tree.DecodeSubmission(sub)
	must.NoError(t, err)

	sim := root.Children[0]
	frames := root.Children[1].Children[0]

	now := time.Now()
	tree.UpdateCommandStatus(sim.Task.Commands[0], structs.StatusDone, now)
	tree.ReevaluateDependents(sim, now)

	for _, cmd := range frames.Task.Commands {
		must.Eq(t, structs.StatusReady, cmd.Status)
	}
}

func TestReevaluateDependents_StillGatedByAncestor(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	sub := &structs.GraphSubmission{
		Name: "double-gate",
		User: "lisa",
		Root: 0,
		Tasks: []*structs.TaskSubmission{
			groupEntry("double-gate", 1, 2, 3),
			taskEntry("sim", 1),
			taskEntry("cache", 1),
			groupEntry("render", 4),
			taskEntry("frames", 1),
		},
	}
	// The group waits on sim, its leaf additionally waits on cache.
	sub.Tasks[3].Dependencies = []*structs.DependencySubmission{
		{TargetIndex: 1, Status: []structs.Status{structs.StatusDone}},
	}
	sub.Tasks[4].Dependencies = []*structs.DependencySubmission{
		{TargetIndex: 2, Status: []structs.Status{structs.StatusDone}},
	}
	root, err := tree.DecodeSubmission(sub)
	must.NoError(t, err)

	sim := root.Children[0]
	cache := root.Children[1]
	frames := root.Children[2].Children[0]

	now := time.Now()

	// Own edge settles but the ancestor still gates.
	tree.UpdateCommandStatus(cache.Task.Commands[0], structs.StatusDone, now)
	tree.ReevaluateDependents(cache, now)
	must.Eq(t, structs.StatusBlocked, frames.Task.Commands[0].Status)

	tree.UpdateCommandStatus(sim.Task.Commands[0], structs.StatusDone, now)
	tree.ReevaluateDependents(sim, now)
	must.Eq(t, structs.StatusReady, frames.Task.Commands[0].Status)
}
