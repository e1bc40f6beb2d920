package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

func TestGraph_Execute_Chain(t *testing.T) {
	var order []string
	RegisterRunner("recorder", func(args, env map[string]string) error {
		order = append(order, args["step"])
		return nil
	})

	g := NewGraph("chain")
	sim := NewTask("sim", "recorder", map[string]string{"step": "sim"})
	render := NewTask("render", "recorder", map[string]string{"step": "render"})
	comp := NewTask("comp", "recorder", map[string]string{"step": "comp"})
	must.NoError(t, g.AddList(sim, render, comp))
	g.AddChain([]GraphItem{sim, render, comp}, nil)

	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusDone, status)
	must.Eq(t, []string{"sim", "render", "comp"}, order)
}

func TestGraph_Execute_Retry(t *testing.T) {
	attempts := 0
	RegisterRunner("flaky", func(args, env map[string]string) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flake %d", attempts)
		}
		return nil
	})

	g := NewGraph("retries")
	task := NewTask("render", "flaky", nil)
	task.MaxAttempt = 3
	must.NoError(t, g.Add(task))

	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusDone, status)
	must.Eq(t, 3, attempts)
}

func TestGraph_Execute_RetryExhausted(t *testing.T) {
	attempts := 0
	RegisterRunner("hopeless", func(args, env map[string]string) error {
		attempts++
		return errors.New("no luck")
	})

	g := NewGraph("exhausted")
	task := NewTask("render", "hopeless", nil)
	task.MaxAttempt = 2
	must.NoError(t, g.Add(task))

	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusError, status)
	must.Eq(t, 2, attempts)
}

func TestGraph_Execute_CancelsDoomedDependents(t *testing.T) {
	RegisterRunner("boom", func(args, env map[string]string) error {
		return errors.New("boom")
	})
	ran := false
	RegisterRunner("after", func(args, env map[string]string) error {
		ran = true
		return nil
	})

	g := NewGraph("doomed")
	first := NewTask("first", "boom", nil)
	second := NewTask("second", "after", nil)
	must.NoError(t, g.AddList(first, second))
	g.AddEdges(Edge{From: first, To: second})

	// CANCELED outranks ERROR in the aggregate.
	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusCanceled, status)
	must.False(t, ran)
}

func TestGraph_Execute_AcceptsErrorEdge(t *testing.T) {
	RegisterRunner("fail", func(args, env map[string]string) error {
		return errors.New("expected")
	})
	ran := false
	RegisterRunner("cleanup", func(args, env map[string]string) error {
		ran = true
		return nil
	})

	g := NewGraph("cleanup-on-error")
	first := NewTask("first", "fail", nil)
	second := NewTask("cleanup", "cleanup", nil)
	must.NoError(t, g.AddList(first, second))
	g.AddEdges(Edge{From: first, To: second, Statuses: []structs.Status{structs.StatusDone, structs.StatusError}})

	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusError, status)
	must.True(t, ran)
}

func TestGraph_Execute_UnknownRunner(t *testing.T) {
	t.Parallel()

	g := NewGraph("unknown")
	must.NoError(t, g.Add(NewTask("render", "no-such-runner", nil)))

	status, err := g.Execute()
	must.NoError(t, err)
	must.Eq(t, structs.StatusError, status)
}

func TestGraph_Execute_Cycle(t *testing.T) {
	t.Parallel()

	g := NewGraph("loop")
	a := NewTask("a", "recorder", nil)
	b := NewTask("b", "recorder", nil)
	must.NoError(t, g.AddList(a, b))
	a.DependsOn(b, []structs.Status{structs.StatusDone})
	b.DependsOn(a, []structs.Status{structs.StatusDone})

	_, err := g.Execute()
	must.Error(t, err)
	var cerr *structs.DependencyCycleError
	must.True(t, errors.As(err, &cerr))
}
