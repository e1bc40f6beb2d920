package api

import (
	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Runner executes one command locally: the flattened arguments and
// environment of the command, an error marking failure.
type Runner func(arguments, environment map[string]string) error

var runners = map[string]Runner{}

// RegisterRunner installs a named local runner used by Execute. Not safe
// for concurrent use; register during init.
func RegisterRunner(name string, fn Runner) {
	runners[name] = fn
}

// Execute runs the graph locally, without a dispatcher: tasks run in
// dependency order, commands retry up to maxAttempt, and tasks whose
// dependencies can never be satisfied are canceled. The aggregate result
// ranks CANCELED over ERROR over DONE.
func (g *Graph) Execute() (structs.Status, error) {
	switch root := g.Root.(type) {
	case *TaskGroup:
		if err := expand(root); err != nil {
			return structs.StatusError, err
		}
	case *Task:
		if err := decompose(root); err != nil {
			return structs.StatusError, err
		}
	}

	d := &dumper{index: make(map[GraphItem]int)}
	d.visit(g.Root)
	if err := d.detectCycle(); err != nil {
		return structs.StatusError, err
	}

	status := make(map[GraphItem]structs.Status)
	var tasks []*Task
	for _, item := range d.order {
		if t, ok := item.(*Task); ok {
			tasks = append(tasks, t)
			status[t] = structs.StatusBlocked
		}
	}

	itemStatus := func(item GraphItem) structs.Status {
		if t, ok := item.(*Task); ok {
			return status[t]
		}
		group := item.(*TaskGroup)
		var children []structs.Status
		var collect func(*TaskGroup)
		collect = func(tg *TaskGroup) {
			for _, t := range tg.Tasks {
				children = append(children, status[t])
			}
			for _, child := range tg.Groups {
				collect(child)
			}
		}
		collect(group)
		return structs.RollupStatus(children)
	}

	for {
		progressed := false
		for _, t := range tasks {
			if status[t] != structs.StatusBlocked {
				continue
			}
			runnable, doomed := true, false
			for _, e := range d.effectiveEdges(t) {
				target := itemStatus(e.target)
				accepted := false
				for _, s := range e.accepted {
					if s == target {
						accepted = true
						break
					}
				}
				if accepted {
					continue
				}
				runnable = false
				if target.Terminal() {
					doomed = true
				}
			}
			switch {
			case doomed:
				status[t] = structs.StatusCanceled
				progressed = true
			case runnable:
				status[t] = g.runTask(t)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	var final []structs.Status
	for _, t := range tasks {
		if status[t] == structs.StatusBlocked {
			// Deadlocked on an edge that never settled.
			status[t] = structs.StatusCanceled
		}
		final = append(final, status[t])
	}
	switch {
	case contains(final, structs.StatusCanceled):
		return structs.StatusCanceled, nil
	case contains(final, structs.StatusError):
		return structs.StatusError, nil
	default:
		return structs.StatusDone, nil
	}
}

// runTask executes every command of a task, retrying each up to the task's
// attempt budget.
func (g *Graph) runTask(t *Task) structs.Status {
	run, ok := runners[t.Runner]
	if !ok {
		return structs.StatusError
	}
	maxAttempt := t.MaxAttempt
	if maxAttempt <= 0 {
		maxAttempt = 1
	}
	for i, cmd := range t.Commands {
		args := flattenCommandArguments(t, cmd)
		var err error
		for attempt := 1; attempt <= maxAttempt; attempt++ {
			if err = run(args, t.Environment); err == nil {
				break
			}
			err = &structs.ExecutionError{CommandID: int64(i), Message: err.Error()}
		}
		if err != nil {
			return structs.StatusError
		}
	}
	return structs.StatusDone
}

func contains(statuses []structs.Status, s structs.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func flattenCommandArguments(t *Task, cmd *Command) map[string]string {
	out := make(map[string]string, len(t.Arguments)+len(cmd.Arguments))
	for k, v := range t.Arguments {
		out[k] = v
	}
	for k, v := range cmd.Arguments {
		out[k] = v
	}
	return out
}
