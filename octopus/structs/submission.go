package structs

import (
	"encoding/json"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// TaskTypeTask and TaskTypeGroup are the node discriminators of the
	// submission wire format.
	TaskTypeTask  = "Task"
	TaskTypeGroup = "TaskGroup"

	// StrategyFIFO orders a folder's children by dispatch key, ties broken
	// by creation order. It is the default.
	StrategyFIFO = "FIFO"

	// StrategyRoundRobin emits one command from each sibling folder in
	// turn.
	StrategyRoundRobin = "RoundRobin"
)

// KnownStrategy reports whether name belongs to the closed strategy set.
// The empty string selects the default.
func KnownStrategy(name string) bool {
	switch name {
	case "", StrategyFIFO, StrategyRoundRobin:
		return true
	}
	return false
}

// GraphSubmission is the JSON document POSTed to /graphs/. Tasks is a flat
// array; nodes reference each other by index into it.
type GraphSubmission struct {
	Name     string                 `json:"name"`
	Meta     map[string]interface{} `json:"meta"`
	User     string                 `json:"user"`
	PoolName string                 `json:"poolName"`
	MaxRN    int                    `json:"maxRN"`
	Root     int                    `json:"root"`
	Tasks    []*TaskSubmission      `json:"tasks"`
}

// TaskSubmission is one entry of the flat task array: either a Task or a
// TaskGroup, discriminated by Type.
type TaskSubmission struct {
	Type         string                  `json:"type"`
	Name         string                  `json:"name"`
	Arguments    map[string]string       `json:"arguments"`
	Environment  map[string]string       `json:"environment"`
	Requirements map[string]interface{}  `json:"requirements"`
	Tags         map[string]string       `json:"tags"`
	Dependencies []*DependencySubmission `json:"dependencies"`
	MaxRN        int                     `json:"maxRN"`
	Priority     int                     `json:"priority"`
	DispatchKey  float64                 `json:"dispatchKey"`

	// Task only.
	Runner               string               `json:"runner,omitempty"`
	ValidationExpression string               `json:"validationExpression,omitempty"`
	MinNbCores           int                  `json:"minNbCores,omitempty"`
	MaxNbCores           int                  `json:"maxNbCores,omitempty"`
	RamUse               int                  `json:"ramUse,omitempty"`
	Licence              string               `json:"licence,omitempty"`
	Timer                *float64             `json:"timer"`
	MaxAttempt           int                  `json:"maxAttempt,omitempty"`
	Commands             []*CommandSubmission `json:"commands,omitempty"`

	// TaskGroup only.
	Strategy string `json:"strategy,omitempty"`
	Tasks    []int  `json:"tasks,omitempty"`
}

// CommandSubmission is one command of a task entry.
type CommandSubmission struct {
	Description string            `json:"description"`
	Arguments   map[string]string `json:"arguments"`
}

// DependencySubmission is one dependency edge on the wire, encoded as the
// two-element array [targetIndex, [statusInt, ...]].
type DependencySubmission struct {
	TargetIndex int
	Status      []Status
}

// Equal reports wire-level equality, used to deduplicate lowered edges.
func (d *DependencySubmission) Equal(o *DependencySubmission) bool {
	if d.TargetIndex != o.TargetIndex || len(d.Status) != len(o.Status) {
		return false
	}
	for i, s := range d.Status {
		if o.Status[i] != s {
			return false
		}
	}
	return true
}

func (d *DependencySubmission) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{d.TargetIndex, d.Status})
}

func (d *DependencySubmission) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("dependency must have 2 elements, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &d.TargetIndex); err != nil {
		return fmt.Errorf("dependency target index: %w", err)
	}
	if err := json.Unmarshal(raw[1], &d.Status); err != nil {
		return fmt.Errorf("dependency status list: %w", err)
	}
	return nil
}

// Validate checks the structural invariants of a submission before any
// model object is materialized. All problems are aggregated.
func (g *GraphSubmission) Validate() error {
	var mErr *multierror.Error

	if g.Name == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("graph name is required"))
	}
	if len(g.Tasks) == 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("graph has no tasks"))
	}
	if g.Root < 0 || g.Root >= len(g.Tasks) {
		mErr = multierror.Append(mErr, fmt.Errorf("root index %d out of range", g.Root))
	}

	for i, ts := range g.Tasks {
		switch ts.Type {
		case TaskTypeTask, TaskTypeGroup:
		default:
			mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: unknown type %q", i, ts.Name, ts.Type))
			continue
		}
		if ts.Name == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d]: name is required", i))
		}
		if ts.Type == TaskTypeGroup && !KnownStrategy(ts.Strategy) {
			mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: unknown strategy %q", i, ts.Name, ts.Strategy))
		}
		if ts.Type == TaskTypeTask && ts.Runner == "" {
			mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: runner is required", i, ts.Name))
		}
		for _, childIdx := range ts.Tasks {
			if childIdx < 0 || childIdx >= len(g.Tasks) {
				mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: child index %d out of range", i, ts.Name, childIdx))
			}
		}
		for _, dep := range ts.Dependencies {
			if dep.TargetIndex < 0 || dep.TargetIndex >= len(g.Tasks) {
				mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: dependency target %d out of range", i, ts.Name, dep.TargetIndex))
			}
			if len(dep.Status) == 0 {
				mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: dependency on %d has an empty status list", i, ts.Name, dep.TargetIndex))
			}
			for _, s := range dep.Status {
				if !s.Valid() {
					mErr = multierror.Append(mErr, fmt.Errorf("tasks[%d] %q: unknown status %d in dependency", i, ts.Name, int(s)))
				}
			}
		}
	}

	if err := mErr.ErrorOrNil(); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// CommandUpdate is the worker callback payload reporting progress or a
// terminal status for a running command.
type CommandUpdate struct {
	CommandID  int64   `json:"commandId"`
	Status     Status  `json:"status"`
	Completion float64 `json:"completion"`
	Message    string  `json:"message"`
}

// CommandDispatch is the descriptor shipped to a render node when a command
// is bound to it. Arguments and environment are flattened through the task
// group chain.
type CommandDispatch struct {
	CommandID            int64             `json:"commandId"`
	Runner               string            `json:"runner"`
	Arguments            map[string]string `json:"arguments"`
	Environment          map[string]string `json:"environment"`
	ValidationExpression string            `json:"validationExpression"`
	Timeout              int               `json:"timeout"`
}
