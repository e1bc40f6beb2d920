package api

import (
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// GraphItem is anything placeable in a graph: a Task or a TaskGroup.
type GraphItem interface {
	ItemName() string

	// DependsOn declares that the item waits for target to reach one of
	// the accepted statuses.
	DependsOn(target GraphItem, accepted []structs.Status)

	dependencies() []*edge
}

// edge is one builder-side dependency declaration.
type edge struct {
	target   GraphItem
	accepted []structs.Status
}

// Command is one process invocation of a task.
type Command struct {
	Description string
	Arguments   map[string]string
}

// Task is the builder-side execution template. Commands can be written by
// hand or produced by the named decomposer when the graph is prepared.
type Task struct {
	Name                 string
	Runner               string
	Arguments            map[string]string
	Environment          map[string]string
	Requirements         map[string]interface{}
	Tags                 map[string]string
	MinNbCores           int
	MaxNbCores           int
	RamUse               int
	Licence              string
	ValidationExpression string
	Timer                *time.Time
	MaxAttempt           int
	Priority             int
	DispatchKey          float64
	MaxRN                int

	// Decomposer names the registered function that turns the task into
	// commands. Empty selects the default single-command decomposer.
	Decomposer string

	Commands []*Command

	deps       []*edge
	decomposed bool
}

// NewTask builds a task with its own argument map.
func NewTask(name, runner string, arguments map[string]string) *Task {
	if arguments == nil {
		arguments = make(map[string]string)
	}
	return &Task{
		Name:      name,
		Runner:    runner,
		Arguments: arguments,
	}
}

func (t *Task) ItemName() string { return t.Name }

func (t *Task) DependsOn(target GraphItem, accepted []structs.Status) {
	t.deps = append(t.deps, &edge{target: target, accepted: accepted})
}

func (t *Task) dependencies() []*edge { return t.deps }

// TaskGroup is the builder-side container. Arguments and environment are
// inherited by descendants on the server.
type TaskGroup struct {
	Name         string
	Arguments    map[string]string
	Environment  map[string]string
	Requirements map[string]interface{}
	Tags         map[string]string
	Strategy     string
	Timer        *time.Time
	Priority     int
	DispatchKey  float64
	MaxRN        int

	// Expander names the registered function run before serialization to
	// populate the group, for example from a frame range.
	Expander string

	Tasks  []*Task
	Groups []*TaskGroup

	deps     []*edge
	expanded bool
}

// NewTaskGroup builds an empty group.
func NewTaskGroup(name string) *TaskGroup {
	return &TaskGroup{
		Name:      name,
		Arguments: make(map[string]string),
	}
}

func (g *TaskGroup) ItemName() string { return g.Name }

func (g *TaskGroup) DependsOn(target GraphItem, accepted []structs.Status) {
	g.deps = append(g.deps, &edge{target: target, accepted: accepted})
}

func (g *TaskGroup) dependencies() []*edge { return g.deps }

// AddTask parents a task under the group.
func (g *TaskGroup) AddTask(t *Task) *Task {
	g.Tasks = append(g.Tasks, t)
	return t
}

// AddGroup nests a group under the group.
func (g *TaskGroup) AddGroup(child *TaskGroup) *TaskGroup {
	g.Groups = append(g.Groups, child)
	return child
}

// normalizedTags returns the item tags with the legacy "plan" key aliased
// to "shot", which production tooling still emits.
func normalizedTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	plan, hasPlan := tags["plan"]
	if _, hasShot := tags["shot"]; !hasPlan || hasShot {
		return tags
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	out["shot"] = plan
	return out
}
