package api

import (
	"fmt"
	"os/user"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Graph is the builder-side submission: a tree of task groups and tasks
// plus the dependency edges between them.
type Graph struct {
	Name     string
	Meta     map[string]interface{}
	User     string
	PoolName string
	MaxRN    int

	Root GraphItem
}

// NewGraph builds a graph rooted at a fresh task group of the same name.
// The user defaults to the current OS user.
func NewGraph(name string) *Graph {
	return NewGraphWithRoot(name, NewTaskGroup(name))
}

// NewGraphWithRoot builds a graph around an existing root item.
func NewGraphWithRoot(name string, root GraphItem) *Graph {
	return &Graph{
		Name:  name,
		Meta:  make(map[string]interface{}),
		User:  currentUser(),
		MaxRN: structs.UnlimitedMaxRN,
		Root:  root,
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

// rootGroup returns the root as a group, or an error when the graph was
// rooted at a single task.
func (g *Graph) rootGroup() (*TaskGroup, error) {
	group, ok := g.Root.(*TaskGroup)
	if !ok {
		return nil, fmt.Errorf("graph %q is rooted at a task; items cannot be added", g.Name)
	}
	return group, nil
}

// Add places an item under the root group.
func (g *Graph) Add(item GraphItem) error {
	group, err := g.rootGroup()
	if err != nil {
		return err
	}
	switch item := item.(type) {
	case *Task:
		group.AddTask(item)
	case *TaskGroup:
		group.AddGroup(item)
	default:
		return fmt.Errorf("unknown graph item %T", item)
	}
	return nil
}

// AddList places several items under the root group.
func (g *Graph) AddList(items ...GraphItem) error {
	for _, item := range items {
		if err := g.Add(item); err != nil {
			return err
		}
	}
	return nil
}

// AddNewTask creates a task under the root group.
func (g *Graph) AddNewTask(name, runner string, arguments map[string]string) (*Task, error) {
	group, err := g.rootGroup()
	if err != nil {
		return nil, err
	}
	return group.AddTask(NewTask(name, runner, arguments)), nil
}

// AddNewTaskGroup creates a group under the root group.
func (g *Graph) AddNewTaskGroup(name string) (*TaskGroup, error) {
	group, err := g.rootGroup()
	if err != nil {
		return nil, err
	}
	return group.AddGroup(NewTaskGroup(name)), nil
}

// Edge declares that To waits for From to reach one of the accepted
// statuses; nil statuses default to DONE.
type Edge struct {
	From     GraphItem
	To       GraphItem
	Statuses []structs.Status
}

// AddEdges declares several dependency edges at once.
func (g *Graph) AddEdges(edges ...Edge) {
	for _, e := range edges {
		statuses := e.Statuses
		if len(statuses) == 0 {
			statuses = []structs.Status{structs.StatusDone}
		}
		e.To.DependsOn(e.From, statuses)
	}
}

// AddChain links items so each waits for its predecessor.
func (g *Graph) AddChain(items []GraphItem, statuses []structs.Status) {
	for i := 1; i < len(items); i++ {
		g.AddEdges(Edge{From: items[i-1], To: items[i], Statuses: statuses})
	}
}

// Submit prepares the graph and posts it to the dispatcher at address.
func (g *Graph) Submit(address string) (*SubmissionResult, error) {
	sub, err := g.PrepareGraphRepresentation()
	if err != nil {
		return nil, err
	}
	return NewClient(address).SubmitGraph(sub)
}
