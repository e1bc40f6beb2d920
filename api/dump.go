package api

import (
	"fmt"
	"sort"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// PrepareGraphRepresentation expands groups, decomposes tasks and flattens
// the builder tree into the wire submission: a flat indexed task array with
// group dependencies lowered onto the leaf tasks.
func (g *Graph) PrepareGraphRepresentation() (*structs.GraphSubmission, error) {
	switch root := g.Root.(type) {
	case *TaskGroup:
		if err := expand(root); err != nil {
			return nil, err
		}
	case *Task:
		if err := decompose(root); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown graph root %T", g.Root)
	}

	d := &dumper{index: make(map[GraphItem]int)}
	d.visit(g.Root)

	if err := d.detectCycle(); err != nil {
		return nil, err
	}

	sub := &structs.GraphSubmission{
		Name:     g.Name,
		Meta:     g.Meta,
		User:     g.User,
		PoolName: g.PoolName,
		MaxRN:    g.MaxRN,
		Root:     d.index[g.Root],
		Tasks:    make([]*structs.TaskSubmission, len(d.order)),
	}
	for i, item := range d.order {
		sub.Tasks[i] = d.serialize(item)
	}
	d.lowerDependencies(sub)
	return sub, nil
}

// dumper assigns flat indices in depth-first preorder and remembers the
// containment chain for dependency lowering.
type dumper struct {
	index   map[GraphItem]int
	order   []GraphItem
	parents map[GraphItem]*TaskGroup
}

func (d *dumper) visit(item GraphItem) {
	if d.parents == nil {
		d.parents = make(map[GraphItem]*TaskGroup)
	}
	d.index[item] = len(d.order)
	d.order = append(d.order, item)
	if group, ok := item.(*TaskGroup); ok {
		for _, child := range group.Groups {
			d.parents[child] = group
			d.visit(child)
		}
		for _, child := range group.Tasks {
			d.parents[child] = group
			d.visit(child)
		}
	}
}

func (d *dumper) serialize(item GraphItem) *structs.TaskSubmission {
	switch item := item.(type) {
	case *Task:
		ts := &structs.TaskSubmission{
			Type:                 structs.TaskTypeTask,
			Name:                 item.Name,
			Arguments:            item.Arguments,
			Environment:          item.Environment,
			Requirements:         item.Requirements,
			Tags:                 normalizedTags(item.Tags),
			MaxRN:                item.MaxRN,
			Priority:             item.Priority,
			DispatchKey:          item.DispatchKey,
			Runner:               item.Runner,
			ValidationExpression: item.ValidationExpression,
			MinNbCores:           item.MinNbCores,
			MaxNbCores:           item.MaxNbCores,
			RamUse:               item.RamUse,
			Licence:              item.Licence,
			MaxAttempt:           item.MaxAttempt,
		}
		if item.Timer != nil {
			epoch := float64(item.Timer.UnixNano()) / 1e9
			ts.Timer = &epoch
		}
		for _, cmd := range item.Commands {
			ts.Commands = append(ts.Commands, &structs.CommandSubmission{
				Description: cmd.Description,
				Arguments:   cmd.Arguments,
			})
		}
		return ts
	case *TaskGroup:
		ts := &structs.TaskSubmission{
			Type:         structs.TaskTypeGroup,
			Name:         item.Name,
			Arguments:    item.Arguments,
			Environment:  item.Environment,
			Requirements: item.Requirements,
			Tags:         normalizedTags(item.Tags),
			MaxRN:        item.MaxRN,
			Priority:     item.Priority,
			DispatchKey:  item.DispatchKey,
			Strategy:     item.Strategy,
		}
		if item.Timer != nil {
			epoch := float64(item.Timer.UnixNano()) / 1e9
			ts.Timer = &epoch
		}
		for _, child := range item.Groups {
			ts.Tasks = append(ts.Tasks, d.index[child])
		}
		for _, child := range item.Tasks {
			ts.Tasks = append(ts.Tasks, d.index[child])
		}
		return ts
	}
	return nil
}

// lowerDependencies writes every declared edge onto the wire. An edge
// declared on a group is additionally copied onto each leaf task beneath
// it, deduplicated by (target, status set), so leaves stay blocked even on
// a server that only evaluates leaf edges.
func (d *dumper) lowerDependencies(sub *structs.GraphSubmission) {
	for _, item := range d.order {
		idx := d.index[item]
		for _, e := range d.effectiveEdges(item) {
			dep := &structs.DependencySubmission{
				TargetIndex: d.index[e.target],
				Status:      sortedStatuses(e.accepted),
			}
			if !containsDep(sub.Tasks[idx].Dependencies, dep) {
				sub.Tasks[idx].Dependencies = append(sub.Tasks[idx].Dependencies, dep)
			}
		}
	}
}

// effectiveEdges is the item's own edges plus, for a task, the edges of
// every ancestor group.
func (d *dumper) effectiveEdges(item GraphItem) []*edge {
	edges := append([]*edge(nil), item.dependencies()...)
	if _, ok := item.(*Task); ok {
		for p := d.parents[item]; p != nil; p = d.parents[p] {
			edges = append(edges, p.dependencies()...)
		}
	}
	return edges
}

func sortedStatuses(statuses []structs.Status) []structs.Status {
	out := append([]structs.Status(nil), statuses...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsDep(deps []*structs.DependencySubmission, dep *structs.DependencySubmission) bool {
	for _, d := range deps {
		if d.Equal(dep) {
			return true
		}
	}
	return false
}

// detectCycle walks the dependency edges depth-first and reports the first
// cycle found with its node-name chain.
func (d *dumper) detectCycle() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[GraphItem]int, len(d.order))

	var path []GraphItem
	var visit func(GraphItem) error
	visit = func(item GraphItem) error {
		color[item] = grey
		path = append(path, item)
		for _, e := range item.dependencies() {
			switch color[e.target] {
			case grey:
				var chain []string
				start := 0
				for i, p := range path {
					if p == e.target {
						start = i
						break
					}
				}
				for _, p := range path[start:] {
					chain = append(chain, p.ItemName())
				}
				chain = append(chain, e.target.ItemName())
				return &structs.DependencyCycleError{Chain: chain}
			case white:
				if err := visit(e.target); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[item] = black
		return nil
	}

	for _, item := range d.order {
		if color[item] == white {
			if err := visit(item); err != nil {
				return err
			}
		}
	}
	return nil
}
