package octopus

import (
	"time"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// DecodeSubmission validates a graph submission, materializes the model
// objects in three passes (create everything detached, link parents and
// dependency edges, then commit to the tree once the graph is known to be
// acyclic), grafts the new subtree under the pool folder and queues every
// created entity for persistence. A rejected submission leaves the tree
// untouched. The returned node is the grafted submission root.
func (t *DispatchTree) DecodeSubmission(sub *structs.GraphSubmission) (*structs.Node, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()

	// Pass 1: one node (plus task or task group) per entry, detached from
	// the tree so a rejection below has nothing to unwind.
	nodes := make([]*structs.Node, len(sub.Tasks))
	for i, ts := range sub.Tasks {
		if ts.Type == structs.TaskTypeTask {
			nodes[i] = t.decodeTask(sub, ts, now)
		} else {
			nodes[i] = t.decodeTaskGroup(sub, ts, now)
		}
	}

	// Pass 2: parent links and dependency edges.
	for i, ts := range sub.Tasks {
		node := nodes[i]
		for _, childIdx := range ts.Tasks {
			child := nodes[childIdx]
			node.AddChild(child)
			switch child.Kind {
			case structs.NodeKindTask:
				child.Task.Parent = node.TaskGroup
				node.TaskGroup.Tasks = append(node.TaskGroup.Tasks, child.Task)
			case structs.NodeKindFolder:
				child.TaskGroup.Parent = node.TaskGroup
				node.TaskGroup.Groups = append(node.TaskGroup.Groups, child.TaskGroup)
			}
		}
		for _, dep := range ts.Dependencies {
			node.AddDependency(nodes[dep.TargetIndex], dep.Status)
		}
	}

	if err := DetectCycle(nodes); err != nil {
		return nil, err
	}

	// Pass 3: the graph is sound, commit it to the tree and queue the rows.
	for _, node := range nodes {
		t.Nodes[node.ID] = node
		t.MarkCreated(node)
		switch node.Kind {
		case structs.NodeKindTask:
			t.Tasks[node.Task.ID] = node.Task
			t.MarkCreated(node.Task)
			for _, cmd := range node.Task.Commands {
				t.Commands[cmd.ID] = cmd
				t.MarkCreated(cmd)
			}
		case structs.NodeKindFolder:
			t.TaskGroups[node.TaskGroup.ID] = node.TaskGroup
			t.MarkCreated(node.TaskGroup)
		}
	}

	root := nodes[sub.Root]
	parent := t.FolderForPool(sub.PoolName)
	parent.AddChild(root)

	poolName := sub.PoolName
	if poolName == "" {
		poolName = structs.DefaultPool
	}
	t.AddPoolShare(t.GetPool(poolName), root, quota(sub.MaxRN))

	// Initial command statuses follow the dependency edges, then the rollup
	// settles the node statuses bottom-up.
	for _, node := range nodes {
		if node.Kind != structs.NodeKindTask {
			continue
		}
		status := structs.StatusReady
		// Edges on an ancestor group gate the whole subtree.
		for n := node; n != nil; n = n.Parent {
			if len(n.Dependencies) > 0 {
				status = structs.StatusBlocked
				break
			}
		}
		for _, cmd := range node.Task.Commands {
			cmd.Status = status
		}
	}
	for _, node := range nodes {
		node.Status = node.ComputeStatus()
	}
	t.PropagateFromNode(root, now)

	return root, nil
}

func (t *DispatchTree) decodeTask(sub *structs.GraphSubmission, ts *structs.TaskSubmission, now time.Time) *structs.Node {
	task := &structs.Task{
		ID:                   t.NextTaskID(),
		Name:                 ts.Name,
		User:                 sub.User,
		Priority:             ts.Priority,
		DispatchKey:          ts.DispatchKey,
		MaxRN:                quota(ts.MaxRN),
		Runner:               ts.Runner,
		Arguments:            ts.Arguments,
		Environment:          ts.Environment,
		Requirements:         ts.Requirements,
		MinNbCores:           ts.MinNbCores,
		MaxNbCores:           ts.MaxNbCores,
		RamUse:               ts.RamUse,
		Licence:              ts.Licence,
		Tags:                 ts.Tags,
		ValidationExpression: ts.ValidationExpression,
		Timer:                epochTime(ts.Timer),
		MaxAttempt:           ts.MaxAttempt,
		Nodes:                make(map[string]*structs.Node),
	}
	for _, cs := range ts.Commands {
		cmd := &structs.Command{
			ID:           t.NextCommandID(),
			Description:  cs.Description,
			Task:         task,
			Arguments:    cs.Arguments,
			Status:       structs.StatusBlocked,
			CreationTime: now,
			UpdateTime:   now,
		}
		task.Commands = append(task.Commands, cmd)
	}
	node := &structs.Node{
		ID:           t.NextNodeID(),
		Kind:         structs.NodeKindTask,
		Name:         ts.Name,
		User:         sub.User,
		Priority:     ts.Priority,
		DispatchKey:  ts.DispatchKey,
		MaxRN:        quota(ts.MaxRN),
		CreationTime: now,
		UpdateTime:   now,
		Task:         task,
		PoolShares:   make(map[string]*structs.PoolShare),
	}
	task.Nodes["graphs"] = node
	return node
}

func (t *DispatchTree) decodeTaskGroup(sub *structs.GraphSubmission, ts *structs.TaskSubmission, now time.Time) *structs.Node {
	group := &structs.TaskGroup{
		ID:           t.NextTaskID(),
		Name:         ts.Name,
		User:         sub.User,
		Priority:     ts.Priority,
		DispatchKey:  ts.DispatchKey,
		MaxRN:        quota(ts.MaxRN),
		Arguments:    ts.Arguments,
		Environment:  ts.Environment,
		Requirements: ts.Requirements,
		Tags:         ts.Tags,
		Strategy:     ts.Strategy,
		Timer:        epochTime(ts.Timer),
		Nodes:        make(map[string]*structs.Node),
	}
	node := &structs.Node{
		ID:           t.NextNodeID(),
		Kind:         structs.NodeKindFolder,
		Name:         ts.Name,
		User:         sub.User,
		Priority:     ts.Priority,
		DispatchKey:  ts.DispatchKey,
		MaxRN:        quota(ts.MaxRN),
		CreationTime: now,
		UpdateTime:   now,
		TaskGroup:    group,
		Strategy:     ts.Strategy,
		PoolShares:   make(map[string]*structs.PoolShare),
	}
	group.Nodes["graphs"] = node
	return node
}

// quota maps the wire quota to the model: the zero value and -1 both mean
// no limit.
func quota(maxRN int) int {
	if maxRN == 0 {
		return structs.UnlimitedMaxRN
	}
	return maxRN
}

// epochTime converts an epoch-seconds timer to a time, nil passing through.
func epochTime(epoch *float64) *time.Time {
	if epoch == nil {
		return nil
	}
	sec := int64(*epoch)
	nsec := int64((*epoch - float64(sec)) * float64(time.Second))
	ts := time.Unix(sec, nsec)
	return &ts
}
