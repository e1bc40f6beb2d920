package state

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/openrendermanagement/octopus/octopus"
	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Restore rebuilds the dispatch tree from the store. The tree is assembled
// inside one read transaction and only returned complete, so callers never
// observe a half-restored graph. Archived rows are skipped everywhere.
func (s *Store) Restore() (*octopus.DispatchTree, error) {
	tree := octopus.NewDispatchTree()
	syntheticRoot := tree.Root

	var maxNode, maxTask, maxCommand, maxPool, maxRN, maxShare int64

	err := s.db.View(func(tx *bolt.Tx) error {
		// Pass 1: pools and render nodes, then membership.
		poolsByID := make(map[int64]*structs.Pool)
		err := forEachRow(tx, bucketPools, func() interface{} { return &poolRow{} }, func(v interface{}) error {
			row := v.(*poolRow)
			if row.ID > maxPool {
				maxPool = row.ID
			}
			if row.Archived {
				return nil
			}
			p := &structs.Pool{ID: row.ID, Name: row.Name, Shares: make(map[int64]*structs.PoolShare)}
			tree.Pools[p.Name] = p
			poolsByID[p.ID] = p
			return nil
		})
		if err != nil {
			return err
		}

		rnsByID := make(map[int64]*structs.RenderNode)
		err = forEachRow(tx, bucketRenderNodes, func() interface{} { return &renderNodeRow{} }, func(v interface{}) error {
			row := v.(*renderNodeRow)
			if row.ID > maxRN {
				maxRN = row.ID
			}
			if row.Archived {
				return nil
			}
			rn := &structs.RenderNode{
				ID:              row.ID,
				Name:            row.Name,
				Host:            row.Host,
				Port:            row.Port,
				CoresNumber:     row.CoresNumber,
				Speed:           row.Speed,
				RamSize:         row.RamSize,
				Characteristics: row.Characteristics,
				LastHeartbeat:   fromUnixNano(row.LastHeartbeat),
			}
			tree.RenderNodes[rn.Name] = rn
			rnsByID[rn.ID] = rn
			return nil
		})
		if err != nil {
			return err
		}

		err = forEachRow(tx, bucketPoolRenderNodes, func() interface{} { return &poolRenderNodeRow{} }, func(v interface{}) error {
			row := v.(*poolRenderNodeRow)
			pool, rn := poolsByID[row.PoolID], rnsByID[row.RenderNodeID]
			if pool != nil && rn != nil {
				pool.AddRenderNode(rn)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 2: task groups, then a sweep for parent links.
		groupRows := make(map[int64]*taskGroupRow)
		err = forEachRow(tx, bucketTaskGroups, func() interface{} { return &taskGroupRow{} }, func(v interface{}) error {
			row := v.(*taskGroupRow)
			if row.ID > maxTask {
				maxTask = row.ID
			}
			if row.Archived {
				return nil
			}
			tree.TaskGroups[row.ID] = &structs.TaskGroup{
				ID:           row.ID,
				Name:         row.Name,
				User:         row.User,
				Priority:     row.Priority,
				DispatchKey:  row.DispatchKey,
				MaxRN:        row.MaxRN,
				Environment:  row.Environment,
				Requirements: row.Requirements,
				Tags:         row.Tags,
				Strategy:     row.Strategy,
				Timer:        timerFromUnixNano(row.Timer),
				Nodes:        make(map[string]*structs.Node),
			}
			groupRows[row.ID] = row
			return nil
		})
		if err != nil {
			return err
		}
		for id, row := range groupRows {
			if parent, ok := tree.TaskGroups[row.ParentID]; ok {
				tree.TaskGroups[id].Parent = parent
				parent.Groups = append(parent.Groups, tree.TaskGroups[id])
			}
		}

		// Pass 3: tasks, linked to their group.
		err = forEachRow(tx, bucketTasks, func() interface{} { return &taskRow{} }, func(v interface{}) error {
			row := v.(*taskRow)
			if row.ID > maxTask {
				maxTask = row.ID
			}
			if row.Archived {
				return nil
			}
			task := &structs.Task{
				ID:                   row.ID,
				Name:                 row.Name,
				User:                 row.User,
				Priority:             row.Priority,
				DispatchKey:          row.DispatchKey,
				MaxRN:                row.MaxRN,
				Runner:               row.Runner,
				Environment:          row.Environment,
				Requirements:         row.Requirements,
				MinNbCores:           row.MinNbCores,
				MaxNbCores:           row.MaxNbCores,
				RamUse:               row.RamUse,
				Licence:              row.Licence,
				Tags:                 row.Tags,
				ValidationExpression: row.ValidationExpression,
				Timer:                timerFromUnixNano(row.Timer),
				MaxAttempt:           row.MaxAttempt,
				Nodes:                make(map[string]*structs.Node),
			}
			if parent, ok := tree.TaskGroups[row.ParentID]; ok {
				task.Parent = parent
				parent.Tasks = append(parent.Tasks, task)
			}
			tree.Tasks[task.ID] = task
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 4: commands, reattached to task and render node. The cursor
		// walks in id order, so command lists come back in creation order.
		err = forEachRow(tx, bucketCommands, func() interface{} { return &commandRow{} }, func(v interface{}) error {
			row := v.(*commandRow)
			if row.ID > maxCommand {
				maxCommand = row.ID
			}
			if row.Archived {
				return nil
			}
			task, ok := tree.Tasks[row.TaskID]
			if !ok {
				return fmt.Errorf("command %d references missing task %d", row.ID, row.TaskID)
			}
			status := structs.Status(row.Status)
			switch status {
			case structs.StatusRunning, structs.StatusDone, structs.StatusError:
				if row.RenderNodeID == 0 {
					return fmt.Errorf("command %d is %s but has no render node", row.ID, status)
				}
			}
			cmd := &structs.Command{
				ID:           row.ID,
				Description:  row.Description,
				Task:         task,
				Status:       status,
				Completion:   row.Completion,
				Message:      row.Message,
				Attempt:      row.Attempt,
				CreationTime: fromUnixNano(row.CreationTime),
				StartTime:    fromUnixNano(row.StartTime),
				UpdateTime:   fromUnixNano(row.UpdateTime),
				EndTime:      fromUnixNano(row.EndTime),
			}
			if rn, ok := rnsByID[row.RenderNodeID]; ok {
				cmd.RenderNode = rn
				// A paused command with a worker is an attempt still
				// executing; the worker is as busy as with a running one.
				if status == structs.StatusRunning || status == structs.StatusPaused {
					rn.Command = cmd
				}
			} else if status == structs.StatusRunning {
				// The worker was retired while the command ran; treat it
				// like a lost worker and requeue.
				s.logger.Warn("running command restored without live render node, requeueing",
					"command_id", cmd.ID, "render_node_id", row.RenderNodeID)
				cmd.Status = structs.StatusReady
				cmd.RenderNode = nil
				tree.MarkModified(cmd)
			}
			task.Commands = append(task.Commands, cmd)
			tree.Commands[cmd.ID] = cmd
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 5: nodes of both kinds, keyed by id.
		type nodeLink struct {
			parentID int64
		}
		links := make(map[int64]nodeLink)
		var restoredRoot *structs.Node
		err = forEachRow(tx, bucketFolderNodes, func() interface{} { return &folderNodeRow{} }, func(v interface{}) error {
			row := v.(*folderNodeRow)
			if row.ID > maxNode {
				maxNode = row.ID
			}
			if row.Archived {
				return nil
			}
			node := &structs.Node{
				ID:           row.ID,
				Kind:         structs.NodeKindFolder,
				Name:         row.Name,
				User:         row.User,
				Priority:     row.Priority,
				DispatchKey:  row.DispatchKey,
				MaxRN:        row.MaxRN,
				Strategy:     row.Strategy,
				Status:       structs.Status(row.Status),
				Completion:   row.Completion,
				CreationTime: fromUnixNano(row.CreationTime),
				StartTime:    fromUnixNano(row.StartTime),
				UpdateTime:   fromUnixNano(row.UpdateTime),
				EndTime:      fromUnixNano(row.EndTime),
				PoolShares:   make(map[string]*structs.PoolShare),
			}
			if tg, ok := tree.TaskGroups[row.TaskGroupID]; ok {
				node.TaskGroup = tg
			}
			tree.Nodes[node.ID] = node
			links[node.ID] = nodeLink{parentID: row.ParentID}
			if row.ParentID == 0 {
				restoredRoot = node
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = forEachRow(tx, bucketTaskNodes, func() interface{} { return &taskNodeRow{} }, func(v interface{}) error {
			row := v.(*taskNodeRow)
			if row.ID > maxNode {
				maxNode = row.ID
			}
			if row.Archived {
				return nil
			}
			task, ok := tree.Tasks[row.TaskID]
			if !ok {
				return fmt.Errorf("task node %d references missing task %d", row.ID, row.TaskID)
			}
			node := &structs.Node{
				ID:           row.ID,
				Kind:         structs.NodeKindTask,
				Name:         row.Name,
				User:         row.User,
				Priority:     row.Priority,
				DispatchKey:  row.DispatchKey,
				MaxRN:        row.MaxRN,
				Task:         task,
				Status:       structs.Status(row.Status),
				Completion:   row.Completion,
				CreationTime: fromUnixNano(row.CreationTime),
				StartTime:    fromUnixNano(row.StartTime),
				UpdateTime:   fromUnixNano(row.UpdateTime),
				EndTime:      fromUnixNano(row.EndTime),
				PoolShares:   make(map[string]*structs.PoolShare),
			}
			tree.Nodes[node.ID] = node
			links[node.ID] = nodeLink{parentID: row.ParentID}
			return nil
		})
		if err != nil {
			return err
		}
		if restoredRoot != nil {
			if restoredRoot.ID != syntheticRoot.ID {
				delete(tree.Nodes, syntheticRoot.ID)
			}
			tree.Root = restoredRoot
		}
		// Children attach in id order, preserving creation order.
		for id := int64(1); id <= maxNode; id++ {
			node, ok := tree.Nodes[id]
			if !ok || node == tree.Root {
				continue
			}
			parent, ok := tree.Nodes[links[id].parentID]
			if !ok {
				return fmt.Errorf("node %d references missing parent %d", id, links[id].parentID)
			}
			parent.AddChild(node)
		}

		// Pass 6: dependency edges.
		err = forEachRow(tx, bucketDependencies, func() interface{} { return &dependencyRow{} }, func(v interface{}) error {
			row := v.(*dependencyRow)
			node, ok := tree.Nodes[row.NodeID]
			if !ok {
				return nil // edge of an archived node
			}
			target, ok := tree.Nodes[row.TargetID]
			if !ok {
				return fmt.Errorf("node %d depends on missing node %d", row.NodeID, row.TargetID)
			}
			statuses := make([]structs.Status, len(row.Statuses))
			for i, st := range row.Statuses {
				statuses[i] = structs.Status(st)
			}
			node.AddDependency(target, statuses)
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 7: rules bind nodes back onto tasks and groups by name.
		err = forEachRow(tx, bucketRules, func() interface{} { return &ruleRow{} }, func(v interface{}) error {
			row := v.(*ruleRow)
			node, ok := tree.Nodes[row.NodeID]
			if !ok {
				return nil
			}
			switch {
			case row.TaskID != 0:
				if task, ok := tree.Tasks[row.TaskID]; ok {
					task.Nodes[row.Name] = node
				}
			case row.TaskGroupID != 0:
				if tg, ok := tree.TaskGroups[row.TaskGroupID]; ok {
					tg.Nodes[row.Name] = node
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 8: arguments reattach to exactly one owner.
		err = forEachRow(tx, bucketArguments, func() interface{} { return &argumentRow{} }, func(v interface{}) error {
			row := v.(*argumentRow)
			switch {
			case row.CommandID != 0:
				if cmd, ok := tree.Commands[row.CommandID]; ok {
					if cmd.Arguments == nil {
						cmd.Arguments = make(map[string]string)
					}
					cmd.Arguments[row.Name] = row.Value
				}
			case row.TaskID != 0:
				if task, ok := tree.Tasks[row.TaskID]; ok {
					if task.Arguments == nil {
						task.Arguments = make(map[string]string)
					}
					task.Arguments[row.Name] = row.Value
				}
			case row.TaskGroupID != 0:
				if tg, ok := tree.TaskGroups[row.TaskGroupID]; ok {
					if tg.Arguments == nil {
						tg.Arguments = make(map[string]string)
					}
					tg.Arguments[row.Name] = row.Value
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Pass 9: pool shares.
		return forEachRow(tx, bucketPoolShares, func() interface{} { return &poolShareRow{} }, func(v interface{}) error {
			row := v.(*poolShareRow)
			if row.ID > maxShare {
				maxShare = row.ID
			}
			if row.Archived {
				return nil
			}
			pool, ok := poolsByID[row.PoolID]
			if !ok {
				return fmt.Errorf("pool share %d references missing pool %d", row.ID, row.PoolID)
			}
			node, ok := tree.Nodes[row.NodeID]
			if !ok {
				return fmt.Errorf("pool share %d references missing node %d", row.ID, row.NodeID)
			}
			ps := &structs.PoolShare{ID: row.ID, Pool: pool, Node: node, MaxRN: row.MaxRN}
			tree.PoolShares[ps.ID] = ps
			pool.Shares[ps.ID] = ps
			node.PoolShares[pool.Name] = ps
			return nil
		})
	})
	if err != nil {
		return nil, &structs.PersistenceError{Op: "restore", Err: err}
	}

	tree.ReseedIDs(maxNode, maxTask, maxCommand, maxPool, maxRN, maxShare)

	// A fresh store has no root row yet; persist the synthetic one.
	if tree.Root == syntheticRoot {
		tree.MarkCreated(tree.Root)
	}

	s.logger.Info("state restored",
		"nodes", len(tree.Nodes), "tasks", len(tree.Tasks), "commands", len(tree.Commands),
		"pools", len(tree.Pools), "render_nodes", len(tree.RenderNodes))
	return tree, nil
}

func forEachRow(tx *bolt.Tx, bucket []byte, mk func() interface{}, fn func(interface{}) error) error {
	return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
		row := mk()
		if err := decodeRow(v, row); err != nil {
			return fmt.Errorf("decode %s row: %w", bucket, err)
		}
		return fn(row)
	})
}
