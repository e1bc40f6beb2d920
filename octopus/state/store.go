package state

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	bolt "go.etcd.io/bbolt"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

// Store is the bbolt-backed persistence mapper. All writes happen through
// Flush, one transaction per call, so a crash never leaves a partial batch.
type Store struct {
	logger hclog.Logger
	db     *bolt.DB
}

// Open opens or creates the store file and ensures every bucket exists.
// cleanData drops all tables first, matching a fresh boot.
func Open(logger hclog.Logger, path string, cleanData bool) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &structs.PersistenceError{Op: "open", Err: err}
	}
	s := &Store{logger: logger.Named("state"), db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if cleanData {
			for _, name := range allBuckets {
				if tx.Bucket(name) != nil {
					if err := tx.DeleteBucket(name); err != nil {
						return err
					}
				}
			}
			s.logger.Warn("dropped all tables on boot")
		}
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, &structs.PersistenceError{Op: "init", Err: err}
	}
	return s, nil
}

// Close releases the store file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Class ranks order writes within a transaction: referenced classes first
// on create, reverse on archive.
func classRank(e interface{}) int {
	switch e := e.(type) {
	case *structs.Pool:
		return 0
	case *structs.RenderNode:
		return 1
	case *structs.TaskGroup:
		return 2
	case *structs.Task:
		return 3
	case *structs.Command:
		return 4
	case *structs.Node:
		if e.IsFolder() {
			return 5
		}
		return 6
	case *structs.PoolShare:
		return 7
	default:
		return 8
	}
}

func sortByClass(entities []interface{}, reverse bool) {
	sort.SliceStable(entities, func(i, j int) bool {
		if reverse {
			return classRank(entities[i]) > classRank(entities[j])
		}
		return classRank(entities[i]) < classRank(entities[j])
	})
}

// Flush writes one batch of dirty entities in a single transaction.
// Create and modify are the same write since rows are keyed by
// pre-allocated ids; archive writes the row with its tombstone flag set.
func (s *Store) Flush(create, modify, archive []interface{}) error {
	sortByClass(create, false)
	sortByClass(modify, false)
	sortByClass(archive, true)

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range create {
			if err := s.writeEntity(tx, e); err != nil {
				return err
			}
		}
		for _, e := range modify {
			if err := s.writeEntity(tx, e); err != nil {
				return err
			}
		}
		for _, e := range archive {
			if err := s.writeEntity(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &structs.PersistenceError{Op: "flush", Err: err}
	}
	return nil
}

func (s *Store) writeEntity(tx *bolt.Tx, e interface{}) error {
	switch e := e.(type) {
	case *structs.Pool:
		return putRow(tx, bucketPools, idKey(e.ID), &poolRow{
			ID: e.ID, Name: e.Name, Archived: e.Archived,
		})
	case *structs.RenderNode:
		return s.writeRenderNode(tx, e)
	case *structs.TaskGroup:
		return s.writeTaskGroup(tx, e)
	case *structs.Task:
		return s.writeTask(tx, e)
	case *structs.Command:
		return s.writeCommand(tx, e)
	case *structs.Node:
		return s.writeNode(tx, e)
	case *structs.PoolShare:
		return putRow(tx, bucketPoolShares, idKey(e.ID), &poolShareRow{
			ID: e.ID, PoolID: e.Pool.ID, NodeID: e.Node.ID, MaxRN: e.MaxRN, Archived: e.Archived,
		})
	default:
		return fmt.Errorf("unpersistable entity %T", e)
	}
}

func (s *Store) writeRenderNode(tx *bolt.Tx, rn *structs.RenderNode) error {
	row := &renderNodeRow{
		ID:              rn.ID,
		Name:            rn.Name,
		Host:            rn.Host,
		Port:            rn.Port,
		CoresNumber:     rn.CoresNumber,
		Speed:           rn.Speed,
		RamSize:         rn.RamSize,
		Characteristics: rn.Characteristics,
		LastHeartbeat:   toUnixNano(rn.LastHeartbeat),
		Archived:        rn.Archived,
	}
	if rn.Command != nil {
		row.CommandID = rn.Command.ID
	}
	if err := putRow(tx, bucketRenderNodes, idKey(rn.ID), row); err != nil {
		return err
	}

	// The render node owns its membership rows.
	memberships := tx.Bucket(bucketPoolRenderNodes)
	var stale [][]byte
	err := memberships.ForEach(func(k, v []byte) error {
		var m poolRenderNodeRow
		if err := decodeRow(v, &m); err != nil {
			return err
		}
		if m.RenderNodeID == rn.ID {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := memberships.Delete(k); err != nil {
			return err
		}
	}
	if rn.Archived {
		return nil
	}
	for _, p := range rn.Pools {
		key := []byte(fmt.Sprintf("%d:%d", p.ID, rn.ID))
		data, err := encodeRow(&poolRenderNodeRow{PoolID: p.ID, RenderNodeID: rn.ID})
		if err != nil {
			return err
		}
		if err := memberships.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writeTaskGroup(tx *bolt.Tx, tg *structs.TaskGroup) error {
	row := &taskGroupRow{
		ID:           tg.ID,
		Name:         tg.Name,
		User:         tg.User,
		Priority:     tg.Priority,
		DispatchKey:  tg.DispatchKey,
		MaxRN:        tg.MaxRN,
		Environment:  tg.Environment,
		Requirements: tg.Requirements,
		Tags:         tg.Tags,
		Strategy:     tg.Strategy,
		Timer:        timerToUnixNano(tg.Timer),
		Archived:     tg.Archived,
	}
	if tg.Parent != nil {
		row.ParentID = tg.Parent.ID
	}
	if err := putRow(tx, bucketTaskGroups, idKey(tg.ID), row); err != nil {
		return err
	}
	if err := rewriteArguments(tx, fmt.Sprintf("group:%d:", tg.ID), tg.Arguments, func(name, value string) *argumentRow {
		return &argumentRow{Name: name, Value: value, TaskGroupID: tg.ID}
	}); err != nil {
		return err
	}
	return rewriteRules(tx, fmt.Sprintf("group:%d:", tg.ID), tg.Nodes, func(name string, nodeID int64) *ruleRow {
		return &ruleRow{Name: name, NodeID: nodeID, TaskGroupID: tg.ID}
	})
}

func (s *Store) writeTask(tx *bolt.Tx, task *structs.Task) error {
	row := &taskRow{
		ID:                   task.ID,
		Name:                 task.Name,
		User:                 task.User,
		Priority:             task.Priority,
		DispatchKey:          task.DispatchKey,
		MaxRN:                task.MaxRN,
		Runner:               task.Runner,
		Environment:          task.Environment,
		Requirements:         task.Requirements,
		MinNbCores:           task.MinNbCores,
		MaxNbCores:           task.MaxNbCores,
		RamUse:               task.RamUse,
		Licence:              task.Licence,
		Tags:                 task.Tags,
		ValidationExpression: task.ValidationExpression,
		Timer:                timerToUnixNano(task.Timer),
		MaxAttempt:           task.MaxAttempt,
		Archived:             task.Archived,
	}
	if task.Parent != nil {
		row.ParentID = task.Parent.ID
	}
	if err := putRow(tx, bucketTasks, idKey(task.ID), row); err != nil {
		return err
	}
	if err := rewriteArguments(tx, fmt.Sprintf("task:%d:", task.ID), task.Arguments, func(name, value string) *argumentRow {
		return &argumentRow{Name: name, Value: value, TaskID: task.ID}
	}); err != nil {
		return err
	}
	return rewriteRules(tx, fmt.Sprintf("task:%d:", task.ID), task.Nodes, func(name string, nodeID int64) *ruleRow {
		return &ruleRow{Name: name, NodeID: nodeID, TaskID: task.ID}
	})
}

func (s *Store) writeCommand(tx *bolt.Tx, cmd *structs.Command) error {
	row := &commandRow{
		ID:           cmd.ID,
		Description:  cmd.Description,
		TaskID:       cmd.Task.ID,
		Status:       int(cmd.Status),
		Completion:   cmd.Completion,
		Message:      cmd.Message,
		Attempt:      cmd.Attempt,
		CreationTime: toUnixNano(cmd.CreationTime),
		StartTime:    toUnixNano(cmd.StartTime),
		UpdateTime:   toUnixNano(cmd.UpdateTime),
		EndTime:      toUnixNano(cmd.EndTime),
		Archived:     cmd.Archived,
	}
	if cmd.RenderNode != nil {
		row.RenderNodeID = cmd.RenderNode.ID
	}
	if err := putRow(tx, bucketCommands, idKey(cmd.ID), row); err != nil {
		return err
	}
	return rewriteArguments(tx, fmt.Sprintf("cmd:%d:", cmd.ID), cmd.Arguments, func(name, value string) *argumentRow {
		return &argumentRow{Name: name, Value: value, CommandID: cmd.ID}
	})
}

func (s *Store) writeNode(tx *bolt.Tx, node *structs.Node) error {
	var parentID int64
	if node.Parent != nil {
		parentID = node.Parent.ID
	}
	if node.IsFolder() {
		row := &folderNodeRow{
			ID:           node.ID,
			Name:         node.Name,
			ParentID:     parentID,
			User:         node.User,
			Priority:     node.Priority,
			DispatchKey:  node.DispatchKey,
			MaxRN:        node.MaxRN,
			Strategy:     node.Strategy,
			Status:       int(node.Status),
			Completion:   node.Completion,
			CreationTime: toUnixNano(node.CreationTime),
			StartTime:    toUnixNano(node.StartTime),
			UpdateTime:   toUnixNano(node.UpdateTime),
			EndTime:      toUnixNano(node.EndTime),
			Archived:     node.Archived,
		}
		if node.TaskGroup != nil {
			row.TaskGroupID = node.TaskGroup.ID
		}
		if err := putRow(tx, bucketFolderNodes, idKey(node.ID), row); err != nil {
			return err
		}
	} else {
		row := &taskNodeRow{
			ID:           node.ID,
			Name:         node.Name,
			ParentID:     parentID,
			User:         node.User,
			Priority:     node.Priority,
			DispatchKey:  node.DispatchKey,
			MaxRN:        node.MaxRN,
			TaskID:       node.Task.ID,
			Status:       int(node.Status),
			Completion:   node.Completion,
			CreationTime: toUnixNano(node.CreationTime),
			StartTime:    toUnixNano(node.StartTime),
			UpdateTime:   toUnixNano(node.UpdateTime),
			EndTime:      toUnixNano(node.EndTime),
			Archived:     node.Archived,
		}
		if err := putRow(tx, bucketTaskNodes, idKey(node.ID), row); err != nil {
			return err
		}
	}

	// The node owns its outgoing dependency rows.
	deps := tx.Bucket(bucketDependencies)
	prefix := []byte(fmt.Sprintf("%d:", node.ID))
	if err := deletePrefix(deps, prefix); err != nil {
		return err
	}
	if node.Archived {
		return nil
	}
	for _, dep := range node.Dependencies {
		statuses := make([]int, 0, dep.AcceptedStatus.Size())
		for _, st := range dep.AcceptedStatus.Slice() {
			statuses = append(statuses, int(st))
		}
		sort.Ints(statuses)
		row := &dependencyRow{
			NodeID:       node.ID,
			NodeIsFolder: node.IsFolder(),
			TargetID:     dep.Target.ID,
			Statuses:     statuses,
		}
		data, err := encodeRow(row)
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%d:%d", node.ID, dep.Target.ID))
		if err := deps.Put(key, data); err != nil {
			return err
		}
	}
	return nil
}

func putRow(tx *bolt.Tx, bucket, key []byte, row interface{}) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func rewriteArguments(tx *bolt.Tx, prefix string, args map[string]string, mk func(name, value string) *argumentRow) error {
	b := tx.Bucket(bucketArguments)
	if err := deletePrefix(b, []byte(prefix)); err != nil {
		return err
	}
	for name, value := range args {
		data, err := encodeRow(mk(name, value))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(prefix+name), data); err != nil {
			return err
		}
	}
	return nil
}

func rewriteRules(tx *bolt.Tx, prefix string, nodes map[string]*structs.Node, mk func(name string, nodeID int64) *ruleRow) error {
	b := tx.Bucket(bucketRules)
	if err := deletePrefix(b, []byte(prefix)); err != nil {
		return err
	}
	for name, node := range nodes {
		data, err := encodeRow(mk(name, node.ID))
		if err != nil {
			return err
		}
		if err := b.Put([]byte(prefix+name), data); err != nil {
			return err
		}
	}
	return nil
}
