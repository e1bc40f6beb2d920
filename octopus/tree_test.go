package octopus

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/openrendermanagement/octopus/octopus/structs"
)

func TestDispatchTree_New(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	must.NotNil(t, tree.Root)
	must.Eq(t, int64(1), tree.Root.ID)
	must.True(t, tree.Root.IsFolder())
	must.Eq(t, structs.UnlimitedMaxRN, tree.Root.MaxRN)
	must.Eq(t, 0, tree.DirtyCount())
}

func TestDispatchTree_DirtyQueues(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	cmd := &structs.Command{ID: 1}

	// An entity pending creation is not double-queued by a modify.
	tree.MarkCreated(cmd)
	tree.MarkModified(cmd)
	tree.MarkCreated(cmd)
	must.Eq(t, 1, tree.DirtyCount())

	create, modify, archive := tree.DrainDirty()
	must.Len(t, 1, create)
	must.Len(t, 0, modify)
	must.Len(t, 0, archive)
	must.Eq(t, 0, tree.DirtyCount())

	// After a drain the entity can be queued again.
	tree.MarkModified(cmd)
	tree.MarkModified(cmd)
	must.Eq(t, 1, tree.DirtyCount())
}

func TestDispatchTree_ReseedIDs(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	tree.ReseedIDs(10, 20, 30, 0, 0, 0)
	must.Eq(t, int64(11), tree.NextNodeID())
	must.Eq(t, int64(21), tree.NextTaskID())
	must.Eq(t, int64(31), tree.NextCommandID())
	must.Eq(t, int64(1), tree.NextPoolID())

	// Reseeding never lowers an allocator.
	tree.ReseedIDs(5, 5, 5, 5, 5, 5)
	must.Eq(t, int64(12), tree.NextNodeID())
}

func TestDispatchTree_FolderForPool(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	must.Eq(t, tree.Root, tree.FolderForPool(""))
	must.Eq(t, tree.Root, tree.FolderForPool(structs.DefaultPool))

	farm := tree.FolderForPool("renderfarm")
	must.NotEq(t, tree.Root.ID, farm.ID)
	must.Eq(t, "renderfarm", farm.Name)
	must.Eq(t, tree.Root, farm.Parent)
	must.Nil(t, farm.TaskGroup)

	// Same folder on the second lookup.
	must.Eq(t, farm, tree.FolderForPool("renderfarm"))
	must.Len(t, 1, tree.Root.Children)
}

func TestDispatchTree_UpdateCommandStatus(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	sub := chainSubmission("graph", 1)
	root, err := tree.DecodeSubmission(sub)
	must.NoError(t, err)
	tree.DrainDirty()

	cmd := root.Commands()[0]
	must.Eq(t, structs.StatusReady, cmd.Status)

	now := time.Now()
	tree.UpdateCommandStatus(cmd, structs.StatusRunning, now)
	must.Eq(t, structs.StatusRunning, cmd.Status)
	must.Eq(t, now, cmd.StartTime)
	must.Eq(t, structs.StatusRunning, root.Status)
	must.Eq(t, structs.StatusRunning, tree.Root.Status)

	// Same-status update is a no-op: nothing new gets queued.
	tree.DrainDirty()
	tree.UpdateCommandStatus(cmd, structs.StatusRunning, now.Add(time.Second))
	must.Eq(t, 0, tree.DirtyCount())

	done := now.Add(time.Minute)
	tree.UpdateCommandStatus(cmd, structs.StatusDone, done)
	must.Eq(t, structs.StatusDone, cmd.Status)
	must.Eq(t, float64(1), cmd.Completion)
	must.Eq(t, done, cmd.EndTime)
	must.Eq(t, structs.StatusDone, root.Status)
	must.Eq(t, float64(1), root.Completion)
	must.Eq(t, done, root.EndTime)

	// Requeue clears the terminal markers.
	tree.UpdateCommandStatus(cmd, structs.StatusReady, done.Add(time.Second))
	must.Eq(t, float64(0), cmd.Completion)
	must.True(t, cmd.EndTime.IsZero())
	must.Eq(t, structs.StatusReady, root.Status)
	must.True(t, root.EndTime.IsZero())
}

func TestDispatchTree_Propagate_StartTimeOnImmediateError(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	root, err := tree.DecodeSubmission(chainSubmission("doomed", 1))
	must.NoError(t, err)

	// The first command errors without ever reporting progress; the folder
	// still records when its subtree started.
	cmd := root.Commands()[0]
	now := time.Now()
	tree.UpdateCommandStatus(cmd, structs.StatusError, now)
	must.Eq(t, structs.StatusError, root.Status)
	must.Eq(t, now, root.StartTime)
	must.Eq(t, now, root.EndTime)
}

func TestDispatchTree_UpdateCommandStatus_QueuedOnce(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	root, err := tree.DecodeSubmission(chainSubmission("graph", 1))
	must.NoError(t, err)
	tree.DrainDirty()

	cmd := root.Commands()[0]
	now := time.Now()
	tree.UpdateCommandStatus(cmd, structs.StatusRunning, now)
	tree.UpdateCommandStatus(cmd, structs.StatusDone, now.Add(time.Second))

	_, modify, _ := tree.DrainDirty()
	count := 0
	for _, e := range modify {
		if e == cmd {
			count++
		}
	}
	must.Eq(t, 1, count)
}

func TestDispatchTree_ArchiveNode(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	root, err := tree.DecodeSubmission(chainSubmission("graph", 2))
	must.NoError(t, err)
	tree.DrainDirty()

	nodeCount := len(tree.Nodes)
	cmdCount := len(tree.Commands)

	must.Error(t, tree.ArchiveNode(tree.Root))

	must.NoError(t, tree.ArchiveNode(root))
	must.Len(t, 0, tree.Root.Children)
	must.Eq(t, nodeCount-3, len(tree.Nodes))
	must.Eq(t, cmdCount-2, len(tree.Commands))
	must.True(t, root.Archived)
	must.MapLen(t, 0, tree.PoolShares)

	_, _, archive := tree.DrainDirty()
	must.SliceContains(t, archive, interface{}(root)) // nodes, tasks, commands, share all queued
	must.True(t, len(archive) >= 8)
}

func TestDispatchTree_RegisterRenderNode(t *testing.T) {
	t.Parallel()

	tree := NewDispatchTree()
	now := time.Now()
	rn := addWorker(tree, "vfxpc64", now)
	must.Eq(t, int64(1), rn.ID)
	must.Eq(t, now, rn.LastHeartbeat)
	must.True(t, rn.InPool(structs.DefaultPool))

	// Re-registration refreshes in place, keeping identity and membership.
	later := now.Add(time.Hour)
	again := tree.RegisterRenderNode(&structs.RenderNode{
		Name:        "vfxpc64",
		Host:        "vfxpc64.example.org",
		Port:        9000,
		CoresNumber: 32,
	}, later)
	must.Eq(t, rn, again)
	must.Eq(t, "vfxpc64.example.org", rn.Host)
	must.Eq(t, 32, rn.CoresNumber)
	must.Eq(t, later, rn.LastHeartbeat)
	must.True(t, rn.InPool(structs.DefaultPool))
	must.MapLen(t, 1, tree.RenderNodes)
}
