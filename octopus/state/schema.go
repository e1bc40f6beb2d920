// Package state persists the dispatch tree into a bbolt store, one bucket
// per logical table with msgpack rows, and restores it on startup.
package state

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// Bucket names, one per logical table. Dependencies, Arguments and Rules
// are child relations rewritten whenever their owner row is written.
var (
	bucketFolderNodes     = []byte("FolderNodes")
	bucketTaskNodes       = []byte("TaskNodes")
	bucketDependencies    = []byte("Dependencies")
	bucketTaskGroups      = []byte("TaskGroups")
	bucketTasks           = []byte("Tasks")
	bucketCommands        = []byte("Commands")
	bucketArguments       = []byte("Arguments")
	bucketRules           = []byte("Rules")
	bucketRenderNodes     = []byte("RenderNodes")
	bucketPools           = []byte("Pools")
	bucketPoolShares      = []byte("PoolShares")
	bucketPoolRenderNodes = []byte("PoolRenderNodes")
)

var allBuckets = [][]byte{
	bucketFolderNodes, bucketTaskNodes, bucketDependencies,
	bucketTaskGroups, bucketTasks, bucketCommands,
	bucketArguments, bucketRules,
	bucketRenderNodes, bucketPools, bucketPoolShares, bucketPoolRenderNodes,
}

type folderNodeRow struct {
	ID          int64
	Name        string
	ParentID    int64
	User        string
	Priority    int
	DispatchKey float64
	MaxRN       int
	TaskGroupID int64
	Strategy    string
	Status      int
	Completion  float64

	CreationTime int64
	StartTime    int64
	UpdateTime   int64
	EndTime      int64

	Archived bool
}

type taskNodeRow struct {
	ID          int64
	Name        string
	ParentID    int64
	User        string
	Priority    int
	DispatchKey float64
	MaxRN       int
	TaskID      int64
	Status      int
	Completion  float64

	CreationTime int64
	StartTime    int64
	UpdateTime   int64
	EndTime      int64

	Archived bool
}

// dependencyRow is one edge; NodeIsFolder mirrors the foreign-key split of
// the node tables.
type dependencyRow struct {
	NodeID       int64
	NodeIsFolder bool
	TargetID     int64
	Statuses     []int
}

type taskGroupRow struct {
	ID           int64
	Name         string
	ParentID     int64
	User         string
	Priority     int
	DispatchKey  float64
	MaxRN        int
	Environment  map[string]string
	Requirements map[string]interface{}
	Tags         map[string]string
	Strategy     string
	Timer        int64
	Archived     bool
}

type taskRow struct {
	ID                   int64
	Name                 string
	ParentID             int64
	User                 string
	Priority             int
	DispatchKey          float64
	MaxRN                int
	Runner               string
	Environment          map[string]string
	Requirements         map[string]interface{}
	MinNbCores           int
	MaxNbCores           int
	RamUse               int
	Licence              string
	Tags                 map[string]string
	ValidationExpression string
	Timer                int64
	MaxAttempt           int
	Archived             bool
}

type commandRow struct {
	ID           int64
	Description  string
	TaskID       int64
	Status       int
	Completion   float64
	RenderNodeID int64
	Message      string
	Attempt      int

	CreationTime int64
	StartTime    int64
	UpdateTime   int64
	EndTime      int64

	Archived bool
}

// argumentRow holds one key/value pair; exactly one of the owner ids is
// non-zero.
type argumentRow struct {
	Name        string
	Value       string
	CommandID   int64
	TaskID      int64
	TaskGroupID int64
}

// ruleRow names a node slot on a task or task group.
type ruleRow struct {
	Name        string
	NodeID      int64
	TaskID      int64
	TaskGroupID int64
}

type renderNodeRow struct {
	ID              int64
	Name            string
	Host            string
	Port            int
	CoresNumber     int
	Speed           float64
	RamSize         int
	Characteristics map[string]string
	CommandID       int64
	LastHeartbeat   int64
	Archived        bool
}

type poolRow struct {
	ID       int64
	Name     string
	Archived bool
}

type poolShareRow struct {
	ID       int64
	PoolID   int64
	NodeID   int64
	MaxRN    int
	Archived bool
}

type poolRenderNodeRow struct {
	PoolID       int64
	RenderNodeID int64
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeRow(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRow(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), msgpackHandle).Decode(v)
}

// idKey encodes an id as a big-endian key so cursor order follows id order.
func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func timerToUnixNano(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func timerFromUnixNano(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := time.Unix(0, n)
	return &t
}
