package structs

import "fmt"

// Status is the lifecycle state shared by commands and nodes. The integer
// values are part of the wire format and the persisted schema and must not
// be renumbered.
type Status int

const (
	StatusBlocked  Status = 0
	StatusReady    Status = 1
	StatusRunning  Status = 2
	StatusDone     Status = 3
	StatusError    Status = 4
	StatusCanceled Status = 5
	StatusPaused   Status = 6
)

var statusNames = map[Status]string{
	StatusBlocked:  "BLOCKED",
	StatusReady:    "READY",
	StatusRunning:  "RUNNING",
	StatusDone:     "DONE",
	StatusError:    "ERROR",
	StatusCanceled: "CANCELED",
	StatusPaused:   "PAUSED",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(s))
}

// Valid reports whether s is a member of the closed status enumeration.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether a command in this status can no longer make
// progress on its own. ERROR is terminal only once the retry budget is
// exhausted, which the caller decides; here it counts as terminal because
// the command will not move without an attempt reset.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// rollupRank orders statuses by significance for node status rollup:
// ERROR > CANCELED > PAUSED > RUNNING > READY > BLOCKED > DONE. A node is
// DONE only when every child is DONE.
var rollupRank = map[Status]int{
	StatusError:    6,
	StatusCanceled: 5,
	StatusPaused:   4,
	StatusRunning:  3,
	StatusReady:    2,
	StatusBlocked:  1,
	StatusDone:     0,
}

// RollupStatus reduces a set of child statuses to the parent status. An
// empty child list rolls up to BLOCKED: a node with nothing to run is not
// done, it is waiting to be populated.
func RollupStatus(children []Status) Status {
	if len(children) == 0 {
		return StatusBlocked
	}
	out := children[0]
	for _, s := range children[1:] {
		if rollupRank[s] > rollupRank[out] {
			out = s
		}
	}
	return out
}
