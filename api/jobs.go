package api

import (
	"fmt"
	"strconv"
)

// Decomposer turns a task without commands into its command list. Runs on
// the client at preparation time; the server only ever sees the result.
type Decomposer func(*Task) error

// Expander populates a task group before serialization, for example one
// task per frame packet.
type Expander func(*TaskGroup) error

const (
	// DecomposerDefault emits the frame-range expansion when the task
	// carries integer start and end arguments, one command otherwise.
	DecomposerDefault = "default"

	// DecomposerSingle emits one command carrying the task arguments,
	// regardless of any frame range.
	DecomposerSingle = "single"

	// DecomposerFrameRange slices the inclusive [start..end] frame range
	// from the task arguments into packetSize commands.
	DecomposerFrameRange = "framerange"
)

var decomposers = map[string]Decomposer{
	DecomposerDefault:    decomposeDefault,
	DecomposerSingle:     decomposeSingle,
	DecomposerFrameRange: decomposeFrameRange,
}

var expanders = map[string]Expander{}

// RegisterDecomposer installs a named decomposer. Not safe for concurrent
// use; register during init.
func RegisterDecomposer(name string, fn Decomposer) {
	decomposers[name] = fn
}

// RegisterExpander installs a named expander.
func RegisterExpander(name string, fn Expander) {
	expanders[name] = fn
}

// decompose runs the task's decomposer once. Tasks with hand-written
// commands are left alone.
func decompose(t *Task) error {
	if t.decomposed || len(t.Commands) > 0 {
		t.decomposed = true
		return nil
	}
	name := t.Decomposer
	if name == "" {
		name = DecomposerDefault
	}
	fn, ok := decomposers[name]
	if !ok {
		return fmt.Errorf("task %q: unknown decomposer %q", t.Name, name)
	}
	if err := fn(t); err != nil {
		return fmt.Errorf("task %q: decompose: %w", t.Name, err)
	}
	t.decomposed = true
	return nil
}

// expand runs the group's expander once, then recurses.
func expand(g *TaskGroup) error {
	if !g.expanded && g.Expander != "" {
		fn, ok := expanders[g.Expander]
		if !ok {
			return fmt.Errorf("task group %q: unknown expander %q", g.Name, g.Expander)
		}
		if err := fn(g); err != nil {
			return fmt.Errorf("task group %q: expand: %w", g.Name, err)
		}
	}
	g.expanded = true
	for _, child := range g.Groups {
		if err := expand(child); err != nil {
			return err
		}
	}
	for _, t := range g.Tasks {
		if err := decompose(t); err != nil {
			return err
		}
	}
	return nil
}

func decomposeSingle(t *Task) error {
	t.Commands = []*Command{{Description: t.Name}}
	return nil
}

// decomposeDefault expands the frame range when the task declares one;
// tasks without start/end get a single command.
func decomposeDefault(t *Task) error {
	if hasFrameRange(t) {
		return decomposeFrameRange(t)
	}
	return decomposeSingle(t)
}

func hasFrameRange(t *Task) bool {
	for _, key := range []string{"start", "end"} {
		raw, ok := t.Arguments[key]
		if !ok {
			return false
		}
		if _, err := strconv.Atoi(raw); err != nil {
			return false
		}
	}
	return true
}

func decomposeFrameRange(t *Task) error {
	start, err := intArgument(t, "start")
	if err != nil {
		return err
	}
	end, err := intArgument(t, "end")
	if err != nil {
		return err
	}
	if end < start {
		return fmt.Errorf("frame range %d..%d is empty", start, end)
	}
	packetSize := 1
	if raw, ok := t.Arguments["packetSize"]; ok {
		packetSize, err = strconv.Atoi(raw)
		if err != nil || packetSize < 1 {
			return fmt.Errorf("bad packetSize %q", raw)
		}
	}

	// Full packets first, then the shorter remainder.
	for lo := start; lo <= end; lo += packetSize {
		hi := lo + packetSize - 1
		if hi > end {
			hi = end
		}
		t.Commands = append(t.Commands, &Command{
			Description: fmt.Sprintf("%s frames %d-%d", t.Name, lo, hi),
			Arguments: map[string]string{
				"start": strconv.Itoa(lo),
				"end":   strconv.Itoa(hi),
			},
		})
	}
	return nil
}

func intArgument(t *Task, key string) (int, error) {
	raw, ok := t.Arguments[key]
	if !ok {
		return 0, fmt.Errorf("missing %q argument", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad %q argument %q", key, raw)
	}
	return n, nil
}
