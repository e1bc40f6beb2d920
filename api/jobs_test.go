package api

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestDecompose_Default(t *testing.T) {
	t.Parallel()

	task := NewTask("comp", "nuke", nil)
	must.NoError(t, decompose(task))
	must.Len(t, 1, task.Commands)
	must.Eq(t, "comp", task.Commands[0].Description)
}

func TestDecompose_Default_FrameRange(t *testing.T) {
	t.Parallel()

	// A task declaring a frame range expands without naming a decomposer.
	task := NewTask("render", "blender", map[string]string{"start": "1", "end": "5"})
	must.NoError(t, decompose(task))
	must.Len(t, 5, task.Commands)
	must.Eq(t, "1", task.Commands[0].Arguments["start"])
	must.Eq(t, "5", task.Commands[4].Arguments["end"])
}

func TestDecompose_Default_NonIntegerRange(t *testing.T) {
	t.Parallel()

	// start/end that are not both integers fall back to one command.
	task := NewTask("comp", "nuke", map[string]string{"start": "head", "end": "tail"})
	must.NoError(t, decompose(task))
	must.Len(t, 1, task.Commands)
}

func TestDecompose_Single_IgnoresFrameRange(t *testing.T) {
	t.Parallel()

	// The single decomposer is the explicit opt-out of range expansion.
	task := NewTask("render", "blender", map[string]string{"start": "1", "end": "5"})
	task.Decomposer = DecomposerSingle
	must.NoError(t, decompose(task))
	must.Len(t, 1, task.Commands)
}

func TestDecompose_KeepsHandWrittenCommands(t *testing.T) {
	t.Parallel()

	task := NewTask("comp", "nuke", nil)
	task.Commands = []*Command{{Description: "mine"}}
	must.NoError(t, decompose(task))
	must.Len(t, 1, task.Commands)
	must.Eq(t, "mine", task.Commands[0].Description)
}

func TestDecompose_FrameRange(t *testing.T) {
	t.Parallel()

	task := NewTask("render", "blender", map[string]string{
		"start":      "1",
		"end":        "10",
		"packetSize": "4",
	})
	task.Decomposer = DecomposerFrameRange
	must.NoError(t, decompose(task))

	// Two full packets, then the shorter remainder.
	must.Len(t, 3, task.Commands)
	must.Eq(t, "1", task.Commands[0].Arguments["start"])
	must.Eq(t, "4", task.Commands[0].Arguments["end"])
	must.Eq(t, "5", task.Commands[1].Arguments["start"])
	must.Eq(t, "8", task.Commands[1].Arguments["end"])
	must.Eq(t, "9", task.Commands[2].Arguments["start"])
	must.Eq(t, "10", task.Commands[2].Arguments["end"])
	must.Eq(t, "render frames 1-4", task.Commands[0].Description)
}

func TestDecompose_FrameRange_DefaultPacketSize(t *testing.T) {
	t.Parallel()

	task := NewTask("render", "blender", map[string]string{"start": "3", "end": "5"})
	task.Decomposer = DecomposerFrameRange
	must.NoError(t, decompose(task))
	must.Len(t, 3, task.Commands)
}

func TestDecompose_FrameRange_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		args map[string]string
	}{
		{"missing start", map[string]string{"end": "10"}},
		{"bad end", map[string]string{"start": "1", "end": "ten"}},
		{"empty range", map[string]string{"start": "10", "end": "1"}},
		{"bad packet size", map[string]string{"start": "1", "end": "10", "packetSize": "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task := NewTask("render", "blender", tc.args)
			task.Decomposer = DecomposerFrameRange
			must.Error(t, decompose(task))
		})
	}
}

func TestDecompose_Unknown(t *testing.T) {
	t.Parallel()

	task := NewTask("render", "blender", nil)
	task.Decomposer = "perShot"
	must.Error(t, decompose(task))
}

func TestExpand_Registered(t *testing.T) {
	RegisterExpander("threeComps", func(g *TaskGroup) error {
		for i := 0; i < 3; i++ {
			g.AddTask(NewTask("comp", "nuke", nil))
		}
		return nil
	})

	group := NewTaskGroup("comps")
	group.Expander = "threeComps"
	must.NoError(t, expand(group))
	must.Len(t, 3, group.Tasks)
	for _, task := range group.Tasks {
		must.Len(t, 1, task.Commands)
	}

	// Expansion only runs once.
	must.NoError(t, expand(group))
	must.Len(t, 3, group.Tasks)
}

func TestExpand_UnknownExpander(t *testing.T) {
	t.Parallel()

	group := NewTaskGroup("comps")
	group.Expander = "nope"
	must.Error(t, expand(group))
}
