package structs

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shoenig/test/must"
)

func validSubmission() *GraphSubmission {
	return &GraphSubmission{
		Name: "shot-12",
		User: "lisa",
		Root: 0,
		Tasks: []*TaskSubmission{
			{
				Type:     TaskTypeGroup,
				Name:     "shot-12",
				Strategy: StrategyFIFO,
				Tasks:    []int{1},
			},
			{
				Type:   TaskTypeTask,
				Name:   "render",
				Runner: "blender",
				Commands: []*CommandSubmission{
					{Description: "render frames 1-10", Arguments: map[string]string{"start": "1", "end": "10"}},
				},
			},
		},
	}
}

func TestGraphSubmission_Validate(t *testing.T) {
	t.Parallel()

	must.NoError(t, validSubmission().Validate())
}

func TestGraphSubmission_Validate_Aggregates(t *testing.T) {
	t.Parallel()

	g := validSubmission()
	g.Name = ""
	g.Tasks[1].Runner = ""
	g.Tasks[0].Tasks = []int{7}

	err := g.Validate()
	must.Error(t, err)

	var verr *ValidationError
	must.True(t, errors.As(err, &verr))
	must.StrContains(t, err.Error(), "graph name is required")
	must.StrContains(t, err.Error(), "runner is required")
	must.StrContains(t, err.Error(), "child index 7 out of range")
}

func TestGraphSubmission_Validate_Dependencies(t *testing.T) {
	t.Parallel()

	g := validSubmission()
	g.Tasks[1].Dependencies = []*DependencySubmission{
		{TargetIndex: 9, Status: []Status{StatusDone}},
		{TargetIndex: 0, Status: nil},
		{TargetIndex: 0, Status: []Status{Status(42)}},
	}

	err := g.Validate()
	must.Error(t, err)
	must.StrContains(t, err.Error(), "dependency target 9 out of range")
	must.StrContains(t, err.Error(), "empty status list")
	must.StrContains(t, err.Error(), "unknown status 42")
}

func TestGraphSubmission_Validate_UnknownType(t *testing.T) {
	t.Parallel()

	g := validSubmission()
	g.Tasks[0].Type = "Folder"
	g.Tasks[0].Strategy = "LIFO"

	err := g.Validate()
	must.Error(t, err)
	must.StrContains(t, err.Error(), `unknown type "Folder"`)
	// A bad type short-circuits the per-entry checks.
	must.StrNotContains(t, err.Error(), "LIFO")
}

func TestDependencySubmission_JSON(t *testing.T) {
	t.Parallel()

	d := &DependencySubmission{TargetIndex: 3, Status: []Status{StatusDone, StatusError}}
	raw, err := json.Marshal(d)
	must.NoError(t, err)
	must.Eq(t, "[3,[3,4]]", string(raw))

	var back DependencySubmission
	must.NoError(t, json.Unmarshal(raw, &back))
	must.True(t, d.Equal(&back))

	must.Error(t, json.Unmarshal([]byte("[3]"), &back))
	must.Error(t, json.Unmarshal([]byte(`[3,"DONE"]`), &back))
}

func TestDependencySubmission_Equal(t *testing.T) {
	t.Parallel()

	a := &DependencySubmission{TargetIndex: 1, Status: []Status{StatusDone}}
	must.True(t, a.Equal(&DependencySubmission{TargetIndex: 1, Status: []Status{StatusDone}}))
	must.False(t, a.Equal(&DependencySubmission{TargetIndex: 2, Status: []Status{StatusDone}}))
	must.False(t, a.Equal(&DependencySubmission{TargetIndex: 1, Status: []Status{StatusDone, StatusError}}))
	must.False(t, a.Equal(&DependencySubmission{TargetIndex: 1, Status: []Status{StatusError}}))
}

func TestKnownStrategy(t *testing.T) {
	t.Parallel()

	must.True(t, KnownStrategy(""))
	must.True(t, KnownStrategy(StrategyFIFO))
	must.True(t, KnownStrategy(StrategyRoundRobin))
	must.False(t, KnownStrategy("LIFO"))
}
