package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestStatus_String(t *testing.T) {
	t.Parallel()

	must.Eq(t, "BLOCKED", StatusBlocked.String())
	must.Eq(t, "PAUSED", StatusPaused.String())
	must.Eq(t, "UNKNOWN(42)", Status(42).String())
}

func TestStatus_Valid(t *testing.T) {
	t.Parallel()

	for s := StatusBlocked; s <= StatusPaused; s++ {
		must.True(t, s.Valid())
	}
	must.False(t, Status(-1).Valid())
	must.False(t, Status(7).Valid())
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	must.True(t, StatusDone.Terminal())
	must.True(t, StatusError.Terminal())
	must.True(t, StatusCanceled.Terminal())
	must.False(t, StatusBlocked.Terminal())
	must.False(t, StatusReady.Terminal())
	must.False(t, StatusRunning.Terminal())
	must.False(t, StatusPaused.Terminal())
}

func TestRollupStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		children []Status
		exp      Status
	}{
		{"empty", nil, StatusBlocked},
		{"all done", []Status{StatusDone, StatusDone}, StatusDone},
		{"error wins over everything", []Status{StatusDone, StatusRunning, StatusError, StatusCanceled}, StatusError},
		{"canceled over paused", []Status{StatusCanceled, StatusPaused}, StatusCanceled},
		{"paused over running", []Status{StatusRunning, StatusPaused}, StatusPaused},
		{"running over ready", []Status{StatusReady, StatusRunning, StatusDone}, StatusRunning},
		{"ready over blocked", []Status{StatusBlocked, StatusReady}, StatusReady},
		{"blocked over done", []Status{StatusDone, StatusBlocked}, StatusBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, RollupStatus(tc.children))
		})
	}
}
