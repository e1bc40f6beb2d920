package testutil

import (
	"errors"
	"testing"

	"github.com/shoenig/test/must"
)

func TestWait_WaitForResult(t *testing.T) {
	calls := 0
	WaitForResult(func() (bool, error) {
		calls++
		return calls >= 3, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	must.Eq(t, 3, calls)
}

func TestWait_WaitForResultRetries_Exhausted(t *testing.T) {
	var got error
	WaitForResultRetries(2, func() (bool, error) {
		return false, errors.New("still failing")
	}, func(err error) {
		got = err
	})
	must.EqError(t, got, "still failing")
}
