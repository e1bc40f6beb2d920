package testutil

import (
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds or the retry budget
// is spent, in which case error is invoked with the last failure.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(500, test, error)
}

// WaitForResultRetries is WaitForResult with an explicit retry budget.
func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}
