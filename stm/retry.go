package stm

import "runtime"

// RetryPolicy decides whether Txn.Run starts another attempt after the
// attempt-th consecutive abort (attempt starts at 1).
type RetryPolicy interface {
	Retry(attempt int) bool
}

// RetryFunc adapts a plain function to RetryPolicy.
type RetryFunc func(attempt int) bool

// Retry implements RetryPolicy.
func (f RetryFunc) Retry(attempt int) bool { return f(attempt) }

type unbounded struct{}

func (unbounded) Retry(int) bool { return true }

// Unbounded retries forever. Progress relies on conflicting transactions
// eventually finishing, which holds while every transaction body is finite.
func Unbounded() RetryPolicy { return unbounded{} }

// Limit allows at most n attempts in total. n <= 0 means a single attempt.
func Limit(n int) RetryPolicy {
	return RetryFunc(func(attempt int) bool { return attempt < n })
}

// Yield retries forever but hands the processor back to the scheduler after
// every n-th consecutive abort, so a busy-spinning worker does not starve the
// transaction it conflicts with when GOMAXPROCS is small.
func Yield(n int) RetryPolicy {
	if n <= 0 {
		n = 1
	}
	return RetryFunc(func(attempt int) bool {
		if attempt%n == 0 {
			runtime.Gosched()
		}
		return true
	})
}
