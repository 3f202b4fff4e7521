// Package executor provides core.Executor implementations that run
// dispatched jobs inside the current process.
//
// Pool hands each Dispatch to a Handler on a fixed set of goroutines
// without blocking the scheduler. Func adapts a plain function.
package executor
