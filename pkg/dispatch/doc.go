// Package dispatch claims eligible jobs of one database and hands them to
// an executor.
//
// A Dispatcher pass runs a single store transaction. Queues are visited in
// name order; each one runs inside its own savepoint so a failing queue
// rolls back only its own claims. Claimed jobs are handed to the executor
// after the transaction commits.
package dispatch
