package core

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	ErrInvalidQueueName  = errors.New("queues: invalid queue name")
	ErrQueueNameTooLong  = errors.New("queues: queue name too long")
	ErrInvalidMaxWorkers = errors.New("queues: maxWorkers must not be negative")
)

// Runtime errors
var (
	ErrUnknownDatabase  = errors.New("queues: unknown database")
	ErrPermissionDenied = errors.New("queues: permission denied for runAsUser")
	ErrNotLeader        = errors.New("queues: not the cluster leader")
	ErrExecutorClosed   = errors.New("queues: executor closed")
)

// QueueError reports a failure while dispatching a single queue.
type QueueError struct {
	Database string
	Queue    string
	Err      error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("queues: database %s queue %s: %v", e.Database, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// PermissionDenied wraps reason so that errors.Is(err, ErrPermissionDenied)
// holds. Executors return it when runAsUser is rejected.
func PermissionDenied(user, reason string) error {
	return fmt.Errorf("%w: user %q: %s", ErrPermissionDenied, user, reason)
}
