package dlaqueue

import (
	"errors"
)

var (
	// ErrInvalidFence indicates a malformed fence, e.g. a zero syncpoint id.
	ErrInvalidFence = errors.New(`dlaqueue: invalid fence`)

	// ErrOutOfMemory indicates an allocation failure, while building a task.
	ErrOutOfMemory = errors.New(`dlaqueue: out of memory`)

	// ErrPinFailed indicates a failure to map or pin the buffers of a task.
	ErrPinFailed = errors.New(`dlaqueue: pin failed`)

	// ErrEngineBusy indicates the firmware refused to flush a queue.
	ErrEngineBusy = errors.New(`dlaqueue: engine busy`)

	// ErrFlushTimeout indicates the firmware remained busy for the entire
	// abort retry budget.
	ErrFlushTimeout = errors.New(`dlaqueue: flush timeout`)

	// ErrSubmitFailed indicates the firmware (or the syncpoint service)
	// rejected a submission. The task remains in the in-flight list, and the
	// queue should be aborted to recover.
	ErrSubmitFailed = errors.New(`dlaqueue: submit failed`)

	// ErrInvalidTask indicates an unknown or already freed task id, or a task
	// in the wrong state for the operation.
	ErrInvalidTask = errors.New(`dlaqueue: invalid task`)

	// ErrInvalidArgument indicates a request that exceeds configured bounds.
	ErrInvalidArgument = errors.New(`dlaqueue: invalid argument`)

	// ErrQueueClosed indicates the queue has been closed.
	ErrQueueClosed = errors.New(`dlaqueue: queue closed`)

	// ErrNoQueues indicates every queue id of a pool is in use.
	ErrNoQueues = errors.New(`dlaqueue: no free queues`)

	// ErrProcessorBusy may be returned (or wrapped) by a CommandChannel, to
	// indicate the command should be retried later.
	ErrProcessorBusy = errors.New(`dlaqueue: processor busy`)
)
