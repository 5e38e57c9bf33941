package queue

import "errors"

var (
	// ErrStorageNil is returned when constructing over a nil storage.
	ErrStorageNil = errors.New("queue: storage is nil")

	// ErrPayloadNil is returned by Enqueue for nil payloads.
	ErrPayloadNil = errors.New("queue: payload is nil")

	// ErrNoHandlers is returned when a worker starts with nothing registered.
	ErrNoHandlers = errors.New("queue: no handlers registered")

	// ErrHandlerNotFound means a claimed task has no registered handler; the
	// task goes straight to the dead letter list since retries cannot help.
	ErrHandlerNotFound = errors.New("queue: handler not found")

	// ErrNoTaskToClaim is the storage's normal "queue is empty" answer.
	ErrNoTaskToClaim = errors.New("queue: no task to claim")

	// ErrTaskNotFound is returned for operations on unknown task ids.
	ErrTaskNotFound = errors.New("queue: task not found")
)
