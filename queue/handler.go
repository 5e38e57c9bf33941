package queue

import (
	"context"
	"encoding/json"
)

// Handler executes one kind of task, looked up by Name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

// TaskHandlerFunc is the typed body of a handler.
type TaskHandlerFunc[T any] func(ctx context.Context, payload T) error

// NewTaskHandler wraps a typed function as a Handler. The handler name is the
// payload type's qualified struct name, matching what Enqueue derives.
func NewTaskHandler[T any](fn TaskHandlerFunc[T]) Handler {
	var zero T
	return &typedHandler[T]{name: taskName(zero), fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return err
	}
	return h.fn(ctx, v)
}
