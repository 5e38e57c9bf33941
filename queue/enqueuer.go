package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnqueuerStorage is the storage surface task creation needs.
type EnqueuerStorage interface {
	CreateTask(ctx context.Context, task *Task) error
}

// Enqueuer creates tasks. It is cheap and safe to share across goroutines.
type Enqueuer struct {
	storage      EnqueuerStorage
	defaultQueue string
}

func NewEnqueuer(storage EnqueuerStorage) (*Enqueuer, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	return &Enqueuer{storage: storage, defaultQueue: DefaultQueue}, nil
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	queue      string
	name       string
	delay      time.Duration
	maxRetries int
}

// WithQueue routes the task to a named queue.
func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.queue = name
		}
	}
}

// WithTaskName overrides the handler lookup name derived from the payload
// type.
func WithTaskName(name string) EnqueueOption {
	return func(o *enqueueOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithDelay schedules the task for later execution.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithMaxRetries bounds how often a failing task is retried before it goes
// to the dead letter list.
func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// Enqueue stores a new pending task carrying the JSON-encoded payload.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}

	options := enqueueOptions{
		queue:      e.defaultQueue,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(&options)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload %T: %w", payload, err)
	}

	name := options.name
	if name == "" {
		name = taskName(payload)
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.New(),
		Queue:       options.queue,
		Name:        name,
		Payload:     encoded,
		Status:      StatusPending,
		MaxRetries:  options.maxRetries,
		ScheduledAt: now.Add(options.delay),
		CreatedAt:   now,
	}

	if err := e.storage.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("queue: create task %q in %q: %w", task.Name, task.Queue, err)
	}
	return nil
}
