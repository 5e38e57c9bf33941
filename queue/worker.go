package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerStorage is the storage surface the worker needs.
type WorkerStorage interface {
	// ClaimTask atomically claims the next runnable task in one of the
	// queues, locking it for lockDuration.
	ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error)

	// CompleteTask marks a processing task as completed.
	CompleteTask(ctx context.Context, taskID uuid.UUID) error

	// FailTask records the error, increments the retry count and either
	// reschedules the task with backoff or marks it failed.
	FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error

	// MoveToDeadLetter removes a task and records it on the dead letter list.
	MoveToDeadLetter(ctx context.Context, taskID uuid.UUID) error
}

// Worker claims and executes tasks.
type Worker struct {
	storage  WorkerStorage
	handlers map[string]Handler
	queues   []string
	workerID uuid.UUID
	sem      chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopMu   sync.Mutex

	pullInterval time.Duration
	lockTimeout  time.Duration
	log          *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerOptions)

type workerOptions struct {
	queues       []string
	pullInterval time.Duration
	lockTimeout  time.Duration
	concurrency  int
	log          *slog.Logger
}

// WithQueues sets the queues the worker pulls from.
func WithQueues(queues ...string) WorkerOption {
	return func(o *workerOptions) {
		if len(queues) > 0 {
			o.queues = queues
		}
	}
}

// WithPullInterval sets how often the worker polls for work.
func WithPullInterval(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.pullInterval = d
		}
	}
}

// WithLockTimeout sets the claim lease. A worker that dies mid-task releases
// the task for someone else once the lease expires, so the lease must exceed
// the longest expected handler run.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(o *workerOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithConcurrency caps how many tasks run at once.
func WithConcurrency(n int) WorkerOption {
	return func(o *workerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(o *workerOptions) {
		if log != nil {
			o.log = log
		}
	}
}

func NewWorker(storage WorkerStorage, opts ...WorkerOption) (*Worker, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}

	options := workerOptions{
		queues:       []string{DefaultQueue},
		pullInterval: time.Second,
		lockTimeout:  time.Minute,
		concurrency:  1,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Worker{
		storage:      storage,
		handlers:     make(map[string]Handler),
		queues:       options.queues,
		workerID:     uuid.New(),
		sem:          make(chan struct{}, options.concurrency),
		pullInterval: options.pullInterval,
		lockTimeout:  options.lockTimeout,
		log:          options.log,
	}, nil
}

// RegisterHandler registers a handler under its name. Later registrations
// with the same name win.
func (w *Worker) RegisterHandler(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Start begins pulling tasks in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("queue: worker already started")
	}
	if len(w.handlers) == 0 {
		w.mu.Unlock()
		return ErrNoHandlers
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.stopping.Store(false)
	go w.run()

	w.log.Info("queue worker started",
		slog.String("worker_id", w.workerID.String()),
		slog.Any("queues", w.queues),
		slog.Int("concurrency", cap(w.sem)))
	return nil
}

// Stop cancels the pull loop and waits for in-flight tasks to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if w.cancel == nil {
		w.mu.Unlock()
		return errors.New("queue: worker not started")
	}
	w.stopMu.Lock()
	w.stopping.Store(true)
	w.stopMu.Unlock()

	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.log.Info("queue worker stopped", slog.String("worker_id", w.workerID.String()))
	return nil
}

// Run returns a function suitable for errgroup.Group.Go.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) run() {
	ticker := time.NewTicker(w.pullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			select {
			case w.sem <- struct{}{}:
				// stopMu keeps Stop's Wait from racing a late Add.
				w.stopMu.Lock()
				if w.stopping.Load() {
					w.stopMu.Unlock()
					<-w.sem
					return
				}
				w.wg.Add(1)
				w.stopMu.Unlock()

				go func() {
					defer w.wg.Done()
					defer func() { <-w.sem }()

					if err := w.pullAndProcess(); err != nil && !errors.Is(err, ErrHandlerNotFound) {
						w.log.Error("task processing failed",
							slog.String("worker_id", w.workerID.String()),
							slog.String("error", err.Error()))
					}
				}()
			default:
				// All slots busy.
			}
		}
	}
}

func (w *Worker) pullAndProcess() error {
	task, err := w.storage.ClaimTask(w.ctx, w.workerID, w.queues, w.lockTimeout)
	if err != nil {
		if errors.Is(err, ErrNoTaskToClaim) {
			return nil
		}
		return fmt.Errorf("claim task: %w", err)
	}
	return w.processTask(task)
}

func (w *Worker) processTask(task *Task) (retErr error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("panic in handler: %v", r)
			w.log.Error("task handler panicked",
				slog.String("task_id", task.ID.String()),
				slog.String("task_name", task.Name),
				slog.Any("panic", r))
			_ = w.handleFailure(task, retErr)
		}
	}()

	w.mu.RLock()
	handler, ok := w.handlers[task.Name]
	w.mu.RUnlock()
	if !ok {
		return w.handleMissingHandler(task)
	}

	// Detached from the worker context so graceful shutdown lets the task
	// finish; bounded by the lock lease.
	ctx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()

	if err := handler.Handle(ctx, task.Payload); err != nil {
		return w.handleFailure(task, err)
	}

	if err := w.storage.CompleteTask(w.ctx, task.ID); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	w.log.Debug("task completed",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.Name),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// handleMissingHandler sends the task straight to the dead letter list;
// retrying cannot help until a handler is deployed, and the entry preserves
// the payload for requeueing once one is.
func (w *Worker) handleMissingHandler(task *Task) error {
	w.log.Error("no handler registered for task",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.Name))

	if err := w.storage.FailTask(w.ctx, task.ID, "no handler registered for task: "+task.Name); err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if err := w.storage.MoveToDeadLetter(w.ctx, task.ID); err != nil {
		return fmt.Errorf("move task %s to dead letter: %w", task.ID, err)
	}
	return ErrHandlerNotFound
}

func (w *Worker) handleFailure(task *Task, execErr error) error {
	w.log.Warn("task failed",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.Name),
		slog.Int("retry_count", task.RetryCount),
		slog.Int("max_retries", task.MaxRetries),
		slog.String("error", execErr.Error()))

	if err := w.storage.FailTask(w.ctx, task.ID, execErr.Error()); err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}

	// FailTask incremented the stored retry count; task still holds the
	// pre-failure value.
	if task.RetryCount+1 >= task.MaxRetries {
		if err := w.storage.MoveToDeadLetter(w.ctx, task.ID); err != nil {
			return fmt.Errorf("move task %s to dead letter: %w", task.ID, err)
		}
		w.log.Warn("task moved to dead letter list",
			slog.String("task_id", task.ID.String()),
			slog.String("task_name", task.Name))
	}
	return nil
}
