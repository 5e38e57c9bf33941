package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// retryBackoff spaces retries linearly: attempt n waits n*retryBackoff.
const retryBackoff = 5 * time.Second

// MemoryStorage keeps tasks in process memory. It backs tests, local
// development and single-node deployments that do not want a database for
// the queue.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	dead  []*DeadTask

	sweeper *time.Ticker
	done    chan struct{}
}

func NewMemoryStorage() *MemoryStorage {
	ms := &MemoryStorage{
		tasks:   make(map[uuid.UUID]*Task),
		done:    make(chan struct{}),
		sweeper: time.NewTicker(time.Second),
	}
	go ms.sweepExpiredLocks()
	return ms
}

// Close stops the lock sweeper.
func (ms *MemoryStorage) Close() error {
	ms.sweeper.Stop()
	close(ms.done)
	return nil
}

func (ms *MemoryStorage) CreateTask(ctx context.Context, task *Task) error {
	if task == nil {
		return ErrPayloadNil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.tasks[task.ID]; exists {
		return fmt.Errorf("queue: task %s already exists", task.ID)
	}
	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

// ClaimTask picks the runnable pending task with the earliest ScheduledAt
// across the requested queues.
func (ms *MemoryStorage) ClaimTask(ctx context.Context, workerID uuid.UUID, queues []string, lockDuration time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := time.Now()
	var best *Task
	for _, task := range ms.tasks {
		if task.Status != StatusPending {
			continue
		}
		if !slices.Contains(queues, task.Queue) {
			continue
		}
		if task.ScheduledAt.After(now) {
			continue
		}
		if best == nil || task.ScheduledAt.Before(best.ScheduledAt) {
			best = task
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	lockUntil := now.Add(lockDuration)
	best.Status = StatusProcessing
	best.LockedUntil = &lockUntil
	best.LockedBy = &workerID

	cp := *best
	return &cp, nil
}

func (ms *MemoryStorage) CompleteTask(ctx context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	if task.Status != StatusProcessing {
		return fmt.Errorf("queue: task %s is not processing", taskID)
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.ProcessedAt = &now
	task.LockedUntil = nil
	task.LockedBy = nil
	return nil
}

func (ms *MemoryStorage) FailTask(ctx context.Context, taskID uuid.UUID, errorMsg string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}
	if task.Status != StatusProcessing {
		return fmt.Errorf("queue: task %s is not processing", taskID)
	}

	task.RetryCount++
	task.Error = &errorMsg
	task.LockedUntil = nil
	task.LockedBy = nil

	if task.RetryCount >= task.MaxRetries {
		task.Status = StatusFailed
	} else {
		task.Status = StatusPending
		task.ScheduledAt = time.Now().Add(time.Duration(task.RetryCount) * retryBackoff)
	}
	return nil
}

func (ms *MemoryStorage) MoveToDeadLetter(ctx context.Context, taskID uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return ErrTaskNotFound
	}

	entry := &DeadTask{
		ID:         uuid.New(),
		TaskID:     task.ID,
		Queue:      task.Queue,
		Name:       task.Name,
		Payload:    task.Payload,
		RetryCount: task.RetryCount,
		FailedAt:   time.Now(),
	}
	if task.Error != nil {
		entry.Error = *task.Error
	}
	ms.dead = append(ms.dead, entry)
	delete(ms.tasks, taskID)
	return nil
}

// DeadTasks returns a snapshot of the dead letter list.
func (ms *MemoryStorage) DeadTasks() []*DeadTask {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	out := make([]*DeadTask, len(ms.dead))
	for i, d := range ms.dead {
		cp := *d
		out[i] = &cp
	}
	return out
}

// Task returns a copy of a stored task.
func (ms *MemoryStorage) Task(taskID uuid.UUID) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	task, exists := ms.tasks[taskID]
	if !exists {
		return nil, ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

// sweepExpiredLocks returns tasks claimed by dead workers to pending once
// their lease runs out.
func (ms *MemoryStorage) sweepExpiredLocks() {
	for {
		select {
		case <-ms.done:
			return
		case <-ms.sweeper.C:
			ms.mu.Lock()
			now := time.Now()
			for _, task := range ms.tasks {
				if task.Status == StatusProcessing && task.LockedUntil != nil && task.LockedUntil.Before(now) {
					task.Status = StatusPending
					task.LockedUntil = nil
					task.LockedBy = nil
				}
			}
			ms.mu.Unlock()
		}
	}
}
