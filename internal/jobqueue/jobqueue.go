// Package jobqueue hands device arrivals to the single pipeline worker.
//
// The queue is a bounded FIFO with a companion set of tracked device ids
// enforcing the at-most-one-job-per-device invariant: a duplicate arrival
// for a tracked id is a no-op, and a departure either removes the job (if
// still queued) or flags it (if already active) so the worker can abort at
// the next stage boundary. Pending jobs are deliberately not durable; a
// stick that was present before a crash is re-detected on startup.
package jobqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"safegate/internal/device"
	"safegate/internal/logging"
)

// ErrQueueFull is returned when enqueueing would exceed the configured
// capacity. The producer logs and drops; it must never block on the worker.
var ErrQueueFull = errors.New("job queue full")

// ErrClosed is returned from Dequeue after Close.
var ErrClosed = errors.New("job queue closed")

type phase int

const (
	phaseQueued phase = iota
	phaseActive
)

type tracked struct {
	phase    phase
	departed bool
}

// Queue is the ordered handoff between the event producer and the worker.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	logger   *slog.Logger
	capacity int
	pending  []device.Event
	tracked  map[string]*tracked
	closed   bool
}

// New constructs a queue bounded to capacity pending jobs.
func New(logger *slog.Logger, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 16
	}
	q := &Queue{
		logger:   logging.NewComponentLogger(logger, "jobqueue"),
		capacity: capacity,
		tracked:  make(map[string]*tracked),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue applies a device event to the queue. Arrivals for untracked ids
// join the FIFO; duplicates are ignored. Departures cancel a queued job or
// flag an active one.
func (q *Queue) Enqueue(event device.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	switch event.Action {
	case device.Arrived:
		if _, exists := q.tracked[event.ID]; exists {
			q.logger.Debug("duplicate arrival ignored", logging.String(logging.FieldDevice, event.ID))
			return nil
		}
		if len(q.pending) >= q.capacity {
			q.logger.Warn("queue full, dropping arrival",
				logging.String(logging.FieldDevice, event.ID),
				logging.Int("capacity", q.capacity),
			)
			return ErrQueueFull
		}
		q.tracked[event.ID] = &tracked{phase: phaseQueued}
		q.pending = append(q.pending, event)
		q.logger.Info("job enqueued",
			logging.String(logging.FieldDevice, event.ID),
			logging.Int("pending", len(q.pending)),
		)
		q.cond.Signal()
		return nil

	case device.Departed:
		state, exists := q.tracked[event.ID]
		if !exists {
			return nil
		}
		if state.phase == phaseQueued {
			q.removePendingLocked(event.ID)
			delete(q.tracked, event.ID)
			q.logger.Info("device pulled before processing; job dropped",
				logging.String(logging.FieldDevice, event.ID),
			)
			return nil
		}
		// Active job: record the departure without preempting. The worker
		// checks at each stage boundary.
		state.departed = true
		q.logger.Info("device departed during processing",
			logging.String(logging.FieldDevice, event.ID),
		)
		return nil
	}
	return nil
}

func (q *Queue) removePendingLocked(id string) {
	for i, event := range q.pending {
		if event.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Dequeue blocks until a job is available, the queue is closed, or the
// context is cancelled. The returned event's device id stays tracked (now
// active) until Release is called.
func (q *Queue) Dequeue(ctx context.Context) (device.Event, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 {
		if q.closed {
			return device.Event{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return device.Event{}, err
		}
		q.cond.Wait()
	}

	event := q.pending[0]
	q.pending = q.pending[1:]
	if state, exists := q.tracked[event.ID]; exists {
		state.phase = phaseActive
	}
	return event, nil
}

// Departed reports whether a departure was recorded for an active job.
func (q *Queue) Departed(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	state, exists := q.tracked[id]
	return exists && state.departed
}

// Release forgets a device id once its job reaches a terminal state,
// allowing a future re-insertion to start a fresh job.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tracked, id)
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Tracked returns the number of queued or active device ids.
func (q *Queue) Tracked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracked)
}

// Close wakes blocked consumers and rejects further events.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}
