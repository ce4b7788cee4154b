package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-relay/pkg/logger"
)

// Task is a best-effort side effect. Its error is logged, never returned to
// the client that triggered it.
type Task func(ctx context.Context) error

// Effects runs best-effort tasks in the background. Tasks sharing a key run
// one at a time in submission order; tasks with different keys run
// concurrently.
type Effects struct {
	mu      sync.Mutex
	queues  map[string][]Task
	wg      sync.WaitGroup
	timeout time.Duration
}

func NewEffects(timeout time.Duration) *Effects {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Effects{
		queues:  make(map[string][]Task),
		timeout: timeout,
	}
}

// Go schedules task under key.
func (e *Effects) Go(key string, task Task) {
	e.mu.Lock()
	if queue, busy := e.queues[key]; busy {
		e.queues[key] = append(queue, task)
		e.mu.Unlock()
		return
	}
	e.queues[key] = nil
	e.wg.Add(1)
	e.mu.Unlock()

	go e.drain(key, task)
}

func (e *Effects) drain(key string, task Task) {
	defer e.wg.Done()
	for {
		e.exec(key, task)

		e.mu.Lock()
		queue := e.queues[key]
		if len(queue) == 0 {
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		task = queue[0]
		e.queues[key] = queue[1:]
		e.mu.Unlock()
	}
}

func (e *Effects) exec(key string, task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Side effect panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()

	if err := task(ctx); err != nil {
		logger.Warn("Side effect failed", "key", key, "error", err)
	}
}

// Pending reports how many keys have work queued or running.
func (e *Effects) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues)
}

// Wait blocks until every scheduled task has finished or ctx is done.
func (e *Effects) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
