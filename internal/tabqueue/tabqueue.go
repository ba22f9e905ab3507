// Package tabqueue serializes work per key. Each key gets one worker that
// runs its tasks in submission order; different keys run concurrently.
// A key can also debounce bursts of submissions into one task.
package tabqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/safe"
)

var ErrClosed = errors.New("tabqueue: closed")

// Task runs on the key's worker. ctx is cancelled when the key is removed
// or the queue closes.
type Task func(ctx context.Context)

type worker struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []Task
	signal  chan struct{}
}

func (w *worker) push(t Task) {
	w.mu.Lock()
	w.pending = append(w.pending, t)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *worker) drain() []Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := w.pending
	w.pending = nil
	return tasks
}

// Queue is safe for concurrent use.
type Queue[K comparable] struct {
	logger logging.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[K]*worker
	timers  map[K]*time.Timer
	closed  bool
	wg      sync.WaitGroup
}

func New[K comparable](logger logging.Logger) *Queue[K] {
	if logger == nil {
		logger = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue[K]{
		logger:  logger.With(logging.Field{Key: "component", Value: "tabqueue"}),
		ctx:     ctx,
		cancel:  cancel,
		workers: map[K]*worker{},
		timers:  map[K]*time.Timer{},
	}
}

// Submit enqueues task for key without waiting for it.
func (q *Queue[K]) Submit(key K, task Task) error {
	_, err := q.submit(key, task)
	return err
}

func (q *Queue[K]) submit(key K, task Task) (*worker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	w := q.workerLocked(key)
	w.push(task)
	return w, nil
}

// Do enqueues fn and waits for it to run. It returns fn's error, ctx's
// error if the caller gives up first, or ErrClosed if the key is removed
// before fn runs.
func (q *Queue[K]) Do(ctx context.Context, key K, fn func(context.Context) error) error {
	done := make(chan error, 1)
	w, err := q.submit(key, func(wctx context.Context) {
		done <- fn(wctx)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		select {
		case err := <-done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Debounce schedules task to be submitted for key after delay. Calling it
// again before the delay elapses replaces both the timer and the task.
func (q *Queue[K]) Debounce(key K, delay time.Duration, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if t, ok := q.timers[key]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.closed || q.timers[key] != timer {
			q.mu.Unlock()
			return
		}
		delete(q.timers, key)
		q.workerLocked(key).push(task)
		q.mu.Unlock()
	})
	q.timers[key] = timer
	return nil
}

// Remove drops key's pending tasks and timer and stops its worker. A task
// already running sees its context cancelled.
func (q *Queue[K]) Remove(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.timers[key]; ok {
		t.Stop()
		delete(q.timers, key)
	}
	if w, ok := q.workers[key]; ok {
		w.cancel()
		delete(q.workers, key)
	}
}

// RemoveAll is Remove for every key. The queue stays open.
func (q *Queue[K]) RemoveAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for k, t := range q.timers {
		t.Stop()
		delete(q.timers, k)
	}
	for k, w := range q.workers {
		w.cancel()
		delete(q.workers, k)
	}
}

// Has reports whether key has a live worker.
func (q *Queue[K]) Has(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.workers[key]
	return ok
}

// HasTimer reports whether a debounce timer is pending for key.
func (q *Queue[K]) HasTimer(key K) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.timers[key]
	return ok
}

// Len is the number of live workers.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Close stops every worker and timer and waits for running tasks to return.
func (q *Queue[K]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for k, t := range q.timers {
		t.Stop()
		delete(q.timers, k)
	}
	q.workers = map[K]*worker{}
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Queue[K]) workerLocked(key K) *worker {
	if w, ok := q.workers[key]; ok {
		return w
	}
	ctx, cancel := context.WithCancel(q.ctx)
	w := &worker{ctx: ctx, cancel: cancel, signal: make(chan struct{}, 1)}
	q.workers[key] = w
	q.wg.Add(1)
	go q.run(key, w)
	return w
}

func (q *Queue[K]) run(key K, w *worker) {
	defer q.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.signal:
			for _, t := range w.drain() {
				if w.ctx.Err() != nil {
					return
				}
				q.exec(key, w.ctx, t)
			}
		}
	}
}

func (q *Queue[K]) exec(key K, ctx context.Context, t Task) {
	safe.Do(ctx, q.logger, fmt.Sprintf("tabqueue.task[%v]", key), func(ctx context.Context) error {
		t(ctx)
		return nil
	})
}
