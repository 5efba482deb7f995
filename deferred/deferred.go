// Package deferred runs media housekeeping off the I/O path. Code that finds a
// bad block or a weak page posts a task here instead of touching the NAND
// again itself; a single background worker runs the tasks one at a time.
package deferred

import (
	"context"
	"fmt"
	"sync"

	"github.com/dargueta/nandmedia/errors"
	"github.com/sirupsen/logrus"
)

// TaskType identifies what a task does. Two pending tasks with the same type
// and key are duplicates.
type TaskType int

const (
	TaskSaveDBBT TaskType = iota + 1
	TaskRefreshBlock
	TaskFlushDrive
)

func (t TaskType) String() string {
	switch t {
	case TaskSaveDBBT:
		return "save-dbbt"
	case TaskRefreshBlock:
		return "refresh-block"
	case TaskFlushDrive:
		return "flush-drive"
	}
	return fmt.Sprintf("TaskType(%d)", int(t))
}

// Task is one unit of deferred work.
type Task struct {
	Type TaskType
	// Key tells apart tasks of the same type that aren't duplicates, such as
	// refreshes of two different blocks.
	Key uint64
	// Tasks with a higher priority run first. Tasks of equal priority run in the
	// order they were posted.
	Priority int
	Run      func(ctx context.Context) error
}

// DefaultCapacity is the number of pending tasks a queue holds when the
// config doesn't say.
const DefaultCapacity = 16

type Config struct {
	Capacity int
	Logger   logrus.FieldLogger
}

type Queue struct {
	mutex    sync.Mutex
	idle     *sync.Cond
	pending  []Task
	capacity int
	busy     bool
	running  bool
	wake     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	logger   logrus.FieldLogger
}

// New creates a queue. Tasks can be posted right away but nothing runs until
// [Queue.Start] is called or the queue is drained.
func New(config Config) *Queue {
	if config.Capacity < 1 {
		config.Capacity = DefaultCapacity
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}

	q := &Queue{
		capacity: config.Capacity,
		wake:     make(chan struct{}, 1),
		logger:   config.Logger.WithField("component", "deferred"),
	}
	q.idle = sync.NewCond(&q.mutex)
	return q
}

// Start launches the background worker. It stops when `ctx` is canceled or
// [Queue.Stop] is called. Starting a queue that's already running does nothing.
func (q *Queue) Start(ctx context.Context) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.running {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	go q.worker(ctx, q.done)
}

// Stop halts the background worker and waits for it to exit. A task that's
// already running is allowed to finish; pending tasks stay queued.
func (q *Queue) Stop() {
	q.mutex.Lock()
	if !q.running {
		q.mutex.Unlock()
		return
	}
	cancel, done := q.cancel, q.done
	q.mutex.Unlock()

	cancel()
	<-done
}

// Post adds a task to the queue. If a task with the same type and key is
// already pending the new one is dropped and Post returns false. A full queue
// returns an error with code [errors.EQUEUEFULL].
func (q *Queue) Post(task Task) (bool, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, pending := range q.pending {
		if pending.Type == task.Type && pending.Key == task.Key {
			return false, nil
		}
	}
	if len(q.pending) >= q.capacity {
		return false, errors.ErrQueueFull.WithMessage(
			fmt.Sprintf("can't post %s task, %d tasks pending", task.Type, len(q.pending)))
	}

	// Insert after every task of the same or higher priority.
	index := len(q.pending)
	for index > 0 && q.pending[index-1].Priority < task.Priority {
		index--
	}
	q.pending = append(q.pending, Task{})
	copy(q.pending[index+1:], q.pending[index:])
	q.pending[index] = task

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Len gives the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the tasks waiting to run, in the order they'll
// run.
func (q *Queue) Pending() []Task {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return append([]Task(nil), q.pending...)
}

// Drain blocks until every pending task has run. If the worker isn't running
// the tasks are run on the caller's goroutine.
//
// Drain must not be called from inside a task.
func (q *Queue) Drain() {
	q.mutex.Lock()
	for q.running && (len(q.pending) > 0 || q.busy) {
		q.idle.Wait()
	}
	running := q.running
	q.mutex.Unlock()

	if running {
		return
	}

	for {
		task, ok := q.pop()
		if !ok {
			return
		}
		q.run(context.Background(), task)
		q.finish()
	}
}

// pop removes the next task and marks the queue busy.
func (q *Queue) pop() (Task, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.pending) == 0 {
		return Task{}, false
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	q.busy = true
	return task, true
}

func (q *Queue) finish() {
	q.mutex.Lock()
	q.busy = false
	q.idle.Broadcast()
	q.mutex.Unlock()
}

func (q *Queue) run(ctx context.Context, task Task) {
	err := task.Run(ctx)
	if err != nil {
		q.logger.WithFields(logrus.Fields{
			"task": task.Type.String(),
			"key":  task.Key,
		}).WithError(err).Warn("deferred task failed")
	}
}

func (q *Queue) worker(ctx context.Context, done chan struct{}) {
	defer func() {
		q.mutex.Lock()
		q.running = false
		q.idle.Broadcast()
		q.mutex.Unlock()
		close(done)
	}()

	for ctx.Err() == nil {
		task, ok := q.pop()
		if ok {
			q.run(ctx, task)
			q.finish()
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}
