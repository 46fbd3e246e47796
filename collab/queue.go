package collab

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"arcflow.dev/errcode"
)

const queueDepth = 32

// serialQueue executes mutation batches for one flow strictly in
// arrival order on a single goroutine. Concurrent editors on the same
// flow therefore never race each other inside the manager.
type serialQueue struct {
	flowID string
	tasks  chan func(ctx context.Context)
	log    *logrus.Entry

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newSerialQueue(ctx context.Context, flowID string, log *logrus.Entry) *serialQueue {
	q := &serialQueue{
		flowID: flowID,
		tasks:  make(chan func(ctx context.Context), queueDepth),
		log:    log.WithField("flow", flowID),
	}
	q.wg.Add(1)
	go q.run(ctx)
	return q
}

func (q *serialQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for task := range q.tasks {
		task(ctx)
	}
}

// enqueue schedules a task. A full queue rejects instead of blocking
// the caller's read loop.
func (q *serialQueue) enqueue(task func(ctx context.Context)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errcode.New(errcode.Processing, "flow %s is shutting down", q.flowID)
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return errcode.New(errcode.Processing, "mutation queue for flow %s is full", q.flowID)
	}
}

// depth reports the number of queued tasks.
func (q *serialQueue) depth() int {
	return len(q.tasks)
}

// stop closes the intake and waits for queued tasks to finish.
func (q *serialQueue) stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
