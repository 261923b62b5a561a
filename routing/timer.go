package routing

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ResponseFunc receives the responses collected for one request: between
// zero and the expected count, in arrival order.
type ResponseFunc func(responses [][]byte)

// pendingTask tracks one outstanding request in the pending-response table.
type pendingTask struct {
	fn        ResponseFunc
	remaining int
	responses [][]byte
	expiry    *time.Timer
}

// Timer is the pending-response table: it correlates responses to message
// ids and guarantees each registered callback fires exactly once, with
// however many responses arrived by completion, timeout, or cancellation.
type Timer struct {
	mu     sync.Mutex
	pool   *TaskPool
	nextID uint32
	tasks  map[uint32]*pendingTask
}

// NewTimer creates an empty pending-response table. Callbacks are posted to
// the pool.
func NewTimer(pool *TaskPool) *Timer {
	return &Timer{
		pool:  pool,
		tasks: make(map[uint32]*pendingTask),
	}
}

// AddTask registers a callback expecting up to expectedResponses responses
// within timeout. It returns the non-zero message id to correlate with.
func (t *Timer) AddTask(timeout time.Duration, fn ResponseFunc, expectedResponses int) uint32 {
	t.mu.Lock()

	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	id := t.nextID

	task := &pendingTask{
		fn:        fn,
		remaining: expectedResponses,
	}
	task.expiry = time.AfterFunc(timeout, func() { t.expire(id) })
	t.tasks[id] = task

	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "AddTask",
		"id":       id,
		"expected": expectedResponses,
		"timeout":  timeout,
	}).Debug("Registered pending response task")

	return id
}

// AddResponse records one response for id. The callback fires when the
// expected count is reached; late responses are discarded silently.
func (t *Timer) AddResponse(id uint32, response []byte) {
	t.mu.Lock()
	task, exists := t.tasks[id]
	if !exists {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "AddResponse",
			"id":       id,
		}).Debug("Discarding response for unknown or finalised task")
		return
	}

	task.responses = append(task.responses, response)
	task.remaining--
	if task.remaining > 0 {
		t.mu.Unlock()
		return
	}

	t.finaliseLocked(id, task)
}

// CancelTask finalises the task immediately with whatever responses arrived.
func (t *Timer) CancelTask(id uint32) {
	t.mu.Lock()
	task, exists := t.tasks[id]
	if !exists {
		t.mu.Unlock()
		return
	}
	t.finaliseLocked(id, task)
}

// expire finalises the task at deadline with the partial response list.
func (t *Timer) expire(id uint32) {
	t.mu.Lock()
	task, exists := t.tasks[id]
	if !exists {
		t.mu.Unlock()
		return
	}
	t.finaliseLocked(id, task)
}

// finaliseLocked removes the task and posts its callback. The caller holds
// the lock; it is released here. Removal before firing makes the callback
// exactly-once.
func (t *Timer) finaliseLocked(id uint32, task *pendingTask) {
	delete(t.tasks, id)
	task.expiry.Stop()
	responses := task.responses
	fn := task.fn
	t.mu.Unlock()

	if fn != nil {
		t.pool.Post(func() { fn(responses) })
	}
}

// PendingCount returns the number of outstanding tasks.
func (t *Timer) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// CancelAll finalises every outstanding task, used at shutdown.
func (t *Timer) CancelAll() {
	t.mu.Lock()
	ids := make([]uint32, 0, len(t.tasks))
	for id := range t.tasks {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.CancelTask(id)
	}
}
