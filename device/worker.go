package device

import (
	"context"
	"sync"

	"github.com/gogpu/cyclesdriver/logging"
	"github.com/gogpu/cyclesdriver/render"
)

// Worker is the dedicated single-thread task pool each device instance
// owns: every GPU command this device issues goes through the single
// goroutine run starts, into that device's single in-order queue.
type Worker struct {
	queue      chan func()
	workerDone chan struct{}

	tasksWG sync.WaitGroup

	mu      sync.Mutex
	current context.CancelFunc
}

// NewWorker starts the worker goroutine with a queue of the given depth;
// a non-positive depth selects a queue of 16.
func NewWorker(queueDepth int) *Worker {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	w := &Worker{
		queue:      make(chan func(), queueDepth),
		workerDone: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.workerDone)
	for fn := range w.queue {
		fn()
	}
}

// TaskAdd enqueues task for dispatch on the worker goroutine. dispatch is
// the task-kind switch (film_convert / shader / path_trace) the caller
// supplies; task.GetCancel is wired to a per-task cancellation context so a
// later TaskCancel call only affects the task that was running when it was
// called, matching the "per-sample / per-tile cooperative cancellation"
// contract.
func (w *Worker) TaskAdd(task *render.DeviceTask, dispatch func(*render.DeviceTask) error) {
	ctx, cancel := context.WithCancel(context.Background())
	task.GetCancel = func() bool { return ctx.Err() != nil }

	w.tasksWG.Add(1)
	w.queue <- func() {
		defer w.tasksWG.Done()
		defer cancel()

		w.mu.Lock()
		w.current = cancel
		w.mu.Unlock()

		if err := dispatch(task); err != nil {
			logging.Logger().Error("device: task failed", "kind", task.Type.String(), "error", err)
		}
	}
}

// TaskWait blocks until every task added so far has finished running.
func (w *Worker) TaskWait() {
	w.tasksWG.Wait()
}

// TaskCancel signals cancellation to whichever task is currently running.
// When no task is running the call has no effect, and it does not cancel
// tasks that start later. The task's inner loop
// observes this the next time it polls task.GetCancel; in-flight kernel
// launches are not interrupted.
func (w *Worker) TaskCancel() {
	w.mu.Lock()
	cancel := w.current
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops accepting new tasks and blocks until the worker goroutine has
// drained its queue and exited. Safe to call once.
func (w *Worker) Close() {
	close(w.queue)
	<-w.workerDone
}
