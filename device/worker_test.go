package device

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/cyclesdriver/render"
)

func TestTaskAddTaskWaitDrainsBeforeReturning(t *testing.T) {
	w := NewWorker(4)
	defer w.Close()

	var ran int32
	for i := 0; i < 5; i++ {
		task := &render.DeviceTask{Type: render.TaskPathTrace}
		w.TaskAdd(task, func(*render.DeviceTask) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	w.TaskWait()

	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Fatalf("expected all 5 tasks to have run, got %d", got)
	}
}

func TestTaskAddRunsInFIFOOrderOnOneWorker(t *testing.T) {
	w := NewWorker(8)
	defer w.Close()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		task := &render.DeviceTask{}
		w.TaskAdd(task, func(*render.DeviceTask) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	w.TaskWait()

	for i, v := range order {
		if v != i {
			t.Fatalf("dispatch order = %v, want sequential 0..4 (single in-order queue)", order)
		}
	}
}

func TestTaskCancelSignalsRunningTaskGetCancel(t *testing.T) {
	w := NewWorker(1)
	defer w.Close()

	started := make(chan struct{})
	cancelled := make(chan bool, 1)
	task := &render.DeviceTask{}
	w.TaskAdd(task, func(t *render.DeviceTask) error {
		close(started)
		// Poll GetCancel until TaskCancel flips it, like the per-sample /
		// per-tile inner loop would.
		deadline := time.After(time.Second)
		for {
			if t.GetCancel() {
				cancelled <- true
				return nil
			}
			select {
			case <-deadline:
				cancelled <- false
				return nil
			default:
			}
		}
	})

	<-started
	w.TaskCancel()

	select {
	case got := <-cancelled:
		if !got {
			t.Fatal("expected GetCancel to report true after TaskCancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation to be observed")
	}
	w.TaskWait()
}

func TestTaskAddDispatchesByTaskKind(t *testing.T) {
	w := NewWorker(1)
	defer w.Close()

	var gotKind render.TaskKind = -1
	task := &render.DeviceTask{Type: render.TaskShader}
	w.TaskAdd(task, func(t *render.DeviceTask) error {
		gotKind = t.Type
		return nil
	})
	w.TaskWait()

	if gotKind != render.TaskShader {
		t.Fatalf("dispatch saw Type=%v, want TaskShader", gotKind)
	}
}
