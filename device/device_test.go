package device

import (
	"sync"
	"testing"

	"github.com/gogpu/cyclesdriver/feasibility"
	"github.com/gogpu/cyclesdriver/render"
)

type fakeTracer struct {
	mu    sync.Mutex
	calls []render.Tile
	err   error
	hook  func(tile *render.Tile)
}

func (f *fakeTracer) RunTile(task *render.DeviceTask, tile *render.Tile) error {
	if f.hook != nil {
		f.hook(tile)
	}
	f.mu.Lock()
	f.calls = append(f.calls, *tile)
	f.mu.Unlock()
	tile.Sample++
	return f.err
}

func (f *fakeTracer) runs() []render.Tile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]render.Tile(nil), f.calls...)
}

// tileQueue is a minimal stand-in for the external scheduler's tile
// allocator, handing out a fixed slice of tiles one at a time.
type tileQueue struct {
	mu       sync.Mutex
	tiles    []render.Tile
	next     int
	released int
}

func (q *tileQueue) acquire() (*render.Tile, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.next >= len(q.tiles) {
		return nil, false
	}
	t := &q.tiles[q.next]
	q.next++
	return t, true
}

func (q *tileQueue) release(*render.Tile) {
	q.mu.Lock()
	q.released++
	q.mu.Unlock()
}

func newDeviceForTest(t *testing.T) *Device {
	t.Helper()
	base, _ := newTestBase(t)
	t.Cleanup(base.Close)
	return &Device{Base: base, Worker: NewWorker(4)}
}

func TestDeviceRunPathTraceRunsEachTileOnceWithoutPlanner(t *testing.T) {
	dev := newDeviceForTest(t)
	tracer := &fakeTracer{}
	dev.Tracer = tracer

	q := &tileQueue{tiles: []render.Tile{{W: 10, H: 10}, {W: 5, H: 5}}}
	task := &render.DeviceTask{
		Type:        render.TaskPathTrace,
		AcquireTile: q.acquire,
		ReleaseTile: q.release,
	}

	dev.TaskAdd(task)
	dev.TaskWait()

	if got := tracer.runs(); len(got) != 2 {
		t.Fatalf("expected 2 RunTile calls, got %d", len(got))
	}
	if q.released != 2 {
		t.Fatalf("expected 2 ReleaseTile calls, got %d", q.released)
	}
}

func TestDeviceRunPathTraceSplitsOversizedTile(t *testing.T) {
	dev := newDeviceForTest(t)
	tracer := &fakeTracer{}
	dev.Tracer = tracer

	// A budget admitting only 5000 global threads forces a 128x128 tile
	// (16384 threads) to be subdivided into four 64x64 sub-tiles.
	budget := feasibility.Budget{
		TotalAllocatable: 5000,
		PerThreadCost:    1,
	}
	dev.Planner = feasibility.NewPlanner(budget)

	q := &tileQueue{tiles: []render.Tile{{W: 128, H: 128}}}
	task := &render.DeviceTask{
		Type:        render.TaskPathTrace,
		AcquireTile: q.acquire,
		ReleaseTile: q.release,
	}

	dev.TaskAdd(task)
	dev.TaskWait()

	runs := tracer.runs()
	if len(runs) < 2 {
		t.Fatalf("expected the oversized tile to be subdivided into more than one RunTile call, got %d", len(runs))
	}
	var area int64
	for _, r := range runs {
		area += int64(r.W) * int64(r.H)
	}
	if area != 128*128 {
		t.Fatalf("sub-tile areas summed to %d, want %d", area, 128*128)
	}
	if q.released != 1 {
		t.Fatalf("expected the parent tile to be released exactly once, got %d", q.released)
	}
}

func TestDeviceRunPathTraceStopsOnCancelBetweenTiles(t *testing.T) {
	dev := newDeviceForTest(t)

	started := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	tracer := &fakeTracer{hook: func(*render.Tile) {
		once.Do(func() {
			close(started)
			<-proceed
		})
	}}
	dev.Tracer = tracer

	q := &tileQueue{tiles: []render.Tile{{W: 1, H: 1}, {W: 1, H: 1}, {W: 1, H: 1}}}
	task := &render.DeviceTask{
		Type:        render.TaskPathTrace,
		AcquireTile: q.acquire,
		ReleaseTile: q.release,
	}

	// Worker.TaskAdd wires task.GetCancel to its own per-task context, so
	// cancellation has to be driven through Device.TaskCancel rather than
	// by pre-setting the callback directly.
	dev.TaskAdd(task)
	<-started
	dev.TaskCancel()
	close(proceed)
	dev.TaskWait()

	if q.released >= len(q.tiles) {
		t.Fatalf("expected cancellation to stop the loop before every tile was released, got %d released", q.released)
	}
}

func TestDeviceDispatchRoutesShaderAndFilmConvert(t *testing.T) {
	dev := newDeviceForTest(t)
	var shaderCalled, filmCalled bool
	dev.ShaderFunc = func(*render.DeviceTask) error { shaderCalled = true; return nil }
	dev.FilmConvertFunc = func(*render.DeviceTask) error { filmCalled = true; return nil }

	if err := dev.dispatch(&render.DeviceTask{Type: render.TaskShader}); err != nil {
		t.Fatalf("dispatch(SHADER): %v", err)
	}
	if !shaderCalled {
		t.Fatal("expected ShaderFunc to run for a SHADER task")
	}

	if err := dev.dispatch(&render.DeviceTask{Type: render.TaskFilmConvert}); err != nil {
		t.Fatalf("dispatch(FILM_CONVERT): %v", err)
	}
	if !filmCalled {
		t.Fatal("expected FilmConvertFunc to run for a FILM_CONVERT task")
	}
}

func TestDeviceDispatchMissingTracerErrors(t *testing.T) {
	dev := newDeviceForTest(t)
	err := dev.dispatch(&render.DeviceTask{
		Type:        render.TaskPathTrace,
		AcquireTile: func() (*render.Tile, bool) { return nil, false },
		ReleaseTile: func(*render.Tile) {},
	})
	if err == nil {
		t.Fatal("expected an error when no PathTracer is configured")
	}
}

func TestDeviceDispatchMissingShaderFuncErrors(t *testing.T) {
	dev := newDeviceForTest(t)
	if err := dev.dispatch(&render.DeviceTask{Type: render.TaskShader}); err == nil {
		t.Fatal("expected an error when no ShaderFunc is configured")
	}
}
