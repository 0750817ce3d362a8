package megakernel

import (
	"context"
	"testing"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/compute/computetest"
	"github.com/gogpu/cyclesdriver/render"
)

type fakeBuffers struct {
	constants map[string]compute.BufferID
}

func (b fakeBuffers) BindTextures(names []string) []compute.BufferID {
	return make([]compute.BufferID, len(names))
}

func (b fakeBuffers) Constant(name string) (compute.BufferID, bool) {
	id, ok := b.constants[name]
	return id, ok
}

func newStrategy(t *testing.T) (*Strategy, *computetest.Fake) {
	t.Helper()
	fake := computetest.New([3]uint32{8, 8, 1}, 0)
	pipelineID, err := fake.CreateComputePipeline(&compute.ComputePipelineDesc{EntryPoint: KernelName})
	if err != nil {
		t.Fatal(err)
	}
	bindLayout, err := fake.CreateBindGroupLayout(&compute.BindGroupLayoutDesc{Entries: BindGroupLayoutEntries(0)})
	if err != nil {
		t.Fatal(err)
	}
	program := &compute.Program{
		Adapter:     fake,
		BindLayouts: []compute.BindGroupLayoutID{bindLayout},
		Pipelines:   map[string]compute.ComputePipelineID{KernelName: pipelineID},
	}
	strategy := &Strategy{
		Adapter:      fake,
		Program:      program,
		Buffers:      fakeBuffers{constants: map[string]compute.BufferID{"__data": 1}},
		MaxWorkgroup: [3]uint32{8, 8, 1},
		MaxWorkItem:  [2]uint32{8, 8},
	}
	return strategy, fake
}

func TestPathTraceDispatchesOncePerSample(t *testing.T) {
	strategy, fake := newStrategy(t)
	tile := &render.Tile{W: 64, H: 64, StartSample: 0, NumSamples: 4}
	task := &render.DeviceTask{}

	if err := strategy.PathTrace(context.Background(), task, tile); err != nil {
		t.Fatalf("PathTrace: %v", err)
	}
	if tile.Sample != tile.StartSample+tile.NumSamples {
		t.Fatalf("tile.Sample = %d, want %d", tile.Sample, tile.StartSample+tile.NumSamples)
	}
	if len(fake.Dispatches) != 4 {
		t.Fatalf("expected 4 dispatches, got %d", len(fake.Dispatches))
	}
	if fake.Submits() != 4 {
		t.Fatalf("expected 4 submits (one per sample), got %d", fake.Submits())
	}
	if fake.WaitIdles() != 1 {
		t.Fatalf("expected exactly 1 WaitIdle before release, got %d", fake.WaitIdles())
	}
}

func TestPathTraceCancellationStopsEarly(t *testing.T) {
	strategy, fake := newStrategy(t)
	tile := &render.Tile{W: 64, H: 64, StartSample: 0, NumSamples: 10}
	calls := 0
	task := &render.DeviceTask{
		GetCancel: func() bool {
			calls++
			return calls > 2 // cancel after 2 samples have been checked
		},
	}

	if err := strategy.PathTrace(context.Background(), task, tile); err != nil {
		t.Fatalf("PathTrace: %v", err)
	}
	if tile.Sample != 2 {
		t.Fatalf("tile.Sample = %d, want 2 after cancellation", tile.Sample)
	}
	if len(fake.Dispatches) != 2 {
		t.Fatalf("expected 2 dispatches before cancellation, got %d", len(fake.Dispatches))
	}
}

func TestPathTraceNeedFinishQueueIgnoresCancellation(t *testing.T) {
	strategy, _ := newStrategy(t)
	tile := &render.Tile{W: 8, H: 8, StartSample: 0, NumSamples: 2}
	task := &render.DeviceTask{
		NeedFinishQueue: true,
		GetCancel:       func() bool { return true },
	}

	if err := strategy.PathTrace(context.Background(), task, tile); err != nil {
		t.Fatalf("PathTrace: %v", err)
	}
	if tile.Sample != 2 {
		t.Fatalf("tile.Sample = %d, want 2 (NeedFinishQueue must suppress cancellation)", tile.Sample)
	}
}

func TestPathTraceMissingDataConstantFails(t *testing.T) {
	strategy, _ := newStrategy(t)
	strategy.Buffers = fakeBuffers{}
	tile := &render.Tile{W: 8, H: 8, NumSamples: 1}
	if err := strategy.PathTrace(context.Background(), &render.DeviceTask{}, tile); err == nil {
		t.Fatal("expected an error when __data has not been populated")
	}
}

func TestPathTraceBindsDataBufferAndArgsUniform(t *testing.T) {
	strategy, fake := newStrategy(t)
	strategy.Textures = TextureNames{"diffuse_map"}
	tile := &render.Tile{W: 8, H: 8, StartSample: 3, NumSamples: 1, X: 1, Y: 2, Offset: 4, Stride: 16}
	task := &render.DeviceTask{}

	if err := strategy.PathTrace(context.Background(), task, tile); err != nil {
		t.Fatalf("PathTrace: %v", err)
	}
	if len(fake.Dispatches) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(fake.Dispatches))
	}

	group := fake.Dispatches[0].BindGroup
	if group == compute.InvalidID {
		t.Fatal("expected the dispatch to have a bind group set via SetBindGroup")
	}
	entries := fake.BindGroupEntries(group)
	if len(entries) != 5 { // data, buffer, rng_state, 1 texture, args uniform
		t.Fatalf("got %d bind group entries, want 5", len(entries))
	}
	if entries[0].Buffer != 1 {
		t.Fatalf("binding 0 = %d, want the __data buffer (1)", entries[0].Buffer)
	}
	argsBuf := entries[4].Buffer
	if argsBuf == compute.InvalidID {
		t.Fatal("expected the args uniform buffer to be bound at the last binding")
	}
	packed, err := fake.ReadBuffer(argsBuf, 0, argsBufferSize)
	if err != nil {
		t.Fatalf("ReadBuffer(argsBuf): %v", err)
	}
	if got := packArgs(tile.StartSample, tile.X, tile.Y, tile.W, tile.H, tile.Offset, tile.Stride); string(packed) != string(got) {
		t.Fatalf("args uniform contents = %v, want %v", packed, got)
	}
}

func TestGeometryRoundsUpToLocalMultiple(t *testing.T) {
	_, _, gx, gy := Geometry(65, 33, [3]uint32{8, 8, 1}, [2]uint32{8, 8})
	if gx%8 != 0 || gy%8 != 0 {
		t.Fatalf("global size (%d,%d) is not a multiple of local size 8", gx, gy)
	}
	if gx < 65 || gy < 33 {
		t.Fatalf("global size (%d,%d) must be >= requested size (65,33)", gx, gy)
	}
}
