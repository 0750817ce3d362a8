// Package computetest provides an in-memory fake of compute.Adapter for use
// in other packages' tests. It records dispatches instead of issuing real
// GPU work, so kernel/buffers/feasibility/megakernel/splitkernel/device
// tests can exercise the full call shape without a GPU.
package computetest

import (
	"fmt"
	"sync"

	"github.com/gogpu/cyclesdriver/compute"
)

// Dispatch records one PassEncoder.Dispatch call, including whichever bind
// group was bound via SetBindGroup beforehand (zero if none).
type Dispatch struct {
	Pipeline  compute.ComputePipelineID
	BindGroup compute.BindGroupID
	X, Y, Z   uint32
}

// Fake is a minimal in-memory compute.Adapter. Buffers are backed by plain
// byte slices; shader modules/pipelines/bind groups are just counted IDs.
// Safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	maxWorkgroup [3]uint32
	maxBufferSz  uint64

	nextID  uint64
	buffers map[compute.BufferID][]byte
	usage   map[compute.BufferID]compute.BufferUsage

	modules    map[compute.ShaderModuleID][]uint32
	pipelines  map[compute.ComputePipelineID]compute.ComputePipelineDesc
	bindGroups map[compute.BindGroupID][]compute.BindGroupEntry

	// Dispatches accumulates every Dispatch call across every pass,
	// oldest first. Tests can slice it after an operation to see what
	// was launched, then reset via Reset.
	Dispatches []Dispatch

	submits   int
	waitIdles int
}

// New returns a Fake with the given max workgroup size (defaults to
// 64x64x64 if zero) and max buffer size (defaults to 1<<30 if zero).
func New(maxWorkgroup [3]uint32, maxBufferSize uint64) *Fake {
	if maxWorkgroup == ([3]uint32{}) {
		maxWorkgroup = [3]uint32{64, 64, 64}
	}
	if maxBufferSize == 0 {
		maxBufferSize = 1 << 30
	}
	return &Fake{
		maxWorkgroup: maxWorkgroup,
		maxBufferSz:  maxBufferSize,
		nextID:       1,
		buffers:      make(map[compute.BufferID][]byte),
		usage:        make(map[compute.BufferID]compute.BufferUsage),
		modules:      make(map[compute.ShaderModuleID][]uint32),
		pipelines:    make(map[compute.ComputePipelineID]compute.ComputePipelineDesc),
		bindGroups:   make(map[compute.BindGroupID][]compute.BindGroupEntry),
	}
}

func (f *Fake) newID() uint64 {
	id := f.nextID
	f.nextID++
	return id
}

func (f *Fake) MaxWorkgroupSize() [3]uint32 { return f.maxWorkgroup }
func (f *Fake) MaxBufferSize() uint64       { return f.maxBufferSz }

func (f *Fake) CreateShaderModule(spirv []uint32, label string) (compute.ShaderModuleID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := compute.ShaderModuleID(f.newID())
	cp := make([]uint32, len(spirv))
	copy(cp, spirv)
	f.modules[id] = cp
	return id, nil
}

func (f *Fake) DestroyShaderModule(id compute.ShaderModuleID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modules, id)
}

func (f *Fake) CreateBuffer(size int, usage compute.BufferUsage) (compute.BufferID, error) {
	if size < 0 {
		return compute.InvalidID, fmt.Errorf("computetest: negative buffer size %d", size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := compute.BufferID(f.newID())
	f.buffers[id] = make([]byte, size)
	f.usage[id] = usage
	return id, nil
}

func (f *Fake) DestroyBuffer(id compute.BufferID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buffers, id)
	delete(f.usage, id)
}

func (f *Fake) WriteBuffer(id compute.BufferID, offset uint64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.buffers[id]
	if !ok {
		return
	}
	end := offset + uint64(len(data))
	if end > uint64(len(buf)) {
		grown := make([]byte, end)
		copy(grown, buf)
		buf = grown
		f.buffers[id] = buf
	}
	copy(buf[offset:], data)
}

func (f *Fake) ReadBuffer(id compute.BufferID, offset, size uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf, ok := f.buffers[id]
	if !ok {
		return nil, fmt.Errorf("computetest: unknown buffer %d", id)
	}
	if offset+size > uint64(len(buf)) {
		return nil, fmt.Errorf("computetest: read out of range: offset=%d size=%d len=%d", offset, size, len(buf))
	}
	out := make([]byte, size)
	copy(out, buf[offset:offset+size])
	return out, nil
}

func (f *Fake) CreateBindGroupLayout(desc *compute.BindGroupLayoutDesc) (compute.BindGroupLayoutID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return compute.BindGroupLayoutID(f.newID()), nil
}

func (f *Fake) DestroyBindGroupLayout(compute.BindGroupLayoutID) {}

func (f *Fake) CreatePipelineLayout(layouts []compute.BindGroupLayoutID) (compute.PipelineLayoutID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return compute.PipelineLayoutID(f.newID()), nil
}

func (f *Fake) DestroyPipelineLayout(compute.PipelineLayoutID) {}

func (f *Fake) CreateComputePipeline(desc *compute.ComputePipelineDesc) (compute.ComputePipelineID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := compute.ComputePipelineID(f.newID())
	f.pipelines[id] = *desc
	return id, nil
}

func (f *Fake) DestroyComputePipeline(id compute.ComputePipelineID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pipelines, id)
}

func (f *Fake) CreateBindGroup(layout compute.BindGroupLayoutID, entries []compute.BindGroupEntry) (compute.BindGroupID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := compute.BindGroupID(f.newID())
	cp := make([]compute.BindGroupEntry, len(entries))
	copy(cp, entries)
	f.bindGroups[id] = cp
	return id, nil
}

func (f *Fake) DestroyBindGroup(id compute.BindGroupID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bindGroups, id)
}

// BindGroupEntries returns the entries a prior CreateBindGroup call was
// given for id, so tests can assert exactly which buffers a strategy bound.
func (f *Fake) BindGroupEntries(id compute.BindGroupID) []compute.BindGroupEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bindGroups[id]
}

func (f *Fake) BeginComputePass() compute.PassEncoder {
	return &fakePass{fake: f}
}

func (f *Fake) Submit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
}

func (f *Fake) WaitIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitIdles++
}

// Submits reports how many times Submit was called.
func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// WaitIdles reports how many times WaitIdle was called.
func (f *Fake) WaitIdles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitIdles
}

// Reset clears recorded dispatches, submits and waitIdles without
// touching allocated resources.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dispatches = nil
	f.submits = 0
	f.waitIdles = 0
}

type fakePass struct {
	fake       *Fake
	pipeline   compute.ComputePipelineID
	boundGroup compute.BindGroupID
}

func (p *fakePass) SetPipeline(pipeline compute.ComputePipelineID)   { p.pipeline = pipeline }
func (p *fakePass) SetBindGroup(_ uint32, group compute.BindGroupID) { p.boundGroup = group }

func (p *fakePass) Dispatch(x, y, z uint32) {
	p.fake.mu.Lock()
	defer p.fake.mu.Unlock()
	p.fake.Dispatches = append(p.fake.Dispatches, Dispatch{Pipeline: p.pipeline, BindGroup: p.boundGroup, X: x, Y: y, Z: z})
}

func (p *fakePass) End() {}

var _ compute.Adapter = (*Fake)(nil)
