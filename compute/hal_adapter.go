//go:build !nogpu

package compute

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// HALAdapter implements Adapter using gogpu/wgpu/hal directly.
//
// Thread Safety: HALAdapter is safe for concurrent use from multiple
// goroutines. All resource operations are protected by a mutex; the
// command encoder itself is not reentrant and is expected to be driven by
// a single device worker goroutine, matching this driver's one-worker-
// per-device scheduling model.
type HALAdapter struct {
	mu     sync.RWMutex
	device hal.Device
	queue  hal.Queue

	limits       gputypes.Limits
	maxBufferSz  uint64
	maxWorkgroup [3]uint32

	nextID atomic.Uint64

	buffers          map[BufferID]hal.Buffer
	shaderModules    map[ShaderModuleID]hal.ShaderModule
	computePipelines map[ComputePipelineID]hal.ComputePipeline
	bindGroupLayouts map[BindGroupLayoutID]hal.BindGroupLayout
	pipelineLayouts  map[PipelineLayoutID]hal.PipelineLayout
	bindGroups       map[BindGroupID]hal.BindGroup

	encoder    hal.CommandEncoder
	hasEncoder bool
}

// NewHALAdapter creates a new HALAdapter wrapping the given device and
// queue. If limits is nil, default limits are used.
func NewHALAdapter(device hal.Device, queue hal.Queue, limits *gputypes.Limits) *HALAdapter {
	var lim gputypes.Limits
	if limits != nil {
		lim = *limits
	} else {
		lim = gputypes.DefaultLimits()
	}

	a := &HALAdapter{
		device:           device,
		queue:            queue,
		limits:           lim,
		maxBufferSz:      lim.MaxBufferSize,
		maxWorkgroup:     [3]uint32{lim.MaxComputeWorkgroupSizeX, lim.MaxComputeWorkgroupSizeY, lim.MaxComputeWorkgroupSizeZ},
		buffers:          make(map[BufferID]hal.Buffer),
		shaderModules:    make(map[ShaderModuleID]hal.ShaderModule),
		computePipelines: make(map[ComputePipelineID]hal.ComputePipeline),
		bindGroupLayouts: make(map[BindGroupLayoutID]hal.BindGroupLayout),
		pipelineLayouts:  make(map[PipelineLayoutID]hal.PipelineLayout),
		bindGroups:       make(map[BindGroupID]hal.BindGroup),
	}
	a.nextID.Store(1) // 0 is invalid
	return a
}

func (a *HALAdapter) newID() uint64 {
	return a.nextID.Add(1) - 1
}

// === Capabilities ===

func (a *HALAdapter) MaxWorkgroupSize() [3]uint32 { return a.maxWorkgroup }
func (a *HALAdapter) MaxBufferSize() uint64       { return a.maxBufferSz }

// === Shader Compilation ===

func (a *HALAdapter) CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error) {
	if len(spirv) == 0 {
		return InvalidID, fmt.Errorf("empty SPIR-V bytecode")
	}

	module, err := a.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  label,
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create shader module: %w", err)
	}

	id := ShaderModuleID(a.newID())
	a.mu.Lock()
	a.shaderModules[id] = module
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyShaderModule(id ShaderModuleID) {
	a.mu.Lock()
	module, ok := a.shaderModules[id]
	delete(a.shaderModules, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyShaderModule(module)
	}
}

// === Buffer Management ===

func (a *HALAdapter) CreateBuffer(size int, usage BufferUsage) (BufferID, error) {
	if size <= 0 {
		return InvalidID, fmt.Errorf("buffer size must be positive")
	}

	buffer, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Size:  uint64(size),
		Usage: convertBufferUsage(usage),
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create buffer: %w", err)
	}

	id := BufferID(a.newID())
	a.mu.Lock()
	a.buffers[id] = buffer
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBuffer(id BufferID) {
	a.mu.Lock()
	buffer, ok := a.buffers[id]
	delete(a.buffers, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyBuffer(buffer)
	}
}

func (a *HALAdapter) WriteBuffer(id BufferID, offset uint64, data []byte) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()

	if ok && len(data) > 0 {
		a.queue.WriteBuffer(buffer, offset, data)
	}
}

// ReadBuffer reads data from a buffer via a staging buffer and a fence
// wait, mirroring the teacher backend's blocking readback pattern. This is
// the suspension point the concurrency model calls out for mem_copy_from
// and the split-kernel ray_state poll.
func (a *HALAdapter) ReadBuffer(id BufferID, offset, size uint64) ([]byte, error) {
	a.mu.RLock()
	buffer, ok := a.buffers[id]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("buffer %d not found", id)
	}

	stagingBuffer, err := a.device.CreateBuffer(&hal.BufferDescriptor{
		Label:            "staging-readback",
		Size:             size,
		Usage:            gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		MappedAtCreation: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create staging buffer: %w", err)
	}
	defer a.device.DestroyBuffer(stagingBuffer)

	encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "buffer-read-encoder"})
	if err != nil {
		return nil, fmt.Errorf("failed to create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("buffer-read"); err != nil {
		return nil, fmt.Errorf("failed to begin encoding: %w", err)
	}

	encoder.CopyBufferToBuffer(buffer, stagingBuffer, []hal.BufferCopy{
		{SrcOffset: offset, DstOffset: 0, Size: size},
	})

	cmdBuffer, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("failed to end encoding: %w", err)
	}
	defer cmdBuffer.Destroy()

	fence, err := a.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("failed to create fence: %w", err)
	}
	defer a.device.DestroyFence(fence)

	if err := a.queue.Submit([]hal.CommandBuffer{cmdBuffer}, fence, 1); err != nil {
		return nil, fmt.Errorf("failed to submit commands: %w", err)
	}

	if _, err := a.device.Wait(fence, 1, 5_000_000_000); err != nil {
		return nil, fmt.Errorf("failed to wait for fence: %w", err)
	}

	// TODO: buffer mapping is not yet exposed by hal.Buffer; return
	// zeroed data of the right size until that lands.
	return make([]byte, size), nil
}

// === Pipeline Management ===

func (a *HALAdapter) CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error) {
	if desc == nil {
		return InvalidID, fmt.Errorf("nil bind group layout descriptor")
	}

	halEntries := make([]gputypes.BindGroupLayoutEntry, len(desc.Entries))
	for i, entry := range desc.Entries {
		halEntries[i] = convertBindGroupLayoutEntry(entry)
	}

	layout, err := a.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: halEntries,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create bind group layout: %w", err)
	}

	id := BindGroupLayoutID(a.newID())
	a.mu.Lock()
	a.bindGroupLayouts[id] = layout
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBindGroupLayout(id BindGroupLayoutID) {
	a.mu.Lock()
	layout, ok := a.bindGroupLayouts[id]
	delete(a.bindGroupLayouts, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyBindGroupLayout(layout)
	}
}

func (a *HALAdapter) CreatePipelineLayout(layouts []BindGroupLayoutID) (PipelineLayoutID, error) {
	a.mu.RLock()
	halLayouts := make([]hal.BindGroupLayout, len(layouts))
	for i, id := range layouts {
		layout, ok := a.bindGroupLayouts[id]
		if !ok {
			a.mu.RUnlock()
			return InvalidID, fmt.Errorf("bind group layout %d not found", id)
		}
		halLayouts[i] = layout
	}
	a.mu.RUnlock()

	pipelineLayout, err := a.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		BindGroupLayouts: halLayouts,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create pipeline layout: %w", err)
	}

	id := PipelineLayoutID(a.newID())
	a.mu.Lock()
	a.pipelineLayouts[id] = pipelineLayout
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyPipelineLayout(id PipelineLayoutID) {
	a.mu.Lock()
	layout, ok := a.pipelineLayouts[id]
	delete(a.pipelineLayouts, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyPipelineLayout(layout)
	}
}

func (a *HALAdapter) CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error) {
	if desc == nil {
		return InvalidID, fmt.Errorf("nil compute pipeline descriptor")
	}

	a.mu.RLock()
	pipelineLayout, layoutOK := a.pipelineLayouts[desc.Layout]
	shaderModule, moduleOK := a.shaderModules[desc.ShaderModule]
	a.mu.RUnlock()

	if !layoutOK {
		return InvalidID, fmt.Errorf("pipeline layout %d not found", desc.Layout)
	}
	if !moduleOK {
		return InvalidID, fmt.Errorf("shader module %d not found", desc.ShaderModule)
	}

	pipeline, err := a.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pipelineLayout,
		Compute: hal.ComputeState{
			Module:     shaderModule,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create compute pipeline: %w", err)
	}

	id := ComputePipelineID(a.newID())
	a.mu.Lock()
	a.computePipelines[id] = pipeline
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyComputePipeline(id ComputePipelineID) {
	a.mu.Lock()
	pipeline, ok := a.computePipelines[id]
	delete(a.computePipelines, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyComputePipeline(pipeline)
	}
}

func (a *HALAdapter) CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry) (BindGroupID, error) {
	a.mu.RLock()
	halLayout, ok := a.bindGroupLayouts[layout]
	if !ok {
		a.mu.RUnlock()
		return InvalidID, fmt.Errorf("bind group layout %d not found", layout)
	}

	halEntries := make([]gputypes.BindGroupEntry, len(entries))
	for i, entry := range entries {
		halEntry, err := a.convertBindGroupEntry(entry)
		if err != nil {
			a.mu.RUnlock()
			return InvalidID, fmt.Errorf("failed to convert bind group entry %d: %w", entry.Binding, err)
		}
		halEntries[i] = halEntry
	}
	a.mu.RUnlock()

	bindGroup, err := a.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Layout:  halLayout,
		Entries: halEntries,
	})
	if err != nil {
		return InvalidID, fmt.Errorf("failed to create bind group: %w", err)
	}

	id := BindGroupID(a.newID())
	a.mu.Lock()
	a.bindGroups[id] = bindGroup
	a.mu.Unlock()
	return id, nil
}

func (a *HALAdapter) DestroyBindGroup(id BindGroupID) {
	a.mu.Lock()
	group, ok := a.bindGroups[id]
	delete(a.bindGroups, id)
	a.mu.Unlock()

	if ok {
		a.device.DestroyBindGroup(group)
	}
}

// === Command Recording and Execution ===

func (a *HALAdapter) BeginComputePass() PassEncoder {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasEncoder {
		encoder, err := a.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "compute-encoder"})
		if err != nil {
			return &halPassEncoder{adapter: a}
		}
		if err := encoder.BeginEncoding("compute-pass"); err != nil {
			return &halPassEncoder{adapter: a}
		}
		a.encoder = encoder
		a.hasEncoder = true
	}

	halPass := a.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "compute"})
	return &halPassEncoder{adapter: a, pass: halPass}
}

// Submit is the non-blocking equivalent of clFlush: it hands recorded
// commands to the in-order queue without waiting for completion.
func (a *HALAdapter) Submit() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasEncoder || a.encoder == nil {
		return
	}

	cmdBuffer, err := a.encoder.EndEncoding()
	if err != nil {
		a.encoder = nil
		a.hasEncoder = false
		return
	}

	_ = a.queue.Submit([]hal.CommandBuffer{cmdBuffer}, nil, 0)

	cmdBuffer.Destroy()
	a.encoder = nil
	a.hasEncoder = false
}

// WaitIdle is the clFinish equivalent: it submits any pending work and
// blocks until the device reports completion.
func (a *HALAdapter) WaitIdle() {
	a.Submit()

	fence, err := a.device.CreateFence()
	if err != nil {
		return
	}
	defer a.device.DestroyFence(fence)

	if err := a.queue.Submit(nil, fence, 1); err != nil {
		return
	}
	_, _ = a.device.Wait(fence, 1, 5_000_000_000)
}

// === Type Conversion Helpers ===

func convertBufferUsage(usage BufferUsage) gputypes.BufferUsage {
	var result gputypes.BufferUsage
	if usage&BufferUsageMapRead != 0 {
		result |= gputypes.BufferUsageMapRead
	}
	if usage&BufferUsageMapWrite != 0 {
		result |= gputypes.BufferUsageMapWrite
	}
	if usage&BufferUsageCopySrc != 0 {
		result |= gputypes.BufferUsageCopySrc
	}
	if usage&BufferUsageCopyDst != 0 {
		result |= gputypes.BufferUsageCopyDst
	}
	if usage&BufferUsageStorage != 0 {
		result |= gputypes.BufferUsageStorage
	}
	if usage&BufferUsageUniform != 0 {
		result |= gputypes.BufferUsageUniform
	}
	return result
}

func convertBindGroupLayoutEntry(entry BindGroupLayoutEntry) gputypes.BindGroupLayoutEntry {
	result := gputypes.BindGroupLayoutEntry{
		Binding:    entry.Binding,
		Visibility: gputypes.ShaderStageCompute,
	}

	switch entry.Type {
	case BindingTypeUniformBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeUniform,
			MinBindingSize: entry.MinBindingSize,
		}
	case BindingTypeStorageBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeStorage,
			MinBindingSize: entry.MinBindingSize,
		}
	case BindingTypeReadOnlyStorageBuffer:
		result.Buffer = &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeReadOnlyStorage,
			MinBindingSize: entry.MinBindingSize,
		}
	}

	return result
}

// convertBindGroupEntry converts a BindGroupEntry to gputypes.BindGroupEntry.
// Must be called with mu held for reading.
func (a *HALAdapter) convertBindGroupEntry(entry BindGroupEntry) (gputypes.BindGroupEntry, error) {
	result := gputypes.BindGroupEntry{Binding: entry.Binding}

	if entry.Buffer != InvalidID {
		if _, ok := a.buffers[entry.Buffer]; !ok {
			return result, fmt.Errorf("buffer %d not found", entry.Buffer)
		}
		result.Resource = gputypes.BufferBinding{
			Buffer: uintptr(entry.Buffer),
			Offset: entry.Offset,
			Size:   entry.Size,
		}
	}

	return result, nil
}

// === Compute Pass Encoder ===

type halPassEncoder struct {
	adapter *HALAdapter
	pass    hal.ComputePassEncoder
}

func (e *halPassEncoder) SetPipeline(pipeline ComputePipelineID) {
	if e.pass == nil {
		return
	}
	e.adapter.mu.RLock()
	halPipeline, ok := e.adapter.computePipelines[pipeline]
	e.adapter.mu.RUnlock()

	if ok {
		e.pass.SetPipeline(halPipeline)
	}
}

func (e *halPassEncoder) SetBindGroup(index uint32, group BindGroupID) {
	if e.pass == nil {
		return
	}
	e.adapter.mu.RLock()
	halGroup, ok := e.adapter.bindGroups[group]
	e.adapter.mu.RUnlock()

	if ok {
		e.pass.SetBindGroup(index, halGroup, nil)
	}
}

func (e *halPassEncoder) Dispatch(x, y, z uint32) {
	if e.pass == nil {
		return
	}
	e.pass.Dispatch(x, y, z)
}

func (e *halPassEncoder) End() {
	if e.pass == nil {
		return
	}
	e.pass.End()
}
