// Package megakernel implements the straightforward dispatch strategy:
// one monolithic path-trace kernel launched once per sample, looped over
// a tile's sample range.
package megakernel

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/logging"
	"github.com/gogpu/cyclesdriver/render"
)

// KernelName is the single kernel this strategy dispatches.
const KernelName = "kernel_ocl_path_trace"

// TextureNames drives both buffer allocation and the fixed-order texture
// argument loop; it is injected so the scene-translation layer (out of
// scope here) and this strategy agree on ordering without duplicating the
// list.
type TextureNames []string

// Geometry chooses the 2-D local/global dispatch size for a w×h launch,
// given the device's max workgroup size in each dimension. local is
// (floor(sqrt(wg)), floor(sqrt(wg))) clamped to the second dimension's
// max, with the first dimension rescaled to preserve the product —
// matching DeviceBase's shared dispatch-geometry selection.
func Geometry(w, h int, maxWorkgroup [3]uint32, maxWorkItem [2]uint32) (localX, localY, globalX, globalY int) {
	wg := maxWorkgroup[0] * maxWorkgroup[1]
	side := isqrt(wg)
	localY = int(side)
	if maxWorkItem[1] != 0 && uint32(localY) > maxWorkItem[1] {
		localY = int(maxWorkItem[1])
	}
	if localY <= 0 {
		localY = 1
	}
	localX = int(wg) / localY
	if localX <= 0 {
		localX = 1
	}
	globalX = ceilMultiple(w, localX)
	globalY = ceilMultiple(h, localY)
	return
}

func isqrt(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	x := uint64(n)
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + uint64(n)/x) / 2
	}
	return uint32(x)
}

func ceilMultiple(v, m int) int {
	if m <= 0 {
		return v
	}
	return ((v + m - 1) / m) * m
}

// Buffers is the narrow set of device buffers path_trace binds, beyond
// the textures BindTextures resolves.
type Buffers interface {
	BindTextures(names []string) []compute.BufferID
	Constant(name string) (compute.BufferID, bool)
}

// argsBufferSize is the byte size of the uniform buffer carrying
// path_trace's scalar arguments: sample, x, y, w, h, offset, stride — each
// packed as a little-endian uint32.
const argsBufferSize = 7 * 4

func packArgs(sample, x, y, w, h, offset, stride int) []byte {
	buf := make([]byte, argsBufferSize)
	for i, v := range [...]int{sample, x, y, w, h, offset, stride} {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return buf
}

// BindGroupLayoutEntries describes the fixed bind-group-layout shape
// kernel_ocl_path_trace's argument binder expects: data, buffer, rng_state,
// then numTextures fixed-order texture bindings, then one uniform buffer
// carrying sample/x/y/w/h/offset/stride.
func BindGroupLayoutEntries(numTextures int) []compute.BindGroupLayoutEntry {
	entries := []compute.BindGroupLayoutEntry{
		{Binding: 0, Type: compute.BindingTypeReadOnlyStorageBuffer},
		{Binding: 1, Type: compute.BindingTypeStorageBuffer},
		{Binding: 2, Type: compute.BindingTypeStorageBuffer},
	}
	for i := 0; i < numTextures; i++ {
		entries = append(entries, compute.BindGroupLayoutEntry{Binding: uint32(3 + i), Type: compute.BindingTypeReadOnlyStorageBuffer})
	}
	entries = append(entries, compute.BindGroupLayoutEntry{Binding: uint32(3 + numTextures), Type: compute.BindingTypeUniformBuffer})
	return entries
}

// Strategy dispatches kernel_ocl_path_trace once per sample for each
// tile it is given.
type Strategy struct {
	Adapter      compute.Adapter
	Program      *compute.Program
	Buffers      Buffers
	Textures     TextureNames
	MaxWorkgroup [3]uint32
	MaxWorkItem  [2]uint32

	argsBuf compute.BufferID
}

// argsBuffer lazily allocates the uniform buffer backing this strategy's
// scalar kernel arguments, reused (and rewritten) across every tile.
func (s *Strategy) argsBuffer() (compute.BufferID, error) {
	if s.argsBuf != compute.InvalidID {
		return s.argsBuf, nil
	}
	id, err := s.Adapter.CreateBuffer(argsBufferSize, compute.BufferUsageUniform|compute.BufferUsageCopyDst)
	if err != nil {
		return compute.InvalidID, fmt.Errorf("megakernel: allocating args buffer: %w", err)
	}
	s.argsBuf = id
	return id, nil
}

// LoadKernels is a no-op placeholder satisfying the shared Strategy
// capability set; program compilation and caching is driven by the
// kernel package and wired in by device.Base before Strategy is
// constructed.
func (s *Strategy) LoadKernels(context.Context) error { return nil }

// PathTrace runs the sample loop for tile: dispatch path_trace for every
// sample from tile.StartSample to tile.StartSample+tile.NumSamples,
// advancing tile.Sample after each, checking task.GetCancel between
// samples, and issuing WaitIdle before release so a fast device isn't
// blocked in ReleaseTile behind a slower one. If task.NeedFinishQueue is
// set, cancellation does not interrupt the tile currently in flight.
func (s *Strategy) PathTrace(ctx context.Context, task *render.DeviceTask, tile *render.Tile) error {
	pipeline, ok := s.Program.Pipelines[KernelName]
	if !ok {
		return fmt.Errorf("megakernel: program has no %s pipeline", KernelName)
	}
	if len(s.Program.BindLayouts) == 0 {
		return fmt.Errorf("megakernel: program has no bind group layout")
	}

	dataBuf, ok := s.Buffers.Constant("__data")
	if !ok {
		return fmt.Errorf("megakernel: __data constant buffer must be populated before dispatch")
	}
	textures := s.Buffers.BindTextures(s.Textures)

	argsBuf, err := s.argsBuffer()
	if err != nil {
		return err
	}

	entries := make([]compute.BindGroupEntry, 0, 4+len(textures))
	entries = append(entries,
		compute.BindGroupEntry{Binding: 0, Buffer: dataBuf},
		compute.BindGroupEntry{Binding: 1, Buffer: compute.BufferID(tile.Buffer)},
		compute.BindGroupEntry{Binding: 2, Buffer: compute.BufferID(tile.RNGState)},
	)
	for i, tex := range textures {
		entries = append(entries, compute.BindGroupEntry{Binding: uint32(3 + i), Buffer: tex})
	}
	entries = append(entries, compute.BindGroupEntry{Binding: uint32(3 + len(textures)), Buffer: argsBuf})

	group, err := s.Adapter.CreateBindGroup(s.Program.BindLayouts[0], entries)
	if err != nil {
		return fmt.Errorf("megakernel: creating bind group: %w", err)
	}
	defer s.Adapter.DestroyBindGroup(group)

	_, _, globalX, globalY := Geometry(tile.W, tile.H, s.MaxWorkgroup, s.MaxWorkItem)

	end := tile.StartSample + tile.NumSamples
	for sample := tile.StartSample; sample < end; sample++ {
		if task.NeedFinishQueue {
			// Cancellation must not interrupt this tile.
		} else if task.GetCancel != nil && task.GetCancel() {
			logging.Logger().Debug("megakernel: cancelled", "sample", sample, "tile", fmt.Sprintf("%dx%d", tile.W, tile.H))
			break
		}

		s.Adapter.WriteBuffer(argsBuf, 0, packArgs(sample, tile.X, tile.Y, tile.W, tile.H, tile.Offset, tile.Stride))

		pass := s.Adapter.BeginComputePass()
		pass.SetPipeline(pipeline)
		pass.SetBindGroup(0, group)
		pass.Dispatch(uint32(globalX), uint32(globalY), 1)
		pass.End()
		// The inner submit is a clFlush, not a clFinish: ordering relies
		// on the in-order queue, not on completion (§9 design note).
		s.Adapter.Submit()

		tile.Sample = sample + 1
		if task.UpdateProgress != nil {
			task.UpdateProgress(1)
		}
	}

	// Finish before release so a fast device isn't blocked in
	// ReleaseTile by a slower one.
	s.Adapter.WaitIdle()
	logging.Logger().Info("megakernel: tile complete", "sample", tile.Sample, "w", tile.W, "h", tile.H)
	return nil
}

var _ interface {
	LoadKernels(context.Context) error
} = (*Strategy)(nil)
