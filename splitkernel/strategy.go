// Package splitkernel implements the wavefront-style split-kernel
// dispatch strategy: eleven short kernels advance every ray in a tile in
// lockstep, coordinated through device-resident queues and per-ray
// state, with host-side convergence polling and an adaptive iteration
// count.
package splitkernel

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/kernel"
	"github.com/gogpu/cyclesdriver/logging"
	"github.com/gogpu/cyclesdriver/render"
)

// Kernel names, in the fixed pipeline order.
const (
	KernelDataInit                               = "DataInit"
	KernelSceneIntersect                         = "SceneIntersect"
	KernelLampEmission                           = "LampEmission"
	KernelQueueEnqueue                           = "QueueEnqueue"
	KernelBackgroundBufferUpdate                 = "Background_BufferUpdate"
	KernelShaderLighting                         = "Shader_Lighting"
	KernelHoldoutEmissionBlurringPathTermination = "Holdout_Emission_Blurring_Pathtermination_AO"
	KernelDirectLighting                         = "DirectLighting"
	KernelShadowBlockedDirectLighting            = "ShadowBlocked_DirectLighting"
	KernelSetUpNextIteration                     = "SetUpNextIteration"
	KernelSumAllRadiance                         = "SumAllRadiance"
)

// KernelNames lists all eleven kernels this strategy loads.
var KernelNames = []string{
	KernelDataInit, KernelSceneIntersect, KernelLampEmission, KernelQueueEnqueue,
	KernelBackgroundBufferUpdate, KernelShaderLighting, KernelHoldoutEmissionBlurringPathTermination,
	KernelDirectLighting, KernelShadowBlockedDirectLighting, KernelSetUpNextIteration, KernelSumAllRadiance,
}

// pingPongStages is the nine-kernel convergence-loop body, in order.
// ShadowBlocked_DirectLighting launches two rays per logical thread (AO
// and direct-lighting shadow), so its global_x is doubled.
var pingPongStages = []string{
	KernelSceneIntersect, KernelLampEmission, KernelQueueEnqueue, KernelBackgroundBufferUpdate,
	KernelShaderLighting, KernelHoldoutEmissionBlurringPathTermination, KernelDirectLighting,
	KernelShadowBlockedDirectLighting, KernelSetUpNextIteration,
}

// MaxClosureCapDefault is used when no explicit cap is configured.
const MaxClosureCapDefault = 64

// Adaptive PathIteration_times tuning constants (§4.5).
const (
	PathIterInitial   = 4
	PathIterIncFactor = 4
)

// RoundMaxClosure rounds requested up to the next multiple of 5 (capped
// at cap) when interactive is true, to reduce recompilation churn; in
// non-interactive (final-render) mode it is only capped, not rounded.
func RoundMaxClosure(requested int, interactive bool, cap int) int {
	if cap <= 0 {
		cap = MaxClosureCapDefault
	}
	if !interactive {
		if requested > cap {
			return cap
		}
		if requested < 0 {
			return 0
		}
		return requested
	}
	rounded := ((requested + 4) / 5) * 5
	if rounded > cap {
		rounded = cap
	}
	return rounded
}

// BuildOptions returns the build-flag string every split-kernel program
// compiles with for a given MAX_CLOSURE.
func BuildOptions(maxClosure int) string {
	return fmt.Sprintf("-D__SPLIT_KERNEL__ -D__MAX_CLOSURE__=%d", maxClosure)
}

// numParallelSamples computes the number of samples dispatched in
// lockstep per launch: min(numSamples, numThreads/globalY/tileW), snapped
// down to a wavefront multiple (LX). Work-stealing mode always uses 1.
func numParallelSamples(tileW, numSamples, numThreads, globalY int, workStealing bool) int {
	if workStealing {
		return 1
	}
	if globalY <= 0 || tileW <= 0 || numThreads <= 0 {
		return 1
	}
	n := numThreads / (globalY * tileW)
	if n > numSamples {
		n = numSamples
	}
	snapped := (n / LX) * LX
	if snapped < 1 {
		snapped = 1
	}
	return snapped
}

// Geometry computes (local, global) dispatch sizes for path_trace's
// convergence-loop stages, per §4.5 step 1.
func Geometry(tileW, tileH, numSamples, numThreads int, workStealing bool) (localX, localY, globalX, globalY int) {
	localX, localY = LX, LY
	globalY = ceilMultiple(tileH, LY)
	if workStealing {
		globalX = ceilMultiple(tileW, LX)
		return
	}
	parallel := numParallelSamples(tileW, numSamples, numThreads, globalY, workStealing)
	globalX = ceilMultiple(tileW, LX) * parallel
	return
}

// Buffers is the narrow buffer-registry surface this strategy needs.
type Buffers interface {
	BindTextures(names []string) []compute.BufferID
	Constant(name string) (compute.BufferID, bool)
}

// argsBufferSize is the byte size of the uniform buffer carrying a tile's
// scalar arguments: x, y, w, h, offset, stride, start_sample, num_samples —
// each packed as a little-endian uint32.
const argsBufferSize = 8 * 4

func packArgs(x, y, w, h, offset, stride, startSample, numSamples int) []byte {
	buf := make([]byte, argsBufferSize)
	for i, v := range [...]int{x, y, w, h, offset, stride, startSample, numSamples} {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
	}
	return buf
}

// bindGroupLayoutEntries describes the fixed bind-group-layout shape every
// split-kernel stage shares: data, buffer, rng_state, numTextures
// fixed-order texture bindings, then the arena's ray_state/queue_data/
// queue_counters/outputs buffers and the tile args uniform.
func bindGroupLayoutEntries(numTextures int) []compute.BindGroupLayoutEntry {
	entries := []compute.BindGroupLayoutEntry{
		{Binding: 0, Type: compute.BindingTypeReadOnlyStorageBuffer},
		{Binding: 1, Type: compute.BindingTypeStorageBuffer},
		{Binding: 2, Type: compute.BindingTypeStorageBuffer},
	}
	for i := 0; i < numTextures; i++ {
		entries = append(entries, compute.BindGroupLayoutEntry{Binding: uint32(3 + i), Type: compute.BindingTypeReadOnlyStorageBuffer})
	}
	base := uint32(3 + numTextures)
	entries = append(entries,
		compute.BindGroupLayoutEntry{Binding: base, Type: compute.BindingTypeStorageBuffer},
		compute.BindGroupLayoutEntry{Binding: base + 1, Type: compute.BindingTypeStorageBuffer},
		compute.BindGroupLayoutEntry{Binding: base + 2, Type: compute.BindingTypeStorageBuffer},
		compute.BindGroupLayoutEntry{Binding: base + 3, Type: compute.BindingTypeStorageBuffer},
		compute.BindGroupLayoutEntry{Binding: base + 4, Type: compute.BindingTypeUniformBuffer},
	)
	return entries
}

// Strategy drives the split-kernel pipeline for one device.
type Strategy struct {
	Adapter  compute.Adapter
	Cache    *kernel.Cache
	Key      kernel.Key
	Buffers  Buffers
	Textures []string

	// BinCache fronts compilation with the on-disk binary cache from
	// §4.2. A nil BinCache compiles from source on every cache miss
	// without consulting or populating disk state — used by tests.
	BinCache    *kernel.BinaryCache
	Fingerprint kernel.DeviceFingerprint

	MaxClosureCap int
	Interactive   bool
	WorkStealing  bool
	NumThreads    int

	programs          map[string]*kernel.ProgramRef
	currentMaxClosure int
	arena             *Arena
	firstTile         bool
	argsBuf           compute.BufferID

	pathIterationTimes   int
	numNextPathIterTimes int
}

// argsBuffer lazily allocates the uniform buffer backing this strategy's
// per-tile scalar kernel arguments, reused (and rewritten) across tiles.
func (s *Strategy) argsBuffer() (compute.BufferID, error) {
	if s.argsBuf != compute.InvalidID {
		return s.argsBuf, nil
	}
	id, err := s.Adapter.CreateBuffer(argsBufferSize, compute.BufferUsageUniform|compute.BufferUsageCopyDst)
	if err != nil {
		return compute.InvalidID, fmt.Errorf("splitkernel: allocating args buffer: %w", err)
	}
	s.argsBuf = id
	return id, nil
}

// NewStrategy returns a Strategy ready for LoadKernels.
func NewStrategy(adapter compute.Adapter, cache *kernel.Cache, key kernel.Key, bufs Buffers) *Strategy {
	return &Strategy{
		Adapter:            adapter,
		Cache:              cache,
		Key:                key,
		Buffers:            bufs,
		MaxClosureCap:      MaxClosureCapDefault,
		NumThreads:         1 << 16,
		firstTile:          true,
		pathIterationTimes: PathIterInitial,
	}
}

// compileProgram is the single-flight producer path for one kernel
// program: resolve SPIR-V words (consulting the on-disk binary cache
// before falling back to source compilation, per §4.2), create the
// shader module and pipeline, and store it in the cache — matching the
// ProgramCache contract from §4.1.
func compileProgram(adapter compute.Adapter, cache *kernel.Cache, bin *kernel.BinaryCache, fp kernel.DeviceFingerprint, key kernel.Key, name, source, variant string, layoutEntries []compute.BindGroupLayoutEntry) (*kernel.ProgramRef, error) {
	ref, holder, ok, err := cache.GetProgram(key, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return ref, nil
	}

	words, err := kernel.CompileAndCache(bin, fp, name, variant, source)
	if err != nil {
		holder.Release()
		return nil, fmt.Errorf("splitkernel: resolving SPIR-V for %s: %w", name, err)
	}
	module, err := adapter.CreateShaderModule(words, name)
	if err != nil {
		holder.Release()
		return nil, fmt.Errorf("splitkernel: creating shader module for %s: %w", name, err)
	}
	// Every stage gets its own bind-group-layout object, even though the
	// shape is identical across all eleven kernels, so each Program owns
	// exactly the resources its Destroy() will release.
	bindLayout, err := adapter.CreateBindGroupLayout(&compute.BindGroupLayoutDesc{Label: name, Entries: layoutEntries})
	if err != nil {
		holder.Release()
		return nil, fmt.Errorf("splitkernel: creating bind group layout for %s: %w", name, err)
	}
	layout, err := adapter.CreatePipelineLayout([]compute.BindGroupLayoutID{bindLayout})
	if err != nil {
		holder.Release()
		return nil, fmt.Errorf("splitkernel: creating pipeline layout for %s: %w", name, err)
	}
	pipelineID, err := adapter.CreateComputePipeline(&compute.ComputePipelineDesc{
		Label:        name,
		Layout:       layout,
		ShaderModule: module,
		EntryPoint:   name,
	})
	if err != nil {
		holder.Release()
		return nil, fmt.Errorf("splitkernel: creating pipeline for %s: %w", name, err)
	}
	program := &compute.Program{
		Adapter:        adapter,
		ShaderModule:   module,
		PipelineLayout: layout,
		BindLayouts:    []compute.BindGroupLayoutID{bindLayout},
		Pipelines:      map[string]compute.ComputePipelineID{name: pipelineID},
	}
	stored, err := holder.StoreProgram(program)
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// LoadKernels (re-)compiles all eleven split-kernel programs for the
// given MAX_CLOSURE. Kernels are only reloaded when the rounded
// maxClosure value actually changes, per §4.5.
func (s *Strategy) LoadKernels(sources map[string]string, requestedMaxClosure int) error {
	rounded := RoundMaxClosure(requestedMaxClosure, s.Interactive, s.MaxClosureCap)
	if s.programs != nil && rounded == s.currentMaxClosure {
		return nil
	}

	opts := BuildOptions(rounded)
	fp := s.Fingerprint
	fp.BuildOptions = opts
	variant := fmt.Sprintf("mc%d", rounded)
	layoutEntries := bindGroupLayoutEntries(len(s.Textures))
	programs := make(map[string]*kernel.ProgramRef, len(KernelNames))
	for _, name := range KernelNames {
		src, ok := sources[name]
		if !ok {
			return fmt.Errorf("splitkernel: no source provided for kernel %s", name)
		}
		ref, err := compileProgram(s.Adapter, s.Cache, s.BinCache, fp, s.Key, name, src+"\n// "+opts, variant, layoutEntries)
		if err != nil {
			return err
		}
		programs[name] = ref
	}

	s.programs = programs
	s.currentMaxClosure = rounded
	logging.Logger().Info("splitkernel: kernels loaded", "max_closure", rounded)
	return nil
}

func (s *Strategy) pipeline(name string) (compute.ComputePipelineID, error) {
	ref, ok := s.programs[name]
	if !ok {
		return compute.InvalidID, fmt.Errorf("splitkernel: kernel %s not loaded", name)
	}
	p, ok := ref.Program().Pipelines[name]
	if !ok {
		return compute.InvalidID, fmt.Errorf("splitkernel: program for %s has no matching pipeline", name)
	}
	return p, nil
}

func (s *Strategy) dispatch(name string, group compute.BindGroupID, globalX, globalY int) error {
	pipeline, err := s.pipeline(name)
	if err != nil {
		return err
	}
	pass := s.Adapter.BeginComputePass()
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, group)
	pass.Dispatch(uint32(globalX), uint32(globalY), 1)
	pass.End()
	s.Adapter.Submit()
	return nil
}

// bindGroupsForTile builds the shared entry list for tile (the data
// constant, the tile's accumulator/RNG buffers, the fixed-order textures,
// and the arena's queueing state and args uniform) and creates one bind
// group per kernel, against that kernel's own bind-group layout.
func (s *Strategy) bindGroupsForTile(dataBuf compute.BufferID, tile *render.Tile, textures []compute.BufferID, argsBuf compute.BufferID) (map[string]compute.BindGroupID, error) {
	entries := make([]compute.BindGroupEntry, 0, 8+len(textures))
	entries = append(entries,
		compute.BindGroupEntry{Binding: 0, Buffer: dataBuf},
		compute.BindGroupEntry{Binding: 1, Buffer: compute.BufferID(tile.Buffer)},
		compute.BindGroupEntry{Binding: 2, Buffer: compute.BufferID(tile.RNGState)},
	)
	for i, tex := range textures {
		entries = append(entries, compute.BindGroupEntry{Binding: uint32(3 + i), Buffer: tex})
	}
	base := uint32(3 + len(textures))
	entries = append(entries,
		compute.BindGroupEntry{Binding: base, Buffer: s.arena.RayState()},
		compute.BindGroupEntry{Binding: base + 1, Buffer: s.arena.QueueData()},
		compute.BindGroupEntry{Binding: base + 2, Buffer: s.arena.QueueCounters()},
		compute.BindGroupEntry{Binding: base + 3, Buffer: s.arena.Outputs()},
		compute.BindGroupEntry{Binding: base + 4, Buffer: argsBuf},
	)

	groups := make(map[string]compute.BindGroupID, len(KernelNames))
	for _, name := range KernelNames {
		ref, ok := s.programs[name]
		if !ok {
			return nil, fmt.Errorf("splitkernel: kernel %s not loaded", name)
		}
		layouts := ref.Program().BindLayouts
		if len(layouts) == 0 {
			return nil, fmt.Errorf("splitkernel: program for %s has no bind group layout", name)
		}
		group, err := s.Adapter.CreateBindGroup(layouts[0], entries)
		if err != nil {
			return nil, fmt.Errorf("splitkernel: creating bind group for %s: %w", name, err)
		}
		groups[name] = group
	}
	return groups, nil
}

func (s *Strategy) destroyBindGroups(groups map[string]compute.BindGroupID) {
	for _, group := range groups {
		s.Adapter.DestroyBindGroup(group)
	}
}

// PathTrace runs one tile through the split-kernel pipeline: lazily
// allocates the arena on the first tile (sized to maxFeasibleW×H), binds
// buffers, dispatches DataInit once, runs the convergence loop, reduces
// with SumAllRadiance, then adapts PathIteration_times for next time.
func (s *Strategy) PathTrace(task *render.DeviceTask, tile *render.Tile, maxFeasibleW, maxFeasibleH int) error {
	if s.programs == nil {
		return fmt.Errorf("splitkernel: LoadKernels must succeed before PathTrace")
	}
	dataBuf, ok := s.Buffers.Constant("__data")
	if !ok {
		return fmt.Errorf("splitkernel: __data constant buffer must be populated before dispatch")
	}

	if s.firstTile {
		arena, err := NewArena(s.Adapter, maxFeasibleW, maxFeasibleH, s.currentMaxClosure, ArenaOptions{UseQueues: true, WorkStealing: s.WorkStealing})
		if err != nil {
			return fmt.Errorf("splitkernel: allocating arena: %w", err)
		}
		s.arena = arena
		s.firstTile = false
	} else if !s.arena.Fits(tile.W, tile.H) {
		return fmt.Errorf("splitkernel: tile %dx%d exceeds the arena sized for the max feasible tile", tile.W, tile.H)
	}

	textures := s.Buffers.BindTextures(s.Textures)

	argsBuf, err := s.argsBuffer()
	if err != nil {
		return err
	}
	s.Adapter.WriteBuffer(argsBuf, 0, packArgs(tile.X, tile.Y, tile.W, tile.H, tile.Offset, tile.Stride, tile.StartSample, tile.NumSamples))

	groups, err := s.bindGroupsForTile(dataBuf, tile, textures, argsBuf)
	if err != nil {
		return err
	}
	defer s.destroyBindGroups(groups)

	_, _, globalX, globalY := Geometry(tile.W, tile.H, tile.NumSamples, s.NumThreads, s.WorkStealing)

	if err := s.dispatch(KernelDataInit, groups[KernelDataInit], globalX, globalY); err != nil {
		return err
	}

	interventions := 0
	for iter := 0; iter < s.pathIterationTimes; iter++ {
		for _, name := range pingPongStages {
			gx := globalX
			if name == KernelShadowBlockedDirectLighting {
				gx = globalX * 2
			}
			if err := s.dispatch(name, groups[name], gx, globalY); err != nil {
				return err
			}
		}

		anyActive, err := s.arena.ScanRayState()
		if err != nil {
			return err
		}
		if !anyActive {
			break
		}
		interventions++
	}

	if err := s.dispatch(KernelSumAllRadiance, groups[KernelSumAllRadiance], ceilMultiple(tile.W, 16), ceilMultiple(tile.H, 16)); err != nil {
		return err
	}
	s.Adapter.WaitIdle()

	if interventions == 0 {
		s.pathIterationTimes -= PathIterIncFactor
		if s.pathIterationTimes < PathIterIncFactor {
			s.pathIterationTimes = PathIterIncFactor
		}
	} else {
		s.numNextPathIterTimes = PathIterInitial + 8*interventions
		s.pathIterationTimes = s.numNextPathIterTimes
	}

	logging.Logger().Info("splitkernel: tile complete", "interventions", interventions, "next_path_iteration_times", s.pathIterationTimes)
	return nil
}

// PathIterationTimes reports the current adaptive iteration count, for
// tests and diagnostics.
func (s *Strategy) PathIterationTimes() int { return s.pathIterationTimes }

// Arena returns the current SplitKernelArena, or nil before the first tile.
func (s *Strategy) Arena() *Arena { return s.arena }
