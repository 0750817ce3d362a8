package splitkernel

import (
	"fmt"

	"github.com/gogpu/cyclesdriver/compute"
)

// Local work-group dimensions and queue count the wavefront pipeline
// compiles against. NumQueues is a compile-time constant in the original
// driver (one queue for active/regenerated rays, one for rays pending a
// background/buffer update).
const (
	LX        = 64
	LY        = 1
	NumQueues = 2
)

// RayState enumerates the small per-ray state-machine values scanned on
// the host to decide convergence.
type RayState uint8

const (
	RayActive RayState = iota
	RayRegenerated
	RayUpdateBuffer
	RayInactive
)

func ceilMultiple(v, m int) int {
	if m <= 0 {
		return v
	}
	return ((v + m - 1) / m) * m
}

// NumGlobalElements returns the per-ray SoA element count for a w×h tile:
// ceil_multiple(w, LX) * ceil_multiple(h, LY).
func NumGlobalElements(tileW, tileH int) int {
	return ceilMultiple(tileW, LX) * ceilMultiple(tileH, LY)
}

const pointerSize = 8 // bytes; sizeof(void*) on the 64-bit targets this driver assumes

// closureVarSize is the nominal per-closure-variable payload size before
// the oversize-allocation quirk below is applied.
const closureVarSize = 48

// ShaderDataSOASize computes the per-ray shader-data payload size for a
// given MAX_CLOSURE. This intentionally reproduces a known quirk from the
// original driver: its closure-variable macro expansion adds
// sizeof(void*) twice per closure variable — once inside the (empty)
// macro body and once outside, possibly a typo. Per the driver's open
// questions, behavior preservation requires matching the oversize
// allocation rather than silently fixing it.
func ShaderDataSOASize(maxClosure int) int {
	return maxClosure*closureVarSize + maxClosure*pointerSize*2
}

// fieldSpec describes one SoA allocation: BytesPerRay is the nominal
// per-ray payload size (the actual GPU-side struct layout is owned by
// the out-of-scope kernel source; this driver only reserves
// correctly-shaped buffers), and Copies is 2 for ray/shader-data fields
// that need an independent "direct-lighting shadow" copy, 1 for
// single-copy cooperation buffers.
type fieldSpec struct {
	Name        string
	BytesPerRay int
	Copies      int
}

func rayFieldSpecs(maxClosure int) []fieldSpec {
	return []fieldSpec{
		// Per-ray / shader-data record fields (main + shadow copy).
		{"P", 12, 2}, {"N", 12, 2}, {"Ng", 12, 2}, {"I", 12, 2},
		{"shader", 4, 2}, {"flag", 4, 2}, {"prim", 4, 2}, {"type", 4, 2},
		{"u", 4, 2}, {"v", 4, 2}, {"object", 4, 2}, {"time", 4, 2},
		{"ray_length", 4, 2}, {"ray_depth", 4, 2}, {"transparent_depth", 4, 2},
		{"dDdx", 12, 2}, {"dDdy", 12, 2}, {"dPdu", 12, 2}, {"dPdv", 12, 2},
		{"closure", ShaderDataSOASize(maxClosure), 2},
		{"num_closure", 4, 2}, {"randb", 4, 2},
		{"ray_diff_origin", 12, 2}, {"ray_diff_dir", 12, 2},
		// Cooperation buffers (single copy).
		{"throughput", 12, 1}, {"transparency", 12, 1}, {"path_radiance", 48, 1},
		{"ray", 48, 1}, {"path_state", 64, 1},
		{"isect_main", 32, 1}, {"isect_ao", 32, 1}, {"isect_shadow", 32, 1},
		{"light_ray", 48, 1}, {"bsdf_eval", 64, 1},
		{"ao_alpha", 12, 1}, {"ao_bsdf", 12, 1},
		{"lamp", 4, 1},
	}
}

// ArenaOptions configures optional arena members.
type ArenaOptions struct {
	UseQueues    bool
	Debug        bool
	WorkStealing bool
}

// Arena is the SplitKernelArena: every per-ray SoA field, the ray_state
// byte array, queue storage, and per-sample output accumulators, all
// sized by NumGlobalElements for a given tile. It is allocated lazily on
// the first tile, sized to the maximum feasible tile, and reused for
// every subsequent tile until device teardown.
type Arena struct {
	adapter     compute.Adapter
	numElements int
	maxClosure  int
	opts        ArenaOptions

	fields map[string]compute.BufferID

	rayState      compute.BufferID
	queueData     compute.BufferID
	queueCounters compute.BufferID
	useQueuesFlag compute.BufferID
	workPool      compute.BufferID
	debugData     compute.BufferID
	outputs       compute.BufferID
}

// NewArena allocates every arena buffer sized for a tileW×tileH tile and
// maxClosure closures.
func NewArena(adapter compute.Adapter, tileW, tileH, maxClosure int, opts ArenaOptions) (*Arena, error) {
	numElements := NumGlobalElements(tileW, tileH)
	a := &Arena{
		adapter:     adapter,
		numElements: numElements,
		maxClosure:  maxClosure,
		opts:        opts,
		fields:      make(map[string]compute.BufferID),
	}

	alloc := func(size int) (compute.BufferID, error) {
		id, err := adapter.CreateBuffer(size, compute.UsageFor(compute.MemReadWrite))
		if err != nil {
			return compute.InvalidID, err
		}
		return id, nil
	}

	for _, f := range rayFieldSpecs(maxClosure) {
		size := f.BytesPerRay * numElements
		for c := 0; c < f.Copies; c++ {
			id, err := alloc(size)
			if err != nil {
				a.Destroy()
				return nil, fmt.Errorf("splitkernel: allocating field %q: %w", f.Name, err)
			}
			a.fields[fieldKey(f.Name, c == 1)] = id
		}
	}

	var err error
	if a.rayState, err = alloc(numElements); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("splitkernel: allocating ray_state: %w", err)
	}
	if a.queueData, err = alloc(numElements * NumQueues * 4); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("splitkernel: allocating queue data: %w", err)
	}
	if a.queueCounters, err = alloc(NumQueues * 4); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("splitkernel: allocating queue counters: %w", err)
	}
	if a.useQueuesFlag, err = alloc(4); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("splitkernel: allocating use_queues flag: %w", err)
	}
	if opts.WorkStealing {
		numWorkGroups := numElements / LX
		if numWorkGroups < 1 {
			numWorkGroups = 1
		}
		if a.workPool, err = alloc(numWorkGroups * 4); err != nil {
			a.Destroy()
			return nil, fmt.Errorf("splitkernel: allocating work pool: %w", err)
		}
	}
	if opts.Debug {
		if a.debugData, err = alloc(numElements * 16); err != nil {
			a.Destroy()
			return nil, fmt.Errorf("splitkernel: allocating debug data: %w", err)
		}
	}
	if a.outputs, err = alloc(numElements * 16); err != nil {
		a.Destroy()
		return nil, fmt.Errorf("splitkernel: allocating output accumulators: %w", err)
	}

	return a, nil
}

func fieldKey(name string, shadow bool) string {
	if shadow {
		return name + "#shadow"
	}
	return name
}

// Field returns the buffer id for a per-ray SoA field, optionally the
// direct-lighting shadow copy.
func (a *Arena) Field(name string, shadow bool) (compute.BufferID, bool) {
	id, ok := a.fields[fieldKey(name, shadow)]
	return id, ok
}

// NumElements returns num_global_elements for this arena.
func (a *Arena) NumElements() int { return a.numElements }

// RayState returns the ray_state buffer id.
func (a *Arena) RayState() compute.BufferID { return a.rayState }

// QueueData returns the queue storage buffer id (numElements * NumQueues ints).
func (a *Arena) QueueData() compute.BufferID { return a.queueData }

// QueueCounters returns the per-queue counters buffer id (NumQueues ints).
func (a *Arena) QueueCounters() compute.BufferID { return a.queueCounters }

// Outputs returns the per-sample output accumulator buffer id.
func (a *Arena) Outputs() compute.BufferID { return a.outputs }

// Fits reports whether this arena (sized for maxW×maxH) can serve a
// requested tileW×tileH tile without reallocation.
func (a *Arena) Fits(tileW, tileH int) bool {
	return NumGlobalElements(tileW, tileH) <= a.numElements
}

// ScanRayState reads ray_state back from the device and reports whether
// any ray is still active — the split-kernel convergence signal.
func (a *Arena) ScanRayState() (anyActive bool, err error) {
	data, err := a.adapter.ReadBuffer(a.rayState, 0, uint64(a.numElements))
	if err != nil {
		return false, fmt.Errorf("splitkernel: reading back ray_state: %w", err)
	}
	for _, b := range data {
		if RayState(b) != RayInactive {
			return true, nil
		}
	}
	return false, nil
}

// Destroy releases every allocated buffer. Safe to call on a partially
// constructed Arena (e.g. from NewArena's error paths).
func (a *Arena) Destroy() {
	if a == nil || a.adapter == nil {
		return
	}
	for _, id := range a.fields {
		a.adapter.DestroyBuffer(id)
	}
	a.fields = nil
	for _, id := range []compute.BufferID{a.rayState, a.queueData, a.queueCounters, a.useQueuesFlag, a.workPool, a.debugData, a.outputs} {
		if id != compute.InvalidID {
			a.adapter.DestroyBuffer(id)
		}
	}
}
