// Package compute provides the abstract GPU compute-adapter interface this
// driver issues all device work through, plus a concrete implementation
// backed by gogpu/wgpu's HAL. Everything domain-specific (kernel names,
// argument order, tile geometry) lives in higher packages; compute only
// knows about buffers, shader modules, pipelines, and dispatches.
package compute

// Resource IDs
//
// These opaque IDs represent GPU resources. Each adapter implementation
// maintains a mapping between IDs and actual backend resources. IDs are
// uint64 to accommodate various backend handle sizes.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// TextureID is an opaque handle to a GPU texture.
type TextureID uint64

// ShaderModuleID is an opaque handle to a compiled shader module (one
// compiled kernel program, in this driver's terms).
type ShaderModuleID uint64

// ComputePipelineID is an opaque handle to a compute pipeline (one kernel
// entry point within a program).
type ComputePipelineID uint64

// BindGroupLayoutID is an opaque handle to a bind group layout.
type BindGroupLayoutID uint64

// BindGroupID is an opaque handle to a bind group.
type BindGroupID uint64

// PipelineLayoutID is an opaque handle to a pipeline layout.
type PipelineLayoutID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	BufferUsageMapRead  BufferUsage = 1 << 0
	BufferUsageMapWrite BufferUsage = 1 << 1
	BufferUsageCopySrc  BufferUsage = 1 << 2
	BufferUsageCopyDst  BufferUsage = 1 << 3
	BufferUsageStorage  BufferUsage = 1 << 4
	BufferUsageUniform  BufferUsage = 1 << 5
)

// MemKind mirrors the RO/WO/RW allocation kinds DeviceBase's mem_alloc
// contract distinguishes.
type MemKind int

const (
	MemReadOnly MemKind = iota
	MemWriteOnly
	MemReadWrite
)

// UsageFor maps a MemKind to the buffer usage flags a staging-free
// allocation needs.
func UsageFor(kind MemKind) BufferUsage {
	switch kind {
	case MemReadOnly:
		return BufferUsageStorage | BufferUsageCopyDst
	case MemWriteOnly:
		return BufferUsageStorage | BufferUsageCopySrc
	default:
		return BufferUsageStorage | BufferUsageCopySrc | BufferUsageCopyDst
	}
}

// BindingType specifies the type of a shader binding.
type BindingType uint32

const (
	BindingTypeUniformBuffer BindingType = iota + 1
	BindingTypeStorageBuffer
	BindingTypeReadOnlyStorageBuffer
)

// ComputePipelineDesc describes a compute pipeline (one kernel entry
// point).
type ComputePipelineDesc struct {
	Label        string
	Layout       PipelineLayoutID
	ShaderModule ShaderModuleID
	EntryPoint   string
}

// BindGroupLayoutDesc describes a bind group layout.
type BindGroupLayoutDesc struct {
	Label   string
	Entries []BindGroupLayoutEntry
}

// BindGroupLayoutEntry describes a single binding in a bind group layout.
type BindGroupLayoutEntry struct {
	Binding        uint32
	Type           BindingType
	MinBindingSize uint64
}

// BindGroupEntry describes a single binding in a bind group: exactly one
// of Buffer or Texture is set, matching the kernel argument binder's
// fixed-order buffer-or-texture arguments.
type BindGroupEntry struct {
	Binding uint32
	Buffer  BufferID
	Offset  uint64
	Size    uint64
	Texture TextureID
}

// BindGroupDesc describes a bind group.
type BindGroupDesc struct {
	Label   string
	Layout  BindGroupLayoutID
	Entries []BindGroupEntry
}
