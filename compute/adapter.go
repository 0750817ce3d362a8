package compute

// Adapter abstracts over a GPU compute backend. Implementations must be
// thread-safe for concurrent use.
//
// Resource lifecycle:
//   - Resources are created via Create* methods.
//   - Resources must be explicitly destroyed via Destroy* methods.
//   - Destroying a resource while in use is undefined behavior.
//   - IDs become invalid after destruction and must not be reused.
type Adapter interface {
	// === Capabilities ===

	// MaxWorkgroupSize returns the maximum workgroup size in each
	// dimension, analogous to CL_DEVICE_MAX_WORK_ITEM_SIZES.
	MaxWorkgroupSize() [3]uint32

	// MaxBufferSize returns the maximum buffer size in bytes.
	MaxBufferSize() uint64

	// === Shader Compilation ===

	// CreateShaderModule creates a shader module from SPIR-V bytecode
	// (the result of compiling kernel source via naga).
	CreateShaderModule(spirv []uint32, label string) (ShaderModuleID, error)

	// DestroyShaderModule releases a shader module.
	DestroyShaderModule(id ShaderModuleID)

	// === Buffer Management ===

	// CreateBuffer creates a GPU buffer of size bytes with the given
	// usage flags.
	CreateBuffer(size int, usage BufferUsage) (BufferID, error)

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(id BufferID)

	// WriteBuffer writes data to a buffer at the given byte offset.
	WriteBuffer(id BufferID, offset uint64, data []byte)

	// ReadBuffer blocks until size bytes starting at offset have been
	// copied back from the device.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// === Pipeline Management ===

	CreateBindGroupLayout(desc *BindGroupLayoutDesc) (BindGroupLayoutID, error)
	DestroyBindGroupLayout(id BindGroupLayoutID)

	CreatePipelineLayout(layouts []BindGroupLayoutID) (PipelineLayoutID, error)
	DestroyPipelineLayout(id PipelineLayoutID)

	CreateComputePipeline(desc *ComputePipelineDesc) (ComputePipelineID, error)
	DestroyComputePipeline(id ComputePipelineID)

	CreateBindGroup(layout BindGroupLayoutID, entries []BindGroupEntry) (BindGroupID, error)
	DestroyBindGroup(id BindGroupID)

	// === Command Recording and Execution ===

	// BeginComputePass begins a compute pass. The returned encoder must
	// be ended with PassEncoder.End().
	BeginComputePass() PassEncoder

	// Submit submits recorded commands to the GPU (the `clFlush`
	// equivalent: it hands work to the in-order queue but does not wait
	// for completion).
	Submit()

	// WaitIdle blocks until all submitted work has completed (the
	// `clFinish` equivalent).
	WaitIdle()
}

// PassEncoder records compute commands within one compute pass.
//
// Usage:
//  1. Obtain encoder from Adapter.BeginComputePass()
//  2. Set pipeline and bind groups
//  3. Dispatch compute workgroups
//  4. Call End() to finish recording
//  5. Call Adapter.Submit() to execute
//
// The encoder is single-use and cannot be reused after End().
type PassEncoder interface {
	SetPipeline(pipeline ComputePipelineID)
	SetBindGroup(index uint32, group BindGroupID)

	// Dispatch dispatches compute workgroups. x, y, z are workgroup
	// counts, i.e. global-size already divided by local-size.
	Dispatch(x, y, z uint32)

	End()
}
