package compute

import (
	"fmt"

	"github.com/gogpu/naga"
)

// CompileToSPIRV just-in-time compiles kernel source (WGSL) to SPIR-V.
// This is the producer step ProgramCache's single-flight contract runs
// while holding a slot's lock: the caller compiles and then calls
// StoreProgram on the kernel.ProgramHolder returned by kernel.Cache.GetProgram
// while still holding that lock.
func CompileToSPIRV(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile kernel source: %w", err)
	}

	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// Program is one compiled program: a shader module plus the pipelines for
// each kernel entry point it exposes. Destroying it releases every
// resource it owns, in dependency order.
type Program struct {
	Adapter        Adapter
	ShaderModule   ShaderModuleID
	PipelineLayout PipelineLayoutID
	BindLayouts    []BindGroupLayoutID
	Pipelines      map[string]ComputePipelineID
}

// Destroy releases pipelines, then the pipeline layout, then bind group
// layouts, then the shader module — the reverse of creation order.
func (p *Program) Destroy() {
	if p.Adapter == nil {
		return
	}
	for _, pipeline := range p.Pipelines {
		p.Adapter.DestroyComputePipeline(pipeline)
	}
	if p.PipelineLayout != InvalidID {
		p.Adapter.DestroyPipelineLayout(p.PipelineLayout)
	}
	for _, layout := range p.BindLayouts {
		p.Adapter.DestroyBindGroupLayout(layout)
	}
	if p.ShaderModule != InvalidID {
		p.Adapter.DestroyShaderModule(p.ShaderModule)
	}
}
