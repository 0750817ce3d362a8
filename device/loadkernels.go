package device

import (
	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/drivererr"
	"github.com/gogpu/cyclesdriver/kernel"
	"github.com/gogpu/cyclesdriver/megakernel"
)

// SetBinaryCache installs the on-disk binary cache LoadMegakernelProgram
// consults on a ProgramCache miss. A Base with no binary cache set still
// works — it just always compiles from source on a miss, the same way
// tests construct a Base with no cache directory to write to.
func (b *Base) SetBinaryCache(bin *kernel.BinaryCache) { b.binCache = bin }

// LoadMegakernelProgram resolves the compiled kernel_ocl_path_trace
// program for this device: a hit in the process-wide ProgramCache
// returns immediately; a miss drives the single-flight producer path —
// resolve SPIR-V via the on-disk binary cache or source compilation
// (§4.2), create the shader module, the bind group layout matching the
// argument binder's fixed order (data, buffer, rng_state, textures, args)
// for the given texture names, and the pipeline, and store the result so
// every other caller for this (platform, device) observes the cached
// program from then on (§4.1).
func (b *Base) LoadMegakernelProgram(source string, textures []string) (*compute.Program, error) {
	ref, holder, ok, err := b.cache.GetProgram(b.key, megakernel.KernelName)
	if err != nil {
		return nil, err
	}
	if ok {
		return ref.Program(), nil
	}

	words, err := kernel.CompileAndCache(b.binCache, b.fingerprint, megakernel.KernelName, "", source)
	if err != nil {
		holder.Release()
		return nil, err
	}

	module, err := b.adapter.CreateShaderModule(words, megakernel.KernelName)
	if err != nil {
		holder.Release()
		return nil, drivererr.Wrap(drivererr.KernelLaunch, b.info.Name, "creating shader module for "+megakernel.KernelName, err)
	}
	bindLayout, err := b.adapter.CreateBindGroupLayout(&compute.BindGroupLayoutDesc{
		Label:   megakernel.KernelName,
		Entries: megakernel.BindGroupLayoutEntries(len(textures)),
	})
	if err != nil {
		holder.Release()
		return nil, drivererr.Wrap(drivererr.ContextCreation, b.info.Name, "creating bind group layout for "+megakernel.KernelName, err)
	}
	layout, err := b.adapter.CreatePipelineLayout([]compute.BindGroupLayoutID{bindLayout})
	if err != nil {
		holder.Release()
		return nil, drivererr.Wrap(drivererr.ContextCreation, b.info.Name, "creating pipeline layout for "+megakernel.KernelName, err)
	}
	pipelineID, err := b.adapter.CreateComputePipeline(&compute.ComputePipelineDesc{
		Label:        megakernel.KernelName,
		Layout:       layout,
		ShaderModule: module,
		EntryPoint:   megakernel.KernelName,
	})
	if err != nil {
		holder.Release()
		return nil, drivererr.Wrap(drivererr.KernelLaunch, b.info.Name, "creating pipeline for "+megakernel.KernelName, err)
	}

	program := &compute.Program{
		Adapter:        b.adapter,
		ShaderModule:   module,
		PipelineLayout: layout,
		BindLayouts:    []compute.BindGroupLayoutID{bindLayout},
		Pipelines:      map[string]compute.ComputePipelineID{megakernel.KernelName: pipelineID},
	}
	stored, err := holder.StoreProgram(program)
	if err != nil {
		return nil, err
	}
	return stored.Program(), nil
}
