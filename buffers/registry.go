// Package buffers implements the device-buffer registry: named device
// allocations for textures and constants, plus the fixed-order argument
// binder every kernel dispatch uses to turn that named state into a
// positional bind-group entry list.
package buffers

import (
	"fmt"
	"sync"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/render"
)

// Registry owns the NamedMemory maps DeviceBase consults when binding
// kernel arguments: a texture name resolves to a device buffer id, a
// constant name resolves to a device buffer whose host-side copy is
// rewritten and re-uploaded on every call rather than reallocated.
type Registry struct {
	mu      sync.Mutex
	adapter compute.Adapter
	stats   *render.Stats

	textures  map[string]compute.BufferID
	constants map[string]*constantEntry

	// sentinel is the 1-byte RO buffer bound in place of a missing
	// texture argument; the runtime rejects a literal null binding.
	sentinel compute.BufferID
}

type constantEntry struct {
	id   compute.BufferID
	host []byte
}

// NewRegistry allocates the null-texture sentinel buffer and returns an
// empty Registry.
func NewRegistry(adapter compute.Adapter, stats *render.Stats) (*Registry, error) {
	if adapter == nil {
		return nil, fmt.Errorf("buffers: adapter is required")
	}
	if stats == nil {
		stats = &render.Stats{}
	}
	sentinel, err := adapter.CreateBuffer(1, compute.UsageFor(compute.MemReadOnly))
	if err != nil {
		return nil, fmt.Errorf("buffers: allocating null-texture sentinel: %w", err)
	}
	return &Registry{
		adapter:   adapter,
		stats:     stats,
		textures:  make(map[string]compute.BufferID),
		constants: make(map[string]*constantEntry),
		sentinel:  sentinel,
	}, nil
}

// Sentinel returns the null-texture sentinel buffer id.
func (r *Registry) Sentinel() compute.BufferID { return r.sentinel }

// TexAlloc allocates a read-only buffer, uploads data, and registers it
// under name, replacing any prior allocation registered under that name.
func (r *Registry) TexAlloc(name string, data []byte) (compute.BufferID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.adapter.CreateBuffer(len(data), compute.UsageFor(compute.MemReadOnly))
	if err != nil {
		return compute.InvalidID, fmt.Errorf("buffers: allocating texture %q: %w", name, err)
	}
	r.adapter.WriteBuffer(id, 0, data)
	r.stats.MemAlloc(int64(len(data)))
	r.textures[name] = id
	return id, nil
}

// TexFree releases the texture buffer identified by device pointer id. It
// performs a linear search over the texture map by value, matching the
// driver's tex_free contract (textures are looked up by device pointer,
// not by name, because the caller may only have the pointer at hand).
func (r *Registry) TexFree(id compute.BufferID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, v := range r.textures {
		if v == id {
			delete(r.textures, name)
			r.adapter.DestroyBuffer(id)
			return nil
		}
	}
	return fmt.Errorf("buffers: no texture registered for buffer %d", id)
}

// ConstCopyTo uploads data under the constant name "name". The first call
// for a given name allocates a read-only buffer and inserts it into the
// constants map; every subsequent call overwrites the same buffer's host
// copy and re-uploads it, matching the "allocated once, reused by
// rewriting the host copy" contract — including the "__data" constant
// buffer that must be populated before any kernel dispatch.
func (r *Registry) ConstCopyTo(name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.constants[name]
	if !exists {
		id, err := r.adapter.CreateBuffer(len(data), compute.UsageFor(compute.MemReadOnly))
		if err != nil {
			return fmt.Errorf("buffers: allocating constant %q: %w", name, err)
		}
		entry = &constantEntry{id: id}
		r.constants[name] = entry
		r.stats.MemAlloc(int64(len(data)))
	}
	entry.host = append(entry.host[:0], data...)
	r.adapter.WriteBuffer(entry.id, 0, entry.host)
	return nil
}

// Constant returns the buffer id for a previously-uploaded constant.
func (r *Registry) Constant(name string) (compute.BufferID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.constants[name]
	if !ok {
		return compute.InvalidID, false
	}
	return e.id, true
}

// HasConstant reports whether name has been populated via ConstCopyTo.
// Callers use this to assert the "__data" constant buffer invariant
// before the first dispatch.
func (r *Registry) HasConstant(name string) bool {
	_, ok := r.Constant(name)
	return ok
}

// BindTextures resolves each name in order to its registered device
// buffer, or the null-texture sentinel if the name has no registered
// texture — the argument binder's fixed-order texture-name loop.
func (r *Registry) BindTextures(names []string) []compute.BufferID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]compute.BufferID, len(names))
	for i, n := range names {
		if id, ok := r.textures[n]; ok {
			out[i] = id
		} else {
			out[i] = r.sentinel
		}
	}
	return out
}

// Destroy releases every allocated texture and constant buffer, plus the
// sentinel. Safe to call once, at device teardown.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, id := range r.textures {
		r.adapter.DestroyBuffer(id)
		delete(r.textures, name)
	}
	for name, entry := range r.constants {
		r.adapter.DestroyBuffer(entry.id)
		delete(r.constants, name)
	}
	if r.sentinel != compute.InvalidID {
		r.adapter.DestroyBuffer(r.sentinel)
		r.sentinel = compute.InvalidID
	}
}
