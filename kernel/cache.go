// Package kernel implements the process-wide, single-flight kernel
// lifecycle manager described by the driver's ProgramCache contract: a
// two-level-locked map from (platform, device) to a compiled context plus
// its named programs, backed by an on-disk binary cache keyed by a
// fingerprint of kernel source, device identity and build flags.
package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/logging"
)

// Key identifies one (platform, device) pair, the same granularity
// DeviceInfo.Num resolves to.
type Key struct {
	Platform int
	Device   int
}

// Cache is the process-wide ProgramCache singleton. The zero value is not
// usable; use Global or NewCache.
type Cache struct {
	mu    sync.Mutex
	slots map[Key]*slot
}

type slot struct {
	mu       sync.Mutex
	context  *ContextRef
	programs map[string]*ProgramRef
}

var global = NewCache()

// Global returns the process-wide cache every device instance shares.
func Global() *Cache { return global }

// NewCache returns an empty cache. Production code should use Global;
// NewCache exists so tests can exercise single-flight behavior in
// isolation from other tests' (platform, device) keys.
func NewCache() *Cache {
	return &Cache{slots: make(map[Key]*slot)}
}

// ContextHolder is returned by GetContext when no context is cached yet.
// The caller must produce a compute.Adapter and call StoreContext while
// still holding the holder — this is the single-flight lock: any other
// caller for the same key blocks on the slot mutex until Release (direct,
// or via StoreContext) runs.
type ContextHolder struct {
	slot *slot
}

// Release unlocks the slot without storing a value, allowing a later
// caller to retry production. Used on the producer-failure path.
func (h *ContextHolder) Release() {
	if h.slot != nil {
		h.slot.mu.Unlock()
		h.slot = nil
	}
}

// StoreContext installs adapter as the slot's context, releases the slot
// lock, and returns a reference the caller owns independently of the
// cache's own retained reference. StoreContext may only be called once
// per holder.
func (h *ContextHolder) StoreContext(adapter compute.Adapter) (*ContextRef, error) {
	if h.slot == nil {
		return nil, fmt.Errorf("kernel: StoreContext called on a released holder")
	}
	if h.slot.context != nil {
		h.slot.mu.Unlock()
		h.slot = nil
		return nil, fmt.Errorf("kernel: slot already has a context")
	}
	ref := newContextRef(adapter)
	h.slot.context = ref
	callerRef := ref.acquire()
	h.slot.mu.Unlock()
	h.slot = nil
	logging.Logger().Info("kernel: context stored", "adapter", fmt.Sprintf("%T", adapter))
	return callerRef, nil
}

// GetContext returns the cached context for key with its refcount
// incremented (ok=true), or — if absent — creates the slot, locks it, and
// returns a holder the caller must use to produce and store the value
// (ok=false). This is single-flight: only one caller per key ever holds
// the producer path at a time.
func (c *Cache) GetContext(key Key) (ref *ContextRef, holder *ContextHolder, ok bool) {
	c.mu.Lock()
	s, exists := c.slots[key]
	if !exists {
		s = &slot{programs: make(map[string]*ProgramRef)}
		c.slots[key] = s
	}
	c.mu.Unlock()

	s.mu.Lock()
	if s.context != nil {
		ref := s.context.acquire()
		s.mu.Unlock()
		return ref, nil, true
	}
	return nil, &ContextHolder{slot: s}, false
}

// ProgramHolder is returned by GetProgram when the named program is not
// yet cached for this slot.
type ProgramHolder struct {
	slot *slot
	name string
}

func (h *ProgramHolder) Release() {
	if h.slot != nil {
		h.slot.mu.Unlock()
		h.slot = nil
	}
}

// StoreProgram installs program under name, releases the slot lock, and
// returns an independently-owned reference.
func (h *ProgramHolder) StoreProgram(program *compute.Program) (*ProgramRef, error) {
	if h.slot == nil {
		return nil, fmt.Errorf("kernel: StoreProgram called on a released holder")
	}
	if _, exists := h.slot.programs[h.name]; exists {
		h.slot.mu.Unlock()
		h.slot = nil
		return nil, fmt.Errorf("kernel: program %q already stored for this slot", h.name)
	}
	ref := newProgramRef(program)
	h.slot.programs[h.name] = ref
	callerRef := ref.acquire()
	h.slot.mu.Unlock()
	h.slot = nil
	logging.Logger().Info("kernel: program stored", "name", h.name)
	return callerRef, nil
}

// GetProgram looks up program name within key's slot. The slot must
// already have a context (callers drive GetContext first); GetProgram
// does not create slots.
func (c *Cache) GetProgram(key Key, name string) (ref *ProgramRef, holder *ProgramHolder, ok bool, err error) {
	c.mu.Lock()
	s, exists := c.slots[key]
	c.mu.Unlock()
	if !exists {
		return nil, nil, false, fmt.Errorf("kernel: no slot for %+v; call GetContext first", key)
	}

	s.mu.Lock()
	if s.context == nil {
		s.mu.Unlock()
		return nil, nil, false, fmt.Errorf("kernel: slot %+v has no context yet", key)
	}
	if p, cached := s.programs[name]; cached {
		ref := p.acquire()
		s.mu.Unlock()
		return ref, nil, true, nil
	}
	return nil, &ProgramHolder{slot: s, name: name}, false, nil
}

// Flush releases every cached program and context and empties the map.
// Never called in steady state — some vendor drivers crash when torn
// down from process-exit hooks, so production code should only call this
// in tests or explicit shutdown paths that are known-safe.
func (c *Cache) Flush() {
	c.mu.Lock()
	slots := c.slots
	c.slots = make(map[Key]*slot)
	c.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		for _, p := range s.programs {
			p.release()
		}
		if s.context != nil {
			s.context.release()
		}
		s.mu.Unlock()
	}
}

// ContextRef is an owned reference to a cached compute.Adapter. Every
// successful GetContext/StoreContext call returns one; the caller must
// call Release exactly once when done, independent of the cache's own
// retained reference.
type ContextRef struct {
	adapter compute.Adapter
	count   *int32
}

func newContextRef(adapter compute.Adapter) *ContextRef {
	n := int32(1) // the cache's own reference
	return &ContextRef{adapter: adapter, count: &n}
}

func (r *ContextRef) acquire() *ContextRef {
	atomic.AddInt32(r.count, 1)
	return &ContextRef{adapter: r.adapter, count: r.count}
}

// Adapter returns the underlying compute.Adapter.
func (r *ContextRef) Adapter() compute.Adapter { return r.adapter }

// release decrements the cache's own reference, used only by Flush.
func (r *ContextRef) release() int32 { return atomic.AddInt32(r.count, -1) }

// Release decrements the reference count. The count reaching zero means
// every caller reference plus the cache's own has been released (which
// only happens after Flush); it does not by itself tear down the adapter.
func (r *ContextRef) Release() {
	atomic.AddInt32(r.count, -1)
}

// RefCount reports the current reference count, for tests.
func (r *ContextRef) RefCount() int32 { return atomic.LoadInt32(r.count) }

// ProgramRef is the program analog of ContextRef.
type ProgramRef struct {
	program *compute.Program
	count   *int32
}

func newProgramRef(p *compute.Program) *ProgramRef {
	n := int32(1)
	return &ProgramRef{program: p, count: &n}
}

func (r *ProgramRef) acquire() *ProgramRef {
	atomic.AddInt32(r.count, 1)
	return &ProgramRef{program: r.program, count: r.count}
}

// Program returns the underlying compiled program.
func (r *ProgramRef) Program() *compute.Program { return r.program }

// release decrements the cache's own reference, used only by Flush.
func (r *ProgramRef) release() int32 { return atomic.AddInt32(r.count, -1) }

// Release decrements the reference count.
func (r *ProgramRef) Release() {
	atomic.AddInt32(r.count, -1)
}

// RefCount reports the current reference count, for tests.
func (r *ProgramRef) RefCount() int32 { return atomic.LoadInt32(r.count) }
