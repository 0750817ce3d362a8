// Package device implements DeviceBase: platform/device selection, compute
// context creation (via the kernel package's process-wide cache), vendor
// build-flag selection, the mem_alloc/mem_copy_to/mem_copy_from/mem_zero/
// mem_free memory contract, dispatch-geometry selection, and the per-device
// Worker task queue that drives whichever dispatch strategy (megakernel or
// split-kernel) was selected for this device.
package device

import (
	"fmt"
	"strings"

	"github.com/gogpu/cyclesdriver/buffers"
	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/drivererr"
	"github.com/gogpu/cyclesdriver/errsink"
	"github.com/gogpu/cyclesdriver/kernel"
	"github.com/gogpu/cyclesdriver/logging"
	"github.com/gogpu/cyclesdriver/megakernel"
	"github.com/gogpu/cyclesdriver/render"
)

// SelectPlatformDevice resolves a flat device index into a (platform,
// device) pair: iterate platformDeviceCounts in order, decrementing the
// remaining index by each platform's device count, and stop on the
// platform that contains it.
func SelectPlatformDevice(platformDeviceCounts []int, flatIndex int) (platform, deviceIdx int, err error) {
	if flatIndex < 0 {
		return 0, 0, drivererr.New(drivererr.NoDevicesFound, "", fmt.Sprintf("negative device index %d", flatIndex))
	}
	remaining := flatIndex
	for p, count := range platformDeviceCounts {
		if remaining < count {
			return p, remaining, nil
		}
		remaining -= count
	}
	return 0, 0, drivererr.New(drivererr.NoDevicesFound, "", fmt.Sprintf("no device at flat index %d", flatIndex))
}

// BuildOptions selects vendor-specific build flags, matching the platform
// string checks DeviceBase's build-flag selection performs, plus the
// universal -cl-fast-relaxed-math flag. debugDump enables the AMD
// source-debugging flags this driver gates behind CYCLES_OPENCL_DEBUG.
func BuildOptions(vendor string, debugDump bool) string {
	var flags []string
	switch {
	case strings.Contains(vendor, "NVIDIA"):
		flags = append(flags, "-D__KERNEL_OPENCL_NVIDIA__", "-cl-nv-maxrregcount=32", "-cl-nv-verbose")
	case strings.Contains(vendor, "Apple"):
		flags = append(flags, "-D__KERNEL_OPENCL_APPLE__")
	case strings.Contains(vendor, "AMD"), strings.Contains(vendor, "Advanced Micro Devices"):
		flags = append(flags, "-D__KERNEL_OPENCL_AMD__")
		if debugDump {
			flags = append(flags, "-g", "-s")
		}
	case strings.Contains(vendor, "Intel"):
		flags = append(flags, "-D__KERNEL_OPENCL_INTEL_CPU__")
	}
	flags = append(flags, "-cl-fast-relaxed-math")
	return kernel.BuildOptions(flags...)
}

// ParseVersion parses a "<prefix> %d.%d" version string, e.g. prefix
// "OpenCL" for the platform version or "OpenCL C" for the device C version.
func ParseVersion(s, prefix string) (major, minor int, err error) {
	n, serr := fmt.Sscanf(s, prefix+" %d.%d", &major, &minor)
	if serr != nil || n != 2 {
		return 0, 0, fmt.Errorf("device: cannot parse version string %q against prefix %q", s, prefix)
	}
	return major, minor, nil
}

// MeetsMinimumVersion reports whether major/minor satisfy the minimum
// required platform/C version: major at least 1 and minor at least 1.
func MeetsMinimumVersion(major, minor int) bool {
	return major >= 1 && minor >= 1
}

// ValidateVersions parses info.Version and info.CVersion and fails
// load_kernels if either is unparseable or below the minimum version.
func ValidateVersions(info render.DeviceInfo) error {
	major, minor, err := ParseVersion(info.Version, "OpenCL")
	if err != nil {
		return drivererr.Wrap(drivererr.VersionTooLow, info.Name, "parsing platform version", err)
	}
	if !MeetsMinimumVersion(major, minor) {
		return drivererr.New(drivererr.VersionTooLow, info.Name, fmt.Sprintf("platform version %d.%d below minimum 1.1", major, minor))
	}
	cMajor, cMinor, err := ParseVersion(info.CVersion, "OpenCL C")
	if err != nil {
		return drivererr.Wrap(drivererr.VersionTooLow, info.Name, "parsing device C version", err)
	}
	if !MeetsMinimumVersion(cMajor, cMinor) {
		return drivererr.New(drivererr.VersionTooLow, info.Name, fmt.Sprintf("device C version %d.%d below minimum 1.1", cMajor, cMinor))
	}
	return nil
}

// Mem mirrors the driver's device-memory object: a host-side buffer paired
// with the device allocation mem_alloc created for it. Stride is the row
// pitch in elements for mem_copy_from's rectangular reads; zero means
// tightly packed (stride equals the requested width).
type Mem struct {
	Data          []byte
	Stride        int
	DevicePointer compute.BufferID
	DeviceSize    int64
}

// Base is DeviceBase: the per-device state shared by whichever dispatch
// strategy (megakernel or split-kernel) is selected for it.
type Base struct {
	cache *kernel.Cache
	key   kernel.Key
	info  render.DeviceInfo

	context *kernel.ContextRef
	adapter compute.Adapter

	registry *buffers.Registry
	stats    *render.Stats

	buildOptions string
	fingerprint  kernel.DeviceFingerprint
	binCache     *kernel.BinaryCache

	errs *errsink.Sink
}

// NewBase consults the process-wide ProgramCache for key's context,
// creating one via newAdapter (and storing it) if absent, then allocates
// this device's buffer registry (including its null-texture sentinel).
func NewBase(cache *kernel.Cache, key kernel.Key, info render.DeviceInfo, debug bool, newAdapter func() (compute.Adapter, error)) (*Base, error) {
	ref, holder, ok := cache.GetContext(key)
	if !ok {
		adapter, err := newAdapter()
		if err != nil {
			holder.Release()
			return nil, drivererr.Wrap(drivererr.ContextCreation, info.Name, "creating compute context", err)
		}
		stored, err := holder.StoreContext(adapter)
		if err != nil {
			return nil, drivererr.Wrap(drivererr.ContextCreation, info.Name, "storing compute context", err)
		}
		ref = stored
	}

	stats := &render.Stats{}
	registry, err := buffers.NewRegistry(ref.Adapter(), stats)
	if err != nil {
		ref.Release()
		return nil, drivererr.Wrap(drivererr.ContextCreation, info.Name, "allocating buffer registry", err)
	}

	buildOpts := BuildOptions(info.Vendor, debug)
	fingerprint := kernel.DeviceFingerprint{
		Vendor:       info.Vendor,
		Version:      info.Version,
		Name:         info.Name,
		Driver:       info.DriverVersion,
		BuildOptions: buildOpts,
	}

	logging.Logger().Info("device: base initialized", "name", info.Name, "vendor", info.Vendor, "build_options", buildOpts)

	return &Base{
		cache:        cache,
		key:          key,
		info:         info,
		context:      ref,
		adapter:      ref.Adapter(),
		registry:     registry,
		stats:        stats,
		buildOptions: buildOpts,
		fingerprint:  fingerprint,
		errs:         errsink.New(),
	}, nil
}

func (b *Base) Adapter() compute.Adapter              { return b.adapter }
func (b *Base) Registry() *buffers.Registry           { return b.registry }
func (b *Base) Stats() *render.Stats                  { return b.stats }
func (b *Base) Info() render.DeviceInfo               { return b.info }
func (b *Base) BuildOptions() string                  { return b.buildOptions }
func (b *Base) Fingerprint() kernel.DeviceFingerprint { return b.fingerprint }
func (b *Base) Errors() *errsink.Sink                 { return b.errs }
func (b *Base) Cache() *kernel.Cache                  { return b.cache }
func (b *Base) Key() kernel.Key                       { return b.key }

// Geometry chooses 2-D local/global dispatch sizes for shader, bake, and
// film-convert kernels, reusing the same local=(floor(sqrt(wg)),…) rule the
// megakernel path_trace dispatch shares with DeviceBase.
func (b *Base) Geometry(w, h int) (localX, localY, globalX, globalY int) {
	wg := b.adapter.MaxWorkgroupSize()
	return megakernel.Geometry(w, h, wg, [2]uint32{wg[0], wg[1]})
}

// MemAlloc creates a device buffer sized to len(mem.Data) and records its
// handle and size, accounting the allocation in stats.
func (b *Base) MemAlloc(mem *Mem, kind compute.MemKind) error {
	id, err := b.adapter.CreateBuffer(len(mem.Data), compute.UsageFor(kind))
	if err != nil {
		return drivererr.Wrap(drivererr.BufferAllocation, b.info.Name, "mem_alloc", err)
	}
	mem.DevicePointer = id
	mem.DeviceSize = int64(len(mem.Data))
	b.stats.MemAlloc(mem.DeviceSize)
	return nil
}

// MemCopyTo blocking-writes mem.Data to its device allocation.
func (b *Base) MemCopyTo(mem *Mem) error {
	if mem.DevicePointer == compute.InvalidID {
		return fmt.Errorf("device: mem_copy_to called before mem_alloc")
	}
	b.adapter.WriteBuffer(mem.DevicePointer, 0, mem.Data)
	return nil
}

// MemCopyFrom blocking-reads a w×h rectangular region of elem-byte elements
// starting at row y back into mem.Data, honoring mem.Stride as the row
// pitch.
func (b *Base) MemCopyFrom(mem *Mem, y, w, h, elem int) error {
	if mem.DevicePointer == compute.InvalidID {
		return fmt.Errorf("device: mem_copy_from called before mem_alloc")
	}
	stride := mem.Stride
	if stride == 0 {
		stride = w
	}
	rowBytes := w * elem
	strideBytes := stride * elem
	for row := 0; row < h; row++ {
		offset := uint64((y + row) * strideBytes)
		data, err := b.adapter.ReadBuffer(mem.DevicePointer, offset, uint64(rowBytes))
		if err != nil {
			return drivererr.Wrap(drivererr.MemoryTransfer, b.info.Name, "mem_copy_from", err)
		}
		dst := (y + row) * strideBytes
		copy(mem.Data[dst:dst+rowBytes], data)
	}
	return nil
}

// MemZero zeroes mem's host buffer then uploads it.
func (b *Base) MemZero(mem *Mem) error {
	for i := range mem.Data {
		mem.Data[i] = 0
	}
	return b.MemCopyTo(mem)
}

// MemFree releases mem's device allocation, accounts the freed bytes, and
// clears the device pointer.
func (b *Base) MemFree(mem *Mem) {
	if mem.DevicePointer == compute.InvalidID {
		return
	}
	b.adapter.DestroyBuffer(mem.DevicePointer)
	b.stats.MemFree(mem.DeviceSize)
	mem.DevicePointer = compute.InvalidID
	mem.DeviceSize = 0
}

// Close releases this device's buffer registry and its ProgramCache context
// reference. It does not flush the process-wide cache: other devices (or a
// later device on the same platform/device pair) may still be using it.
func (b *Base) Close() {
	b.registry.Destroy()
	b.context.Release()
}
