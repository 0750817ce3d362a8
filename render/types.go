// Package render defines the data types the external scheduler and this
// driver exchange. The scheduler that hands out RenderTiles, the kernel
// source, and scene translation are all out of scope here — this package
// only fixes the shapes both sides must agree on.
package render

// DeviceType filters device discovery. It mirrors the CYCLES_OPENCL_TEST
// environment variable values from the driver's external interface.
type DeviceType int

const (
	DeviceTypeAll DeviceType = iota
	DeviceTypeDefault
	DeviceTypeCPU
	DeviceTypeGPU
	DeviceTypeAccelerator
)

// DeviceInfo identifies a platform/device pair by a flat integer index
// across all platforms, plus the vendor/name/version strings needed for
// build-flag selection and fingerprinting.
type DeviceInfo struct {
	// Num is the flat index across all platform/device pairs.
	Num int
	// Type filters which devices this info may describe.
	Type DeviceType
	// PlatformName is the CL_PLATFORM_NAME-equivalent string.
	PlatformName string
	// Vendor is the CL_DEVICE_VENDOR-equivalent string.
	Vendor string
	// Name is the CL_DEVICE_NAME-equivalent string.
	Name string
	// Version is the "OpenCL %d.%d"-equivalent platform version string.
	Version string
	// CVersion is the "OpenCL C %d.%d"-equivalent device version string.
	CVersion string
	// DriverVersion is the vendor driver version string.
	DriverVersion string
}

// TaskKind tags a DeviceTask with the dispatch it requests.
type TaskKind int

const (
	TaskFilmConvert TaskKind = iota
	TaskShader
	TaskPathTrace
)

func (k TaskKind) String() string {
	switch k {
	case TaskFilmConvert:
		return "FILM_CONVERT"
	case TaskShader:
		return "SHADER"
	case TaskPathTrace:
		return "PATH_TRACE"
	default:
		return "UNKNOWN"
	}
}

// DeviceTask is a tagged unit of work the worker executes. It is owned by
// the worker for the duration of one execution and is never shared across
// concurrent dispatches.
type DeviceTask struct {
	Type TaskKind

	// AcquireTile asks the scheduler for the next tile to render, or
	// (nil, false) when no tile remains.
	AcquireTile func() (*Tile, bool)
	// ReleaseTile hands a finished (or partially finished, if cancelled)
	// tile back to the scheduler.
	ReleaseTile func(*Tile)
	// UpdateProgress reports incremental sample progress.
	UpdateProgress func(samples int)
	// GetCancel reports whether the caller has requested cancellation.
	GetCancel func() bool
	// NeedFinishQueue, if true, means cancellation must not interrupt the
	// tile currently in flight.
	NeedFinishQueue bool

	// NumSamples bounds FILM_CONVERT / SHADER dispatch size.
	NumSamples int
	// ShaderEvalType / ShaderX / ShaderW are SHADER task parameters.
	ShaderEvalType int
	ShaderX        int
	ShaderW        int

	// RGBAByte / RGBAHalf / Buffer are FILM_CONVERT task output targets.
	RGBAByte []byte
	RGBAHalf []byte
	Buffer   []byte
}

// Tile is a rectangular region of the image rendered as a unit. The
// accumulator buffer and per-pixel RNG state are opaque device pointers
// from this driver's point of view; they are allocated and owned by
// DeviceBase on the scheduler's behalf.
type Tile struct {
	X, Y, W, H int

	StartSample int
	NumSamples  int
	Sample      int

	Stride int
	Offset int

	Buffer   uint64 // device pointer to the accumulator
	RNGState uint64 // device pointer to per-pixel RNG state

	// Split-kernel sub-tile view over the parent Buffer/RNGState.
	BufferOffsetX, BufferOffsetY     int
	RNGStateOffsetX, RNGStateOffsetY int
	BufferRNGStateStride             int
}

// Feasible reports whether t has a non-zero offset into a parent buffer.
// The top-left sub-tile of a subdivision has zero offsets and reports
// false.
func (t *Tile) Feasible() bool {
	return t.BufferOffsetX != 0 || t.BufferOffsetY != 0
}

// Stats accumulates device memory allocation counters. The concrete
// counters live with the external scheduler; this type is the narrow
// contract DeviceBase calls into.
type Stats struct {
	MemUsed int64
}

func (s *Stats) MemAlloc(bytes int64) { s.MemUsed += bytes }
func (s *Stats) MemFree(bytes int64)  { s.MemUsed -= bytes }

// RequestedFeatures is compiled into kernel build options.
type RequestedFeatures struct {
	MaxClosure    int
	MaxNodesGroup int
	NodesFeatures int
}
