package device

import (
	"context"
	"os"

	"github.com/gogpu/cyclesdriver/megakernel"
	"github.com/gogpu/cyclesdriver/render"
	"github.com/gogpu/cyclesdriver/splitkernel"
)

// amdPlatformName is the known platform string the strategy-selection rule
// checks against; it intentionally does not attempt to match every AMD
// platform string variant (out of scope: platform-string normalization is
// an external-collaborator concern).
const amdPlatformName = "AMD Accelerated Parallel Processing"

// StrategyKind identifies which dispatch strategy a device was configured
// to use.
type StrategyKind int

const (
	StrategyMegakernel StrategyKind = iota
	StrategySplitKernel
)

func (k StrategyKind) String() string {
	if k == StrategySplitKernel {
		return "SplitKernel"
	}
	return "Megakernel"
}

// EnvOverrides holds the three CYCLES_OPENCL_* environment variables this
// driver reads once, at device construction, as overrides on top of
// caller-supplied defaults.
type EnvOverrides struct {
	DeviceTypeFilter render.DeviceType
	Debug            bool
	ForceSplitKernel bool
}

// ReadEnvOverrides reads CYCLES_OPENCL_TEST, CYCLES_OPENCL_DEBUG, and
// CYCLES_OPENCL_SPLIT_KERNEL_TEST from the process environment.
func ReadEnvOverrides() EnvOverrides {
	over := EnvOverrides{DeviceTypeFilter: render.DeviceTypeAll}
	switch os.Getenv("CYCLES_OPENCL_TEST") {
	case "DEFAULT":
		over.DeviceTypeFilter = render.DeviceTypeDefault
	case "CPU":
		over.DeviceTypeFilter = render.DeviceTypeCPU
	case "GPU":
		over.DeviceTypeFilter = render.DeviceTypeGPU
	case "ACCELERATOR":
		over.DeviceTypeFilter = render.DeviceTypeAccelerator
	default:
		over.DeviceTypeFilter = render.DeviceTypeAll
	}
	if _, ok := os.LookupEnv("CYCLES_OPENCL_DEBUG"); ok {
		over.Debug = true
	}
	if _, ok := os.LookupEnv("CYCLES_OPENCL_SPLIT_KERNEL_TEST"); ok {
		over.ForceSplitKernel = true
	}
	return over
}

// SelectStrategyKind implements the driver's strategy-selection rule: a
// failed platform/device probe selects Megakernel, even when the
// split-kernel override is set; otherwise a forced override selects
// SplitKernel, as does a known-AMD platform paired with a GPU device type;
// everything else defaults to Megakernel.
func SelectStrategyKind(platformName string, deviceType render.DeviceType, probeFailed, forceSplitKernel bool) StrategyKind {
	if probeFailed {
		return StrategyMegakernel
	}
	if forceSplitKernel {
		return StrategySplitKernel
	}
	if platformName == amdPlatformName && deviceType == render.DeviceTypeGPU {
		return StrategySplitKernel
	}
	return StrategyMegakernel
}

// PathTracer is the capability every dispatch strategy exposes to the
// Worker once wrapped: run exactly one tile to completion. Kernel loading
// and buffer/constant/texture wiring happen before a strategy is wrapped
// here.
type PathTracer interface {
	RunTile(task *render.DeviceTask, tile *render.Tile) error
}

type megakernelPathTracer struct {
	strategy *megakernel.Strategy
}

// NewMegakernelPathTracer wraps a megakernel.Strategy as a PathTracer.
func NewMegakernelPathTracer(s *megakernel.Strategy) PathTracer {
	return &megakernelPathTracer{strategy: s}
}

func (a *megakernelPathTracer) RunTile(task *render.DeviceTask, tile *render.Tile) error {
	return a.strategy.PathTrace(context.Background(), task, tile)
}

type splitKernelPathTracer struct {
	strategy                   *splitkernel.Strategy
	maxFeasibleW, maxFeasibleH int
}

// NewSplitKernelPathTracer wraps a splitkernel.Strategy as a PathTracer,
// fixing the maximum feasible tile size the arena is lazily sized to on the
// first tile it sees.
func NewSplitKernelPathTracer(s *splitkernel.Strategy, maxFeasibleW, maxFeasibleH int) PathTracer {
	return &splitKernelPathTracer{strategy: s, maxFeasibleW: maxFeasibleW, maxFeasibleH: maxFeasibleH}
}

func (a *splitKernelPathTracer) RunTile(task *render.DeviceTask, tile *render.Tile) error {
	return a.strategy.PathTrace(task, tile, a.maxFeasibleW, a.maxFeasibleH)
}
