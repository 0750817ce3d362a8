package device

import (
	"fmt"

	"github.com/gogpu/cyclesdriver/drivererr"
	"github.com/gogpu/cyclesdriver/feasibility"
	"github.com/gogpu/cyclesdriver/render"
)

// Device ties one device's Base, Worker, selected PathTracer, and tile
// feasibility Planner into the control flow §2 describes: the external
// scheduler calls TaskAdd; the device enqueues a work item on its
// dedicated Worker; the worker acquires tiles, runs them through
// whichever strategy was selected (subdividing first when the tile
// exceeds the device's memory budget), and returns them to the
// scheduler.
type Device struct {
	Base   *Base
	Worker *Worker
	Tracer PathTracer

	// Planner subdivides a requested tile when it exceeds the device's
	// memory budget. A nil Planner skips subdivision entirely, which is
	// correct for the megakernel strategy: it has no per-ray arena to
	// size, so it runs whatever tile size the scheduler hands it.
	Planner *feasibility.Planner

	// ShaderFunc and FilmConvertFunc run SHADER and FILM_CONVERT tasks.
	// The kernels they would dispatch are external collaborators per §1
	// (the kernel source itself is out of scope); a nil func makes its
	// task kind fail with a descriptive error instead of panicking.
	ShaderFunc      func(*render.DeviceTask) error
	FilmConvertFunc func(*render.DeviceTask) error
}

// NewDevice returns a Device with a fresh Worker of the given queue
// depth, driving tracer for PATH_TRACE tasks and planner (which may be
// nil) to decide whether a requested tile needs subdividing first.
func NewDevice(base *Base, tracer PathTracer, planner *feasibility.Planner, queueDepth int) *Device {
	return &Device{
		Base:    base,
		Worker:  NewWorker(queueDepth),
		Tracer:  tracer,
		Planner: planner,
	}
}

// TaskAdd enqueues task for dispatch on this device's Worker, matching
// §4.7's task_add contract: the enqueued closure routes by task.Type to
// film_convert, shader, or path_trace.
func (d *Device) TaskAdd(task *render.DeviceTask) {
	d.Worker.TaskAdd(task, d.dispatch)
}

// TaskWait blocks until every task added so far has finished running.
func (d *Device) TaskWait() { d.Worker.TaskWait() }

// TaskCancel signals cancellation to whichever task is currently
// running on this device.
func (d *Device) TaskCancel() { d.Worker.TaskCancel() }

// Close stops accepting new tasks, drains the worker, and releases this
// device's buffer registry and ProgramCache context reference.
func (d *Device) Close() {
	d.Worker.Close()
	d.Base.Close()
}

func (d *Device) dispatch(task *render.DeviceTask) error {
	switch task.Type {
	case render.TaskPathTrace:
		return d.runPathTrace(task)
	case render.TaskShader:
		if d.ShaderFunc == nil {
			return fmt.Errorf("device: no SHADER dispatch configured")
		}
		return d.ShaderFunc(task)
	case render.TaskFilmConvert:
		if d.FilmConvertFunc == nil {
			return fmt.Errorf("device: no FILM_CONVERT dispatch configured")
		}
		return d.FilmConvertFunc(task)
	default:
		return fmt.Errorf("device: unknown task kind %v", task.Type)
	}
}

// runPathTrace drives the acquire/plan/run/release loop for a PATH_TRACE
// task: pull tiles from the scheduler until none remain or cancellation
// is observed between tiles (never between a tile's sub-tiles, since
// those all write into one accumulator and must run to completion
// together), subdividing via Planner only when the requested tile
// exceeds the device's memory budget, running every resulting tile
// through Tracer, and releasing the parent tile once all its sub-tiles
// have completed.
func (d *Device) runPathTrace(task *render.DeviceTask) error {
	if d.Tracer == nil {
		return fmt.Errorf("device: no path-trace strategy configured")
	}
	if task.AcquireTile == nil || task.ReleaseTile == nil {
		return fmt.Errorf("device: PATH_TRACE task requires AcquireTile/ReleaseTile")
	}

	for {
		if !task.NeedFinishQueue && task.GetCancel != nil && task.GetCancel() {
			return nil
		}

		tile, ok := task.AcquireTile()
		if !ok {
			return nil
		}

		if d.Planner == nil || !d.Planner.Budget.NeedToSplit(tile.W, tile.H) {
			if err := d.runOne(task, tile); err != nil {
				d.Base.Errors().Report(drivererr.Wrap(drivererr.KernelLaunch, d.Base.Info().Name, "running tile", err))
			}
			task.ReleaseTile(tile)
			continue
		}

		subTiles, err := d.Planner.Plan(*tile)
		if err != nil {
			d.Base.Errors().Report(drivererr.Wrap(drivererr.KernelLaunch, d.Base.Info().Name, "planning tile", err))
			task.ReleaseTile(tile)
			return err
		}
		for i := range subTiles {
			if err := d.runOne(task, &subTiles[i]); err != nil {
				d.Base.Errors().Report(drivererr.Wrap(drivererr.KernelLaunch, d.Base.Info().Name, "running sub-tile", err))
			}
		}
		task.ReleaseTile(tile)
	}
}

func (d *Device) runOne(task *render.DeviceTask, tile *render.Tile) error {
	err := d.Tracer.RunTile(task, tile)
	if task.UpdateProgress != nil {
		task.UpdateProgress(tile.NumSamples)
	}
	return err
}
