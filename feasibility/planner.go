// Package feasibility implements the tile feasibility planner: given a
// requested tile size and a device memory budget, decide whether the
// split-kernel arena fits, and if not, subdivide the tile into
// almost-square sub-tiles sized to a local-work-group multiple.
package feasibility

import (
	"fmt"

	"github.com/gogpu/cyclesdriver/render"
)

// Local work-group dimensions the split-kernel wavefront pipeline uses.
// Every feasible tile dimension is rounded to a multiple of these.
const (
	LX = 64
	LY = 1
)

// Budget holds the memory accounting inputs §4.6 describes. All fields
// are byte counts except PerThreadCost, which is bytes per global thread.
type Budget struct {
	// TotalAllocatable is the device memory available for the split
	// kernel's arena and scene data, after the caller has already halved
	// it for vendors that require that (per §4.6, "on one vendor, total
	// allocatable memory is halved" — the caller applies that discount
	// before constructing Budget).
	TotalAllocatable int64

	// Invariable covers the kernel-globals struct, per-queue counters,
	// the queues-flag, and the two SoA shader-data headers — fixed cost
	// independent of tile size.
	Invariable int64

	// Scene is the sum of texture sizes plus the "__data" constant
	// buffer size.
	Scene int64

	// DataAllocationMemFactor is a fixed safety margin subtracted from
	// the budget before dividing by per-thread cost.
	DataAllocationMemFactor int64

	// PerThreadCost is the per-global-thread SoA cost: RNG, throughput,
	// transparency, ray state, work element, lamp flag, path radiance,
	// ray, path state, three intersections, three shader-data records,
	// light ray, BSDF eval, AO alpha/BSDF, one more ray, NUM_QUEUES ints,
	// and the per-thread output buffer.
	PerThreadCost int64

	// PerThreadOutputAndRNG is the tile-specific per-pixel cost (output
	// accumulator + RNG state) multiplied by the requested tile area to
	// form the tile-specific bucket.
	PerThreadOutputAndRNG int64

	// WorkPoolPerGroup is the optional work-stealing per-work-group pool
	// cost; 0 when work-stealing is disabled.
	WorkPoolPerGroup int64
}

func ceilMultiple(v, m int) int {
	if m <= 0 {
		return v
	}
	return ((v + m - 1) / m) * m
}

// tileBucket computes the tile-specific memory bucket for a w×h tile.
func (b Budget) tileBucket(w, h int) int64 {
	area := int64(w) * int64(h)
	workGroups := int64(ceilMultiple(w, LX)/LX) * int64(ceilMultiple(h, LY)/LY)
	return area*b.PerThreadOutputAndRNG + workGroups*b.WorkPoolPerGroup
}

// FeasibleGlobalThreads computes feasible_global_threads for a requested
// w×h tile: the number of global threads (rays in flight) the remaining
// memory budget can support, after subtracting the invariable, tile, and
// scene buckets plus the safety margin.
func (b Budget) FeasibleGlobalThreads(w, h int) int64 {
	remaining := b.TotalAllocatable - b.Invariable - b.tileBucket(w, h) - b.Scene - b.DataAllocationMemFactor
	if remaining <= 0 || b.PerThreadCost <= 0 {
		return 0
	}
	return remaining / b.PerThreadCost
}

// NeedToSplit reports whether a w×h tile's ceiling-rounded area exceeds
// the feasible thread count for that tile.
func (b Budget) NeedToSplit(w, h int) bool {
	n := b.FeasibleGlobalThreads(w, h)
	area := int64(ceilMultiple(w, LX)) * int64(ceilMultiple(h, LY))
	return area > n
}

// MaxFeasibleTile returns the largest (w', h') with w'=h'=floor(sqrt(n))
// each rounded to a multiple of (LX, LY) such that w'*h' <= n. It tries
// the ceiling-rounded square first and falls back to the floor-rounded
// square, matching §4.6's "try ceiling first, fall back to floor".
func MaxFeasibleTile(n int64) (w, h int) {
	if n <= 0 {
		return 0, 0
	}
	side := isqrt(n)

	ceilSide := ceilMultiple(side, LX)
	if int64(ceilSide)*int64(ceilMultiple(side, LY)) <= n {
		return ceilSide, ceilMultiple(side, LY)
	}
	floorSide := (side / LX) * LX
	floorY := (side / LY) * LY
	return floorSide, floorY
}

func isqrt(n int64) int {
	if n <= 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return int(x)
}

// SplitTileSize halves the larger dimension of a ceiling-rounded w×h tile
// (re-rounding after each halving) until the area fits within n, matching
// §4.6's subdivision algorithm.
func SplitTileSize(w, h int, n int64) (splitW, splitH int) {
	splitW = ceilMultiple(w, LX)
	splitH = ceilMultiple(h, LY)
	for int64(splitW)*int64(splitH) > n && (splitW > LX || splitH > LY) {
		if splitW >= splitH && splitW > LX {
			splitW = ceilMultiple(splitW/2, LX)
			if splitW < LX {
				splitW = LX
			}
		} else {
			splitH = ceilMultiple(splitH/2, LY)
			if splitH < LY {
				splitH = LY
			}
		}
	}
	return splitW, splitH
}

// Planner decides whether a requested tile fits the device's memory
// budget and, if not, subdivides it.
type Planner struct {
	Budget Budget
}

// NewPlanner returns a Planner using the given budget.
func NewPlanner(budget Budget) *Planner {
	return &Planner{Budget: budget}
}

// Plan evaluates a requested w×h tile against the planner's budget. If
// it fits, Plan returns a single-element slice containing the full tile.
// Otherwise it subdivides the tile into a grid of sub-tiles sized by
// SplitTileSize, with border sub-tiles carrying the residual width or
// height, each tagged with its offset into the parent buffer/rng_state
// so every sub-tile writes into the same accumulator. If even the
// smallest split size does not fit the budget, Plan returns an error.
func (p *Planner) Plan(parent render.Tile) ([]render.Tile, error) {
	if parent.W <= 0 || parent.H <= 0 {
		return nil, fmt.Errorf("feasibility: invalid tile size %dx%d", parent.W, parent.H)
	}

	n := p.Budget.FeasibleGlobalThreads(parent.W, parent.H)
	if !p.Budget.NeedToSplit(parent.W, parent.H) {
		return []render.Tile{parent}, nil
	}
	if n <= 0 {
		return nil, fmt.Errorf("feasibility: no feasible tile size fits the device memory budget")
	}

	splitW, splitH := SplitTileSize(parent.W, parent.H, n)
	if int64(splitW)*int64(splitH) > n {
		return nil, fmt.Errorf("feasibility: no feasible tile size fits the device memory budget")
	}
	return subdivide(parent, splitW, splitH), nil
}

// subdivide tiles parent into a grid of splitW×splitH cells, clamping the
// right/bottom border cells to the residual width/height.
func subdivide(parent render.Tile, splitW, splitH int) []render.Tile {
	var out []render.Tile
	for y := 0; y < parent.H; y += splitH {
		h := splitH
		if y+h > parent.H {
			h = parent.H - y
		}
		for x := 0; x < parent.W; x += splitW {
			w := splitW
			if x+w > parent.W {
				w = parent.W - x
			}
			sub := parent
			sub.X = parent.X + x
			sub.Y = parent.Y + y
			sub.W = w
			sub.H = h
			sub.BufferOffsetX = x
			sub.BufferOffsetY = y
			sub.RNGStateOffsetX = x
			sub.RNGStateOffsetY = y
			sub.BufferRNGStateStride = parent.Stride
			out = append(out, sub)
		}
	}
	return out
}
