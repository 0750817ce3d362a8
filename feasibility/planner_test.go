package feasibility

import (
	"testing"

	"github.com/gogpu/cyclesdriver/render"
)

func TestSmallTileFitsUnsplit(t *testing.T) {
	b := Budget{
		TotalAllocatable:        1 << 30,
		PerThreadCost:           2048,
		PerThreadOutputAndRNG:   64,
		DataAllocationMemFactor: 1 << 20,
	}
	p := NewPlanner(b)

	tiles, err := p.Plan(render.Tile{W: 64, H: 64})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tiles) != 1 || tiles[0].W != 64 || tiles[0].H != 64 {
		t.Fatalf("expected the tile unchanged, got %+v", tiles)
	}
}

func TestLargeTileSplitsAndCoversParent(t *testing.T) {
	// Small budget forces a split of a 1024x1024 tile.
	b := Budget{
		TotalAllocatable:        200000 * 2048,
		PerThreadCost:           2048,
		PerThreadOutputAndRNG:   1,
		DataAllocationMemFactor: 0,
	}
	p := NewPlanner(b)
	parent := render.Tile{W: 1024, H: 1024, Stride: 1024}

	if !b.NeedToSplit(parent.W, parent.H) {
		t.Fatal("expected a 1024x1024 tile to require splitting under this budget")
	}

	tiles, err := p.Plan(parent)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(tiles) < 2 {
		t.Fatalf("expected multiple sub-tiles, got %d", len(tiles))
	}

	var area int
	covered := make(map[[2]int]bool)
	for _, tile := range tiles {
		area += tile.W * tile.H
		for y := tile.Y; y < tile.Y+tile.H; y++ {
			for x := tile.X; x < tile.X+tile.W; x++ {
				key := [2]int{x, y}
				if covered[key] {
					t.Fatalf("pixel (%d,%d) covered by more than one sub-tile", x, y)
				}
				covered[key] = true
			}
		}
	}
	if area != parent.W*parent.H {
		t.Fatalf("sub-tile area sum = %d, want %d", area, parent.W*parent.H)
	}
	if len(covered) != parent.W*parent.H {
		t.Fatalf("covered %d pixels, want %d (union must equal the parent rect exactly)", len(covered), parent.W*parent.H)
	}
}

func TestMaxFeasibleTileIsMultipleOfLocalSize(t *testing.T) {
	w, h := MaxFeasibleTile(200000)
	if w%LX != 0 || h%LY != 0 {
		t.Fatalf("MaxFeasibleTile(200000) = (%d,%d), not a multiple of (%d,%d)", w, h, LX, LY)
	}
	if int64(w)*int64(h) > 200000 {
		t.Fatalf("MaxFeasibleTile(200000) area %d exceeds 200000", w*h)
	}
}

func TestSplitTileSizeIsMultipleOfLocalSizeAndFits(t *testing.T) {
	w, h := SplitTileSize(1024, 1024, 200000)
	if w%LX != 0 || h%LY != 0 {
		t.Fatalf("SplitTileSize = (%d,%d), not a multiple of (%d,%d)", w, h, LX, LY)
	}
	if int64(w)*int64(h) > 200000 {
		t.Fatalf("split tile area %d exceeds feasible threads 200000", w*h)
	}
}

func TestPlanErrorsOnNonPositiveTile(t *testing.T) {
	p := NewPlanner(Budget{TotalAllocatable: 1 << 20, PerThreadCost: 1})
	if _, err := p.Plan(render.Tile{W: 0, H: 10}); err == nil {
		t.Fatal("expected an error for a zero-width tile")
	}
}

func TestPlanErrorsWhenNothingFits(t *testing.T) {
	p := NewPlanner(Budget{TotalAllocatable: 10, PerThreadCost: 1})
	if _, err := p.Plan(render.Tile{W: 4096, H: 4096}); err == nil {
		t.Fatal("expected an error when the budget cannot fit even the minimum tile")
	}
}
