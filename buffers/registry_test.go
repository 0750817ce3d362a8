package buffers

import (
	"testing"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/compute/computetest"
	"github.com/gogpu/cyclesdriver/render"
)

func newTestRegistry(t *testing.T) (*Registry, *computetest.Fake) {
	t.Helper()
	fake := computetest.New([3]uint32{}, 0)
	reg, err := NewRegistry(fake, &render.Stats{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg, fake
}

func TestBindTexturesFallsBackToSentinel(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.TexAlloc("diffuse_map", []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("TexAlloc: %v", err)
	}

	ids := reg.BindTextures([]string{"diffuse_map", "normal_map", "diffuse_map"})
	diffuseID, _ := reg.textures["diffuse_map"]
	if ids[0] != diffuseID {
		t.Fatal("expected the registered diffuse_map buffer id")
	}
	if ids[1] != reg.Sentinel() {
		t.Fatal("expected the sentinel for an unregistered texture name")
	}
	if ids[2] != diffuseID {
		t.Fatal("expected the same id for a name used twice")
	}
}

func TestTexFreeByPointer(t *testing.T) {
	reg, _ := newTestRegistry(t)
	id, _ := reg.TexAlloc("tex", []byte{9})

	if err := reg.TexFree(id); err != nil {
		t.Fatalf("TexFree: %v", err)
	}
	ids := reg.BindTextures([]string{"tex"})
	if ids[0] != reg.Sentinel() {
		t.Fatal("expected sentinel after freeing the only registered texture")
	}
	if err := reg.TexFree(id); err == nil {
		t.Fatal("freeing an already-freed buffer id should fail")
	}
}

func TestConstCopyToReusesBuffer(t *testing.T) {
	reg, fake := newTestRegistry(t)

	if err := reg.ConstCopyTo("__data", []byte{1, 2, 3}); err != nil {
		t.Fatalf("ConstCopyTo: %v", err)
	}
	id1, ok := reg.Constant("__data")
	if !ok {
		t.Fatal("expected __data to be registered")
	}

	if err := reg.ConstCopyTo("__data", []byte{4, 5, 6, 7}); err != nil {
		t.Fatalf("second ConstCopyTo: %v", err)
	}
	id2, _ := reg.Constant("__data")
	if id1 != id2 {
		t.Fatal("a second ConstCopyTo for the same name must reuse the same buffer")
	}

	got, err := fake.ReadBuffer(compute.BufferID(id2), 0, 4)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []byte{4, 5, 6, 7}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("buffer contents = %v, want %v", got, want)
		}
	}
}

func TestHasConstant(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if reg.HasConstant("__data") {
		t.Fatal("__data should not be present before ConstCopyTo")
	}
	_ = reg.ConstCopyTo("__data", []byte{0})
	if !reg.HasConstant("__data") {
		t.Fatal("__data should be present after ConstCopyTo")
	}
}
