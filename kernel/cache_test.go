package kernel

import (
	"sync"
	"testing"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/compute/computetest"
)

func TestGetContextSingleFlight(t *testing.T) {
	c := NewCache()
	key := Key{Platform: 0, Device: 0}

	ref1, holder1, ok1 := c.GetContext(key)
	if ok1 || holder1 == nil || ref1 != nil {
		t.Fatalf("first GetContext should require production, got ok=%v ref=%v holder=%v", ok1, ref1, holder1)
	}

	// A concurrent caller for the same key must block on the slot mutex
	// until the producer releases it (directly or via StoreContext).
	var wg sync.WaitGroup
	second := make(chan *ContextRef, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ref, holder, ok := c.GetContext(key)
		if holder != nil {
			t.Error("second caller should find the stored context, not a new holder")
		}
		if !ok {
			t.Error("second caller should see ok=true")
		}
		second <- ref
	}()

	adapter := computetest.New([3]uint32{}, 0)
	stored, err := holder1.StoreContext(adapter)
	if err != nil {
		t.Fatalf("StoreContext: %v", err)
	}
	if stored.Adapter() != compute.Adapter(adapter) {
		t.Fatal("StoreContext should return a ref wrapping the stored adapter")
	}

	wg.Wait()
	ref2 := <-second
	if ref2 == nil || ref2.Adapter() != compute.Adapter(adapter) {
		t.Fatal("second caller should observe the same adapter")
	}

	// cache's own ref + stored's caller ref + second caller's ref = 3
	if got := stored.RefCount(); got != 3 {
		t.Fatalf("RefCount() = %d, want 3", got)
	}
}

func TestGetContextProducerFailureAllowsRetry(t *testing.T) {
	c := NewCache()
	key := Key{Platform: 1, Device: 0}

	_, holder, ok := c.GetContext(key)
	if ok {
		t.Fatal("expected a holder on first call")
	}
	holder.Release() // producer failed; no StoreContext call

	_, holder2, ok2 := c.GetContext(key)
	if ok2 || holder2 == nil {
		t.Fatal("after a producer failure, the next caller should retry production")
	}
	adapter := computetest.New([3]uint32{}, 0)
	if _, err := holder2.StoreContext(adapter); err != nil {
		t.Fatalf("StoreContext after retry: %v", err)
	}
}

func TestStoreContextTwiceFails(t *testing.T) {
	c := NewCache()
	key := Key{Platform: 2, Device: 0}
	_, holder, _ := c.GetContext(key)
	adapter := computetest.New([3]uint32{}, 0)
	if _, err := holder.StoreContext(adapter); err != nil {
		t.Fatalf("first StoreContext: %v", err)
	}
	if _, err := holder.StoreContext(adapter); err == nil {
		t.Fatal("calling StoreContext twice on the same holder should fail")
	}
}

func TestGetProgramRequiresContext(t *testing.T) {
	c := NewCache()
	key := Key{Platform: 3, Device: 0}
	if _, _, _, err := c.GetProgram(key, "DataInit"); err == nil {
		t.Fatal("GetProgram on an unknown slot should fail")
	}

	_, holder, _ := c.GetContext(key)
	holder.Release()

	if _, _, _, err := c.GetProgram(key, "DataInit"); err == nil {
		t.Fatal("GetProgram on a slot whose context was never stored should fail")
	}
}

func TestFlushReleasesEverything(t *testing.T) {
	c := NewCache()
	key := Key{Platform: 4, Device: 0}
	_, holder, _ := c.GetContext(key)
	adapter := computetest.New([3]uint32{}, 0)
	ref, _ := holder.StoreContext(adapter)
	_ = ref

	c.Flush()

	if _, _, ok := c.GetContext(key); ok {
		t.Fatal("after Flush, a previously cached key should be treated as absent")
	}
}

func TestDeviceFingerprintHashIsStable(t *testing.T) {
	fp := DeviceFingerprint{Vendor: "NVIDIA", Version: "OpenCL 1.2", Name: "RTX", Driver: "535.1", BuildOptions: "-cl-fast-relaxed-math"}
	if fp.Hash() != fp.Hash() {
		t.Fatal("Hash should be deterministic")
	}
	other := fp
	other.BuildOptions = "-cl-fast-relaxed-math -g"
	if fp.Hash() == other.Hash() {
		t.Fatal("changing build options should change the fingerprint hash")
	}
}

func TestSourceFingerprintChangesWithSource(t *testing.T) {
	a := SourceFingerprint([]string{"kernel A"})
	b := SourceFingerprint([]string{"kernel B"})
	if a == b {
		t.Fatal("different sources should hash differently")
	}
	if a != SourceFingerprint([]string{"kernel A"}) {
		t.Fatal("identical sources should hash identically")
	}
}

func TestFileNameVariesByInput(t *testing.T) {
	dev := DeviceFingerprint{Vendor: "AMD"}
	base := FileName(dev, "abc123", "")
	withVariant := FileName(dev, "abc123", "closure20")
	if base == withVariant {
		t.Fatal("adding a variant should change the filename")
	}
	otherDev := DeviceFingerprint{Vendor: "NVIDIA"}
	if FileName(dev, "abc123", "") == FileName(otherDev, "abc123", "") {
		t.Fatal("different device fingerprints should produce different filenames")
	}
}
