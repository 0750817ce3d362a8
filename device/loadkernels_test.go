package device

import (
	"testing"

	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/kernel"
	"github.com/gogpu/cyclesdriver/megakernel"
)

func tempBinaryCache(t *testing.T) *kernel.BinaryCache {
	t.Helper()
	dir := t.TempDir()
	return kernel.NewBinaryCache(func() (string, error) { return dir, nil })
}

func TestLoadMegakernelProgramHitsProgramCacheWithoutCompiling(t *testing.T) {
	base, _ := newTestBase(t)
	defer base.Close()

	_, programHolder, ok, err := base.cache.GetProgram(base.key, megakernel.KernelName)
	if err != nil {
		t.Fatalf("GetProgram: %v", err)
	}
	if ok {
		t.Fatal("expected no program cached yet")
	}
	want := &compute.Program{Pipelines: map[string]compute.ComputePipelineID{megakernel.KernelName: 42}}
	if _, err := programHolder.StoreProgram(want); err != nil {
		t.Fatalf("StoreProgram: %v", err)
	}

	// No binary cache installed and a source string that would fail to
	// compile if LoadMegakernelProgram ever reached the compile path —
	// it must not, since the program is already cached.
	got, err := base.LoadMegakernelProgram("this is not valid kernel source", nil)
	if err != nil {
		t.Fatalf("LoadMegakernelProgram: %v", err)
	}
	if got != want {
		t.Fatal("expected LoadMegakernelProgram to return the already-cached program")
	}
}

func TestLoadMegakernelProgramConsultsBinaryCacheBeforeCompiling(t *testing.T) {
	base, _ := newTestBase(t)
	defer base.Close()

	bin := tempBinaryCache(t)
	base.SetBinaryCache(bin)

	source := "this is not valid kernel source and must never reach the compiler"
	filename := kernel.FileName(base.Fingerprint(), kernel.SourceFingerprint([]string{source}), "")
	if err := bin.Store(filename, []uint32{1, 2, 3, 4}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	program, err := base.LoadMegakernelProgram(source, nil)
	if err != nil {
		t.Fatalf("LoadMegakernelProgram returned an error, meaning it tried to compile instead of using the binary cache: %v", err)
	}
	if program == nil {
		t.Fatal("expected a non-nil program")
	}
	if _, ok := program.Pipelines[megakernel.KernelName]; !ok {
		t.Fatalf("expected a pipeline named %q, got %v", megakernel.KernelName, program.Pipelines)
	}
}
