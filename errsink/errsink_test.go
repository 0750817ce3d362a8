package errsink

import (
	"testing"

	"github.com/gogpu/cyclesdriver/drivererr"
)

func TestFirstErrorIsLatched(t *testing.T) {
	s := New()
	if s.HasError() {
		t.Fatal("new sink should have no error")
	}

	first := drivererr.New(drivererr.ContextCreation, "dev0", "first failure")
	second := drivererr.New(drivererr.KernelLaunch, "dev0", "second failure")

	s.Report(first)
	s.Report(second)

	if got := s.Error(); got != first {
		t.Fatalf("Error() = %v, want the first reported error", got)
	}
}

func TestReportNilIsNoop(t *testing.T) {
	s := New()
	s.Report(nil)
	if s.HasError() {
		t.Fatal("reporting nil should not latch an error")
	}
}

func TestReset(t *testing.T) {
	s := New()
	s.Report(drivererr.New(drivererr.MemoryTransfer, "dev0", "oops"))
	if !s.HasError() {
		t.Fatal("expected error after Report")
	}
	s.Reset()
	if s.HasError() {
		t.Fatal("expected no error after Reset")
	}
}

func TestConcurrentReportsLatchExactlyOne(t *testing.T) {
	s := New()
	done := make(chan struct{})
	for i := 0; i < 32; i++ {
		i := i
		go func() {
			s.Report(drivererr.New(drivererr.KernelLaunch, "dev0", "concurrent"))
			_ = i
			done <- struct{}{}
		}()
	}
	for i := 0; i < 32; i++ {
		<-done
	}
	if !s.HasError() {
		t.Fatal("expected a latched error")
	}
}
