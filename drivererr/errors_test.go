package drivererr

import (
	"errors"
	"testing"
)

func TestErrorMessageIncludesDevice(t *testing.T) {
	err := New(ContextCreation, "NVIDIA GeForce RTX", "clCreateContext failed")
	want := "ContextCreation [NVIDIA GeForce RTX]: clCreateContext failed"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageWithoutDevice(t *testing.T) {
	err := New(NoDevicesFound, "", "no matching device")
	want := "NoDevicesFound: no matching device"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(BinarySaveFailed, "AMD Radeon", "writing binary cache entry", cause)

	if !errors.Is(err, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
	if errors.Unwrap(err) != cause {
		t.Fatal("Unwrap should return the original cause")
	}
}

func TestKindStringUnknown(t *testing.T) {
	var k Kind = 999
	if k.String() != "Unknown" {
		t.Fatalf("String() = %q, want Unknown", k.String())
	}
}
