package kernel

import (
	"github.com/gogpu/cyclesdriver/compute"
	"github.com/gogpu/cyclesdriver/drivererr"
)

// CompileAndCache resolves the SPIR-V words for a kernel named name
// compiled from source, implementing the on-disk binary cache's contract
// from the driver's BinaryCache component: look the binary up by its
// device-and-source fingerprint first, and only fall back to compiling
// from source on a miss, writing a fresh binary back to bin afterward. A
// nil bin skips straight to source compilation — used by tests and any
// caller that has no cache directory to write to.
//
// A disk-read miss (including a corrupt cache entry) is not an error;
// only a failed source compile or a failed write-back after a successful
// compile are, matching the propagation policy that binary-cache reads
// are non-fatal but binary-cache writes after a successful build are
// fatal (an uncached expensive compile would otherwise repeat on every
// launch).
func CompileAndCache(bin *BinaryCache, fp DeviceFingerprint, name, variant, source string) ([]uint32, error) {
	filename := FileName(fp, SourceFingerprint([]string{source}), variant)

	if bin != nil {
		if words, ok := bin.Load(filename); ok {
			return words, nil
		}
	}

	words, err := compute.CompileToSPIRV(source)
	if err != nil {
		return nil, drivererr.Wrap(drivererr.SourceCompileFailed, fp.Name, "compiling "+name+" from source", err)
	}

	if bin != nil {
		if err := bin.Store(filename, words); err != nil {
			return nil, drivererr.Wrap(drivererr.BinarySaveFailed, fp.Name, "caching compiled binary for "+name, err)
		}
	}
	return words, nil
}
