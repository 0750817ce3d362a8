package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/cyclesdriver/cache"
	"github.com/gogpu/cyclesdriver/logging"
)

// memCacheCapacity bounds the in-memory front cache BinaryCache keeps in
// front of disk reads. A handful of devices each reloading kernels a
// handful of times (interactive max_closure changes, strategy switches)
// never approaches this, so the LRU eviction path exists for safety
// rather than because this driver expects to hit it.
const memCacheCapacity = 64

// DeviceFingerprint identifies the device+build-flags combination a
// compiled binary was produced for. Two devices (or the same device with
// different build options) never share a cache entry.
type DeviceFingerprint struct {
	Vendor       string
	Version      string
	Name         string
	Driver       string
	BuildOptions string
}

// Hash returns a short hex digest over the fingerprint fields, used as
// the device_fingerprint component of the binary cache filename.
func (f DeviceFingerprint) Hash() string {
	h := sha256.New()
	for _, field := range []string{f.Vendor, f.Version, f.Name, f.Driver, f.BuildOptions} {
		h.Write([]byte(field))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SourceFingerprint hashes the concatenation of every kernel source file,
// in the order given, producing the source_fingerprint component of the
// binary cache filename. Order matters: callers must pass sources in a
// stable order (e.g. sorted by kernel name) so two processes compiling
// identical sources agree on the digest.
func SourceFingerprint(sources []string) string {
	h := sha256.New()
	for _, src := range sources {
		h.Write([]byte(src))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// CacheDir resolves the directory binary cache files live under. This is
// an injected function rather than a reimplementation of the driver's
// filesystem helpers (path_get/path_user_get are out-of-scope external
// collaborators) — production code supplies the real user cache
// directory, tests supply a temp dir.
type CacheDir func() (string, error)

// FileName returns the cache filename for the given device fingerprint,
// source fingerprint and optional variant, matching the
// cycles_kernel_<device>_<source>[_<variant>].bin scheme.
func FileName(device DeviceFingerprint, sourceFingerprint, variant string) string {
	name := fmt.Sprintf("cycles_kernel_%s_%s", device.Hash(), sourceFingerprint)
	if variant != "" {
		name += "_" + variant
	}
	return name + ".bin"
}

// BinaryCache is the on-disk cache of compiled program binaries. In this
// reimplementation the "binary" is the SPIR-V word stream produced by
// compute.CompileToSPIRV — the closest analog available in a WebGPU-HAL
// backed driver to the vendor program binaries the original OpenCL driver
// caches.
type BinaryCache struct {
	dir CacheDir
	mem *cache.Cache[string, []uint32]
}

// NewBinaryCache returns a BinaryCache rooted at the directory dir
// resolves, fronted by an in-memory LRU cache so repeated loads of the
// same filename within one process (e.g. re-entering load_kernels after
// an interactive max_closure round-trip) skip disk I/O entirely.
func NewBinaryCache(dir CacheDir) *BinaryCache {
	return &BinaryCache{dir: dir, mem: cache.New[string, []uint32](memCacheCapacity)}
}

func (b *BinaryCache) path(filename string) (string, error) {
	dir, err := b.dir()
	if err != nil {
		return "", fmt.Errorf("kernel: resolving binary cache directory: %w", err)
	}
	return filepath.Join(dir, filename), nil
}

// Load attempts to read and decode a cached binary. A missing file,
// unreadable file, or corrupt (non-multiple-of-4 length) payload is
// treated as a cache miss (ok=false); Load returns no error, so every
// failure to produce a cached binary reads as a miss, matching "corrupt
// binaries are treated as cache misses" from the binary cache contract.
func (b *BinaryCache) Load(filename string) (words []uint32, ok bool) {
	if cached, hit := b.mem.Get(filename); hit {
		logging.Logger().Debug("kernel: in-memory binary cache hit", "filename", filename)
		return cached, true
	}

	path, err := b.path(filename)
	if err != nil {
		logging.Logger().Warn("kernel: binary cache unavailable", "error", err)
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if len(data)%4 != 0 {
		logging.Logger().Warn("kernel: corrupt binary cache entry, recompiling", "path", path)
		return nil, false
	}
	words = make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	b.mem.Set(filename, words)
	logging.Logger().Info("kernel: binary cache hit", "path", path)
	return words, true
}

// Store writes a freshly-compiled binary to disk. A failure here is
// fatal to the caller's build step (in the sense that the caller should
// propagate the error) because an uncached expensive compile would
// otherwise repeat on every subsequent launch.
func (b *BinaryCache) Store(filename string, words []uint32) error {
	path, err := b.path(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("kernel: creating binary cache directory: %w", err)
	}
	data := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*4:], w)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("kernel: writing binary cache entry: %w", err)
	}
	b.mem.Set(filename, words)
	logging.Logger().Info("kernel: binary cache entry written", "path", path)
	return nil
}

// MemStats reports the in-memory front cache's hit/miss/eviction
// counters, for diagnostics.
func (b *BinaryCache) MemStats() cache.Stats {
	return b.mem.Stats()
}

// BuildOptions joins a set of -D/-cl style flags into the single string
// DeviceFingerprint.BuildOptions and the compiler's option string share,
// so both always see the same flag order for the same logical option set.
func BuildOptions(flags ...string) string {
	return strings.Join(flags, " ")
}
