package buffers

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	"github.com/gogpu/cyclesdriver/compute"
)

// LoadTexture decodes an encoded PNG/JPEG image and normalizes it to
// tightly packed RGBA8 before handing the raw bytes to TexAlloc. Decoding
// happens ahead of upload, the way the scene-translation layer prepares
// mem before calling tex_alloc(name, mem) — TexAlloc itself keeps taking
// raw bytes and knows nothing about image formats.
func (r *Registry) LoadTexture(name string, encoded []byte) (compute.BufferID, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return compute.InvalidID, fmt.Errorf("buffers: decoding texture %q: %w", name, err)
	}

	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	xdraw.Draw(rgba, bounds, img, bounds.Min, xdraw.Src)

	return r.TexAlloc(name, rgba.Pix)
}
