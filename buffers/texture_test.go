package buffers

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodeTestPNG(t *testing.T, w, h int, fill color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test PNG: %v", err)
	}
	return buf.Bytes()
}

func TestLoadTextureDecodesAndUploadsRGBA(t *testing.T) {
	reg, fake := newTestRegistry(t)
	encoded := encodeTestPNG(t, 2, 2, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	id, err := reg.LoadTexture("diffuse_map", encoded)
	if err != nil {
		t.Fatalf("LoadTexture: %v", err)
	}

	got, err := fake.ReadBuffer(id, 0, 16) // 2x2 pixels * 4 bytes
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	want := []byte{10, 20, 30, 255}
	for px := 0; px < 4; px++ {
		off := px * 4
		for c := 0; c < 4; c++ {
			if got[off+c] != want[c] {
				t.Fatalf("pixel %d byte %d = %d, want %d", px, c, got[off+c], want[c])
			}
		}
	}

	ids := reg.BindTextures([]string{"diffuse_map"})
	if ids[0] != id {
		t.Fatal("expected LoadTexture to register the texture the same way TexAlloc does")
	}
}

func TestLoadTextureRejectsUndecodableData(t *testing.T) {
	reg, _ := newTestRegistry(t)
	if _, err := reg.LoadTexture("bad", []byte("not an image")); err == nil {
		t.Fatal("expected an error decoding non-image data")
	}
}
