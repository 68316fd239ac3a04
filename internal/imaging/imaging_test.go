package imaging

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solid(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 120, B: 80, A: 255})
		}
	}
	return img
}

func pngBase64(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// hugePNG returns a tiny PNG whose header claims a w x h raster.
func hugePNG(t *testing.T, w, h uint32) string {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(1, 1)); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	// Signature (8) + IHDR length (4) + "IHDR" (4), then width and height
	binary.BigEndian.PutUint32(raw[16:20], w)
	binary.BigEndian.PutUint32(raw[20:24], h)
	binary.BigEndian.PutUint32(raw[29:33], crc32.ChecksumIEEE(raw[12:29]))
	return base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeBase64(t *testing.T) {
	payload := pngBase64(t, solid(8, 6))

	tests := []struct {
		name    string
		input   string
		wantErr string // DecodeError stage, empty for success
	}{
		{name: "Plain base64", input: payload},
		{name: "Data URL prefix", input: "data:image/png;base64," + payload},
		{name: "Surrounding whitespace", input: "  " + payload + "\n"},
		{name: "Empty", input: "", wantErr: "base64"},
		{name: "Prefix only", input: "data:image/png;base64,", wantErr: "base64"},
		{name: "Not base64", input: "%%%not-base64%%%", wantErr: "base64"},
		{name: "Base64 but not an image", input: base64.StdEncoding.EncodeToString([]byte("hello world")), wantErr: "image"},
		{name: "Header declares a huge raster", input: hugePNG(t, 40000, 40000), wantErr: "image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, format, err := DecodeBase64(tt.input)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Unexpected error: %v", err)
				}
				if format != "png" {
					t.Errorf("Expected png, got %q", format)
				}
				if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 6 {
					t.Errorf("Expected 8x6, got %dx%d", b.Dx(), b.Dy())
				}
				return
			}

			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Expected *DecodeError, got %T (%v)", err, err)
			}
			if de.Stage != tt.wantErr {
				t.Errorf("Expected stage %q, got %q", tt.wantErr, de.Stage)
			}
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		maxDim int
		wantW  int
		wantH  int
	}{
		{name: "Small frame untouched", w: 64, h: 48, maxDim: 100, wantW: 64, wantH: 48},
		{name: "Wide frame shrinks", w: 400, h: 200, maxDim: 100, wantW: 100, wantH: 50},
		{name: "Tall frame shrinks", w: 100, h: 300, maxDim: 150, wantW: 50, wantH: 150},
		{name: "No limit", w: 300, h: 300, maxDim: 0, wantW: 300, wantH: 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EncodeFrame(solid(tt.w, tt.h), tt.maxDim)
			if err != nil {
				t.Fatalf("EncodeFrame failed: %v", err)
			}
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			if err != nil {
				t.Fatalf("Output is not a JPEG: %v", err)
			}
			if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
				t.Errorf("Expected %dx%d, got %dx%d", tt.wantW, tt.wantH, cfg.Width, cfg.Height)
			}
		})
	}
}

func TestDecodeRejectsHugeRaster(t *testing.T) {
	_, _, err := DecodeBase64(hugePNG(t, 40000, 40000))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}

	// A small declared raster passes the size check; the truncated pixel data fails later
	if _, _, err := DecodeBase64(hugePNG(t, 2, 2)); errors.Is(err, ErrTooLarge) {
		t.Errorf("Small raster rejected as too large: %v", err)
	}
}
