// Package imaging turns client-supplied base64 frames into images the
// inference workers can consume.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/webp"
)

// DecodeError means the payload is not a decodable image. It is the
// client's fault and is never retried.
type DecodeError struct {
	Stage string // "base64", "image"
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error [%s]: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrEmptyPayload is wrapped in a DecodeError for blank input.
var ErrEmptyPayload = errors.New("empty image payload")

// ErrTooLarge is wrapped in a DecodeError when the declared raster exceeds MaxPixels.
var ErrTooLarge = errors.New("image dimensions too large")

// JPEGQuality is used when re-encoding frames for the workers.
const JPEGQuality = 90

// MaxPixels caps the raster a frame header may declare. Checked before the
// pixel data is decoded, so a tiny payload cannot force a huge allocation.
const MaxPixels = 50_000_000

// DecodeBase64 decodes a base64 frame, with or without a data URL prefix
// ("data:image/jpeg;base64,..."), into an image. JPEG, PNG, GIF and WebP are accepted.
func DecodeBase64(payload string) (image.Image, string, error) {
	encoded := strings.TrimSpace(payload)
	if _, after, ok := strings.Cut(encoded, ","); ok {
		encoded = after
	}
	if encoded == "" {
		return nil, "", &DecodeError{Stage: "base64", Err: ErrEmptyPayload}
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some browsers strip padding
		if raw, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, "", &DecodeError{Stage: "base64", Err: err}
		}
	}

	return Decode(raw)
}

// Decode parses raw image bytes in any of the accepted formats. Images whose
// header declares more than MaxPixels are rejected without being decoded.
func Decode(raw []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &DecodeError{Stage: "image", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", &DecodeError{Stage: "image", Err: fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", &DecodeError{Stage: "image", Err: err}
	}
	return img, format, nil
}

// EncodeFrame re-encodes img as JPEG, shrinking it first so that neither
// side exceeds maxDim. A maxDim <= 0 keeps the original size.
func EncodeFrame(img image.Image, maxDim int) ([]byte, error) {
	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
