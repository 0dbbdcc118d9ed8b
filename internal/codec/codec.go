// Package codec converts between tagged data strings, raw encoded images and
// PNG bytes of an exact size.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/vincent-petithory/dataurl"
	_ "golang.org/x/image/webp"
)

const pngMediaType = "image/png"

var ErrTooLarge = errors.New("image too large")

type ReferenceError struct {
	Reason string
	Err    error
}

func (e *ReferenceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reference image %s: %v", e.Reason, e.Err)
	}
	return "reference image " + e.Reason
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// PixelBudget is the largest source image, in pixels, decoded for requests
// capped at maxDimension per side.
func PixelBudget(maxDimension int) int {
	return 4 * maxDimension * maxDimension
}

// DecodeReference parses a data:image/...;base64 string and returns PNG bytes
// resized to exactly width x height. Images declaring more than maxPixels are
// rejected before decoding; maxPixels <= 0 disables the check.
func DecodeReference(s string, width, height, maxPixels int) ([]byte, error) {
	if !strings.HasPrefix(s, "data:image") {
		return nil, &ReferenceError{Reason: "is not a data:image string"}
	}
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, &ReferenceError{Reason: "is malformed", Err: err}
	}
	if du.Encoding != dataurl.EncodingBase64 {
		return nil, &ReferenceError{Reason: "is not base64 encoded"}
	}
	if err := checkPixels(du.Data, maxPixels); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, &ReferenceError{Reason: "is too large", Err: err}
		}
		return nil, &ReferenceError{Reason: "cannot be decoded", Err: err}
	}
	img, err := imaging.Decode(bytes.NewReader(du.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &ReferenceError{Reason: "cannot be decoded", Err: err}
	}
	data, err := encodeSized(img, width, height)
	if err != nil {
		return nil, &ReferenceError{Reason: "cannot be re-encoded", Err: err}
	}
	return data, nil
}

// Conform decodes backend output in any registered format and returns it as
// PNG with the requested dimensions.
func Conform(data []byte, width, height, maxPixels int) ([]byte, error) {
	if err := checkPixels(data, maxPixels); err != nil {
		return nil, fmt.Errorf("checking generated image: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding generated image: %w", err)
	}
	return encodeSized(img, width, height)
}

func Encode(png []byte) string {
	return dataurl.New(png, pngMediaType).String()
}

// Decode is the inverse of Encode, used by callers checking a response.
func Decode(s string) (image.Image, error) {
	du, err := dataurl.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if ct := du.MediaType.ContentType(); ct != pngMediaType {
		return nil, fmt.Errorf("unexpected media type %q", ct)
	}
	return imaging.Decode(bytes.NewReader(du.Data))
}

// checkPixels reads only the image header, so oversized images are refused
// before their pixel buffers are allocated.
func checkPixels(data []byte, maxPixels int) error {
	if maxPixels <= 0 {
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxPixels/cfg.Height {
		return fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}
	return nil
}

func encodeSized(img image.Image, width, height int) ([]byte, error) {
	if b := img.Bounds(); b.Dx() != width || b.Dy() != height {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
