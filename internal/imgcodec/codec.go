// Package imgcodec converts between data URLs, raw image bytes and decoded
// images, and resizes analysis artifacts to the canonical storage size.
package imgcodec

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
)

// EncodeToBytes strips the data-URL header and decodes the base64 payload
// to raw bytes for storage. Jobs persist bytes, never data URLs, to avoid
// base64 bloat at rest.
func EncodeToBytes(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return nil, apperrors.New(apperrors.ErrDecode, "missing data URL header")
	}

	comma := strings.IndexByte(dataURL, ',')
	if comma < 0 {
		return nil, apperrors.New(apperrors.ErrDecode, "malformed data URL: no payload separator")
	}

	header := dataURL[len("data:"):comma]
	if !strings.HasSuffix(header, ";base64") {
		return nil, apperrors.New(apperrors.ErrDecode, "unsupported data URL encoding")
	}

	payload, err := base64.StdEncoding.DecodeString(dataURL[comma+1:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDecode, "invalid base64 payload", err)
	}
	return payload, nil
}

// DecodeToDataURL is the inverse of EncodeToBytes. The MIME type is sniffed
// from the bytes. Empty input returns "" — an absent image is a valid state
// (a job with no analyzed image yet), not an error.
func DecodeToDataURL(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	mime := mimetype.Detect(data)
	return "data:" + mime.String() + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeImage decodes raw image bytes (PNG, JPEG, GIF or WebP).
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDecode, "failed to decode image", err)
	}
	return img, nil
}

// EncodePNG re-encodes a decoded image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDecode, "failed to encode PNG", err)
	}
	return buf.Bytes(), nil
}

// ResizeBytes resizes image bytes to exactly width x height and re-encodes
// as PNG. Aspect handling is stretch-to-fit, not crop: the analyzed heatmap
// overlay must keep pixel-for-pixel registration with the original on
// re-display, so both are distorted identically.
func ResizeBytes(data []byte, width, height int) ([]byte, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return nil, err
	}
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	return EncodePNG(resized)
}

// ResizeDataURL resizes a data URL image to exactly width x height, keeping
// the stretch-to-fit behavior of ResizeBytes, and returns a PNG data URL.
func ResizeDataURL(dataURL string, width, height int) (string, error) {
	data, err := EncodeToBytes(dataURL)
	if err != nil {
		return "", err
	}
	resized, err := ResizeBytes(data, width, height)
	if err != nil {
		return "", err
	}
	return DecodeToDataURL(resized), nil
}
