// Package imgcodec provides unit tests for the image codec.
package imgcodec

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7 % 256), G: uint8(y * 13 % 256), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test PNG: %v", err)
	}
	return buf.Bytes()
}

// TestRoundTrip tests decodeToDataURL(encodeToBytes(I)) == I byte-for-byte.
func TestRoundTrip(t *testing.T) {
	original := testPNG(t, 16, 16)

	dataURL := DecodeToDataURL(original)
	if !strings.HasPrefix(dataURL, "data:image/png;base64,") {
		t.Errorf("unexpected data URL header: %.40s", dataURL)
	}

	back, err := EncodeToBytes(dataURL)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}

	if !bytes.Equal(back, original) {
		t.Error("round trip changed image bytes")
	}
}

// TestDecodeToDataURLEmpty tests that absent images map to "".
func TestDecodeToDataURLEmpty(t *testing.T) {
	if got := DecodeToDataURL(nil); got != "" {
		t.Errorf("expected empty string for nil input, got %q", got)
	}
	if got := DecodeToDataURL([]byte{}); got != "" {
		t.Errorf("expected empty string for empty input, got %q", got)
	}
}

// TestEncodeToBytesMalformed tests DECODE_ERROR on malformed input.
func TestEncodeToBytesMalformed(t *testing.T) {
	cases := []string{
		"",
		"not a data url",
		"data:image/png,plainpayload",       // not base64-flagged
		"data:image/png;base64",              // no separator
		"data:image/png;base64,!!!not-b64!!", // invalid base64
	}

	for _, c := range cases {
		_, err := EncodeToBytes(c)
		if !apperrors.Is(err, apperrors.ErrDecode) {
			t.Errorf("input %q: expected DECODE_ERROR, got %v", c, err)
		}
	}
}

// TestResizeBytesStretchToFit tests exact target dimensions regardless of
// source aspect ratio.
func TestResizeBytesStretchToFit(t *testing.T) {
	wide := testPNG(t, 64, 16)

	resized, err := ResizeBytes(wide, 20, 20)
	if err != nil {
		t.Fatalf("ResizeBytes failed: %v", err)
	}

	img, err := DecodeImage(resized)
	if err != nil {
		t.Fatalf("failed to decode resized image: %v", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() != 20 || bounds.Dy() != 20 {
		t.Errorf("expected 20x20 after stretch-to-fit, got %dx%d", bounds.Dx(), bounds.Dy())
	}
}

// TestResizeDataURL tests the full dataURL resize path.
func TestResizeDataURL(t *testing.T) {
	dataURL := DecodeToDataURL(testPNG(t, 32, 48))

	out, err := ResizeDataURL(dataURL, 10, 10)
	if err != nil {
		t.Fatalf("ResizeDataURL failed: %v", err)
	}
	if !strings.HasPrefix(out, "data:image/png;base64,") {
		t.Errorf("expected PNG data URL, got %.40s", out)
	}

	data, err := EncodeToBytes(out)
	if err != nil {
		t.Fatalf("EncodeToBytes failed: %v", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 10 {
		t.Errorf("expected 10x10, got %v", img.Bounds())
	}
}

// TestResizeBytesRejectsGarbage tests codec failure on non-image bytes.
func TestResizeBytesRejectsGarbage(t *testing.T) {
	_, err := ResizeBytes([]byte("definitely not an image"), 10, 10)
	if !apperrors.Is(err, apperrors.ErrDecode) {
		t.Errorf("expected DECODE_ERROR, got %v", err)
	}
}
