package inference

import (
	"image"

	"github.com/disintegration/imaging"
)

// Preprocess converts a decoded image into the model's input tensor:
// stretch-resized to the fixed input resolution, RGB channels normalized
// to [0,1]. The returned tensor comes from the model's pool; the caller
// releases it after Predict.
func (m *Model) Preprocess(img image.Image) *Tensor {
	size := m.inputSize
	resized := imaging.Resize(img, size, size, imaging.Lanczos)

	t := m.pool.Get(3, size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := resized.NRGBAAt(x, y)
			t.Set(0, y, x, float64(c.R)/255)
			t.Set(1, y, x, float64(c.G)/255)
			t.Set(2, y, x, float64(c.B)/255)
		}
	}
	return t
}
