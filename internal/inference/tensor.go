// Package inference runs the pre-trained leaf classification model.
package inference

import (
	"fmt"
	"sync"
)

// Tensor is a C x H x W float64 buffer in channel-major layout.
type Tensor struct {
	C, H, W int
	Data    []float64

	pool *TensorPool
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores a value at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Channel returns the H*W slice backing channel c.
func (t *Tensor) Channel(c int) []float64 {
	return t.Data[c*t.H*t.W : (c+1)*t.H*t.W]
}

// Release returns the tensor's buffer to its pool. The tensor must not be
// used afterwards. Releasing intermediates after every forward pass is the
// pipeline's primary resource-management invariant: buffers are recycled
// deterministically instead of accumulating until a collection cycle.
func (t *Tensor) Release() {
	if t.pool != nil {
		t.pool.put(t)
	}
}

// TensorPool recycles tensor buffers across repeated predictions.
type TensorPool struct {
	pool sync.Pool
}

// NewTensorPool creates an empty pool.
func NewTensorPool() *TensorPool {
	return &TensorPool{
		pool: sync.Pool{
			New: func() interface{} {
				buf := make([]float64, 0)
				return &buf
			},
		},
	}
}

// Get returns a zeroed tensor of the requested shape, reusing a pooled
// buffer when one is large enough.
func (p *TensorPool) Get(c, h, w int) *Tensor {
	if c < 1 || h < 1 || w < 1 {
		panic(fmt.Sprintf("invalid tensor shape %dx%dx%d", c, h, w))
	}

	n := c * h * w
	bufp := p.pool.Get().(*[]float64)
	buf := *bufp
	if cap(buf) < n {
		buf = make([]float64, n)
	} else {
		buf = buf[:n]
		for i := range buf {
			buf[i] = 0
		}
	}

	return &Tensor{C: c, H: h, W: w, Data: buf, pool: p}
}

func (p *TensorPool) put(t *Tensor) {
	buf := t.Data
	t.Data = nil
	t.pool = nil
	p.pool.Put(&buf)
}
