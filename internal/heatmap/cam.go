// Package heatmap renders class activation maps over scanned leaf images.
package heatmap

import (
	"fmt"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
	"github.com/almonsour13/mango-lens-sub001/internal/inference"
)

// ActivationMap computes the class-discriminative activation map for a
// predicted class from the retained last-conv trace. With a global-average-
// pooling head the gradient of a class logit with respect to a channel mean
// is exactly that class's dense weight, so the gradient-weighted map reduces
// to a dense-weighted channel sum followed by ReLU and min-max scaling to
// [0,1].
func ActivationMap(m *inference.Model, trace *inference.Tensor, classIndex int) ([][]float64, error) {
	if trace == nil || trace.Data == nil {
		return nil, apperrors.New(apperrors.ErrInference, "missing activation trace")
	}
	if classIndex < 0 || classIndex >= len(m.Classes()) {
		return nil, apperrors.New(apperrors.ErrInference,
			fmt.Sprintf("class index %d out of range", classIndex))
	}

	weights := m.DenseRow(classIndex)
	if len(weights) != trace.C {
		return nil, apperrors.New(apperrors.ErrInference,
			fmt.Sprintf("trace has %d channels, dense row has %d", trace.C, len(weights)))
	}

	cam := make([][]float64, trace.H)
	maxV := 0.0
	for y := 0; y < trace.H; y++ {
		cam[y] = make([]float64, trace.W)
		for x := 0; x < trace.W; x++ {
			sum := 0.0
			for c := 0; c < trace.C; c++ {
				sum += weights[c] * trace.At(c, y, x)
			}
			if sum < 0 {
				sum = 0 // ReLU: only positively contributing regions matter
			}
			cam[y][x] = sum
			if sum > maxV {
				maxV = sum
			}
		}
	}

	// A flat map (no positive contribution anywhere) renders transparent.
	if maxV == 0 {
		return cam, nil
	}

	for y := range cam {
		for x := range cam[y] {
			cam[y][x] /= maxV
		}
	}
	return cam, nil
}
