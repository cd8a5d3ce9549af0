package inference

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	apperrors "github.com/almonsour13/mango-lens-sub001/internal/errors"
)

// ConvLayer describes one convolution stage of the artifact: KxK kernels,
// ReLU activation and an optional 2x2 max-pool.
type ConvLayer struct {
	// Kernels is indexed [out][in][ky][kx].
	Kernels [][][][]float64 `json:"kernels"`
	Bias    []float64       `json:"bias"`
	MaxPool bool            `json:"max_pool"`
}

// Artifact is the serialized form of the pre-trained model. It is consumed
// as-is: the core never trains or fine-tunes it.
type Artifact struct {
	Version      int         `json:"version"`
	InputSize    int         `json:"input_size"`
	Classes      []string    `json:"classes"`
	HealthyClass string      `json:"healthy_class"`
	Conv         []ConvLayer `json:"conv"`
	// DenseWeights is indexed [class][channel]; applied after global
	// average pooling of the last conv output.
	DenseWeights [][]float64 `json:"dense_weights"`
	DenseBias    []float64   `json:"dense_bias"`
}

// Model is the loaded classification network: a small conv backbone, global
// average pooling and a dense softmax head. Read-only after load and safe
// for concurrent use.
type Model struct {
	version      int
	inputSize    int
	classes      []string
	healthyIndex int
	conv         []ConvLayer
	dense        *mat.Dense // classes x channels
	denseBias    *mat.VecDense

	pool *TensorPool
}

// newModel validates an artifact and builds the runtime model.
func newModel(a *Artifact) (*Model, error) {
	if a.InputSize < 8 {
		return nil, fmt.Errorf("input size %d too small", a.InputSize)
	}
	if len(a.Classes) < 2 {
		return nil, fmt.Errorf("artifact must enumerate at least 2 classes, got %d", len(a.Classes))
	}
	if len(a.Conv) == 0 {
		return nil, fmt.Errorf("artifact has no conv layers")
	}
	if len(a.DenseWeights) != len(a.Classes) {
		return nil, fmt.Errorf("dense weights rows %d != classes %d", len(a.DenseWeights), len(a.Classes))
	}
	if len(a.DenseBias) != len(a.Classes) {
		return nil, fmt.Errorf("dense bias length %d != classes %d", len(a.DenseBias), len(a.Classes))
	}

	channels := len(a.Conv[len(a.Conv)-1].Kernels)
	flat := make([]float64, 0, len(a.Classes)*channels)
	for i, row := range a.DenseWeights {
		if len(row) != channels {
			return nil, fmt.Errorf("dense weights row %d has %d cols, want %d", i, len(row), channels)
		}
		flat = append(flat, row...)
	}

	healthy := -1
	for i, c := range a.Classes {
		if c == a.HealthyClass {
			healthy = i
		}
	}
	if a.HealthyClass != "" && healthy < 0 {
		return nil, fmt.Errorf("healthy class %q not in class list", a.HealthyClass)
	}

	return &Model{
		version:      a.Version,
		inputSize:    a.InputSize,
		classes:      a.Classes,
		healthyIndex: healthy,
		conv:         a.Conv,
		dense:        mat.NewDense(len(a.Classes), channels, flat),
		denseBias:    mat.NewVecDense(len(a.Classes), a.DenseBias),
		pool:         NewTensorPool(),
	}, nil
}

// ParseArtifact decodes and validates a model artifact.
func ParseArtifact(data []byte) (*Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrModelLoad, "malformed model artifact", err)
	}
	m, err := newModel(&a)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrModelLoad, "invalid model artifact", err)
	}
	return m, nil
}

// Version returns the artifact version.
func (m *Model) Version() int { return m.version }

// InputSize returns the fixed square input resolution.
func (m *Model) InputSize() int { return m.inputSize }

// Classes returns the enumerated class names.
func (m *Model) Classes() []string { return m.classes }

// IsHealthy reports whether a class index is the healthy class.
func (m *Model) IsHealthy(classIndex int) bool {
	return m.healthyIndex >= 0 && classIndex == m.healthyIndex
}

// DenseRow returns the dense weights for a class, one weight per channel of
// the last conv output. The heatmap renderer uses these as the channel
// importances of the class activation map.
func (m *Model) DenseRow(classIndex int) []float64 {
	return mat.Row(nil, classIndex, m.dense)
}

// Pool returns the model's tensor pool.
func (m *Model) Pool() *TensorPool { return m.pool }

// Prediction is the outcome of one forward pass. Trace holds the last conv
// activations retained for explainability; the caller owns it and must
// Release it when done.
type Prediction struct {
	Scores   []float64
	TopClass int
	Trace    *Tensor
}

// Predict runs the forward pass. All intermediate tensors are released
// before returning; only the explainability trace survives, owned by the
// caller.
func (m *Model) Predict(input *Tensor) (*Prediction, error) {
	if input == nil || input.H != m.inputSize || input.W != m.inputSize {
		return nil, apperrors.New(apperrors.ErrInference,
			fmt.Sprintf("input must be %dx%d", m.inputSize, m.inputSize))
	}

	cur := input
	for i := range m.conv {
		next, err := m.convForward(&m.conv[i], cur)
		if cur != input {
			cur.Release()
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	trace := cur

	// Global average pooling over each channel.
	pooled := make([]float64, trace.C)
	area := float64(trace.H * trace.W)
	for c := 0; c < trace.C; c++ {
		sum := 0.0
		for _, v := range trace.Channel(c) {
			sum += v
		}
		pooled[c] = sum / area
	}

	// Dense head: logits = W * pooled + bias.
	var logits mat.VecDense
	logits.MulVec(m.dense, mat.NewVecDense(len(pooled), pooled))
	logits.AddVec(&logits, m.denseBias)

	scores := softmax(logits.RawVector().Data)

	top := 0
	for i, s := range scores {
		if s > scores[top] {
			top = i
		}
	}

	return &Prediction{Scores: scores, TopClass: top, Trace: trace}, nil
}

// convForward applies one conv layer: same-padding convolution, ReLU and an
// optional 2x2 max-pool.
func (m *Model) convForward(layer *ConvLayer, in *Tensor) (*Tensor, error) {
	outC := len(layer.Kernels)
	if outC == 0 || len(layer.Bias) != outC {
		return nil, apperrors.New(apperrors.ErrInference, "conv layer shape mismatch")
	}
	inC := len(layer.Kernels[0])
	if inC != in.C {
		return nil, apperrors.New(apperrors.ErrInference,
			fmt.Sprintf("conv layer expects %d input channels, got %d", inC, in.C))
	}
	k := len(layer.Kernels[0][0])
	half := k / 2

	out := m.pool.Get(outC, in.H, in.W)
	for oc := 0; oc < outC; oc++ {
		for y := 0; y < in.H; y++ {
			for x := 0; x < in.W; x++ {
				sum := layer.Bias[oc]
				for ic := 0; ic < inC; ic++ {
					for ky := 0; ky < k; ky++ {
						sy := y + ky - half
						if sy < 0 || sy >= in.H {
							continue
						}
						for kx := 0; kx < k; kx++ {
							sx := x + kx - half
							if sx < 0 || sx >= in.W {
								continue
							}
							sum += layer.Kernels[oc][ic][ky][kx] * in.At(ic, sy, sx)
						}
					}
				}
				if sum < 0 {
					sum = 0 // ReLU
				}
				out.Set(oc, y, x, sum)
			}
		}
	}

	if !layer.MaxPool {
		return out, nil
	}

	ph, pw := out.H/2, out.W/2
	if ph == 0 || pw == 0 {
		out.Release()
		return nil, apperrors.New(apperrors.ErrInference, "feature map too small to pool")
	}
	pooled := m.pool.Get(outC, ph, pw)
	for c := 0; c < outC; c++ {
		for y := 0; y < ph; y++ {
			for x := 0; x < pw; x++ {
				v := out.At(c, 2*y, 2*x)
				if w := out.At(c, 2*y, 2*x+1); w > v {
					v = w
				}
				if w := out.At(c, 2*y+1, 2*x); w > v {
					v = w
				}
				if w := out.At(c, 2*y+1, 2*x+1); w > v {
					v = w
				}
				pooled.Set(c, y, x, v)
			}
		}
	}
	out.Release()
	return pooled, nil
}

// softmax converts logits to probabilities, shifted for stability.
func softmax(logits []float64) []float64 {
	maxLogit := math.Inf(-1)
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
