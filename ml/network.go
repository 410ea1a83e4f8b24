package ml

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	ActLinear ActivationType = iota
	ActRelu
)

type ActivationType int

// Spec describes a feed-forward network: input width, an ordered list of
// hidden layer widths, and output width. It is immutable once a network is
// built and fully determines every parameter tensor shape.
type Spec struct {
	InputDim     int   `json:"input_dim"`
	HiddenLayers []int `json:"hidden_layers"`
	OutputDim    int   `json:"output_dim"`
}

// Validate reports whether every dimension is positive. An empty hidden
// layer list is valid and yields a single linear layer.
func (s Spec) Validate() error {
	if s.InputDim <= 0 {
		return fmt.Errorf("ml: input_dim must be > 0 (got %d)", s.InputDim)
	}
	for i, h := range s.HiddenLayers {
		if h <= 0 {
			return fmt.Errorf("ml: hidden_layers[%d] must be > 0 (got %d)", i, h)
		}
	}
	if s.OutputDim <= 0 {
		return fmt.Errorf("ml: output_dim must be > 0 (got %d)", s.OutputDim)
	}
	return nil
}

// LayerSizes returns the full width sequence: input, hidden..., output.
func (s Spec) LayerSizes() []int {
	sizes := make([]int, 0, len(s.HiddenLayers)+2)
	sizes = append(sizes, s.InputDim)
	sizes = append(sizes, s.HiddenLayers...)
	sizes = append(sizes, s.OutputDim)
	return sizes
}

type Layer struct {
	Weights *Matrix
	Biases  *Matrix
	ActType ActivationType

	// Forward State
	Z *Matrix
	A *Matrix

	// Backward State
	dZ *Matrix
}

// GradientSet holds the calculated gradients for one layer
type GradientSet struct {
	dW *Matrix
	db *Matrix
}

type Network struct {
	Spec   Spec
	Layers []*Layer
}

// NewNetwork builds a network from a spec. Hidden layers use ReLU with
// He-initialized weights; the output layer is linear with Xavier init.
// Biases start at zero.
func NewNetwork(spec Spec, seed uint64) (*Network, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	sizes := spec.LayerSizes()

	nw := &Network{Spec: spec}
	for i := 1; i < len(sizes); i++ {
		layer := &Layer{
			Weights: NewMatrix(sizes[i-1], sizes[i]),
			Biases:  NewMatrix(1, sizes[i]),
			ActType: ActRelu,
		}
		if i == len(sizes)-1 {
			layer.ActType = ActLinear
			layer.Weights.RandomizeXavier(rng)
		} else {
			layer.Weights.Randomize(rng)
		}
		nw.Layers = append(nw.Layers, layer)
	}
	return nw, nil
}

// InitializeBuffers allocates the per-layer forward/backward workspaces for
// the given batch size. Called lazily by Forward when the batch size changes.
func (nw *Network) InitializeBuffers(batchSize int) {
	for _, layer := range nw.Layers {
		outputDim := layer.Weights.cols
		layer.Z = NewMatrix(batchSize, outputDim)
		layer.A = NewMatrix(batchSize, outputDim)
		layer.dZ = NewMatrix(batchSize, outputDim)
	}
}

// NewGradients allocates a gradient buffer matching the network's layers.
func (nw *Network) NewGradients() []GradientSet {
	grads := make([]GradientSet, len(nw.Layers))
	for l, layer := range nw.Layers {
		grads[l].dW = NewMatrix(layer.Weights.rows, layer.Weights.cols)
		grads[l].db = NewMatrix(layer.Biases.rows, layer.Biases.cols)
	}
	return grads
}

// Forward runs the batch through every layer and returns the output
// activations. The returned matrix aliases internal buffers.
func (nw *Network) Forward(input *Matrix) *Matrix {
	if input.cols != nw.Spec.InputDim {
		panic(fmt.Sprintf("Input size mismatch. Expected %d, got %d", nw.Spec.InputDim, input.cols))
	}
	if nw.Layers[0].Z == nil || nw.Layers[0].Z.rows != input.rows {
		nw.InitializeBuffers(input.rows)
	}

	activation := input
	for _, layer := range nw.Layers {
		MatMul(activation.dense, layer.Weights.dense, layer.Z)
		layer.Z.AddVector(layer.Biases)
		copy(layer.A.data, layer.Z.data)

		if layer.ActType == ActRelu {
			layer.A.ApplyRelu()
		}
		activation = layer.A
	}
	return activation
}

// Loss computes the mean squared error of the last forward pass against the
// targets: mean over samples of the summed squared output error.
func (nw *Network) Loss(targets *Matrix) float64 {
	output := nw.Layers[len(nw.Layers)-1].A
	n := float64(output.rows)

	totalLoss := 0.0
	for i, v := range output.data {
		diff := v - targets.data[i]
		totalLoss += diff * diff
	}
	return totalLoss / n
}

// ComputeGradients backpropagates the MSE loss of the last Forward call and
// fills grads. Returns the loss value before any parameter update.
func (nw *Network) ComputeGradients(input, targets *Matrix, grads []GradientSet) float64 {
	loss := nw.Loss(targets)

	batchSize := input.rows
	scale := 2.0 / float64(batchSize)

	lastLayerIdx := len(nw.Layers) - 1
	lastLayer := nw.Layers[lastLayerIdx]

	// 1. Output Error: d(MSE)/dZ = 2 * (A - Y) / N for a linear output layer.
	for i := range lastLayer.dZ.data {
		lastLayer.dZ.data[i] = scale * (lastLayer.A.data[i] - targets.data[i])
	}

	// 2. Backprop Loop
	for i := lastLayerIdx; i >= 0; i-- {
		layer := nw.Layers[i]

		var prevA mat.Matrix
		if i == 0 {
			prevA = input.dense
		} else {
			prevA = nw.Layers[i-1].A.dense
		}

		// dW = A_prev^T * dZ
		MatMul(prevA.T(), layer.dZ.dense, grads[i].dW)

		// db = column sums of dZ
		grads[i].db.Reset()
		dZData := layer.dZ.data
		dbData := grads[i].db.data
		cols := layer.dZ.cols
		for r := 0; r < layer.dZ.rows; r++ {
			rowOffset := r * cols
			for c := 0; c < cols; c++ {
				dbData[c] += dZData[rowOffset+c]
			}
		}

		// --- CALC dZ_prev ---
		if i > 0 {
			prevLayer := nw.Layers[i-1]
			MatMul(layer.dZ.dense, layer.Weights.dense.T(), prevLayer.dZ)

			// Apply Activation Derivative of Previous Layer
			if prevLayer.ActType == ActRelu {
				zData := prevLayer.Z.data
				dZPrevData := prevLayer.dZ.data
				for k := range dZPrevData {
					if zData[k] <= 0 {
						dZPrevData[k] = 0
					}
				}
			}
		}
	}
	return loss
}

// Predict runs a single input vector through the network and returns a copy
// of the output vector.
func (nw *Network) Predict(inputData []float64) ([]float64, error) {
	if len(inputData) != nw.Spec.InputDim {
		return nil, fmt.Errorf("ml: input size mismatch: expected %d, got %d", nw.Spec.InputDim, len(inputData))
	}

	// Treat the single vector as a batch of size 1.
	inputMat := NewMatrixFromSlice(1, len(inputData), inputData)
	out := nw.Forward(inputMat)

	result := make([]float64, out.cols)
	copy(result, out.data)
	return result, nil
}

// ParamL2 returns the L2 norm of all weights, a cheap drift indicator used
// by tests and log lines.
func (nw *Network) ParamL2() float64 {
	total := 0.0
	for _, layer := range nw.Layers {
		total += floats.Dot(layer.Weights.data, layer.Weights.data)
		total += floats.Dot(layer.Biases.data, layer.Biases.data)
	}
	return total
}
