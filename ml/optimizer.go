package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	OptSGD      OptimizerType = "sgd"
	OptMomentum OptimizerType = "momentum"
	OptAdam     OptimizerType = "adam"
)

type OptimizerType string

// OptimizerConfig selects the update rule and its hyperparameters.
// Zero values fall back to the usual defaults.
type OptimizerConfig struct {
	Type         OptimizerType
	LearningRate float64

	MomentumMu float64 // For Momentum (usually 0.9)
	AdamBeta1  float64 // For Adam (usually 0.9)
	AdamBeta2  float64 // For Adam (usually 0.999)
	AdamEps    float64 // For Adam (usually 1e-8)
}

type Optimizer interface {
	Update(nw *Network, grads []GradientSet)
}

// layerState holds per-layer optimizer accumulators (first/second moments
// for Adam, velocities for Momentum).
type layerState struct {
	mW, vW *Matrix
	mB, vB *Matrix
}

func NewOptimizer(nw *Network, cfg OptimizerConfig) Optimizer {
	lr := cfg.LearningRate
	if lr == 0 {
		lr = 0.01
	}

	switch cfg.Type {
	case OptAdam:
		// Set defaults if 0
		beta1 := cfg.AdamBeta1
		if beta1 == 0 {
			beta1 = 0.9
		}
		beta2 := cfg.AdamBeta2
		if beta2 == 0 {
			beta2 = 0.999
		}
		eps := cfg.AdamEps
		if eps == 0 {
			eps = 1e-8
		}
		return newAdamOptimizer(nw, lr, beta1, beta2, eps)

	case OptMomentum:
		return newMomentumOptimizer(nw, lr, cfg.MomentumMu)

	default:
		return &SGDOptimizer{LearningRate: lr}
	}
}

// ------ SGD ------ //
type SGDOptimizer struct {
	LearningRate float64
}

func (opt *SGDOptimizer) Update(nw *Network, grads []GradientSet) {
	for i, layer := range nw.Layers {
		// Simple update: W = W - (lr * gradient)
		floats.AddScaled(layer.Weights.data, -opt.LearningRate, grads[i].dW.data)
		floats.AddScaled(layer.Biases.data, -opt.LearningRate, grads[i].db.data)
	}
}

// ------ MOMENTUM ------ //
type MomentumOptimizer struct {
	LearningRate float64
	Mu           float64

	layerStates []layerState
}

func newMomentumOptimizer(nw *Network, lr, mu float64) *MomentumOptimizer {
	if mu == 0 {
		mu = 0.9
	}

	opt := &MomentumOptimizer{
		LearningRate: lr,
		Mu:           mu,
		layerStates:  make([]layerState, len(nw.Layers)),
	}
	for i, layer := range nw.Layers {
		opt.layerStates[i] = layerState{
			mW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
			mB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
		}
	}
	return opt
}

func (opt *MomentumOptimizer) Update(nw *Network, grads []GradientSet) {
	// v = mu * v - lr * grad
	// w = w + v
	applyMomentum := func(params, grads, velocity []float64) {
		for i := range params {
			velocity[i] = (opt.Mu * velocity[i]) - (opt.LearningRate * grads[i])
			params[i] += velocity[i]
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		applyMomentum(layer.Weights.data, grads[i].dW.data, state.mW.data)
		applyMomentum(layer.Biases.data, grads[i].db.data, state.mB.data)
	}
}

// ------ ADAM ------ //
type AdamOptimizer struct {
	lr, beta1, beta2, eps float64

	layerStates []layerState
	timeStep    int // 't' in the Adam paper, tracks number of updates
}

func newAdamOptimizer(nw *Network, lr, beta1, beta2, eps float64) *AdamOptimizer {
	opt := &AdamOptimizer{
		lr:    lr,
		beta1: beta1,
		beta2: beta2,
		eps:   eps,
	}
	for _, layer := range nw.Layers {
		opt.layerStates = append(opt.layerStates, layerState{
			mW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
			vW: NewMatrix(layer.Weights.rows, layer.Weights.cols),
			mB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
			vB: NewMatrix(layer.Biases.rows, layer.Biases.cols),
		})
	}
	return opt
}

// Update applies the Adam update rule to the network's weights and biases
func (opt *AdamOptimizer) Update(nw *Network, grads []GradientSet) {
	opt.timeStep++
	t := float64(opt.timeStep)

	// correction1 = 1 - beta1^t
	// correction2 = 1 - beta2^t
	correction1 := 1.0 - math.Pow(opt.beta1, t)
	correction2 := 1.0 - math.Pow(opt.beta2, t)

	apply := func(params, grads, m, v []float64) {
		for i := range params {
			g := grads[i]

			// m_t = beta1 * m_{t-1} + (1 - beta1) * g
			m[i] = opt.beta1*m[i] + (1.0-opt.beta1)*g

			// v_t = beta2 * v_{t-1} + (1 - beta2) * g^2
			v[i] = opt.beta2*v[i] + (1.0-opt.beta2)*(g*g)

			// Bias Correction
			mHat := m[i] / correction1
			vHat := v[i] / correction2

			// theta = theta - lr * mHat / (sqrt(vHat) + eps)
			params[i] -= opt.lr * mHat / (math.Sqrt(vHat) + opt.eps)
		}
	}

	for i, layer := range nw.Layers {
		state := &opt.layerStates[i]
		apply(layer.Weights.data, grads[i].dW.data, state.mW.data, state.vW.data)
		apply(layer.Biases.data, grads[i].db.data, state.mB.data, state.vB.data)
	}
}
