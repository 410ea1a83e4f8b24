package ml

import (
	"math"
	"math/rand/v2"
	"testing"
)

// --- Global Variables to prevent compiler optimizations ---
var resultMat *Matrix
var resultLoss float64

func TestSpecValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"ok", Spec{InputDim: 4, HiddenLayers: []int{8, 8}, OutputDim: 1}, false},
		{"no hidden layers", Spec{InputDim: 3, OutputDim: 2}, false},
		{"zero input", Spec{InputDim: 0, OutputDim: 1}, true},
		{"negative output", Spec{InputDim: 2, OutputDim: -1}, true},
		{"zero hidden width", Spec{InputDim: 2, HiddenLayers: []int{4, 0}, OutputDim: 1}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewNetworkShapes(t *testing.T) {
	spec := Spec{InputDim: 4, HiddenLayers: []int{8, 8}, OutputDim: 1}
	nw, err := NewNetwork(spec, 1)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	if len(nw.Layers) != 3 {
		t.Fatalf("expected 3 layers, got %d", len(nw.Layers))
	}
	wantShapes := [][2]int{{4, 8}, {8, 8}, {8, 1}}
	for i, layer := range nw.Layers {
		if layer.Weights.Rows() != wantShapes[i][0] || layer.Weights.Cols() != wantShapes[i][1] {
			t.Errorf("layer %d weights [%d, %d], want %v",
				i, layer.Weights.Rows(), layer.Weights.Cols(), wantShapes[i])
		}
		if layer.Biases.Cols() != wantShapes[i][1] {
			t.Errorf("layer %d biases cols = %d, want %d", i, layer.Biases.Cols(), wantShapes[i][1])
		}
	}
	// Last layer is linear, hidden layers are relu.
	if nw.Layers[2].ActType != ActLinear {
		t.Errorf("output layer activation = %v, want linear", nw.Layers[2].ActType)
	}
	if nw.Layers[0].ActType != ActRelu {
		t.Errorf("hidden layer activation = %v, want relu", nw.Layers[0].ActType)
	}
}

func TestNetworkNoHiddenLayers(t *testing.T) {
	nw, err := NewNetwork(Spec{InputDim: 2, OutputDim: 3}, 1)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	if len(nw.Layers) != 1 {
		t.Fatalf("expected a single linear layer, got %d layers", len(nw.Layers))
	}
	out, err := nw.Predict([]float64{0.5, -0.5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("output length = %d, want 3", len(out))
	}
}

func TestPredictSizeMismatch(t *testing.T) {
	nw, _ := NewNetwork(Spec{InputDim: 4, OutputDim: 1}, 1)
	if _, err := nw.Predict([]float64{1, 2}); err == nil {
		t.Fatal("expected error for wrong input size")
	}
}

// TestGradientDescentConverges trains a small network on a linear target and
// checks the loss drops by at least an order of magnitude.
func TestGradientDescentConverges(t *testing.T) {
	for _, optType := range []OptimizerType{OptSGD, OptMomentum, OptAdam} {
		t.Run(string(optType), func(t *testing.T) {
			nw, err := NewNetwork(Spec{InputDim: 2, HiddenLayers: []int{8}, OutputDim: 1}, 7)
			if err != nil {
				t.Fatalf("NewNetwork: %v", err)
			}

			// y = x0 + 2*x1
			rng := rand.New(rand.NewPCG(42, 42))
			n := 64
			xData := make([]float64, n*2)
			yData := make([]float64, n)
			for i := 0; i < n; i++ {
				x0 := rng.Float64()*2 - 1
				x1 := rng.Float64()*2 - 1
				xData[i*2] = x0
				xData[i*2+1] = x1
				yData[i] = x0 + 2*x1
			}
			inputs := NewMatrixFromSlice(n, 2, xData)
			targets := NewMatrixFromSlice(n, 1, yData)

			opt := NewOptimizer(nw, OptimizerConfig{Type: optType, LearningRate: 0.05})
			grads := nw.NewGradients()

			nw.Forward(inputs)
			first := nw.ComputeGradients(inputs, targets, grads)
			opt.Update(nw, grads)

			var last float64
			for epoch := 0; epoch < 300; epoch++ {
				nw.Forward(inputs)
				last = nw.ComputeGradients(inputs, targets, grads)
				opt.Update(nw, grads)
			}

			if math.IsNaN(last) || last >= first/10 {
				t.Fatalf("loss did not converge: first=%.6f last=%.6f", first, last)
			}
		})
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	nw, _ := NewNetwork(Spec{InputDim: 3, HiddenLayers: []int{5}, OutputDim: 2}, 11)
	snap := nw.Snapshot()
	before := nw.ParamL2()

	// Mutate the live network, then restore.
	for _, layer := range nw.Layers {
		layer.Weights.ApplyFunc(func(v float64) float64 { return v * 3 })
	}
	if nw.ParamL2() == before {
		t.Fatal("mutation did not change parameters")
	}
	if err := nw.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := nw.ParamL2(); got != before {
		t.Fatalf("ParamL2 after restore = %v, want %v", got, before)
	}

	// Snapshots must be deep copies, isolated from the source network.
	snap.Layers[0].Weights.Reset()
	if nw.ParamL2() != before {
		t.Fatal("snapshot mutation leaked into the network")
	}
}

func TestSnapshotMaterialize(t *testing.T) {
	nw, _ := NewNetwork(Spec{InputDim: 4, HiddenLayers: []int{6}, OutputDim: 1}, 3)
	input := []float64{0.3, 0.1, -0.2, -0.4}
	want, err := nw.Predict(input)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	clone, err := nw.Snapshot().Materialize()
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	got, err := clone.Predict(input)
	if err != nil {
		t.Fatalf("Predict(clone): %v", err)
	}
	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-12 {
			t.Fatalf("output %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRestoreShapeMismatch(t *testing.T) {
	a, _ := NewNetwork(Spec{InputDim: 3, HiddenLayers: []int{5}, OutputDim: 2}, 1)
	b, _ := NewNetwork(Spec{InputDim: 3, HiddenLayers: []int{6}, OutputDim: 2}, 1)
	if err := a.Restore(b.Snapshot()); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

// --- Benchmarks: Matrix Multiplication ---

func benchmarkMatMul(b *testing.B, size int, method string) {
	rng := rand.New(rand.NewPCG(1, 1))
	m1 := NewMatrix(size, size)
	m2 := NewMatrix(size, size)
	out := NewMatrix(size, size)

	m1.Randomize(rng)
	m2.Randomize(rng)

	b.ResetTimer()

	if method == "Native" {
		for n := 0; n < b.N; n++ {
			MatMulGo(m1, m2, out)
		}
	} else {
		for n := 0; n < b.N; n++ {
			// Pass the underlying gonum object (.dense)
			MatMul(m1.dense, m2.dense, out)
		}
	}
	resultMat = out
}

func BenchmarkMatMul_Native_64(b *testing.B)  { benchmarkMatMul(b, 64, "Native") }
func BenchmarkMatMul_Gonum_64(b *testing.B)   { benchmarkMatMul(b, 64, "Gonum") }
func BenchmarkMatMul_Native_256(b *testing.B) { benchmarkMatMul(b, 256, "Native") }
func BenchmarkMatMul_Gonum_256(b *testing.B)  { benchmarkMatMul(b, 256, "Gonum") }

// --- Benchmarks: Full Training Step ---

func benchmarkTrainStep(b *testing.B, batchSize int, optType OptimizerType) {
	nw, _ := NewNetwork(Spec{InputDim: 32, HiddenLayers: []int{64, 32}, OutputDim: 4}, 1)

	rng := rand.New(rand.NewPCG(2, 2))
	xData := make([]float64, batchSize*32)
	for i := range xData {
		xData[i] = rng.Float64()
	}
	yData := make([]float64, batchSize*4)
	for i := range yData {
		yData[i] = rng.Float64()
	}
	inputs := NewMatrixFromSlice(batchSize, 32, xData)
	targets := NewMatrixFromSlice(batchSize, 4, yData)

	opt := NewOptimizer(nw, OptimizerConfig{Type: optType, LearningRate: 0.01})
	grads := nw.NewGradients()

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		nw.Forward(inputs)
		resultLoss = nw.ComputeGradients(inputs, targets, grads)
		opt.Update(nw, grads)
	}
}

func BenchmarkTrainStep_SGD_64(b *testing.B)      { benchmarkTrainStep(b, 64, OptSGD) }
func BenchmarkTrainStep_Momentum_64(b *testing.B) { benchmarkTrainStep(b, 64, OptMomentum) }
func BenchmarkTrainStep_Adam_64(b *testing.B)     { benchmarkTrainStep(b, 64, OptAdam) }
