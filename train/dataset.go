package train

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"finassist/ml"
)

// Example is one training pair: an input vector and its label vector.
type Example struct {
	Input []float64 `json:"input"`
	Label []float64 `json:"label"`
}

// Dataset is an immutable, validated snapshot of training examples for one
// model. Inputs and Labels are pre-flattened into matrices so the engine
// can run full-batch passes without per-epoch copies. Replacing a model's
// dataset swaps the pointer in the store; a job that captured the old
// pointer at start time keeps training on it.
type Dataset struct {
	ID      string
	ModelID string
	Size    int
	Inputs  *ml.Matrix
	Labels  *ml.Matrix
}

// DatasetStore validates uploads against the owning model's spec and holds
// the single active dataset per model (last write wins).
type DatasetStore struct {
	registry *ModelRegistry

	mu      sync.RWMutex
	byModel map[string]*Dataset
}

func NewDatasetStore(registry *ModelRegistry) *DatasetStore {
	return &DatasetStore{
		registry: registry,
		byModel:  make(map[string]*Dataset),
	}
}

// Upload validates every example against the model's dimensions and binds
// the dataset to the model, replacing any prior one. A single bad example
// rejects the whole upload; nothing is stored.
func (s *DatasetStore) Upload(modelID string, examples []Example) (string, error) {
	model, err := s.registry.Get(modelID)
	if err != nil {
		return "", err
	}
	if len(examples) == 0 {
		return "", ErrEmptyDataset
	}

	inputDim := model.Spec.InputDim
	outputDim := model.Spec.OutputDim
	for i, ex := range examples {
		if len(ex.Input) != inputDim {
			return "", &ShapeMismatchError{Index: i, Field: "input", Want: inputDim, Got: len(ex.Input)}
		}
		if len(ex.Label) != outputDim {
			return "", &ShapeMismatchError{Index: i, Field: "label", Want: outputDim, Got: len(ex.Label)}
		}
	}

	n := len(examples)
	inputRows := make([][]float64, n)
	labelRows := make([][]float64, n)
	for i, ex := range examples {
		inputRows[i] = ex.Input
		labelRows[i] = ex.Label
	}

	ds := &Dataset{
		ID:      uuid.NewString(),
		ModelID: modelID,
		Size:    n,
		Inputs:  ml.NewMatrixFromSlice(n, inputDim, ml.Flatten(inputRows)),
		Labels:  ml.NewMatrixFromSlice(n, outputDim, ml.Flatten(labelRows)),
	}

	s.mu.Lock()
	s.byModel[modelID] = ds
	s.mu.Unlock()
	return ds.ID, nil
}

// Snapshot returns the dataset currently bound to the model. The returned
// dataset is immutable; callers keep training on it even if a later upload
// replaces the binding.
func (s *DatasetStore) Snapshot(modelID string) (*Dataset, error) {
	s.mu.RLock()
	ds, ok := s.byModel[modelID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model %s", ErrNoDataset, modelID)
	}
	return ds, nil
}
