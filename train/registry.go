package train

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"finassist/ml"
)

// Model couples an immutable spec with its mutable parameter state. The
// parameters are mutated only by the single job holding the model's
// exclusive claim; mu guards the brief copy windows (checkpoint snapshots,
// prediction reads) against the optimizer writing concurrently.
type Model struct {
	ID   string
	Spec ml.Spec

	mu  sync.Mutex
	net *ml.Network
}

// ModelRegistry creates and stores networks keyed by model id.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]*Model
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]*Model)}
}

// Create validates the spec, allocates a freshly initialized network and
// returns its id.
func (r *ModelRegistry) Create(spec ml.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	id := uuid.NewString()
	net, err := ml.NewNetwork(spec, uint64(uuid.New().ID()))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	r.mu.Lock()
	r.models[id] = &Model{ID: id, Spec: spec, net: net}
	r.mu.Unlock()
	return id, nil
}

// Get returns the model for id.
func (r *ModelRegistry) Get(id string) (*Model, error) {
	r.mu.RLock()
	m, ok := r.models[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: model %s", ErrNotFound, id)
	}
	return m, nil
}

// Predict runs a single input through a point-in-time copy of the model's
// parameters. The copy may lag a running job by a few updates; it is never
// synchronized epoch-by-epoch with training.
func (r *ModelRegistry) Predict(id string, input []float64) ([]float64, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	snap := m.net.Snapshot()
	m.mu.Unlock()

	net, err := snap.Materialize()
	if err != nil {
		return nil, err
	}
	return net.Predict(input)
}

// snapshot copies the model's current parameters under the model lock.
func (m *Model) snapshot() *ml.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.net.Snapshot()
}
