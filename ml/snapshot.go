package ml

import (
	"fmt"
)

// Snapshot is a deep, immutable copy of a network's parameters together with
// the spec that shaped them. It is the unit persisted by the checkpoint
// store and is independently loadable: Materialize rebuilds a runnable
// network from a snapshot alone.
type Snapshot struct {
	Spec   Spec
	Layers []LayerSnapshot
}

type LayerSnapshot struct {
	Weights *Matrix
	Biases  *Matrix
}

// Snapshot copies the current parameter state. The caller must guarantee no
// concurrent parameter mutation (the engine holds the model lock).
func (nw *Network) Snapshot() *Snapshot {
	snap := &Snapshot{
		Spec:   nw.Spec,
		Layers: make([]LayerSnapshot, len(nw.Layers)),
	}
	for i, l := range nw.Layers {
		snap.Layers[i] = LayerSnapshot{
			Weights: l.Weights.Clone(),
			Biases:  l.Biases.Clone(),
		}
	}
	return snap
}

// Restore overwrites the network's parameters from a snapshot, validating
// every tensor shape first so a half-applied restore cannot happen.
func (nw *Network) Restore(snap *Snapshot) error {
	if len(nw.Layers) != len(snap.Layers) {
		return fmt.Errorf("ml: architecture mismatch: network has %d layers, snapshot has %d",
			len(nw.Layers), len(snap.Layers))
	}

	checkDims := func(name string, layerIdx int, current, loaded *Matrix) error {
		if current.rows != loaded.rows || current.cols != loaded.cols {
			return fmt.Errorf("ml: layer %d %s shape mismatch: expected [%d, %d], got [%d, %d]",
				layerIdx, name,
				current.rows, current.cols,
				loaded.rows, loaded.cols,
			)
		}
		return nil
	}

	for i, l := range nw.Layers {
		if err := checkDims("weights", i, l.Weights, snap.Layers[i].Weights); err != nil {
			return err
		}
		if err := checkDims("biases", i, l.Biases, snap.Layers[i].Biases); err != nil {
			return err
		}
	}

	// Safe to overwrite now
	for i, l := range nw.Layers {
		copy(l.Weights.data, snap.Layers[i].Weights.data)
		copy(l.Biases.data, snap.Layers[i].Biases.data)
	}
	return nil
}

// Materialize rebuilds a runnable network from the snapshot, e.g. to serve
// predictions from a checkpoint or to continue training from it.
func (s *Snapshot) Materialize() (*Network, error) {
	nw, err := NewNetwork(s.Spec, 0)
	if err != nil {
		return nil, err
	}
	if err := nw.Restore(s); err != nil {
		return nil, err
	}
	return nw, nil
}
