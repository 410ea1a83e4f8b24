// Package train implements the model training service: a model registry, a
// dataset store, a bolt-backed checkpoint store, the training engine that
// runs the optimization loop, and the tracker that publishes job progress.
package train

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSpec is returned when a model spec has a non-positive dimension.
	ErrInvalidSpec = errors.New("train: invalid model spec")

	// ErrInvalidConfig is returned when a training config fails validation.
	ErrInvalidConfig = errors.New("train: invalid training config")

	// ErrEmptyDataset is returned for a dataset upload with no examples.
	ErrEmptyDataset = errors.New("train: empty dataset")

	// ErrNoDataset is returned when training is started for a model with no
	// dataset bound to it.
	ErrNoDataset = errors.New("train: no dataset bound to model")

	// ErrConflict is returned when a second job is started while another job
	// still holds the model's exclusive claim.
	ErrConflict = errors.New("train: training already in progress for model")

	// ErrVersionExists is returned when a training run is started with a
	// version that already has checkpoints. Versions are single-use
	// lineages; epochs within one must stay strictly increasing.
	ErrVersionExists = errors.New("train: version already has checkpoints")

	// ErrNotFound is returned for unknown model, dataset, job or checkpoint ids.
	ErrNotFound = errors.New("train: not found")
)

// ShapeMismatchError reports the first dataset example whose input or label
// vector length disagrees with the model spec.
type ShapeMismatchError struct {
	Index int    // offending example index
	Field string // "input" or "label"
	Want  int
	Got   int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("train: example %d: %s length %d does not match model dimension %d",
		e.Index, e.Field, e.Got, e.Want)
}
