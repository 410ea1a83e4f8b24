package train

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"finassist/ml"
)

// TrainingConfig controls one training run.
type TrainingConfig struct {
	MaxEpochs          int     `json:"max_epochs"`
	StopLoss           float64 `json:"stop_loss"`
	CheckpointInterval int     `json:"checkpoint_interval"`
	Version            string  `json:"version"`

	// Optimizer settings. Zero values fall back to SGD with lr 0.01.
	LearningRate float64          `json:"learning_rate,omitempty"`
	Optimizer    ml.OptimizerType `json:"optimizer,omitempty"`
}

func (c TrainingConfig) validate() error {
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("%w: max_epochs must be > 0", ErrInvalidConfig)
	}
	if c.StopLoss < 0 {
		return fmt.Errorf("%w: stop_loss must be >= 0", ErrInvalidConfig)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("%w: checkpoint_interval must be > 0", ErrInvalidConfig)
	}
	if c.Version == "" {
		return fmt.Errorf("%w: version must not be empty", ErrInvalidConfig)
	}
	return nil
}

// Engine starts training jobs and drives their epoch loops. One engine
// serves all models; each job runs on its own goroutine.
type Engine struct {
	registry    *ModelRegistry
	datasets    *DatasetStore
	checkpoints *CheckpointStore
	tracker     *Tracker
}

func NewEngine(registry *ModelRegistry, datasets *DatasetStore, checkpoints *CheckpointStore, tracker *Tracker) *Engine {
	return &Engine{
		registry:    registry,
		datasets:    datasets,
		checkpoints: checkpoints,
		tracker:     tracker,
	}
}

// Start validates the request, claims the model and launches the training
// loop in the background. It returns the job id immediately; progress and
// outcome are read through the tracker.
//
// The dataset is snapshotted here, before the goroutine starts: uploads that
// land mid-run bind a new dataset to the model but never change what this
// job trains on.
func (e *Engine) Start(ctx context.Context, modelID string, cfg TrainingConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	model, err := e.registry.Get(modelID)
	if err != nil {
		return "", err
	}
	ds, err := e.datasets.Snapshot(modelID)
	if err != nil {
		return "", err
	}

	// A used version would collide with its existing epoch keys at the
	// first checkpoint write; reject it here instead of mid-run.
	existing, err := e.checkpoints.List(modelID, cfg.Version)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("%w: %s/%s", ErrVersionExists, modelID, cfg.Version)
	}

	jobID, err := e.tracker.register(modelID, cfg)
	if err != nil {
		return "", err
	}

	go e.runJob(ctx, jobID, model, ds, cfg)
	return jobID, nil
}

// runJob executes the epoch loop. Every exit path lands the job in exactly
// one terminal state; the claim release rides on tracker.finish.
func (e *Engine) runJob(ctx context.Context, jobID string, model *Model, ds *Dataset, cfg TrainingConfig) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("job %s: panic: %v", jobID, r)
			e.tracker.finish(jobID, JobFailed, fmt.Sprintf("training panicked: %v", r))
		}
	}()

	e.tracker.run(jobID)
	log.Printf("job %s: training model %s for up to %d epochs (dataset %s, %d examples)",
		jobID, model.ID, cfg.MaxEpochs, ds.ID, ds.Size)

	opt := ml.NewOptimizer(model.net, ml.OptimizerConfig{
		Type:         cfg.Optimizer,
		LearningRate: cfg.LearningRate,
	})
	grads := model.net.NewGradients()

	start := time.Now()
	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		select {
		case <-ctx.Done():
			log.Printf("job %s: canceled at epoch %d", jobID, epoch)
			e.tracker.finish(jobID, JobFailed, "training canceled")
			return
		default:
		}

		// The loss reported for an epoch is measured before that epoch's
		// parameter update is applied.
		model.net.Forward(ds.Inputs)
		loss := model.net.ComputeGradients(ds.Inputs, ds.Labels, grads)

		model.mu.Lock()
		opt.Update(model.net, grads)
		model.mu.Unlock()

		e.tracker.record(jobID, epoch, loss)

		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			log.Printf("job %s: diverged at epoch %d (loss %v)", jobID, epoch, loss)
			e.tracker.finish(jobID, JobFailed, fmt.Sprintf("loss diverged at epoch %d", epoch))
			return
		}

		stop := loss <= cfg.StopLoss
		if epoch%cfg.CheckpointInterval == 0 || stop || epoch == cfg.MaxEpochs {
			if err := e.saveCheckpoint(jobID, model, cfg.Version, epoch, loss); err != nil {
				log.Printf("job %s: checkpoint failed at epoch %d: %v", jobID, epoch, err)
				e.tracker.finish(jobID, JobFailed, fmt.Sprintf("checkpoint at epoch %d: %v", epoch, err))
				return
			}
		}

		if stop {
			log.Printf("job %s: stop loss %.6f reached at epoch %d (%.2fs)",
				jobID, cfg.StopLoss, epoch, time.Since(start).Seconds())
			e.tracker.finish(jobID, JobStoppedEarly, "")
			return
		}
	}

	log.Printf("job %s: completed %d epochs in %.2fs", jobID, cfg.MaxEpochs, time.Since(start).Seconds())
	e.tracker.finish(jobID, JobCompleted, "")
}

func (e *Engine) saveCheckpoint(jobID string, model *Model, version string, epoch int, loss float64) error {
	err := e.checkpoints.Put(Checkpoint{
		CheckpointMeta: CheckpointMeta{
			ModelID: model.ID,
			Version: version,
			Epoch:   epoch,
			Loss:    loss,
			SavedAt: time.Now(),
		},
		Params: model.snapshot(),
	})
	if err != nil {
		return err
	}
	e.tracker.checkpointed(jobID, epoch)
	return nil
}
