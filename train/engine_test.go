package train

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"finassist/ml"
)

// testEngine wires a full service stack backed by a throwaway bolt file.
func testEngine(t *testing.T) (*Engine, *ModelRegistry, *DatasetStore, *Tracker, *CheckpointStore) {
	t.Helper()
	store, err := OpenCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("OpenCheckpointStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := NewModelRegistry()
	datasets := NewDatasetStore(registry)
	tracker := NewTracker()
	return NewEngine(registry, datasets, store, tracker), registry, datasets, tracker, store
}

// linearExamples generates n samples of y = x0 + 2*x1.
func linearExamples(n int) []Example {
	rng := rand.New(rand.NewPCG(9, 9))
	examples := make([]Example, n)
	for i := range examples {
		x0 := rng.Float64()*2 - 1
		x1 := rng.Float64()*2 - 1
		examples[i] = Example{Input: []float64{x0, x1}, Label: []float64{x0 + 2*x1}}
	}
	return examples
}

func setupModel(t *testing.T, registry *ModelRegistry, datasets *DatasetStore) string {
	t.Helper()
	modelID, err := registry.Create(ml.Spec{InputDim: 2, HiddenLayers: []int{8}, OutputDim: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := datasets.Upload(modelID, linearExamples(64)); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return modelID
}

func waitTerminal(t *testing.T, tracker *Tracker, jobID string) TrainingJob {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, err := tracker.Status(jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return TrainingJob{}
}

func TestTrainingCompletes(t *testing.T) {
	engine, registry, datasets, tracker, store := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	cfg := TrainingConfig{MaxEpochs: 10, StopLoss: 0, CheckpointInterval: 3, Version: "v1", LearningRate: 0.05}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, tracker, jobID)
	if job.State != JobCompleted {
		t.Fatalf("state = %s, want %s (err %q)", job.State, JobCompleted, job.Err)
	}
	if job.CurrentEpoch != 10 || len(job.History) != 10 {
		t.Fatalf("epoch = %d, history = %d, want 10/10", job.CurrentEpoch, len(job.History))
	}
	for i, p := range job.History {
		if p.Epoch != i+1 {
			t.Fatalf("history[%d].Epoch = %d, want %d", i, p.Epoch, i+1)
		}
	}

	// Interval multiples plus the final epoch, no duplicates.
	metas, err := store.List(modelID, "v1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	wantEpochs := []int{3, 6, 9, 10}
	if len(metas) != len(wantEpochs) {
		t.Fatalf("got %d checkpoints, want %d", len(metas), len(wantEpochs))
	}
	for i, meta := range metas {
		if meta.Epoch != wantEpochs[i] {
			t.Fatalf("checkpoint %d epoch = %d, want %d", i, meta.Epoch, wantEpochs[i])
		}
	}
	if job.LastCheckpointEpoch != 10 {
		t.Fatalf("LastCheckpointEpoch = %d, want 10", job.LastCheckpointEpoch)
	}
}

func TestEarlyStopSingleCheckpoint(t *testing.T) {
	engine, registry, datasets, tracker, store := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	// An enormous stop loss fires on epoch 1, well before the interval.
	cfg := TrainingConfig{MaxEpochs: 100, StopLoss: 1e9, CheckpointInterval: 10, Version: "v1"}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, tracker, jobID)
	if job.State != JobStoppedEarly {
		t.Fatalf("state = %s, want %s", job.State, JobStoppedEarly)
	}
	if job.CurrentEpoch != 1 {
		t.Fatalf("CurrentEpoch = %d, want 1", job.CurrentEpoch)
	}

	metas, err := store.List(modelID, "v1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 1 || metas[0].Epoch != 1 {
		t.Fatalf("checkpoints = %+v, want exactly one at epoch 1", metas)
	}
}

func TestConcurrentStartsOneWinner(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	cfg := TrainingConfig{MaxEpochs: 200, StopLoss: 0, CheckpointInterval: 50, Version: "v1", LearningRate: 0.01}

	const racers = 8
	var wg sync.WaitGroup
	jobIDs := make([]string, racers)
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobIDs[i], errs[i] = engine.Start(context.Background(), modelID, cfg)
		}(i)
	}
	wg.Wait()

	var winners int
	var winner string
	for i := 0; i < racers; i++ {
		if errs[i] == nil {
			winners++
			winner = jobIDs[i]
		} else if !errors.Is(errs[i], ErrConflict) {
			t.Fatalf("racer %d: unexpected error %v", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("got %d winners, want exactly 1", winners)
	}

	// Once the winner finishes the claim is released and a new job may
	// start under a fresh version.
	waitTerminal(t, tracker, winner)
	cfg.Version = "v2"
	if _, err := engine.Start(context.Background(), modelID, cfg); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
}

// TestVersionReuseRejected: once a version has checkpoints, starting
// another run with it must fail at Start, not mid-run.
func TestVersionReuseRejected(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	cfg := TrainingConfig{MaxEpochs: 2, StopLoss: 0, CheckpointInterval: 1, Version: "v1", LearningRate: 0.01}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job := waitTerminal(t, tracker, jobID); job.State != JobCompleted {
		t.Fatalf("state = %s, want %s (err %q)", job.State, JobCompleted, job.Err)
	}

	if _, err := engine.Start(context.Background(), modelID, cfg); !errors.Is(err, ErrVersionExists) {
		t.Fatalf("Start with used version = %v, want %v", err, ErrVersionExists)
	}

	cfg.Version = "v2"
	if _, err := engine.Start(context.Background(), modelID, cfg); err != nil {
		t.Fatalf("Start with fresh version: %v", err)
	}
}

func TestStatusNeverTorn(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	cfg := TrainingConfig{MaxEpochs: 500, StopLoss: 0, CheckpointInterval: 100, Version: "v1", LearningRate: 0.01}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	for {
		job, err := tracker.Status(jobID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if job.CurrentEpoch > len(job.History) {
			t.Fatalf("torn read: epoch %d with %d history entries", job.CurrentEpoch, len(job.History))
		}
		if job.State.Terminal() {
			break
		}
	}
}

func TestDatasetReplacementDoesNotAffectRunningJob(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	cfg := TrainingConfig{MaxEpochs: 300, StopLoss: 0, CheckpointInterval: 100, Version: "v1", LearningRate: 0.01}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Replace the dataset mid-run with garbage labels. The running job must
	// keep converging on its start-time snapshot.
	garbage := make([]Example, 16)
	for i := range garbage {
		garbage[i] = Example{Input: []float64{0, 0}, Label: []float64{1e6}}
	}
	if _, err := datasets.Upload(modelID, garbage); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	job := waitTerminal(t, tracker, jobID)
	if job.State != JobCompleted {
		t.Fatalf("state = %s, want %s (err %q)", job.State, JobCompleted, job.Err)
	}
	first := job.History[0].Loss
	last := job.History[len(job.History)-1].Loss
	if last >= first {
		t.Fatalf("loss did not improve: first=%v last=%v", first, last)
	}
}

func TestDivergenceFailsJob(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	// An absurd learning rate blows the loss up to +Inf within a few epochs.
	cfg := TrainingConfig{MaxEpochs: 10000, StopLoss: 0, CheckpointInterval: 10000, Version: "v1", LearningRate: 1e12}
	jobID, err := engine.Start(context.Background(), modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, tracker, jobID)
	if job.State != JobFailed {
		t.Fatalf("state = %s, want %s", job.State, JobFailed)
	}
	if job.Err == "" {
		t.Fatal("failed job must carry an error message")
	}
}

func TestCancellationFailsJob(t *testing.T) {
	engine, registry, datasets, tracker, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := TrainingConfig{MaxEpochs: 100000, StopLoss: 0, CheckpointInterval: 100000, Version: "v1"}
	jobID, err := engine.Start(ctx, modelID, cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	job := waitTerminal(t, tracker, jobID)
	if job.State != JobFailed || job.Err != "training canceled" {
		t.Fatalf("state = %s err = %q, want failed/training canceled", job.State, job.Err)
	}

	// The claim is released, so training can start again.
	if _, err := engine.Start(context.Background(), modelID,
		TrainingConfig{MaxEpochs: 1, StopLoss: 0, CheckpointInterval: 1, Version: "v2"}); err != nil {
		t.Fatalf("Start after cancel: %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	engine, registry, datasets, _, _ := testEngine(t)
	modelID := setupModel(t, registry, datasets)
	ctx := context.Background()

	good := TrainingConfig{MaxEpochs: 5, StopLoss: 0, CheckpointInterval: 1, Version: "v1"}

	cases := []struct {
		name    string
		modelID string
		mutate  func(*TrainingConfig)
		wantErr error
	}{
		{"unknown model", "nope", nil, ErrNotFound},
		{"zero epochs", modelID, func(c *TrainingConfig) { c.MaxEpochs = 0 }, ErrInvalidConfig},
		{"negative stop loss", modelID, func(c *TrainingConfig) { c.StopLoss = -1 }, ErrInvalidConfig},
		{"zero interval", modelID, func(c *TrainingConfig) { c.CheckpointInterval = 0 }, ErrInvalidConfig},
		{"empty version", modelID, func(c *TrainingConfig) { c.Version = "" }, ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := good
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			if _, err := engine.Start(ctx, tc.modelID, cfg); !errors.Is(err, tc.wantErr) {
				t.Fatalf("Start = %v, want %v", err, tc.wantErr)
			}
		})
	}

	// No dataset bound yet for a fresh model.
	freshID, err := registry.Create(ml.Spec{InputDim: 2, OutputDim: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Start(ctx, freshID, good); !errors.Is(err, ErrNoDataset) {
		t.Fatalf("Start = %v, want %v", err, ErrNoDataset)
	}
}
