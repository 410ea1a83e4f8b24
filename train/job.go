package train

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a training job.
type JobState string

const (
	JobPending      JobState = "pending"
	JobRunning      JobState = "running"
	JobCompleted    JobState = "completed"
	JobStoppedEarly JobState = "stopped_early"
	JobFailed       JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobStoppedEarly || s == JobFailed
}

// LossPoint is one entry in a job's loss history.
type LossPoint struct {
	Epoch int     `json:"epoch"`
	Loss  float64 `json:"loss"`
}

// TrainingJob is the tracked record of one training run. CurrentEpoch and
// History advance together: CurrentEpoch never exceeds len(History).
type TrainingJob struct {
	ID                  string         `json:"id"`
	ModelID             string         `json:"model_id"`
	Config              TrainingConfig `json:"config"`
	State               JobState       `json:"state"`
	CurrentEpoch        int            `json:"current_epoch"`
	History             []LossPoint    `json:"loss_history"`
	LastCheckpointEpoch int            `json:"last_checkpoint_epoch"`
	Err                 string         `json:"error,omitempty"`
	StartedAt           time.Time      `json:"started_at"`
	FinishedAt          time.Time      `json:"finished_at,omitzero"`
}

// Tracker records job progress and enforces the one-running-job-per-model
// rule. All fields of a job move under the tracker lock so a Status reader
// always sees epoch and history in agreement. Terminal jobs stay queryable.
type Tracker struct {
	mu     sync.Mutex
	jobs   map[string]*TrainingJob
	claims map[string]string // model id -> job id holding the claim
}

func NewTracker() *Tracker {
	return &Tracker{
		jobs:   make(map[string]*TrainingJob),
		claims: make(map[string]string),
	}
}

// register claims the model and creates a pending job in one atomic step.
// A model whose claim is already held rejects the new job with ErrConflict.
func (t *Tracker) register(modelID string, cfg TrainingConfig) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if holder, held := t.claims[modelID]; held {
		return "", fmt.Errorf("%w %s (job %s)", ErrConflict, modelID, holder)
	}

	id := uuid.NewString()
	t.claims[modelID] = id
	t.jobs[id] = &TrainingJob{
		ID:        id,
		ModelID:   modelID,
		Config:    cfg,
		State:     JobPending,
		History:   make([]LossPoint, 0, cfg.MaxEpochs),
		StartedAt: time.Now(),
	}
	return id, nil
}

// run moves the job from pending to running.
func (t *Tracker) run(jobID string) {
	t.mu.Lock()
	t.jobs[jobID].State = JobRunning
	t.mu.Unlock()
}

// record publishes one completed epoch: the counter and the history entry
// land under the same lock acquisition.
func (t *Tracker) record(jobID string, epoch int, loss float64) {
	t.mu.Lock()
	job := t.jobs[jobID]
	job.CurrentEpoch = epoch
	job.History = append(job.History, LossPoint{Epoch: epoch, Loss: loss})
	t.mu.Unlock()
}

// checkpointed notes that a checkpoint was written at the given epoch.
func (t *Tracker) checkpointed(jobID string, epoch int) {
	t.mu.Lock()
	t.jobs[jobID].LastCheckpointEpoch = epoch
	t.mu.Unlock()
}

// finish moves the job to a terminal state and releases the model's claim.
func (t *Tracker) finish(jobID string, state JobState, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.jobs[jobID]
	if job.State.Terminal() {
		return
	}
	job.State = state
	job.Err = errMsg
	job.FinishedAt = time.Now()

	if t.claims[job.ModelID] == jobID {
		delete(t.claims, job.ModelID)
	}
}

// Status returns a consistent copy of the job. The copy owns its history
// slice, so callers can inspect it while the job keeps advancing.
func (t *Tracker) Status(jobID string) (TrainingJob, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return TrainingJob{}, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}

	out := *job
	out.History = make([]LossPoint, len(job.History))
	copy(out.History, job.History)
	return out, nil
}
