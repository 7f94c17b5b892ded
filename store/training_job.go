package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store/cache"
)

type TrainingStatus string

const (
	TrainingPending   TrainingStatus = "pending"
	TrainingRunning   TrainingStatus = "running"
	TrainingCompleted TrainingStatus = "completed"
	TrainingFailed    TrainingStatus = "failed"
	TrainingCancelled TrainingStatus = "cancelled"
)

// IsTerminal reports whether the job has stopped for good.
func (s TrainingStatus) IsTerminal() bool {
	return s == TrainingCompleted || s == TrainingFailed || s == TrainingCancelled
}

// TrainingJob is one training run of an agent's model.
type TrainingJob struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	AgentID int32          `json:"agent_id"`
	ModelID int32          `json:"model_id"`
	Status  TrainingStatus `json:"status"`

	EpochsCompleted int32    `json:"epochs_completed"`
	CurrentLoss     *float64 `json:"current_loss,omitempty"`
	CurrentAccuracy *float64 `json:"current_accuracy,omitempty"`
	// Progress is a percentage in [0, 100].
	Progress     float64 `json:"progress"`
	ErrorMessage string  `json:"error_message,omitempty"`

	// TrainingConfig, Metrics, ValidationResults and ResourcesUsed are JSON kept as raw text.
	TrainingConfig    string `json:"training_config"`
	Metrics           string `json:"metrics"`
	ValidationResults string `json:"validation_results"`
	ResourcesUsed     string `json:"resources_used"`
	// ComputeTime is the wall time of the run in seconds.
	ComputeTime int64 `json:"compute_time"`
}

func (j *TrainingJob) PrimaryKey() int32 { return j.ID }

type FindTrainingJob struct {
	ID       *int32           `json:"id,omitempty"`
	IDs      []int32          `json:"ids,omitempty"`
	AgentID  *int32           `json:"agent_id,omitempty"`
	ModelID  *int32           `json:"model_id,omitempty"`
	Statuses []TrainingStatus `json:"statuses,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateTrainingJob struct {
	ID int32

	Status            *TrainingStatus
	EpochsCompleted   *int32
	CurrentLoss       *float64
	CurrentAccuracy   *float64
	Progress          *float64
	ErrorMessage      *string
	Metrics           *string
	ValidationResults *string
	ResourcesUsed     *string
	ComputeTime       *int64
}

type DeleteTrainingJob struct {
	ID int32
}

type TrainingJobStats struct {
	TotalJobs      int64                    `json:"total_jobs"`
	AvgComputeTime float64                  `json:"avg_compute_time"`
	AvgAccuracy    float64                  `json:"avg_accuracy"`
	ByStatus       map[TrainingStatus]int64 `json:"by_status"`
}

// TrainingProgress is one progress report of a running job.
type TrainingProgress struct {
	Progress float64
	Epoch    int32
	Loss     *float64
	Accuracy *float64
	// Metrics replaces the stored metrics history when not empty.
	Metrics string
}

// TrainingOutcome is what a finished job records.
type TrainingOutcome struct {
	Metrics           string
	ValidationResults string
	ResourcesUsed     string
	ComputeTime       int64
	Accuracy          *float64
}

type TrainingJobRepository struct {
	*Repository[*TrainingJob, FindTrainingJob, UpdateTrainingJob]
	driver Driver
}

func newTrainingJobRepository(driver Driver, c cache.Store) *TrainingJobRepository {
	repo := &TrainingJobRepository{driver: driver}
	repo.Repository = NewRepository(c, "trainingjob", DefaultTTL, Backend[*TrainingJob, FindTrainingJob, UpdateTrainingJob]{
		Create: driver.CreateTrainingJob,
		List:   driver.ListTrainingJobs,
		Count:  driver.CountTrainingJobs,
		Update: func(ctx context.Context, id int32, update *UpdateTrainingJob) (*TrainingJob, error) {
			update.ID = id
			return driver.UpdateTrainingJob(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteTrainingJob(ctx, &DeleteTrainingJob{ID: id})
		},
		ByID:  func(id int32) *FindTrainingJob { return &FindTrainingJob{ID: &id} },
		ByIDs: func(ids []int32) *FindTrainingJob { return &FindTrainingJob{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// Update applies changes to the descriptive fields. Status, progress and epochs
// move only through Start, UpdateProgress, Complete, Fail and Cancel.
func (r *TrainingJobRepository) Update(ctx context.Context, existing *TrainingJob, update *UpdateTrainingJob) (*TrainingJob, error) {
	if err := checkTrainingJobUpdate(update); err != nil {
		return nil, err
	}
	return r.Repository.Update(ctx, existing, update)
}

// BulkUpdate applies each change with the same guards as Update.
func (r *TrainingJobRepository) BulkUpdate(ctx context.Context, changes []Change[*TrainingJob, UpdateTrainingJob]) ([]*TrainingJob, error) {
	for _, c := range changes {
		if err := checkTrainingJobUpdate(c.Update); err != nil {
			return nil, err
		}
	}
	return r.Repository.BulkUpdate(ctx, changes)
}

func checkTrainingJobUpdate(update *UpdateTrainingJob) error {
	if update.Status != nil || update.Progress != nil || update.EpochsCompleted != nil {
		return errors.Wrap(ErrProtectedField, "status, progress and epochs_completed")
	}
	return nil
}

// CreateJob queues a pending job for the model of an agent.
func (r *TrainingJobRepository) CreateJob(ctx context.Context, agentID, modelID int32, config string) (*TrainingJob, error) {
	if config == "" {
		config = "{}"
	}
	return r.Create(ctx, &TrainingJob{
		AgentID:           agentID,
		ModelID:           modelID,
		Status:            TrainingPending,
		TrainingConfig:    config,
		Metrics:           "{}",
		ValidationResults: "{}",
		ResourcesUsed:     "{}",
	})
}

// ListByAgent returns the jobs of an agent, newest first.
func (r *TrainingJobRepository) ListByAgent(ctx context.Context, agentID int32, offset, limit int) ([]*TrainingJob, error) {
	key := r.Key("agent", itoa(agentID), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*TrainingJob, error) {
		return r.driver.ListTrainingJobs(ctx, &FindTrainingJob{AgentID: &agentID, Offset: &offset, Limit: &limit})
	})
}

// Active returns the pending and running jobs.
func (r *TrainingJobRepository) Active(ctx context.Context) ([]*TrainingJob, error) {
	return cachedValue(ctx, r.Cache(), r.Key("active"), SearchTTL, func() ([]*TrainingJob, error) {
		return r.driver.ListTrainingJobs(ctx, &FindTrainingJob{Statuses: []TrainingStatus{TrainingPending, TrainingRunning}})
	})
}

// Stats aggregates the jobs of an agent, or all jobs when agentID is nil.
func (r *TrainingJobRepository) Stats(ctx context.Context, agentID *int32) (*TrainingJobStats, error) {
	return cachedValue(ctx, r.Cache(), r.Key("stats", optSegment(agentID, "global")), DerivedTTL, func() (*TrainingJobStats, error) {
		return r.driver.GetTrainingJobStats(ctx, agentID)
	})
}

// Start moves a pending job to running.
func (r *TrainingJobRepository) Start(ctx context.Context, id int32) (*TrainingJob, error) {
	return r.Mutate(ctx, id, func(current *TrainingJob) (*UpdateTrainingJob, error) {
		if current.Status != TrainingPending {
			return nil, errors.Wrapf(ErrInvalidTransition, "training job %d: %s to %s", id, current.Status, TrainingRunning)
		}
		status := TrainingRunning
		return &UpdateTrainingJob{Status: &status}, nil
	})
}

// UpdateProgress records a progress report. Progress never goes backwards and only
// a running job accepts reports.
func (r *TrainingJobRepository) UpdateProgress(ctx context.Context, id int32, p TrainingProgress) (*TrainingJob, error) {
	return r.Mutate(ctx, id, func(current *TrainingJob) (*UpdateTrainingJob, error) {
		if current.Status != TrainingRunning {
			return nil, errors.Wrapf(ErrInvalidTransition, "training job %d is %s", id, current.Status)
		}
		if p.Progress < 0 || p.Progress > 100 {
			return nil, errors.Wrapf(ErrInvalidArgument, "progress %.2f out of range", p.Progress)
		}
		if p.Progress < current.Progress {
			return nil, errors.Wrapf(ErrInvalidArgument, "progress %.2f below current %.2f", p.Progress, current.Progress)
		}
		update := &UpdateTrainingJob{
			Progress:        &p.Progress,
			CurrentLoss:     p.Loss,
			CurrentAccuracy: p.Accuracy,
		}
		if p.Epoch > current.EpochsCompleted {
			update.EpochsCompleted = &p.Epoch
		}
		if p.Metrics != "" {
			update.Metrics = &p.Metrics
		}
		return update, nil
	})
}

// Complete marks a running job completed with full progress.
func (r *TrainingJobRepository) Complete(ctx context.Context, id int32, outcome TrainingOutcome) (*TrainingJob, error) {
	return r.Mutate(ctx, id, func(current *TrainingJob) (*UpdateTrainingJob, error) {
		if current.Status != TrainingRunning {
			return nil, errors.Wrapf(ErrInvalidTransition, "training job %d: %s to %s", id, current.Status, TrainingCompleted)
		}
		status, progress := TrainingCompleted, float64(100)
		update := &UpdateTrainingJob{
			Status:          &status,
			Progress:        &progress,
			ComputeTime:     &outcome.ComputeTime,
			CurrentAccuracy: outcome.Accuracy,
		}
		if outcome.Metrics != "" {
			update.Metrics = &outcome.Metrics
		}
		if outcome.ValidationResults != "" {
			update.ValidationResults = &outcome.ValidationResults
		}
		if outcome.ResourcesUsed != "" {
			update.ResourcesUsed = &outcome.ResourcesUsed
		}
		return update, nil
	})
}

// Fail marks a pending or running job failed.
func (r *TrainingJobRepository) Fail(ctx context.Context, id int32, message string) (*TrainingJob, error) {
	return r.stop(ctx, id, TrainingFailed, message)
}

// Cancel marks a pending or running job cancelled.
func (r *TrainingJobRepository) Cancel(ctx context.Context, id int32) (*TrainingJob, error) {
	return r.stop(ctx, id, TrainingCancelled, "")
}

func (r *TrainingJobRepository) stop(ctx context.Context, id int32, status TrainingStatus, message string) (*TrainingJob, error) {
	return r.Mutate(ctx, id, func(current *TrainingJob) (*UpdateTrainingJob, error) {
		if current.Status.IsTerminal() {
			return nil, errors.Wrapf(ErrInvalidTransition, "training job %d: %s to %s", id, current.Status, status)
		}
		update := &UpdateTrainingJob{Status: &status}
		if message != "" {
			message = truncate(message, maxErrorMessage)
			update.ErrorMessage = &message
		}
		return update, nil
	})
}

func (r *TrainingJobRepository) sync(ctx context.Context, _, _ *TrainingJob) {
	r.Invalidate(ctx, "agent")
	r.Cache().Delete(ctx, r.Key("active"))
	r.Invalidate(ctx, "stats")
	r.Invalidate(ctx, "count")
}
