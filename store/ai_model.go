package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store/cache"
)

type ModelType string

const (
	ModelGPT4oMini ModelType = "gpt4o-mini"
	ModelBERT      ModelType = "bert"
	ModelT5        ModelType = "t5"
	ModelCustom    ModelType = "custom"
)

func (t ModelType) Valid() bool {
	switch t {
	case ModelGPT4oMini, ModelBERT, ModelT5, ModelCustom:
		return true
	}
	return false
}

type ModelStatus string

const (
	ModelInitializing ModelStatus = "initializing"
	ModelTraining     ModelStatus = "training"
	ModelValidating   ModelStatus = "validating"
	ModelReady        ModelStatus = "ready"
	ModelFailed       ModelStatus = "failed"
)

// modelTransitions lists the statuses reachable from each status. Any status
// short of ready may fail, and a failed model may be trained again.
var modelTransitions = map[ModelStatus][]ModelStatus{
	ModelInitializing: {ModelTraining, ModelFailed},
	ModelTraining:     {ModelValidating, ModelFailed},
	ModelValidating:   {ModelReady, ModelFailed},
	ModelFailed:       {ModelTraining},
}

func (s ModelStatus) CanTransition(next ModelStatus) bool {
	for _, allowed := range modelTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AIModel is the trainable model behind an agent. Each agent has at most one.
type AIModel struct {
	ID        int32 `json:"id"`
	CreatedTs int64 `json:"created_ts"`
	UpdatedTs int64 `json:"updated_ts"`

	AgentID   int32       `json:"agent_id"`
	ModelType ModelType   `json:"model_type"`
	Version   string      `json:"version"`
	Status    ModelStatus `json:"status"`

	// Architecture, TrainingConfig and PerformanceMetrics are JSON objects kept as raw text.
	Architecture       string `json:"architecture"`
	TrainingConfig     string `json:"training_config"`
	PerformanceMetrics string `json:"performance_metrics"`
	// Accuracy is the validation accuracy of the last completed training, if any.
	Accuracy *float64 `json:"accuracy,omitempty"`

	// IPFS content ids of the training artifacts.
	CheckpointHash string `json:"checkpoint_hash,omitempty"`
	WeightsHash    string `json:"weights_hash,omitempty"`
}

func (m *AIModel) PrimaryKey() int32 { return m.ID }

type FindAIModel struct {
	ID        *int32       `json:"id,omitempty"`
	IDs       []int32      `json:"ids,omitempty"`
	AgentID   *int32       `json:"agent_id,omitempty"`
	ModelType *ModelType   `json:"model_type,omitempty"`
	Status    *ModelStatus `json:"status,omitempty"`

	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
}

type UpdateAIModel struct {
	ID int32

	Version            *string
	Status             *ModelStatus
	Architecture       *string
	TrainingConfig     *string
	PerformanceMetrics *string
	Accuracy           *float64
	CheckpointHash     *string
	WeightsHash        *string
}

type DeleteAIModel struct {
	ID int32
}

type AIModelStats struct {
	Total int64 `json:"total"`
	// AverageAccuracy is taken over models with a recorded accuracy.
	AverageAccuracy float64               `json:"average_accuracy"`
	ByStatus        map[ModelStatus]int64 `json:"by_status"`
}

type AIModelRepository struct {
	*Repository[*AIModel, FindAIModel, UpdateAIModel]
	driver Driver
}

func newAIModelRepository(driver Driver, c cache.Store) *AIModelRepository {
	repo := &AIModelRepository{driver: driver}
	repo.Repository = NewRepository(c, "aimodel", DefaultTTL, Backend[*AIModel, FindAIModel, UpdateAIModel]{
		Create: driver.CreateAIModel,
		List:   driver.ListAIModels,
		Count:  driver.CountAIModels,
		Update: func(ctx context.Context, id int32, update *UpdateAIModel) (*AIModel, error) {
			update.ID = id
			return driver.UpdateAIModel(ctx, update)
		},
		Delete: func(ctx context.Context, id int32) error {
			return driver.DeleteAIModel(ctx, &DeleteAIModel{ID: id})
		},
		ByID:  func(id int32) *FindAIModel { return &FindAIModel{ID: &id} },
		ByIDs: func(ids []int32) *FindAIModel { return &FindAIModel{IDs: ids} },
	}).WithSync(repo.sync)
	return repo
}

// Update applies changes to the descriptive fields. Status moves only through
// UpdateStatus.
func (r *AIModelRepository) Update(ctx context.Context, existing *AIModel, update *UpdateAIModel) (*AIModel, error) {
	if update.Status != nil {
		return nil, errors.Wrap(ErrProtectedField, "status")
	}
	return r.Repository.Update(ctx, existing, update)
}

// BulkUpdate applies each change with the same guards as Update.
func (r *AIModelRepository) BulkUpdate(ctx context.Context, changes []Change[*AIModel, UpdateAIModel]) ([]*AIModel, error) {
	for _, c := range changes {
		if c.Update.Status != nil {
			return nil, errors.Wrap(ErrProtectedField, "status")
		}
	}
	return r.Repository.BulkUpdate(ctx, changes)
}

// CreateModel creates the model of an agent in the initializing status.
func (r *AIModelRepository) CreateModel(ctx context.Context, create *AIModel) (*AIModel, error) {
	if !create.ModelType.Valid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "model type %q", create.ModelType)
	}
	create.Status = ModelInitializing
	if create.Version == "" {
		create.Version = "1.0.0"
	}
	for _, field := range []*string{&create.Architecture, &create.TrainingConfig, &create.PerformanceMetrics} {
		if *field == "" {
			*field = "{}"
		}
	}
	return r.Create(ctx, create)
}

// GetByAgent returns the model of an agent, or nil.
func (r *AIModelRepository) GetByAgent(ctx context.Context, agentID int32) (*AIModel, error) {
	return cachedOne(ctx, r.Cache(), r.Key("agent", itoa(agentID)), r.TTL(), func() (*AIModel, error) {
		list, err := r.driver.ListAIModels(ctx, &FindAIModel{AgentID: &agentID})
		if err != nil || len(list) == 0 {
			return nil, err
		}
		return list[0], nil
	})
}

func (r *AIModelRepository) ListByType(ctx context.Context, modelType ModelType, offset, limit int) ([]*AIModel, error) {
	key := r.Key("type", string(modelType), itoa(int32(offset)), itoa(int32(limit)))
	return cachedValue(ctx, r.Cache(), key, DerivedTTL, func() ([]*AIModel, error) {
		return r.driver.ListAIModels(ctx, &FindAIModel{ModelType: &modelType, Offset: &offset, Limit: &limit})
	})
}

// Stats aggregates models of the given type, or all models when modelType is nil.
func (r *AIModelRepository) Stats(ctx context.Context, modelType *ModelType) (*AIModelStats, error) {
	segment := "all"
	if modelType != nil {
		segment = string(*modelType)
	}
	return cachedValue(ctx, r.Cache(), r.Key("stats", segment), DerivedTTL, func() (*AIModelStats, error) {
		return r.driver.GetAIModelStats(ctx, modelType)
	})
}

// UpdateStatus moves the model along its lifecycle.
func (r *AIModelRepository) UpdateStatus(ctx context.Context, id int32, status ModelStatus) (*AIModel, error) {
	return r.Mutate(ctx, id, func(current *AIModel) (*UpdateAIModel, error) {
		if !current.Status.CanTransition(status) {
			return nil, errors.Wrapf(ErrInvalidTransition, "model %d: %s to %s", id, current.Status, status)
		}
		return &UpdateAIModel{Status: &status}, nil
	})
}

// UpdateWeights records the training artifacts and the metrics they were validated with.
func (r *AIModelRepository) UpdateWeights(ctx context.Context, id int32, weightsHash, checkpointHash, metrics string, accuracy *float64) (*AIModel, error) {
	return r.Mutate(ctx, id, func(*AIModel) (*UpdateAIModel, error) {
		update := &UpdateAIModel{WeightsHash: &weightsHash, Accuracy: accuracy}
		if checkpointHash != "" {
			update.CheckpointHash = &checkpointHash
		}
		if metrics != "" {
			update.PerformanceMetrics = &metrics
		}
		return update, nil
	})
}

func (r *AIModelRepository) sync(ctx context.Context, prev, cur *AIModel) {
	if prev != nil && prev.AgentID != cur.AgentID {
		r.Cache().Delete(ctx, r.Key("agent", itoa(prev.AgentID)))
	}
	setCached(ctx, r.Cache(), r.Key("agent", itoa(cur.AgentID)), cur, r.TTL())
	for _, segment := range []string{"type", "stats", "count"} {
		r.Invalidate(ctx, segment)
	}
}
