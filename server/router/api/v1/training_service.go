package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	apierrors "github.com/hrygo/synthr/server/internal/errors"
	"github.com/hrygo/synthr/server/internal/observability"
	"github.com/hrygo/synthr/server/runner/training"
	"github.com/hrygo/synthr/store"
)

type StartTrainingRequest struct {
	ModelType string          `json:"model_type" validate:"required,oneof=gpt4o-mini bert t5 custom"`
	Config    json.RawMessage `json:"config"`
}

type TrainingJobQuery struct {
	Page
	AgentID int32 `query:"agent_id" validate:"required,gt=0"`
}

// StartTrainingResponse is the queued job and the run it started.
type StartTrainingResponse struct {
	Job *store.TrainingJob `json:"job"`
	Run *training.RunInfo  `json:"run"`
}

// StartTraining queues a job for a draft agent and starts it.
// POST /api/v1/agents/:id/training
func (s *APIV1Service) StartTraining(c echo.Context) error {
	var req StartTrainingRequest
	if err := s.bindJSON(c, &req); err != nil {
		return err
	}
	if s.Pipeline == nil {
		return apierrors.ServiceUnavailable("training is not available")
	}
	agent, err := s.loadOwnedAgent(c)
	if err != nil {
		return err
	}
	if agent.Status != store.AgentDraft {
		return apierrors.Conflict("only draft agents can be trained").WithDetail("status", string(agent.Status))
	}
	cfg, err := training.ParseConfig(string(req.Config))
	if err != nil {
		return apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, "invalid training config")
	}

	ctx := c.Request().Context()
	model, err := s.Store.AIModels().GetByAgent(ctx, agent.ID)
	if err != nil {
		return err
	}
	if model == nil {
		model, err = s.Store.AIModels().CreateModel(ctx, &store.AIModel{
			AgentID:        agent.ID,
			ModelType:      store.ModelType(req.ModelType),
			TrainingConfig: cfg.String(),
		})
		if err != nil {
			return err
		}
	}
	job, err := s.Store.TrainingJobs().CreateJob(ctx, agent.ID, model.ID, cfg.String())
	if err != nil {
		return err
	}

	run, err := s.Pipeline.Start(ctx, job.ID)
	if err != nil {
		if errors.Is(err, training.ErrAtCapacity) {
			if _, cancelErr := s.Store.TrainingJobs().Cancel(ctx, job.ID); cancelErr != nil {
				observability.Logger(ctx).Warn("failed to cancel queued training job", "job_id", job.ID, "error", cancelErr)
			}
			return apierrors.Wrap(err, apierrors.ErrCodeServiceUnavailable, "all training slots are busy, retry later")
		}
		return err
	}
	if job, err = s.Store.TrainingJobs().Get(ctx, job.ID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, &StartTrainingResponse{Job: job, Run: run})
}

// GetTrainingJob returns a job and its active run.
// GET /api/v1/training/:id
func (s *APIV1Service) GetTrainingJob(c echo.Context) error {
	job, err := s.loadOwnedJob(c)
	if err != nil {
		return err
	}
	if s.Pipeline == nil {
		return c.JSON(http.StatusOK, &training.Status{Job: job})
	}
	status, err := s.Pipeline.Status(c.Request().Context(), job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

// StopTrainingJob cancels a pending or running job.
// DELETE /api/v1/training/:id
func (s *APIV1Service) StopTrainingJob(c echo.Context) error {
	if s.Pipeline == nil {
		return apierrors.ServiceUnavailable("training is not available")
	}
	job, err := s.loadOwnedJob(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := s.Pipeline.Stop(ctx, job.ID); err != nil {
		if errors.Is(err, training.ErrNotRunning) {
			return apierrors.Wrap(err, apierrors.ErrCodeConflict, "training job is not running")
		}
		return err
	}
	job, err = s.Store.TrainingJobs().Get(ctx, job.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// ListTrainingJobs returns the jobs of an agent the user owns.
// GET /api/v1/training?agent_id=
func (s *APIV1Service) ListTrainingJobs(c echo.Context) error {
	var q TrainingJobQuery
	if err := s.bindQuery(c, &q); err != nil {
		return err
	}
	ctx := c.Request().Context()
	agent, err := s.Store.Agents().Get(ctx, q.AgentID)
	if err != nil {
		return err
	}
	if agent == nil {
		return apierrors.NotFound("agent %d not found", q.AgentID)
	}
	if agent.OwnerID != currentUserID(c) {
		return apierrors.Forbidden("agent belongs to another user")
	}
	jobs, err := s.Store.TrainingJobs().ListByAgent(ctx, agent.ID, q.Offset, q.limit())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newList(jobs, q.Page))
}

func (s *APIV1Service) loadOwnedJob(c echo.Context) (*store.TrainingJob, error) {
	id, err := pathID(c, "id")
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	job, err := s.Store.TrainingJobs().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, apierrors.NotFound("training job %d not found", id)
	}
	agent, err := s.Store.Agents().Get(ctx, job.AgentID)
	if err != nil {
		return nil, err
	}
	if agent == nil || agent.OwnerID != currentUserID(c) {
		return nil, apierrors.Forbidden("training job belongs to another user")
	}
	return job, nil
}
