package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/synthr/server/internal/observability"
	"github.com/hrygo/synthr/server/ipfs"
	"github.com/hrygo/synthr/store"
)

var (
	// ErrAtCapacity is returned by Start when every training slot is taken.
	ErrAtCapacity = errors.New("training capacity reached")
	// ErrNotRunning is returned by Stop for a job that has no active run.
	ErrNotRunning = errors.New("training job is not running")
)

// Pinner stores training artifacts. *ipfs.Client implements it.
type Pinner interface {
	PinFile(ctx context.Context, name string, r io.Reader, keyValues map[string]string) (*ipfs.PinResult, error)
	PinJSON(ctx context.Context, v any, name string, keyValues map[string]string) (*ipfs.PinResult, error)
}

// RunInfo describes an active run.
type RunInfo struct {
	JobID     int32     `json:"job_id"`
	AgentID   int32     `json:"agent_id"`
	ModelID   int32     `json:"model_id"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Progress  Progress  `json:"progress"`
}

// Status is the state of a job together with its active run, if any.
type Status struct {
	Job *store.TrainingJob `json:"job"`
	Run *RunInfo           `json:"run,omitempty"`
}

type run struct {
	info    RunInfo
	history []Progress
	cancel  context.CancelFunc
	done    chan struct{}
}

// Pipeline drives training jobs through a Trainer. Runs live in memory only:
// a restart loses them, and FailInterrupted settles the jobs they left behind.
type Pipeline struct {
	store   *store.Store
	trainer Trainer
	pinner  Pinner
	metrics *observability.Metrics

	slots        *semaphore.Weighted
	pollInterval time.Duration

	mu   sync.Mutex
	runs map[int32]*run
	wg   sync.WaitGroup
}

type Option func(*Pipeline)

// WithPinner pins weights and checkpoints to IPFS. Without it the weights hash
// is the Keccak-256 of the artifact.
func WithPinner(p Pinner) Option {
	return func(pl *Pipeline) { pl.pinner = p }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithPollInterval sets how often a run checks for cancellation.
func WithPollInterval(d time.Duration) Option {
	return func(pl *Pipeline) { pl.pollInterval = d }
}

func NewPipeline(s *store.Store, trainer Trainer, maxConcurrent int64, opts ...Option) *Pipeline {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	p := &Pipeline{
		store:        s,
		trainer:      trainer,
		slots:        semaphore.NewWeighted(maxConcurrent),
		pollInterval: time.Second,
		runs:         make(map[int32]*run),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches a pending job. The agent moves to training, the model and the
// job to running, and the run continues after ctx ends.
func (p *Pipeline) Start(ctx context.Context, jobID int32) (*RunInfo, error) {
	job, err := p.store.TrainingJobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "training job %d", jobID)
	}
	if job.Status != store.TrainingPending {
		return nil, errors.Wrapf(store.ErrInvalidTransition, "training job %d is %s", jobID, job.Status)
	}

	cfg, err := ParseConfig(job.TrainingConfig)
	if err != nil {
		p.failJob(ctx, jobID, err.Error())
		return nil, err
	}
	model, err := p.store.AIModels().Get(ctx, job.ModelID)
	if err != nil {
		return nil, err
	}
	if model == nil {
		p.failJob(ctx, jobID, "model not found")
		return nil, errors.Wrapf(store.ErrNotFound, "model %d", job.ModelID)
	}
	if !model.Status.CanTransition(store.ModelTraining) {
		return nil, errors.Wrapf(store.ErrInvalidTransition, "model %d is %s", model.ID, model.Status)
	}

	if !p.slots.TryAcquire(1) {
		return nil, ErrAtCapacity
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		info: RunInfo{
			JobID:     job.ID,
			AgentID:   job.AgentID,
			ModelID:   job.ModelID,
			RunID:     shortuuid.New(),
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.mu.Lock()
	if _, ok := p.runs[jobID]; ok {
		p.mu.Unlock()
		cancel()
		p.slots.Release(1)
		return nil, errors.Wrapf(store.ErrConflict, "training job %d already running", jobID)
	}
	p.runs[jobID] = r
	p.mu.Unlock()

	if err := p.begin(ctx, job); err != nil {
		p.forget(jobID)
		cancel()
		close(r.done)
		p.slots.Release(1)
		return nil, err
	}

	logger := slog.With(observability.LogFieldJobID, jobID, observability.LogFieldRunID, r.info.RunID)
	logger.Info("training started", "agent_id", job.AgentID, "model_id", job.ModelID, "epochs", cfg.Epochs)
	if p.metrics != nil {
		p.metrics.TrainingActive.Inc()
	}

	p.wg.Add(1)
	go p.execute(runCtx, r, &Job{
		ID:        job.ID,
		AgentID:   job.AgentID,
		ModelID:   job.ModelID,
		RunID:     r.info.RunID,
		ModelType: model.ModelType,
		Config:    cfg,
	}, logger)

	p.mu.Lock()
	info := r.info
	p.mu.Unlock()
	return &info, nil
}

// begin moves the agent, the model and the job into training, undoing the
// agent change when a later step fails.
func (p *Pipeline) begin(ctx context.Context, job *store.TrainingJob) error {
	if _, err := p.store.Agents().StartTraining(ctx, job.AgentID); err != nil {
		return err
	}
	if _, err := p.store.AIModels().UpdateStatus(ctx, job.ModelID, store.ModelTraining); err != nil {
		p.abortAgent(ctx, job.AgentID)
		return err
	}
	if _, err := p.store.TrainingJobs().Start(ctx, job.ID); err != nil {
		p.abortAgent(ctx, job.AgentID)
		_, _ = p.store.AIModels().UpdateStatus(ctx, job.ModelID, store.ModelFailed)
		return err
	}
	return nil
}

type trainOutcome struct {
	result *Result
	err    error
}

func (p *Pipeline) execute(ctx context.Context, r *run, job *Job, logger *slog.Logger) {
	defer p.wg.Done()
	defer close(r.done)
	defer p.slots.Release(1)
	defer p.forget(job.ID)
	defer r.cancel()
	if p.metrics != nil {
		defer p.metrics.TrainingActive.Dec()
	}

	started := time.Now()
	outcome := make(chan trainOutcome, 1)
	go func() {
		result, err := p.trainer.Train(ctx, job, func(pr Progress) error {
			return p.report(ctx, r, pr)
		})
		outcome <- trainOutcome{result: result, err: err}
	}()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	// Bookkeeping after the run uses a context of its own so a cancelled run
	// can still be recorded.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	for {
		select {
		case out := <-outcome:
			switch {
			case ctx.Err() != nil:
				p.cancelled(finishCtx, job, logger)
			case out.err != nil:
				p.failed(finishCtx, job, out.err, logger)
			default:
				if err := p.succeeded(finishCtx, r, job, out.result, time.Since(started)); err != nil {
					p.failed(finishCtx, job, err, logger)
					return
				}
				p.observe("completed")
				logger.Info("training completed", "accuracy", out.result.Accuracy, "loss", out.result.Loss, "duration", time.Since(started))
			}
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				p.cancelled(finishCtx, job, logger)
				return
			}
		}
	}
}

func (p *Pipeline) report(ctx context.Context, r *run, pr Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	r.info.Progress = pr
	r.history = append(r.history, pr)
	metrics, err := json.Marshal(map[string]any{"history": r.history})
	p.mu.Unlock()
	if err != nil {
		return err
	}

	loss, accuracy := pr.Loss, pr.Accuracy
	_, err = p.store.TrainingJobs().UpdateProgress(ctx, r.info.JobID, store.TrainingProgress{
		Progress: pr.Percent(),
		Epoch:    pr.Epoch,
		Loss:     &loss,
		Accuracy: &accuracy,
		Metrics:  string(metrics),
	})
	return err
}

func (p *Pipeline) succeeded(ctx context.Context, r *run, job *Job, result *Result, elapsed time.Duration) error {
	if _, err := p.store.AIModels().UpdateStatus(ctx, job.ModelID, store.ModelValidating); err != nil {
		return err
	}

	p.mu.Lock()
	history := append([]Progress(nil), r.history...)
	p.mu.Unlock()
	metrics := map[string]any{"history": history, "final_loss": result.Loss, "final_accuracy": result.Accuracy}

	weightsHash, checkpointHash, err := p.storeArtifacts(ctx, job, result, metrics)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(metrics)
	if err != nil {
		return err
	}
	accuracy := result.Accuracy
	if _, err := p.store.AIModels().UpdateWeights(ctx, job.ModelID, weightsHash, checkpointHash, string(encoded), &accuracy); err != nil {
		return err
	}
	if _, err := p.store.AIModels().UpdateStatus(ctx, job.ModelID, store.ModelReady); err != nil {
		return err
	}

	validation, _ := json.Marshal(orEmpty(result.ValidationResults))
	resources, _ := json.Marshal(orEmpty(result.ResourcesUsed))
	if _, err := p.store.TrainingJobs().Complete(ctx, job.ID, store.TrainingOutcome{
		Metrics:           string(encoded),
		ValidationResults: string(validation),
		ResourcesUsed:     string(resources),
		ComputeTime:       int64(elapsed.Seconds()),
		Accuracy:          &accuracy,
	}); err != nil {
		return err
	}
	_, err = p.store.Agents().MarkReady(ctx, job.AgentID)
	return err
}

func (p *Pipeline) storeArtifacts(ctx context.Context, job *Job, result *Result, metrics map[string]any) (string, string, error) {
	if p.pinner == nil {
		return crypto.Keccak256Hash(result.Weights).Hex(), "", nil
	}
	keyValues := map[string]string{
		"type":     "ai_model",
		"agent_id": strconv.Itoa(int(job.AgentID)),
		"model_id": strconv.Itoa(int(job.ModelID)),
		"run_id":   job.RunID,
	}
	weights, err := p.pinner.PinFile(ctx, fmt.Sprintf("model-%d-%s.bin", job.ModelID, job.RunID), bytes.NewReader(result.Weights), keyValues)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to pin weights")
	}
	checkpoint, err := p.pinner.PinJSON(ctx, map[string]any{
		"job_id":       job.ID,
		"model_type":   job.ModelType,
		"config":       job.Config,
		"metrics":      metrics,
		"weights_hash": weights.Hash,
	}, fmt.Sprintf("checkpoint-%d-%s", job.ModelID, job.RunID), keyValues)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to pin checkpoint")
	}
	return weights.Hash, checkpoint.Hash, nil
}

func (p *Pipeline) failed(ctx context.Context, job *Job, cause error, logger *slog.Logger) {
	logger.Error("training failed", "error", cause)
	p.failJob(ctx, job.ID, cause.Error())
	p.settle(ctx, job)
	p.observe("failed")
}

func (p *Pipeline) cancelled(ctx context.Context, job *Job, logger *slog.Logger) {
	logger.Info("training cancelled")
	if _, err := p.store.TrainingJobs().Cancel(ctx, job.ID); err != nil {
		logger.Error("failed to cancel training job", "error", err)
	}
	p.settle(ctx, job)
	p.observe("cancelled")
}

// settle returns the model to failed and the agent to draft after a run that
// did not complete.
func (p *Pipeline) settle(ctx context.Context, job *Job) {
	if _, err := p.store.AIModels().UpdateStatus(ctx, job.ModelID, store.ModelFailed); err != nil {
		slog.Warn("failed to mark model failed", "model_id", job.ModelID, "error", err)
	}
	p.abortAgent(ctx, job.AgentID)
}

func (p *Pipeline) failJob(ctx context.Context, jobID int32, message string) {
	if _, err := p.store.TrainingJobs().Fail(ctx, jobID, message); err != nil {
		slog.Warn("failed to mark training job failed", observability.LogFieldJobID, jobID, "error", err)
	}
}

func (p *Pipeline) abortAgent(ctx context.Context, agentID int32) {
	if _, err := p.store.Agents().AbortTraining(ctx, agentID); err != nil {
		slog.Warn("failed to return agent to draft", "agent_id", agentID, "error", err)
	}
}

func (p *Pipeline) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.TrainingRuns.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) forget(jobID int32) {
	p.mu.Lock()
	delete(p.runs, jobID)
	p.mu.Unlock()
}

// Stop cancels a job. A running job is cancelled through its context and Stop
// waits until the run has recorded the cancellation; a pending job is
// cancelled directly.
func (p *Pipeline) Stop(ctx context.Context, jobID int32) error {
	p.mu.Lock()
	r, ok := p.runs[jobID]
	p.mu.Unlock()
	if ok {
		r.cancel()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	job, err := p.store.TrainingJobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.Wrapf(store.ErrNotFound, "training job %d", jobID)
	}
	if job.Status != store.TrainingPending {
		return errors.Wrapf(ErrNotRunning, "training job %d is %s", jobID, job.Status)
	}
	_, err = p.store.TrainingJobs().Cancel(ctx, jobID)
	return err
}

// Status returns the stored job and its active run. It returns nil for an
// unknown job.
func (p *Pipeline) Status(ctx context.Context, jobID int32) (*Status, error) {
	job, err := p.store.TrainingJobs().Get(ctx, jobID)
	if err != nil || job == nil {
		return nil, err
	}
	status := &Status{Job: job}
	p.mu.Lock()
	if r, ok := p.runs[jobID]; ok {
		info := r.info
		status.Run = &info
	}
	p.mu.Unlock()
	return status, nil
}

// Active lists the runs in progress, ordered by job id.
func (p *Pipeline) Active() []RunInfo {
	p.mu.Lock()
	list := make([]RunInfo, 0, len(p.runs))
	for _, r := range p.runs {
		list = append(list, r.info)
	}
	p.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].JobID < list[j].JobID })
	return list
}

// FailInterrupted marks running jobs that have no run in this process as
// failed. It is meant for startup, after a restart lost the runs.
func (p *Pipeline) FailInterrupted(ctx context.Context) (int, error) {
	jobs, err := p.store.TrainingJobs().Active(ctx)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, job := range jobs {
		if job.Status != store.TrainingRunning {
			continue
		}
		p.mu.Lock()
		_, ok := p.runs[job.ID]
		p.mu.Unlock()
		if ok {
			continue
		}
		p.failJob(ctx, job.ID, "training interrupted by server restart")
		p.settle(ctx, &Job{ID: job.ID, AgentID: job.AgentID, ModelID: job.ModelID})
		failed++
	}
	if failed > 0 {
		slog.Warn("failed interrupted training jobs", "count", failed)
	}
	return failed, nil
}

// Shutdown cancels every run and waits for them to record it.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for _, r := range p.runs {
		r.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
