package training

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/hrygo/synthr/server/middleware"
)

const maxWeightsSize = 512 << 20

// RemoteTrainer delegates training to an HTTP training worker. It submits the
// job, polls its state and downloads the weights once it completes.
//
// Worker API:
//
//	POST {base}/jobs               -> {"id": "..."}
//	GET  {base}/jobs/{id}          -> remoteStatus
//	GET  {base}/jobs/{id}/weights  -> artifact bytes
//	POST {base}/jobs/{id}/cancel
type RemoteTrainer struct {
	baseURL      string
	token        string
	http         *http.Client
	breaker      *gobreaker.CircuitBreaker
	pollInterval time.Duration
}

func NewRemoteTrainer(baseURL, token string, pollInterval time.Duration) *RemoteTrainer {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &RemoteTrainer{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		http:         &http.Client{Timeout: 30 * time.Second},
		breaker:      middleware.NewBreaker(middleware.DefaultBreakerConfig("trainer")),
		pollInterval: pollInterval,
	}
}

type submitRequest struct {
	JobID     int32  `json:"job_id"`
	RunID     string `json:"run_id"`
	AgentID   int32  `json:"agent_id"`
	ModelType string `json:"model_type"`
	Config    Config `json:"config"`
}

type remoteStatus struct {
	Status            string         `json:"status"`
	Epoch             int32          `json:"epoch"`
	TotalEpochs       int32          `json:"total_epochs"`
	Loss              float64        `json:"loss"`
	Accuracy          float64        `json:"accuracy"`
	Error             string         `json:"error"`
	ValidationResults map[string]any `json:"validation_results"`
	ResourcesUsed     map[string]any `json:"resources_used"`
}

func (t *RemoteTrainer) Train(ctx context.Context, job *Job, report func(Progress) error) (*Result, error) {
	var submitted struct {
		ID string `json:"id"`
	}
	if err := t.do(ctx, http.MethodPost, "/jobs", submitRequest{
		JobID:     job.ID,
		RunID:     job.RunID,
		AgentID:   job.AgentID,
		ModelType: string(job.ModelType),
		Config:    job.Config,
	}, &submitted); err != nil {
		return nil, errors.Wrap(err, "failed to submit training job")
	}
	if submitted.ID == "" {
		return nil, errors.New("training worker returned no job id")
	}
	remoteID := submitted.ID

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	var lastEpoch int32
	for {
		select {
		case <-ctx.Done():
			t.cancel(remoteID)
			return nil, ctx.Err()
		case <-ticker.C:
		}

		var status remoteStatus
		if err := t.do(ctx, http.MethodGet, "/jobs/"+remoteID, nil, &status); err != nil {
			if ctx.Err() != nil {
				t.cancel(remoteID)
				return nil, ctx.Err()
			}
			slog.Warn("failed to poll training worker", "remote_id", remoteID, "error", err)
			continue
		}
		if status.Epoch > lastEpoch {
			lastEpoch = status.Epoch
			total := status.TotalEpochs
			if total == 0 {
				total = job.Config.Epochs
			}
			if err := report(Progress{Epoch: status.Epoch, TotalEpochs: total, Loss: status.Loss, Accuracy: status.Accuracy}); err != nil {
				t.cancel(remoteID)
				return nil, err
			}
		}

		switch status.Status {
		case "completed":
			weights, err := t.download(ctx, "/jobs/"+remoteID+"/weights")
			if err != nil {
				return nil, errors.Wrap(err, "failed to download weights")
			}
			return &Result{
				Weights:           weights,
				Loss:              status.Loss,
				Accuracy:          status.Accuracy,
				ValidationResults: status.ValidationResults,
				ResourcesUsed:     status.ResourcesUsed,
			}, nil
		case "failed":
			return nil, errors.Errorf("training worker failed: %s", status.Error)
		case "cancelled":
			return nil, errors.New("training cancelled by worker")
		}
	}
}

// cancel asks the worker to stop a job. It runs on its own context because
// the run context is usually already done.
func (t *RemoteTrainer) cancel(remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.do(ctx, http.MethodPost, "/jobs/"+remoteID+"/cancel", nil, nil); err != nil {
		slog.Warn("failed to cancel remote training", "remote_id", remoteID, "error", err)
	}
}

func (t *RemoteTrainer) do(ctx context.Context, method, path string, in, out any) error {
	_, err := t.breaker.Execute(func() (any, error) {
		var body io.Reader
		if in != nil {
			raw, err := json.Marshal(in)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(raw)
		}
		resp, err := t.send(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if out == nil {
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(out)
	})
	return err
}

func (t *RemoteTrainer) download(ctx context.Context, path string) ([]byte, error) {
	result, err := t.breaker.Execute(func() (any, error) {
		resp, err := t.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return io.ReadAll(io.LimitReader(resp.Body, maxWeightsSize))
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (t *RemoteTrainer) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

var _ Trainer = (*RemoteTrainer)(nil)
