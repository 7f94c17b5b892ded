package training

import (
	"context"
	"encoding/json"
	"math"
	"runtime"
	"time"
)

// EpochTrainer simulates training for development and demo setups. Loss decays
// with every epoch at a rate set by the learning rate, so runs are
// deterministic.
type EpochTrainer struct {
	EpochDuration time.Duration
}

func NewEpochTrainer(epochDuration time.Duration) *EpochTrainer {
	return &EpochTrainer{EpochDuration: epochDuration}
}

func (t *EpochTrainer) Train(ctx context.Context, job *Job, report func(Progress) error) (*Result, error) {
	cfg := job.Config
	decay := 0.25 + math.Min(cfg.LearningRate*1000, 1)
	var loss, accuracy float64
	for epoch := int32(1); epoch <= cfg.Epochs; epoch++ {
		timer := time.NewTimer(t.EpochDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		loss = 2.5 * math.Exp(-decay*float64(epoch))
		accuracy = math.Min(0.99, 1-loss/2.5*0.9)
		if err := report(Progress{Epoch: epoch, TotalEpochs: cfg.Epochs, Loss: loss, Accuracy: accuracy}); err != nil {
			return nil, err
		}
	}

	weights, err := json.Marshal(map[string]any{
		"model_type": job.ModelType,
		"run_id":     job.RunID,
		"epochs":     cfg.Epochs,
		"loss":       loss,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Weights:  weights,
		Loss:     loss,
		Accuracy: accuracy,
		ValidationResults: map[string]any{
			"val_loss":     loss * 1.05,
			"val_accuracy": accuracy * 0.98,
		},
		ResourcesUsed: map[string]any{
			"device":     "cpu",
			"cpus":       runtime.NumCPU(),
			"batch_size": cfg.BatchSize,
		},
	}, nil
}

var _ Trainer = (*EpochTrainer)(nil)
