package training

import (
	"context"

	"github.com/hrygo/synthr/store"
)

// Job is what a Trainer needs to know about the run it executes.
type Job struct {
	ID        int32
	AgentID   int32
	ModelID   int32
	RunID     string
	ModelType store.ModelType
	Config    Config
}

// Progress is one report of a running trainer.
type Progress struct {
	Epoch       int32   `json:"epoch"`
	TotalEpochs int32   `json:"total_epochs"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
}

// Percent returns the completion in [0, 100].
func (p Progress) Percent() float64 {
	if p.TotalEpochs <= 0 {
		return 0
	}
	pct := float64(p.Epoch) / float64(p.TotalEpochs) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Result is the output of a finished training run.
type Result struct {
	// Weights is the serialized model artifact.
	Weights           []byte
	Loss              float64
	Accuracy          float64
	ValidationResults map[string]any
	ResourcesUsed     map[string]any
}

// Trainer runs the actual model training. Implementations call report after
// each epoch and stop early with ctx.Err() once ctx is done. A report error
// aborts the run.
type Trainer interface {
	Train(ctx context.Context, job *Job, report func(Progress) error) (*Result, error)
}
