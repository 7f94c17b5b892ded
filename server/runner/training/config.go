package training

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/hrygo/synthr/store"
)

// Config holds the hyperparameters of a training run. It is stored as the
// training_config JSON of a job.
type Config struct {
	Epochs                    int32   `json:"num_train_epochs" validate:"gte=1,lte=100"`
	BatchSize                 int32   `json:"batch_size" validate:"gte=1,lte=128"`
	LearningRate              float64 `json:"learning_rate" validate:"gt=0,lte=1"`
	MaxLength                 int32   `json:"max_length" validate:"gte=1,lte=8192"`
	WarmupSteps               int32   `json:"warmup_steps" validate:"gte=0"`
	WeightDecay               float64 `json:"weight_decay" validate:"gte=0,lte=1"`
	GradientAccumulationSteps int32   `json:"gradient_accumulation_steps" validate:"gte=1"`
	// DatasetURL points the trainer at the training data, when it fetches its own.
	DatasetURL string `json:"dataset_url,omitempty" validate:"omitempty,url"`
}

// DefaultConfig returns the defaults applied to missing fields.
func DefaultConfig() Config {
	return Config{
		Epochs:                    3,
		BatchSize:                 16,
		LearningRate:              5e-5,
		MaxLength:                 512,
		WeightDecay:               0.01,
		GradientAccumulationSteps: 1,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseConfig decodes raw over the defaults and validates the result. Unknown
// fields are rejected.
func ParseConfig(raw string) (Config, error) {
	cfg := DefaultConfig()
	if raw != "" && raw != "{}" {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, errors.Wrapf(store.ErrInvalidArgument, "training config: %v", err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrapf(store.ErrInvalidArgument, "training config: %v", err)
	}
	return cfg, nil
}

// String encodes the config as stored on the job.
func (c Config) String() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}
