package train

import (
	"errors"
	"fmt"

	"github.com/dante-gpu/clustercheck/internal/boost"
	"github.com/dante-gpu/clustercheck/internal/config"
	"github.com/dante-gpu/clustercheck/internal/dataset"
)

// TrainDataset is the dataset key the trainer fits on.
const TrainDataset = "train"

var (
	// ErrInvalidConfig is returned by NewTrainer for unusable configuration or datasets.
	ErrInvalidConfig = errors.New("invalid trainer config")
	// ErrInsufficientResources is returned by Fit when the cluster cannot place every worker.
	ErrInsufficientResources = errors.New("insufficient cluster resources")
)

// ScalingConfig sets how many workers train and what each one needs.
type ScalingConfig struct {
	NumWorkers int
	UseGPU     bool
}

// Params are the booster hyperparameters.
type Params = boost.Params

// Config describes a training job.
type Config struct {
	Scaling       ScalingConfig
	NumBoostRound int
	Params        Params
	LabelColumn   string
}

// ConfigFromSettings maps the training config section onto a Config.
func ConfigFromSettings(s config.TrainingConfig) Config {
	return Config{
		Scaling:       ScalingConfig{NumWorkers: s.NumWorkers, UseGPU: s.UseGPU},
		NumBoostRound: s.NumBoostRound,
		LabelColumn:   s.LabelColumn,
		Params: Params{
			Objective:      s.Objective,
			EvalMetric:     append([]string(nil), s.EvalMetric...),
			Eta:            s.Eta,
			MaxDepth:       s.MaxDepth,
			Lambda:         s.Lambda,
			Gamma:          s.Gamma,
			MinChildWeight: s.MinChildWeight,
			MaxBin:         s.MaxBin,
		},
	}
}

// Validate checks the config against the datasets it will train on.
func (c Config) Validate(datasets map[string]*dataset.Dataset) error {
	if c.Scaling.NumWorkers < 1 {
		return fmt.Errorf("%w: num_workers must be at least 1, got %d", ErrInvalidConfig, c.Scaling.NumWorkers)
	}
	if c.NumBoostRound < 1 {
		return fmt.Errorf("%w: num_boost_round must be at least 1, got %d", ErrInvalidConfig, c.NumBoostRound)
	}
	if c.LabelColumn == "" {
		return fmt.Errorf("%w: label column is required", ErrInvalidConfig)
	}
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	train, ok := datasets[TrainDataset]
	if !ok || train == nil {
		return fmt.Errorf("%w: datasets must include %q", ErrInvalidConfig, TrainDataset)
	}
	if train.NumRows() < c.Scaling.NumWorkers {
		return fmt.Errorf("%w: %d rows cannot be split across %d workers", ErrInvalidConfig, train.NumRows(), c.Scaling.NumWorkers)
	}

	var width int
	for name, ds := range datasets {
		if ds == nil {
			return fmt.Errorf("%w: dataset %q is nil", ErrInvalidConfig, name)
		}
		if ds.LabelColumn != c.LabelColumn {
			return fmt.Errorf("%w: dataset %q is labelled by %q, expected %q", ErrInvalidConfig, name, ds.LabelColumn, c.LabelColumn)
		}
		if _, err := ds.LabelIndex(); err != nil {
			return fmt.Errorf("%w: dataset %q: %v", ErrInvalidConfig, name, err)
		}
		n := len(ds.FeatureNames())
		if width != 0 && n != width {
			return fmt.Errorf("%w: dataset %q has %d features, expected %d", ErrInvalidConfig, name, n, width)
		}
		width = n
	}
	return nil
}
