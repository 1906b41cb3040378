package boost

import (
	"fmt"
	"math"
)

// Supported objective and metric names.
const (
	ObjectiveBinaryLogistic = "binary:logistic"

	MetricLogLoss = "logloss"
	MetricError   = "error"
)

const (
	probEpsilon = 1e-15
	minHessian  = 1e-16
)

// SupportedObjective reports whether name can be trained.
func SupportedObjective(name string) bool {
	return name == ObjectiveBinaryLogistic
}

// SupportedMetric reports whether name can be evaluated.
func SupportedMetric(name string) bool {
	return name == MetricLogLoss || name == MetricError
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// gradients returns the first and second order gradient of the logistic loss at margin.
func gradients(margin, label float64) (float64, float64) {
	p := sigmoid(margin)
	return p - label, math.Max(p*(1-p), minHessian)
}

func validateLabels(objective string, labels []float64) error {
	if objective != ObjectiveBinaryLogistic {
		return fmt.Errorf("unsupported objective %q", objective)
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return fmt.Errorf("label %v at row %d is not in {0,1}", y, i)
		}
	}
	return nil
}

// EvalSums are additive evaluation totals, summed across shards before averaging.
type EvalSums struct {
	LogLoss float64 `json:"logloss"`
	Errors  float64 `json:"errors"`
	Count   float64 `json:"count"`
}

// Add accumulates o into s.
func (s *EvalSums) Add(o EvalSums) {
	s.LogLoss += o.LogLoss
	s.Errors += o.Errors
	s.Count += o.Count
}

func (s *EvalSums) observe(margin, label float64) {
	p := sigmoid(margin)
	s.LogLoss += -(label*math.Log(math.Max(p, probEpsilon)) + (1-label)*math.Log(math.Max(1-p, probEpsilon)))
	pred := 0.0
	if p > 0.5 {
		pred = 1
	}
	if pred != label {
		s.Errors++
	}
	s.Count++
}

// Metrics averages the sums for each requested metric.
func (s EvalSums) Metrics(names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	if s.Count == 0 {
		return out
	}
	for _, name := range names {
		switch name {
		case MetricLogLoss:
			out[name] = s.LogLoss / s.Count
		case MetricError:
			out[name] = s.Errors / s.Count
		}
	}
	return out
}
