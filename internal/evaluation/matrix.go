package evaluation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Score scales a metric may declare.
const (
	ScaleUnit    = "0-1"
	ScaleHundred = "0-100"
)

// DefaultNeedsFixThreshold marks an output for fixing when the weighted
// overall falls strictly below it.
const DefaultNeedsFixThreshold = 0.6

// Metric is one named quality dimension with its weight and scale.
type Metric struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Weight      float64 `yaml:"weight"`
	Scale       string  `yaml:"scale"`
}

// Matrix maps task types to their weighted metric sets. Unknown task
// types fall back to the default metric set.
type Matrix struct {
	TaskTypes         map[string][]Metric `yaml:"task_types"`
	Defaults          []Metric            `yaml:"defaults"`
	NeedsFixThreshold float64             `yaml:"needs_fix_threshold"`
}

// DefaultMatrix returns the built-in metric matrix.
func DefaultMatrix() *Matrix {
	return &Matrix{
		TaskTypes: map[string][]Metric{
			"design_spec": {
				{Name: "completeness", Description: "Covers every requirement stated in the prompt", Weight: 0.35, Scale: ScaleHundred},
				{Name: "clarity", Description: "Unambiguous, well structured, readable", Weight: 0.25, Scale: ScaleHundred},
				{Name: "feasibility", Description: "Technically implementable as described", Weight: 0.25, Scale: ScaleHundred},
				{Name: "consistency", Description: "Free of internal contradictions", Weight: 0.15, Scale: ScaleHundred},
			},
			"code_generation": {
				{Name: "correctness", Description: "Implements the requested behavior", Weight: 0.45, Scale: ScaleHundred},
				{Name: "completeness", Description: "Handles stated edge cases", Weight: 0.25, Scale: ScaleHundred},
				{Name: "readability", Description: "Idiomatic and maintainable", Weight: 0.3, Scale: ScaleHundred},
			},
			"summary": {
				{Name: "factuality", Description: "Faithful to the source material", Weight: 0.6, Scale: ScaleUnit},
				{Name: "helpfulness", Description: "Captures the points a reader needs", Weight: 0.4, Scale: ScaleHundred},
			},
		},
		Defaults: []Metric{
			{Name: "helpfulness", Description: "Addresses the prompt usefully", Weight: 0.4, Scale: ScaleHundred},
			{Name: "factuality", Description: "Accurate and grounded", Weight: 0.6, Scale: ScaleUnit},
		},
		NeedsFixThreshold: DefaultNeedsFixThreshold,
	}
}

// LoadMatrixFromFile reads a YAML metric matrix. Missing fields fall back
// to the built-in defaults.
func LoadMatrixFromFile(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	m := DefaultMatrix()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse metric matrix: %w", err)
	}
	if m.NeedsFixThreshold <= 0 || m.NeedsFixThreshold > 1 {
		m.NeedsFixThreshold = DefaultNeedsFixThreshold
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matrix) validate() error {
	check := func(taskType string, metrics []Metric) error {
		for _, metric := range metrics {
			if metric.Name == "" {
				return fmt.Errorf("metric matrix: unnamed metric for task type %q", taskType)
			}
			if metric.Weight <= 0 {
				return fmt.Errorf("metric matrix: metric %s has non-positive weight", metric.Name)
			}
			if metric.Scale != ScaleUnit && metric.Scale != ScaleHundred {
				return fmt.Errorf("metric matrix: metric %s has unknown scale %q", metric.Name, metric.Scale)
			}
		}
		return nil
	}
	for taskType, metrics := range m.TaskTypes {
		if err := check(taskType, metrics); err != nil {
			return err
		}
	}
	return check("defaults", m.Defaults)
}

// MetricsFor returns the metric set for a task type, falling back to the
// defaults when the task type is unknown.
func (m *Matrix) MetricsFor(taskType string) []Metric {
	if metrics, ok := m.TaskTypes[taskType]; ok && len(metrics) > 0 {
		return metrics
	}
	return m.Defaults
}

// Midpoint returns the scale's midpoint, used when a rater's score for a
// metric cannot be parsed on the single-rater path.
func (met Metric) Midpoint() float64 {
	if met.Scale == ScaleHundred {
		return 50
	}
	return 0.5
}

// Clamp bounds a raw score to the metric's declared scale.
func (met Metric) Clamp(score float64) float64 {
	max := 1.0
	if met.Scale == ScaleHundred {
		max = 100
	}
	if score < 0 {
		return 0
	}
	if score > max {
		return max
	}
	return score
}

// Normalize converts a clamped raw score to the 0-1 range.
func (met Metric) Normalize(score float64) float64 {
	if met.Scale == ScaleHundred {
		return score / 100
	}
	return score
}
