package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

// StepContext is what a builtin step sees of the running pipeline.
type StepContext struct {
	RunID      uuid.UUID
	Pipeline   string
	Step       string
	Parameters map[string]any
	Inputs     map[string]domain.Artifact
}

// StepFunc implements a builtin step. It returns the step outputs by name.
type StepFunc func(ctx context.Context, sc StepContext) (map[string]domain.Artifact, error)

// StepRegistry maps builtin step names to their implementation.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[string]StepFunc)}
}

// Register registers a builtin step, replacing any previous registration.
func (r *StepRegistry) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = fn
}

// Lookup returns the step registered under name.
func (r *StepRegistry) Lookup(name string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("%w: builtin %s", domain.ErrStepNotFound, name)
	}
	return fn, nil
}

// Input returns the named input artifact.
func (sc StepContext) Input(name string) (domain.Artifact, error) {
	a, ok := sc.Inputs[name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: step %s has no input %q", domain.ErrMissingInput, sc.Step, name)
	}
	return a, nil
}

// Float returns a numeric parameter.
func (sc StepContext) Float(name string) (float64, error) {
	v, ok := sc.Parameters[name]
	if !ok {
		return 0, fmt.Errorf("step %s: missing parameter %q", sc.Step, name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("step %s: parameter %q: %w", sc.Step, name, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("step %s: parameter %q is %T, want number", sc.Step, name, v)
}

// String returns a string parameter or def.
func (sc StepContext) String(name, def string) string {
	if v, ok := sc.Parameters[name].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns an integer parameter or def.
func (sc StepContext) Int(name string, def int) int {
	switch n := sc.Parameters[name].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Duration returns a duration parameter or def. Bare numbers are seconds.
func (sc StepContext) Duration(name string, def time.Duration) time.Duration {
	switch d := sc.Parameters[name].(type) {
	case time.Duration:
		return d
	case int:
		return time.Duration(d) * time.Second
	case int64:
		return time.Duration(d) * time.Second
	case float64:
		return time.Duration(d * float64(time.Second))
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
		if secs, err := strconv.ParseFloat(d, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return def
}
