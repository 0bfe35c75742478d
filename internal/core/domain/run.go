package domain

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline or step run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsValid checks if the status is valid
func (s RunStatus) IsValid() bool {
	return s == RunStatusRunning || s == RunStatusCompleted || s == RunStatusFailed
}

// PipelineRun records one execution of a pipeline.
type PipelineRun struct {
	ID           uuid.UUID      `json:"id"`
	PipelineName string         `json:"pipeline_name"`
	Status       RunStatus      `json:"status"`
	Parameters   map[string]any `json:"parameters"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Error        string         `json:"error,omitempty"`
	TrackingID   string         `json:"tracking_id,omitempty"`

	StepRuns []*StepRun `json:"step_runs,omitempty"`
}

// NewPipelineRun creates a running PipelineRun
func NewPipelineRun(pipelineName string, params map[string]any) (*PipelineRun, error) {
	if pipelineName == "" {
		return nil, ErrInvalidPipelineName
	}
	if params == nil {
		params = make(map[string]any)
	}
	return &PipelineRun{
		ID:           uuid.New(),
		PipelineName: pipelineName,
		Status:       RunStatusRunning,
		Parameters:   params,
		StartedAt:    time.Now(),
	}, nil
}

// Complete marks the run as completed
func (r *PipelineRun) Complete() {
	now := time.Now()
	r.Status = RunStatusCompleted
	r.FinishedAt = &now
	r.Error = ""
}

// Fail marks the run as failed with the given cause
func (r *PipelineRun) Fail(err error) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	if err != nil {
		r.Error = err.Error()
	}
}

// IsFinished returns true once the run left the RUNNING state
func (r *PipelineRun) IsFinished() bool {
	return r.Status != RunStatusRunning
}

// StepRun records the execution of one step inside a pipeline run.
type StepRun struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	StepName   string     `json:"step_name"`
	Kind       StepKind   `json:"kind"`
	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewStepRun creates a running StepRun
func NewStepRun(runID uuid.UUID, step StepSpec) *StepRun {
	return &StepRun{
		ID:        uuid.New(),
		RunID:     runID,
		StepName:  step.Name,
		Kind:      step.Kind,
		Status:    RunStatusRunning,
		StartedAt: time.Now(),
	}
}

// Complete marks the step as completed
func (s *StepRun) Complete() {
	now := time.Now()
	s.Status = RunStatusCompleted
	s.FinishedAt = &now
}

// Fail marks the step as failed
func (s *StepRun) Fail(err error) {
	now := time.Now()
	s.Status = RunStatusFailed
	s.FinishedAt = &now
	if err != nil {
		s.Error = err.Error()
	}
}
