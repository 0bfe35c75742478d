package ports

import (
	"context"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

// StepSettings is the per-step execution configuration taken from config.yaml
type StepSettings struct {
	Command []string          // subprocess: argv
	Image   string            // kubejob: container image
	Env     map[string]string // both
	WorkDir string
}

// StepInvocation is the contract handed to an external step
type StepInvocation struct {
	RunID      uuid.UUID                  `json:"run_id"`
	Pipeline   string                     `json:"pipeline"`
	Step       string                     `json:"step"`
	Parameters map[string]any             `json:"parameters"`
	Inputs     map[string]domain.Artifact `json:"inputs"`
	Outputs    []string                   `json:"outputs"`
	Settings   StepSettings               `json:"-"`
}

// StepResult carries the outputs an external step produced
type StepResult struct {
	Outputs map[string]domain.Artifact `json:"outputs"`
}

// StepExecutor runs an external step to completion
type StepExecutor interface {
	Execute(ctx context.Context, inv StepInvocation) (*StepResult, error)
}
