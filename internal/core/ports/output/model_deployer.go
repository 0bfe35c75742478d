package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

// DeployRequest describes a model server to start
type DeployRequest struct {
	PipelineName string
	StepName     string
	ModelName    string
	ModelURI     string
	Framework    string
	RunID        uuid.UUID
	Workers      int
	Timeout      time.Duration
	Labels       map[string]string
}

// ModelDeployer defines the contract for the serving backend
type ModelDeployer interface {
	// Deploy starts a prediction service and waits until it is ready or the timeout expires
	Deploy(ctx context.Context, req DeployRequest) (*domain.PredictionService, error)

	// Find returns services deployed by a pipeline step, refreshed against the backend
	Find(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error)

	// Stop stops the service, waiting at most timeout
	Stop(ctx context.Context, svc *domain.PredictionService, timeout time.Duration) error

	// IsAvailable checks if the deployer is enabled and configured
	IsAvailable() bool
}
