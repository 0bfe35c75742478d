package ports

import (
	"context"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

type RunListFilter struct {
	PipelineName string
	Status       string
	Limit        int
	Offset       int
}

type VersionListFilter struct {
	ModelName string
	Stage     string
	Limit     int
	Offset    int
}

// RunRepository persists pipeline runs and their step runs
type RunRepository interface {
	Create(ctx context.Context, run *domain.PipelineRun) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)
	Update(ctx context.Context, run *domain.PipelineRun) error
	List(ctx context.Context, filter RunListFilter) ([]*domain.PipelineRun, int, error)

	CreateStepRun(ctx context.Context, step *domain.StepRun) error
	UpdateStepRun(ctx context.Context, step *domain.StepRun) error
}

// ModelVersionRepository persists trained model versions and their stage
type ModelVersionRepository interface {
	Create(ctx context.Context, version *domain.ModelVersion) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.ModelVersion, error)
	// GetByStage returns the most recent version of a model in the given stage
	GetByStage(ctx context.Context, modelName string, stage domain.ModelStage) (*domain.ModelVersion, error)
	Update(ctx context.Context, version *domain.ModelVersion) error
	List(ctx context.Context, filter VersionListFilter) ([]*domain.ModelVersion, int, error)
}

// ServiceRegistry persists prediction service handles so a later process
// (e.g. --stop-service) can find them
type ServiceRegistry interface {
	Save(ctx context.Context, svc *domain.PredictionService) error
	Get(ctx context.Context, id uuid.UUID) (*domain.PredictionService, error)
	List(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
