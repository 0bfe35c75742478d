package testutil

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// MockRunRepo is a mock of RunRepository.
type MockRunRepo struct {
	mock.Mock
}

func (m *MockRunRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PipelineRun), args.Error(1)
}

func (m *MockRunRepo) Update(ctx context.Context, run *domain.PipelineRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepo) List(ctx context.Context, filter output.RunListFilter) ([]*domain.PipelineRun, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.PipelineRun), args.Int(1), args.Error(2)
}

func (m *MockRunRepo) CreateStepRun(ctx context.Context, step *domain.StepRun) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

func (m *MockRunRepo) UpdateStepRun(ctx context.Context, step *domain.StepRun) error {
	args := m.Called(ctx, step)
	return args.Error(0)
}

// MockModelVersionRepo is a mock of ModelVersionRepository.
type MockModelVersionRepo struct {
	mock.Mock
}

func (m *MockModelVersionRepo) Create(ctx context.Context, version *domain.ModelVersion) error {
	args := m.Called(ctx, version)
	return args.Error(0)
}

func (m *MockModelVersionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ModelVersion, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ModelVersion), args.Error(1)
}

func (m *MockModelVersionRepo) GetByStage(ctx context.Context, modelName string, stage domain.ModelStage) (*domain.ModelVersion, error) {
	args := m.Called(ctx, modelName, stage)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ModelVersion), args.Error(1)
}

func (m *MockModelVersionRepo) Update(ctx context.Context, version *domain.ModelVersion) error {
	args := m.Called(ctx, version)
	return args.Error(0)
}

func (m *MockModelVersionRepo) List(ctx context.Context, filter output.VersionListFilter) ([]*domain.ModelVersion, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*domain.ModelVersion), args.Int(1), args.Error(2)
}

// MockServiceRegistry is a mock of ServiceRegistry.
type MockServiceRegistry struct {
	mock.Mock
}

func (m *MockServiceRegistry) Save(ctx context.Context, svc *domain.PredictionService) error {
	args := m.Called(ctx, svc)
	return args.Error(0)
}

func (m *MockServiceRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.PredictionService, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PredictionService), args.Error(1)
}

func (m *MockServiceRegistry) List(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PredictionService), args.Error(1)
}

func (m *MockServiceRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// MockArtifactStore is a mock of ArtifactStore.
type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) Put(ctx context.Context, artifact domain.Artifact) error {
	args := m.Called(ctx, artifact)
	return args.Error(0)
}

func (m *MockArtifactStore) Get(ctx context.Context, runID uuid.UUID, step, name string) (domain.Artifact, error) {
	args := m.Called(ctx, runID, step, name)
	return args.Get(0).(domain.Artifact), args.Error(1)
}

func (m *MockArtifactStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Artifact), args.Error(1)
}
