package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// MockStepExecutor is a mock of StepExecutor.
type MockStepExecutor struct {
	mock.Mock
}

func (m *MockStepExecutor) Execute(ctx context.Context, inv output.StepInvocation) (*output.StepResult, error) {
	args := m.Called(ctx, inv)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*output.StepResult), args.Error(1)
}

// MockModelDeployer is a mock of ModelDeployer.
type MockModelDeployer struct {
	mock.Mock
}

func (m *MockModelDeployer) Deploy(ctx context.Context, req output.DeployRequest) (*domain.PredictionService, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PredictionService), args.Error(1)
}

func (m *MockModelDeployer) Find(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	args := m.Called(ctx, query)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.PredictionService), args.Error(1)
}

func (m *MockModelDeployer) Stop(ctx context.Context, svc *domain.PredictionService, timeout time.Duration) error {
	args := m.Called(ctx, svc, timeout)
	return args.Error(0)
}

func (m *MockModelDeployer) IsAvailable() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockPredictionClient is a mock of PredictionClient.
type MockPredictionClient struct {
	mock.Mock
}

func (m *MockPredictionClient) Predict(ctx context.Context, svc *domain.PredictionService, batch domain.RecordBatch) ([]float64, error) {
	args := m.Called(ctx, svc, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float64), args.Error(1)
}

// MockExperimentTracker is a mock of ExperimentTracker.
type MockExperimentTracker struct {
	mock.Mock
}

func (m *MockExperimentTracker) TrackingURI() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockExperimentTracker) StartRun(ctx context.Context, experiment, runName string, tags map[string]string) (string, error) {
	args := m.Called(ctx, experiment, runName, tags)
	return args.String(0), args.Error(1)
}

func (m *MockExperimentTracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	args := m.Called(ctx, runID, metrics)
	return args.Error(0)
}

func (m *MockExperimentTracker) EndRun(ctx context.Context, runID string, failed bool) error {
	args := m.Called(ctx, runID, failed)
	return args.Error(0)
}
