package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/core/domain"
	"ml-pipelines/internal/testutil"
)

func newTestInference(deployer *testutil.MockModelDeployer, client *testutil.MockPredictionClient) *InferenceService {
	deployer.On("IsAvailable").Return(true)
	return NewInferenceService(NewDeployService(deployer), client)
}

func testBatch() domain.RecordBatch {
	return domain.RecordBatch{
		Columns: []string{"payment_sequential", "payment_installments", "payment_value"},
		Data:    [][]any{{1, 2, 56.5}, {1, 1, 120.0}},
	}
}

func TestInferenceService_LoadService(t *testing.T) {
	deployer := new(testutil.MockModelDeployer)
	svc := runningService(t)
	deployer.On("Find", mock.Anything, domain.ServiceQuery{PipelineName: testPipeline, StepName: testStep, Running: true}).
		Return([]*domain.PredictionService{svc}, nil)

	got, err := newTestInference(deployer, nil).LoadService(context.Background(),
		domain.ServiceQuery{PipelineName: testPipeline, StepName: testStep})
	require.NoError(t, err)
	assert.Equal(t, svc.ID, got.ID)
}

func TestInferenceService_LoadService_NoneRunning(t *testing.T) {
	deployer := new(testutil.MockModelDeployer)
	deployer.On("Find", mock.Anything, mock.Anything).Return([]*domain.PredictionService{}, nil)

	_, err := newTestInference(deployer, nil).LoadService(context.Background(),
		domain.ServiceQuery{PipelineName: testPipeline, StepName: testStep})
	assert.ErrorIs(t, err, domain.ErrNoRunningService)
	assert.EqualError(t, err, "no prediction service is currently running: no prediction service deployed by the model_deployer step in the continuous_deployment_pipeline pipeline is currently running")
}

func TestInferenceService_Predict(t *testing.T) {
	deployer := new(testutil.MockModelDeployer)
	client := new(testutil.MockPredictionClient)
	svc := runningService(t)
	client.On("Predict", mock.Anything, svc, testBatch()).Return([]float64{4.1, 3.9}, nil)

	got, err := newTestInference(deployer, client).Predict(context.Background(), svc, testBatch())
	require.NoError(t, err)
	assert.Equal(t, []float64{4.1, 3.9}, got)
}

func TestInferenceService_Predict_Errors(t *testing.T) {
	deployer := new(testutil.MockModelDeployer)
	client := new(testutil.MockPredictionClient)
	s := newTestInference(deployer, client)
	svc := runningService(t)

	_, err := s.Predict(context.Background(), svc, domain.RecordBatch{})
	assert.ErrorIs(t, err, domain.ErrEmptyBatch)

	_, err = s.Predict(context.Background(), nil, testBatch())
	assert.ErrorIs(t, err, domain.ErrNoRunningService)

	client.On("Predict", mock.Anything, svc, testBatch()).Return([]float64{1}, nil)
	_, err = s.Predict(context.Background(), svc, testBatch())
	assert.ErrorIs(t, err, domain.ErrInvalidArtifact)
}

func TestInferenceService_Steps(t *testing.T) {
	deployer := new(testutil.MockModelDeployer)
	client := new(testutil.MockPredictionClient)
	svc := runningService(t)

	deployer.On("Find", mock.Anything, mock.Anything).Return([]*domain.PredictionService{svc}, nil)
	client.On("Predict", mock.Anything, mock.MatchedBy(func(got *domain.PredictionService) bool {
		return got.ID == svc.ID && got.PredictionURL == svc.PredictionURL
	}), mock.AnythingOfType("domain.RecordBatch")).Return([]float64{4.1, 3.9}, nil)

	s := newTestInference(deployer, client)

	loaded, err := s.LoaderStep(context.Background(), StepContext{
		Step: StepPredictionServiceLoader,
		Parameters: map[string]any{
			"pipeline_name": testPipeline,
			"step_name":     testStep,
		},
	})
	require.NoError(t, err)

	data, err := domain.NewJSONArtifact("data", domain.ArtifactTypeDataset, testBatch())
	require.NoError(t, err)

	out, err := s.PredictorStep(context.Background(), StepContext{
		Step:   StepPredictor,
		Inputs: map[string]domain.Artifact{"service": loaded["service"], "data": data},
	})
	require.NoError(t, err)

	var predictions []float64
	require.NoError(t, out["predictions"].Decode(&predictions))
	assert.Equal(t, []float64{4.1, 3.9}, predictions)
}

func TestBuiltins_Registry(t *testing.T) {
	trigger, err := NewDeploymentTrigger("")
	require.NoError(t, err)

	registry := Builtins{Trigger: trigger}.Registry()
	_, err = registry.Lookup(StepDeploymentTrigger)
	assert.NoError(t, err)

	_, err = registry.Lookup(StepModelDeployer)
	assert.ErrorIs(t, err, domain.ErrStepNotFound)
}
