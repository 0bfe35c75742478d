package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/adapters/secondary/memory"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
	"ml-pipelines/internal/testutil"
)

const testModel = "Customer_Satisfaction_Predictor"

func promote(t *testing.T, p *ModelPromoter, accuracy float64) *PromoteResult {
	t.Helper()
	res, err := p.Promote(context.Background(), PromoteRequest{
		ModelName: testModel,
		Framework: "lightgbm",
		ModelURI:  "runs:/" + uuid.NewString() + "/model",
		RunID:     uuid.New(),
		Accuracy:  accuracy,
	})
	require.NoError(t, err)
	return res
}

func TestModelPromoter_FirstModelUnderThreshold(t *testing.T) {
	repo := memory.NewModelVersionRepository()
	p := NewModelPromoter(repo, 1.8)

	res := promote(t, p, 1.5)
	assert.True(t, res.Promoted)
	assert.Equal(t, 1, res.Version.Version)
	assert.Equal(t, domain.StageProduction, res.Version.Stage)
	assert.Nil(t, res.Replaced)
}

func TestModelPromoter_AboveThreshold(t *testing.T) {
	repo := memory.NewModelVersionRepository()
	p := NewModelPromoter(repo, 1.8)

	res := promote(t, p, 2.4)
	assert.False(t, res.Promoted)
	assert.Equal(t, domain.StageNone, res.Version.Stage)

	_, err := repo.GetByStage(context.Background(), testModel, domain.StageProduction)
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestModelPromoter_ReplacesWorseProductionModel(t *testing.T) {
	repo := memory.NewModelVersionRepository()
	p := NewModelPromoter(repo, 1.8)

	first := promote(t, p, 1.6)
	require.True(t, first.Promoted)

	second := promote(t, p, 1.2)
	assert.True(t, second.Promoted)
	assert.Equal(t, 2, second.Version.Version)
	require.NotNil(t, second.Replaced)
	assert.Equal(t, first.Version.ID, second.Replaced.ID)

	archived, err := repo.GetByID(context.Background(), first.Version.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageArchived, archived.Stage)

	current, err := repo.GetByStage(context.Background(), testModel, domain.StageProduction)
	require.NoError(t, err)
	assert.Equal(t, second.Version.ID, current.ID)
}

func TestModelPromoter_KeepsBetterProductionModel(t *testing.T) {
	repo := memory.NewModelVersionRepository()
	p := NewModelPromoter(repo, 1.8)

	first := promote(t, p, 1.1)
	second := promote(t, p, 1.3)
	assert.False(t, second.Promoted)
	assert.Contains(t, second.Reason, "does not beat")

	current, err := repo.GetByStage(context.Background(), testModel, domain.StageProduction)
	require.NoError(t, err)
	assert.Equal(t, first.Version.ID, current.ID)
}

func TestModelPromoter_RepositoryError(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	repo.On("List", mock.Anything, mock.AnythingOfType("ports.VersionListFilter")).Return(nil, 0, assert.AnError)

	p := NewModelPromoter(repo, 1.8)
	_, err := p.Promote(context.Background(), PromoteRequest{ModelName: testModel, Accuracy: 1})
	assert.ErrorIs(t, err, assert.AnError)
	repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestModelPromoter_Step(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	runID := uuid.New()

	repo.On("List", mock.Anything, output.VersionListFilter{ModelName: testModel, Limit: 1}).Return([]*domain.ModelVersion{}, 0, nil)
	repo.On("Create", mock.Anything, mock.MatchedBy(func(v *domain.ModelVersion) bool {
		return v.ModelName == testModel && v.URI == "runs:/abc/model" && v.RunID == runID &&
			v.Metrics[domain.MetricMSE] == 1.0 && v.Metrics[domain.MetricRMSE] == 1.0 && v.Framework == "xgboost"
	})).Return(nil)
	repo.On("GetByStage", mock.Anything, testModel, domain.StageProduction).Return(nil, domain.ErrVersionNotFound)
	repo.On("Update", mock.Anything, mock.AnythingOfType("*domain.ModelVersion")).Return(nil)

	p := NewModelPromoter(repo, 1.8)
	out, err := p.Step(context.Background(), StepContext{
		RunID:      runID,
		Pipeline:   "customer_satisfaction_training_pipeline",
		Step:       StepModelPromoter,
		Parameters: map[string]any{"model_name": testModel, "model_type": "xgboost"},
		Inputs: map[string]domain.Artifact{
			"accuracy": domain.NewFloatArtifact("mse", 1.0),
			"rmse":     domain.NewFloatArtifact("rmse", 1.0),
			"model":    {Type: domain.ArtifactTypeModel, URI: "runs:/abc/model"},
		},
	})
	require.NoError(t, err)

	promoted, err := out["is_promoted"].BoolValue()
	require.NoError(t, err)
	assert.True(t, promoted)
	repo.AssertExpectations(t)
}

func TestModelPromoter_PromoteFailureKeepsProduction(t *testing.T) {
	repo := new(testutil.MockModelVersionRepo)
	current := &domain.ModelVersion{
		ID:        uuid.New(),
		ModelName: testModel,
		Version:   1,
		Stage:     domain.StageProduction,
		Metrics:   map[string]float64{domain.MetricMSE: 1.6},
	}

	repo.On("List", mock.Anything, mock.AnythingOfType("ports.VersionListFilter")).Return([]*domain.ModelVersion{current}, 1, nil)
	repo.On("Create", mock.Anything, mock.AnythingOfType("*domain.ModelVersion")).Return(nil)
	repo.On("GetByStage", mock.Anything, testModel, domain.StageProduction).Return(current, nil)
	repo.On("Update", mock.Anything, mock.MatchedBy(func(v *domain.ModelVersion) bool {
		return v.ID != current.ID
	})).Return(assert.AnError)

	p := NewModelPromoter(repo, 1.8)
	_, err := p.Promote(context.Background(), PromoteRequest{ModelName: testModel, Accuracy: 1.2})
	require.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, domain.StageProduction, current.Stage)
	repo.AssertNotCalled(t, "Update", mock.Anything, current)
}
