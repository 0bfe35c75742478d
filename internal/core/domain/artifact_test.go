package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifact_ScalarValues(t *testing.T) {
	f := NewFloatArtifact("mse", 1.25)
	assert.Equal(t, ArtifactTypeMetric, f.Type)
	v, err := f.FloatValue()
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
	assert.True(t, f.IsNumeric())

	b := NewBoolArtifact("deploy_decision", true)
	assert.Equal(t, ArtifactTypeDecision, b.Type)
	ok, err := b.BoolValue()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, b.IsNumeric())

	_, err = b.FloatValue()
	assert.ErrorIs(t, err, ErrInvalidArtifact)
}

func TestArtifact_Decode(t *testing.T) {
	a, err := NewJSONArtifact("data", ArtifactTypeDataset, RecordBatch{
		Columns: []string{"a", "b"},
		Data:    [][]any{{1, 2}, {3, 4}},
	})
	require.NoError(t, err)

	var batch RecordBatch
	require.NoError(t, a.Decode(&batch))
	assert.Equal(t, 2, batch.Len())
	assert.Equal(t, []string{"a", "b"}, batch.Columns)

	assert.ErrorIs(t, Artifact{Name: "empty"}.Decode(&batch), ErrInvalidArtifact)
}

func TestModelVersion_New(t *testing.T) {
	v, err := NewModelVersion("Customer_Satisfaction_Predictor", "LightGBM", "file:///m", uuid.Nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "lightgbm", v.Framework)
	assert.Equal(t, StageNone, v.Stage)

	_, err = NewModelVersion("m", "catboost", "", uuid.Nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedModelType)

	_, err = NewModelVersion("", "", "", uuid.Nil, nil)
	assert.ErrorIs(t, err, ErrInvalidModelName)

	assert.ErrorIs(t, v.SetStage("retired"), ErrInvalidState)
}

func TestServiceQuery_Matches(t *testing.T) {
	svc, err := NewPredictionService("continuous_deployment_pipeline", "model_deployer", "model", "uri", BackendLocal)
	require.NoError(t, err)

	q := ServiceQuery{PipelineName: "continuous_deployment_pipeline", StepName: "model_deployer"}
	assert.True(t, q.Matches(svc))

	q.Running = true
	assert.False(t, q.Matches(svc))

	svc.MarkRunning("http://127.0.0.1:8000", "http://127.0.0.1:8000/invocations")
	assert.True(t, q.Matches(svc))

	q.ModelName = "other"
	assert.False(t, q.Matches(svc))
}
