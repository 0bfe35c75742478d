package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/core/domain"
)

func TestDeploymentTrigger_Default(t *testing.T) {
	trigger, err := NewDeploymentTrigger("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTriggerExpression, trigger.Expression())

	tests := []struct {
		accuracy, min float64
		want          bool
	}{
		{1.2, 1.8, true},
		{1.8, 1.8, false},
		{2.5, 1.8, false},
	}
	for _, tt := range tests {
		got, err := trigger.Decide(tt.accuracy, tt.min, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "accuracy=%v min=%v", tt.accuracy, tt.min)
	}
}

func TestDeploymentTrigger_CustomExpression(t *testing.T) {
	trigger, err := NewDeploymentTrigger(`accuracy < min_accuracy && metrics["rmse"] < 1.5`)
	require.NoError(t, err)

	got, err := trigger.Decide(1.0, 1.8, map[string]float64{"rmse": 1.2})
	require.NoError(t, err)
	assert.True(t, got)

	got, err = trigger.Decide(1.0, 1.8, map[string]float64{"rmse": 1.7})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestDeploymentTrigger_InvalidExpression(t *testing.T) {
	_, err := NewDeploymentTrigger("accuracy <")
	assert.ErrorIs(t, err, domain.ErrInvalidTriggerExpr)

	_, err = NewDeploymentTrigger("accuracy + 1.0")
	assert.ErrorIs(t, err, domain.ErrInvalidTriggerExpr)

	_, err = NewDeploymentTrigger("unknown_var > 1.0")
	assert.ErrorIs(t, err, domain.ErrInvalidTriggerExpr)
}

func TestDeploymentTrigger_Step(t *testing.T) {
	trigger, err := NewDeploymentTrigger("")
	require.NoError(t, err)

	out, err := trigger.Step(context.Background(), StepContext{
		Step:       StepDeploymentTrigger,
		Parameters: map[string]any{"min_accuracy": "1.8"},
		Inputs:     map[string]domain.Artifact{"accuracy": domain.NewFloatArtifact("mse", 0.9)},
	})
	require.NoError(t, err)

	decision, err := out["deploy_decision"].BoolValue()
	require.NoError(t, err)
	assert.True(t, decision)
}

func TestDeploymentTrigger_Step_MissingThreshold(t *testing.T) {
	trigger, err := NewDeploymentTrigger("")
	require.NoError(t, err)

	_, err = trigger.Step(context.Background(), StepContext{
		Step:   StepDeploymentTrigger,
		Inputs: map[string]domain.Artifact{"accuracy": domain.NewFloatArtifact("mse", 0.9)},
	})
	assert.Error(t, err)

	_, err = trigger.Step(context.Background(), StepContext{
		Step:       StepDeploymentTrigger,
		Parameters: map[string]any{"min_accuracy": 1.8},
	})
	assert.ErrorIs(t, err, domain.ErrMissingInput)
}
