package services

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
)

// DefaultTriggerExpression deploys when the error metric is below the threshold.
const DefaultTriggerExpression = "accuracy < min_accuracy"

// DeploymentTrigger decides whether a freshly evaluated model gets deployed.
// The decision is a CEL expression over:
//
//	accuracy      double             the evaluation metric (mse)
//	min_accuracy  double             the threshold passed on the command line
//	metrics       map(string,double) every metric the evaluation produced
type DeploymentTrigger struct {
	expr string
	prg  cel.Program
}

func NewDeploymentTrigger(expr string) (*DeploymentTrigger, error) {
	if expr == "" {
		expr = DefaultTriggerExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("accuracy", cel.DoubleType),
		cel.Variable("min_accuracy", cel.DoubleType),
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.DoubleType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTriggerExpr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %q must return bool, got %s", domain.ErrInvalidTriggerExpr, expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidTriggerExpr, err)
	}

	return &DeploymentTrigger{expr: expr, prg: prg}, nil
}

// Expression returns the compiled expression source
func (t *DeploymentTrigger) Expression() string {
	return t.expr
}

func (t *DeploymentTrigger) Decide(accuracy, minAccuracy float64, metrics map[string]float64) (bool, error) {
	if metrics == nil {
		metrics = map[string]float64{}
	}

	out, _, err := t.prg.Eval(map[string]any{
		"accuracy":     accuracy,
		"min_accuracy": minAccuracy,
		"metrics":      metrics,
	})
	if err != nil {
		return false, fmt.Errorf("eval trigger %q: %w", t.expr, err)
	}

	decision, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", domain.ErrInvalidTriggerExpr, t.expr, out.Value())
	}
	return decision, nil
}

// Step adapts the trigger to the deployment_trigger pipeline step.
//
// inputs: accuracy, rmse (optional)
// parameters: min_accuracy
// outputs: deploy_decision
func (t *DeploymentTrigger) Step(_ context.Context, sc StepContext) (map[string]domain.Artifact, error) {
	accArtifact, err := sc.Input("accuracy")
	if err != nil {
		return nil, err
	}
	accuracy, err := accArtifact.FloatValue()
	if err != nil {
		return nil, err
	}
	minAccuracy, err := sc.Float("min_accuracy")
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{domain.MetricMSE: accuracy}
	if rmse, ok := sc.Inputs["rmse"]; ok {
		if v, err := rmse.FloatValue(); err == nil {
			metrics[domain.MetricRMSE] = v
		}
	}

	decision, err := t.Decide(accuracy, minAccuracy, metrics)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"accuracy":     accuracy,
		"min_accuracy": minAccuracy,
		"expression":   t.expr,
		"deploy":       decision,
	}).Info("deployment decision")

	return map[string]domain.Artifact{
		"deploy_decision": domain.NewBoolArtifact("deploy_decision", decision),
	}, nil
}
