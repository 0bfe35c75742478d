package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// ModelPromoter registers trained models and decides whether a new version
// replaces the one currently in the target stage. Metrics are errors: lower
// is better.
type ModelPromoter struct {
	versions output.ModelVersionRepository
	maxError float64
}

func NewModelPromoter(versions output.ModelVersionRepository, maxError float64) *ModelPromoter {
	return &ModelPromoter{versions: versions, maxError: maxError}
}

type PromoteRequest struct {
	ModelName string
	Framework string
	ModelURI  string
	RunID     uuid.UUID
	Accuracy  float64
	Metrics   map[string]float64
	Stage     domain.ModelStage
}

type PromoteResult struct {
	Version  *domain.ModelVersion
	Promoted bool
	Replaced *domain.ModelVersion
	Reason   string
}

func (p *ModelPromoter) Promote(ctx context.Context, req PromoteRequest) (*PromoteResult, error) {
	stage := req.Stage
	if stage == "" {
		stage = domain.StageProduction
	}
	if !stage.IsValid() || stage == domain.StageNone {
		return nil, domain.ErrInvalidState
	}

	metrics := make(map[string]float64, len(req.Metrics)+1)
	for k, v := range req.Metrics {
		metrics[k] = v
	}
	if _, ok := metrics[domain.MetricMSE]; !ok {
		metrics[domain.MetricMSE] = req.Accuracy
	}

	version, err := domain.NewModelVersion(req.ModelName, req.Framework, req.ModelURI, req.RunID, metrics)
	if err != nil {
		return nil, err
	}

	_, total, err := p.versions.List(ctx, output.VersionListFilter{ModelName: req.ModelName, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("count model versions: %w", err)
	}
	version.Version = total + 1

	if err := p.versions.Create(ctx, version); err != nil {
		return nil, fmt.Errorf("register model version: %w", err)
	}

	logger := log.WithFields(log.Fields{
		"model":    req.ModelName,
		"version":  version.Version,
		"accuracy": req.Accuracy,
		"stage":    stage,
	})

	if req.Accuracy > p.maxError {
		reason := fmt.Sprintf("model error %.4f is above %.4f", req.Accuracy, p.maxError)
		logger.Info(reason + ", not promoting model")
		return &PromoteResult{Version: version, Reason: reason}, nil
	}

	current, err := p.versions.GetByStage(ctx, req.ModelName, stage)
	if err != nil && !errors.Is(err, domain.ErrVersionNotFound) {
		return nil, fmt.Errorf("get %s model: %w", stage, err)
	}

	if current != nil {
		baseline, ok := current.Metric(domain.MetricMSE)
		if ok && req.Accuracy >= baseline {
			reason := fmt.Sprintf("model error %.4f does not beat %s version %d (%.4f)", req.Accuracy, stage, current.Version, baseline)
			logger.Info(reason + ", not promoting model")
			return &PromoteResult{Version: version, Reason: reason}, nil
		}
	}

	// Promote before archiving so a failed write never leaves the stage empty.
	if err := version.SetStage(stage); err != nil {
		return nil, err
	}
	if err := p.versions.Update(ctx, version); err != nil {
		return nil, fmt.Errorf("promote version %d: %w", version.Version, err)
	}

	if current != nil {
		if err := current.SetStage(domain.StageArchived); err != nil {
			return nil, err
		}
		if err := p.versions.Update(ctx, current); err != nil {
			return nil, fmt.Errorf("archive version %d: %w", current.Version, err)
		}
	}

	logger.Infof("model promoted to %s", stage)
	return &PromoteResult{Version: version, Promoted: true, Replaced: current, Reason: "promoted"}, nil
}

// Step adapts the promoter to the model_promoter pipeline step.
//
// inputs: accuracy, model, rmse (optional)
// parameters: model_name, model_type, stage
// outputs: is_promoted
func (p *ModelPromoter) Step(ctx context.Context, sc StepContext) (map[string]domain.Artifact, error) {
	accArtifact, err := sc.Input("accuracy")
	if err != nil {
		return nil, err
	}
	accuracy, err := accArtifact.FloatValue()
	if err != nil {
		return nil, err
	}

	metrics := map[string]float64{domain.MetricMSE: accuracy}
	if rmse, ok := sc.Inputs["rmse"]; ok {
		if v, err := rmse.FloatValue(); err == nil {
			metrics[domain.MetricRMSE] = v
		}
	}

	var modelURI string
	if model, ok := sc.Inputs["model"]; ok {
		modelURI = model.URI
	}

	res, err := p.Promote(ctx, PromoteRequest{
		ModelName: sc.String("model_name", ""),
		Framework: sc.String("model_type", ""),
		ModelURI:  modelURI,
		RunID:     sc.RunID,
		Accuracy:  accuracy,
		Metrics:   metrics,
		Stage:     domain.ModelStage(sc.String("stage", string(domain.StageProduction))),
	})
	if err != nil {
		return nil, err
	}

	return map[string]domain.Artifact{
		"is_promoted": domain.NewBoolArtifact("is_promoted", res.Promoted),
	}, nil
}
