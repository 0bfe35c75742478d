package services

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// InferenceService resolves running prediction services and submits batches to them.
type InferenceService struct {
	deploy *DeployService
	client output.PredictionClient
}

func NewInferenceService(deploy *DeployService, client output.PredictionClient) *InferenceService {
	return &InferenceService{deploy: deploy, client: client}
}

// LoadService returns the first running service deployed by the given
// pipeline step.
func (s *InferenceService) LoadService(ctx context.Context, query domain.ServiceQuery) (*domain.PredictionService, error) {
	query.Running = true
	services, err := s.deploy.FindModelServer(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(services) == 0 {
		return nil, fmt.Errorf(
			"%w: no prediction service deployed by the %s step in the %s pipeline is currently running",
			domain.ErrNoRunningService, query.StepName, query.PipelineName,
		)
	}
	return services[0], nil
}

func (s *InferenceService) Predict(ctx context.Context, svc *domain.PredictionService, batch domain.RecordBatch) ([]float64, error) {
	if svc == nil || !svc.IsRunning() {
		return nil, domain.ErrNoRunningService
	}
	if batch.Len() == 0 {
		return nil, domain.ErrEmptyBatch
	}

	predictions, err := s.client.Predict(ctx, svc, batch)
	if err != nil {
		return nil, fmt.Errorf("predict with %s: %w", svc.PredictionURL, err)
	}
	if len(predictions) != batch.Len() {
		return nil, fmt.Errorf("%w: got %d predictions for %d records", domain.ErrInvalidArtifact, len(predictions), batch.Len())
	}

	log.WithFields(log.Fields{
		"service_id": svc.ID,
		"records":    batch.Len(),
	}).Info("batch scored")
	return predictions, nil
}

// LoaderStep adapts LoadService to the prediction_service_loader pipeline step.
//
// parameters: pipeline_name, step_name, model_name (optional)
// outputs: service
func (s *InferenceService) LoaderStep(ctx context.Context, sc StepContext) (map[string]domain.Artifact, error) {
	svc, err := s.LoadService(ctx, domain.ServiceQuery{
		PipelineName: sc.String("pipeline_name", ""),
		StepName:     sc.String("step_name", ""),
		ModelName:    sc.String("model_name", ""),
	})
	if err != nil {
		return nil, err
	}

	out, err := domain.NewJSONArtifact("service", domain.ArtifactTypeService, svc)
	if err != nil {
		return nil, err
	}
	return map[string]domain.Artifact{"service": out}, nil
}

// PredictorStep adapts Predict to the predictor pipeline step.
//
// inputs: service, data (JSON record batch)
// outputs: predictions
func (s *InferenceService) PredictorStep(ctx context.Context, sc StepContext) (map[string]domain.Artifact, error) {
	svcArtifact, err := sc.Input("service")
	if err != nil {
		return nil, err
	}
	var svc *domain.PredictionService
	if err := svcArtifact.Decode(&svc); err != nil {
		return nil, err
	}

	dataArtifact, err := sc.Input("data")
	if err != nil {
		return nil, err
	}
	var batch domain.RecordBatch
	if err := dataArtifact.Decode(&batch); err != nil {
		return nil, err
	}

	predictions, err := s.Predict(ctx, svc, batch)
	if err != nil {
		return nil, err
	}

	out, err := domain.NewJSONArtifact("predictions", domain.ArtifactTypePredictions, predictions)
	if err != nil {
		return nil, err
	}
	return map[string]domain.Artifact{"predictions": out}, nil
}
