package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	DefaultDeployWorkers = 1
	DefaultDeployTimeout = 60 * time.Second
	DefaultStopTimeout   = 10 * time.Second
)

type DeployService struct {
	deployer output.ModelDeployer
}

func NewDeployService(deployer output.ModelDeployer) *DeployService {
	return &DeployService{deployer: deployer}
}

// IsAvailable checks if a serving backend is configured
func (s *DeployService) IsAvailable() bool {
	return s.deployer != nil && s.deployer.IsAvailable()
}

func (s *DeployService) Deploy(ctx context.Context, req output.DeployRequest) (*domain.PredictionService, error) {
	if !s.IsAvailable() {
		return nil, domain.ErrDeployerNotAvailable
	}
	if req.Workers <= 0 {
		req.Workers = DefaultDeployWorkers
	}
	if req.Timeout <= 0 {
		req.Timeout = DefaultDeployTimeout
	}

	logger := log.WithFields(log.Fields{
		"pipeline": req.PipelineName,
		"step":     req.StepName,
		"model":    req.ModelName,
		"uri":      req.ModelURI,
	})
	logger.Info("deploying model server")

	svc, err := s.deployer.Deploy(ctx, req)
	if err != nil {
		logger.WithError(err).Error("deploy model server failed")
		return nil, fmt.Errorf("deploy %s: %w", req.ModelName, err)
	}

	logger.WithField("url", svc.PredictionURL).Info("model server running")
	return svc, nil
}

// FindModelServer returns the services deployed by a pipeline step.
func (s *DeployService) FindModelServer(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	if !s.IsAvailable() {
		return nil, domain.ErrDeployerNotAvailable
	}
	return s.deployer.Find(ctx, query)
}

// GetService returns the service with the given id
func (s *DeployService) GetService(ctx context.Context, id uuid.UUID) (*domain.PredictionService, error) {
	services, err := s.FindModelServer(ctx, domain.ServiceQuery{})
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if svc.ID == id {
			return svc, nil
		}
	}
	return nil, domain.ErrServiceNotFound
}

func (s *DeployService) StopService(ctx context.Context, svc *domain.PredictionService, timeout time.Duration) error {
	if !s.IsAvailable() {
		return domain.ErrDeployerNotAvailable
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	logger := log.WithFields(log.Fields{"service_id": svc.ID, "model": svc.ModelName})
	if err := s.deployer.Stop(ctx, svc, timeout); err != nil {
		logger.WithError(err).Error("stop model server failed")
		return fmt.Errorf("stop service %s: %w", svc.ID, err)
	}
	logger.Info("model server stopped")
	return nil
}

// StopMatching stops every running service matching query and returns how many were stopped.
func (s *DeployService) StopMatching(ctx context.Context, query domain.ServiceQuery, timeout time.Duration) (int, error) {
	query.Running = true
	services, err := s.FindModelServer(ctx, query)
	if err != nil {
		return 0, err
	}

	var errs []error
	stopped := 0
	for _, svc := range services {
		if err := s.StopService(ctx, svc, timeout); err != nil {
			errs = append(errs, err)
			continue
		}
		stopped++
	}
	return stopped, errors.Join(errs...)
}

// Step adapts the service to the model_deployer pipeline step.
//
// inputs: deploy_decision, model
// parameters: model_name, model_type, workers, timeout
// outputs: service (JSON handle, null when nothing is running)
func (s *DeployService) Step(ctx context.Context, sc StepContext) (map[string]domain.Artifact, error) {
	decisionArtifact, err := sc.Input("deploy_decision")
	if err != nil {
		return nil, err
	}
	decision, err := decisionArtifact.BoolValue()
	if err != nil {
		return nil, err
	}
	model, err := sc.Input("model")
	if err != nil {
		return nil, err
	}

	query := domain.ServiceQuery{
		PipelineName: sc.Pipeline,
		StepName:     sc.Step,
		ModelName:    sc.String("model_name", ""),
	}

	var svc *domain.PredictionService
	if decision {
		timeout := sc.Duration("timeout", DefaultDeployTimeout)
		if _, err := s.StopMatching(ctx, query, timeout); err != nil {
			return nil, err
		}
		svc, err = s.Deploy(ctx, output.DeployRequest{
			PipelineName: sc.Pipeline,
			StepName:     sc.Step,
			ModelName:    query.ModelName,
			ModelURI:     model.URI,
			Framework:    sc.String("model_type", ""),
			RunID:        sc.RunID,
			Workers:      sc.Int("workers", DefaultDeployWorkers),
			Timeout:      timeout,
		})
		if err != nil {
			return nil, err
		}
	} else {
		log.WithFields(log.Fields{"pipeline": sc.Pipeline, "step": sc.Step}).
			Info("deployment not triggered, keeping existing model server")
		query.Running = true
		existing, err := s.FindModelServer(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			svc = existing[0]
		}
	}

	out, err := domain.NewJSONArtifact("service", domain.ArtifactTypeService, svc)
	if err != nil {
		return nil, err
	}
	return map[string]domain.Artifact{"service": out}, nil
}
