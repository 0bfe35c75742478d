package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/core/domain"
	"ml-pipelines/internal/core/services"
	"ml-pipelines/internal/pipelines"
)

// DeploymentQuery selects the running prediction service started by the
// continuous deployment pipeline.
func DeploymentQuery() domain.ServiceQuery {
	return domain.ServiceQuery{
		PipelineName: pipelines.DeploymentPipelineName,
		StepName:     services.StepModelDeployer,
		ModelName:    pipelines.DefaultModelName,
		Running:      true,
	}
}

// DeploymentReport is what a deployment run leaves behind for the user.
type DeploymentReport struct {
	TrackingURI string
	Experiment  string
	// Service is nil when no prediction service is running.
	Service *domain.PredictionService
}

// StopDeployment stops the first running deployment service. It returns the
// stopped service, or nil when nothing was running.
func (a *App) StopDeployment(ctx context.Context) (*domain.PredictionService, error) {
	existing, err := a.DeploySvc.FindModelServer(ctx, DeploymentQuery())
	if err != nil {
		return nil, fmt.Errorf("find prediction service: %w", err)
	}
	if len(existing) == 0 {
		log.Info("no running prediction service found")
		return nil, nil
	}

	svc := existing[0]
	if err := a.DeploySvc.StopService(ctx, svc, a.Config.Serving.StopTimeout); err != nil {
		return nil, err
	}
	return svc, nil
}

// RunDeployment runs the continuous deployment pipeline followed by the
// inference pipeline and reports the running prediction service.
func (a *App) RunDeployment(ctx context.Context, minAccuracy float64, opts services.RunOptions) (*DeploymentReport, error) {
	cfg := a.Config

	deployment, err := pipelines.ContinuousDeployment(minAccuracy, cfg.Deployment.Workers, cfg.Deployment.Timeout)
	if err != nil {
		return nil, fmt.Errorf("build deployment pipeline: %w", err)
	}
	if _, err := a.Runner.Run(ctx, deployment, opts); err != nil {
		return nil, fmt.Errorf("deployment pipeline: %w", err)
	}

	inference, err := pipelines.Inference(pipelines.DeploymentPipelineName, services.StepModelDeployer)
	if err != nil {
		return nil, fmt.Errorf("build inference pipeline: %w", err)
	}
	if _, err := a.Runner.Run(ctx, inference, services.RunOptions{Config: opts.Config}); err != nil {
		return nil, fmt.Errorf("inference pipeline: %w", err)
	}

	report := &DeploymentReport{TrackingURI: a.TrackingURI(), Experiment: cfg.Tracking.Experiment}

	// The inference lookup does not filter by model name.
	query := DeploymentQuery()
	query.ModelName = ""
	running, err := a.DeploySvc.FindModelServer(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find prediction service: %w", err)
	}
	if len(running) > 0 {
		report.Service = running[0]
	}
	return report, nil
}
