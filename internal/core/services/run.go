package services

import (
	"context"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// RunService is the read side of pipeline runs.
type RunService struct {
	runs      output.RunRepository
	artifacts output.ArtifactStore
}

func NewRunService(runs output.RunRepository, artifacts output.ArtifactStore) *RunService {
	return &RunService{runs: runs, artifacts: artifacts}
}

func (s *RunService) Get(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	return s.runs.GetByID(ctx, id)
}

func (s *RunService) List(ctx context.Context, filter output.RunListFilter) ([]*domain.PipelineRun, int, error) {
	filter.Limit = clampLimit(filter.Limit)
	return s.runs.List(ctx, filter)
}

// Artifacts returns every artifact produced by a run
func (s *RunService) Artifacts(ctx context.Context, id uuid.UUID) ([]domain.Artifact, error) {
	if _, err := s.runs.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.artifacts.ListByRun(ctx, id)
}
