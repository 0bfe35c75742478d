package services

import (
	"context"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

type ModelVersionService struct {
	repo output.ModelVersionRepository
}

func NewModelVersionService(repo output.ModelVersionRepository) *ModelVersionService {
	return &ModelVersionService{repo: repo}
}

func (s *ModelVersionService) Get(ctx context.Context, id uuid.UUID) (*domain.ModelVersion, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByStage returns the version of a model currently in stage
func (s *ModelVersionService) GetByStage(ctx context.Context, modelName string, stage domain.ModelStage) (*domain.ModelVersion, error) {
	if !stage.IsValid() {
		return nil, domain.ErrInvalidState
	}
	return s.repo.GetByStage(ctx, modelName, stage)
}

func (s *ModelVersionService) List(ctx context.Context, filter output.VersionListFilter) ([]*domain.ModelVersion, int, error) {
	filter.Limit = clampLimit(filter.Limit)
	if filter.Stage != "" && !domain.ModelStage(filter.Stage).IsValid() {
		return nil, 0, domain.ErrInvalidState
	}
	return s.repo.List(ctx, filter)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 100 {
		return 100
	}
	return limit
}
