package ports

import (
	"context"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

// ArtifactStore holds step outputs keyed by (run, producing step, output name)
type ArtifactStore interface {
	Put(ctx context.Context, artifact domain.Artifact) error
	Get(ctx context.Context, runID uuid.UUID, step, name string) (domain.Artifact, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error)
}
