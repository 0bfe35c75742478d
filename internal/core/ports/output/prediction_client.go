package ports

import (
	"context"

	"ml-pipelines/internal/core/domain"
)

// PredictionClient submits record batches to a running prediction service
type PredictionClient interface {
	Predict(ctx context.Context, svc *domain.PredictionService, batch domain.RecordBatch) ([]float64, error)
}
