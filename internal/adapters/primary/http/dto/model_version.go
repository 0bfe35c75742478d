package dto

import (
	"time"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

type ModelVersionResponse struct {
	ID        uuid.UUID          `json:"id"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
	ModelName string             `json:"model_name"`
	Version   int                `json:"version"`
	Framework string             `json:"framework"`
	URI       string             `json:"uri"`
	Metrics   map[string]float64 `json:"metrics"`
	Stage     string             `json:"stage"`
	RunID     uuid.UUID          `json:"run_id"`
}

type ListModelVersionsResponse struct {
	Items      []ModelVersionResponse `json:"items"`
	Total      int                    `json:"total"`
	PageSize   int                    `json:"page_size"`
	NextOffset int                    `json:"next_offset"`
}

func ToModelVersionResponse(v *domain.ModelVersion) ModelVersionResponse {
	return ModelVersionResponse{
		ID:        v.ID,
		CreatedAt: v.CreatedAt.Format(time.RFC3339),
		UpdatedAt: v.UpdatedAt.Format(time.RFC3339),
		ModelName: v.ModelName,
		Version:   v.Version,
		Framework: v.Framework,
		URI:       v.URI,
		Metrics:   v.Metrics,
		Stage:     string(v.Stage),
		RunID:     v.RunID,
	}
}
