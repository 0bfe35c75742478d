package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

type StepRunResponse struct {
	ID         uuid.UUID `json:"id"`
	StepName   string    `json:"step_name"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	StartedAt  string    `json:"started_at"`
	FinishedAt string    `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type RunResponse struct {
	ID           uuid.UUID         `json:"id"`
	PipelineName string            `json:"pipeline_name"`
	Status       string            `json:"status"`
	Parameters   map[string]any    `json:"parameters"`
	StartedAt    string            `json:"started_at"`
	FinishedAt   string            `json:"finished_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	TrackingID   string            `json:"tracking_id,omitempty"`
	Steps        []StepRunResponse `json:"steps,omitempty"`
}

type ListRunsResponse struct {
	Items      []RunResponse `json:"items"`
	Total      int           `json:"total"`
	PageSize   int           `json:"page_size"`
	NextOffset int           `json:"next_offset"`
}

type ArtifactResponse struct {
	Producer string          `json:"producer"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	URI      string          `json:"uri,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type ListArtifactsResponse struct {
	RunID uuid.UUID          `json:"run_id"`
	Items []ArtifactResponse `json:"items"`
}

func ToRunResponse(run *domain.PipelineRun) RunResponse {
	resp := RunResponse{
		ID:           run.ID,
		PipelineName: run.PipelineName,
		Status:       string(run.Status),
		Parameters:   run.Parameters,
		StartedAt:    run.StartedAt.Format(time.RFC3339),
		FinishedAt:   formatOptional(run.FinishedAt),
		Error:        run.Error,
		TrackingID:   run.TrackingID,
	}
	for _, s := range run.StepRuns {
		resp.Steps = append(resp.Steps, StepRunResponse{
			ID:         s.ID,
			StepName:   s.StepName,
			Kind:       string(s.Kind),
			Status:     string(s.Status),
			StartedAt:  s.StartedAt.Format(time.RFC3339),
			FinishedAt: formatOptional(s.FinishedAt),
			Error:      s.Error,
		})
	}
	return resp
}

func ToArtifactResponses(artifacts []domain.Artifact) []ArtifactResponse {
	items := make([]ArtifactResponse, 0, len(artifacts))
	for _, a := range artifacts {
		items = append(items, ArtifactResponse{
			Producer: a.Producer,
			Name:     a.Name,
			Type:     string(a.Type),
			URI:      a.URI,
			Value:    a.Value,
		})
	}
	return items
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
