package dto

import (
	"time"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

type PredictionServiceResponse struct {
	ID            uuid.UUID `json:"id"`
	CreatedAt     string    `json:"created_at"`
	UpdatedAt     string    `json:"updated_at"`
	PipelineName  string    `json:"pipeline_name"`
	StepName      string    `json:"step_name"`
	ModelName     string    `json:"model_name"`
	ModelURI      string    `json:"model_uri"`
	RunID         uuid.UUID `json:"run_id"`
	Backend       string    `json:"backend"`
	State         string    `json:"state"`
	URL           string    `json:"url,omitempty"`
	PredictionURL string    `json:"prediction_url,omitempty"`
	Workers       int       `json:"workers"`
	LastError     string    `json:"last_error,omitempty"`
}

type ListPredictionServicesResponse struct {
	Items []PredictionServiceResponse `json:"items"`
	Total int                         `json:"total"`
}

// StopServiceRequest is the optional body of the stop action
type StopServiceRequest struct {
	TimeoutSeconds int `json:"timeout_seconds" binding:"omitempty,min=1,max=600"`
}

func (r StopServiceRequest) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func ToPredictionServiceResponse(s *domain.PredictionService) PredictionServiceResponse {
	return PredictionServiceResponse{
		ID:            s.ID,
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     s.UpdatedAt.Format(time.RFC3339),
		PipelineName:  s.PipelineName,
		StepName:      s.StepName,
		ModelName:     s.ModelName,
		ModelURI:      s.ModelURI,
		RunID:         s.RunID,
		Backend:       string(s.Backend),
		State:         string(s.State),
		URL:           s.URL,
		PredictionURL: s.PredictionURL,
		Workers:       s.Workers,
		LastError:     s.LastError,
	}
}
