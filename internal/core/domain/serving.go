package domain

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Value Objects
// ============================================================================

// ServiceState represents the last known state of a prediction service
type ServiceState string

const (
	ServiceStateRunning ServiceState = "RUNNING"
	ServiceStateStopped ServiceState = "STOPPED"
	ServiceStateFailed  ServiceState = "FAILED"
)

// IsValid checks if the state is valid
func (s ServiceState) IsValid() bool {
	return s == ServiceStateRunning || s == ServiceStateStopped || s == ServiceStateFailed
}

// ServingBackend names the deployer that owns a service
type ServingBackend string

const (
	BackendLocal  ServingBackend = "local"
	BackendKServe ServingBackend = "kserve"
)

// ============================================================================
// Entities
// ============================================================================

// PredictionService is a handle to a long-running model server. It is only
// meaningful while the owning deployer reports it running.
type PredictionService struct {
	ID            uuid.UUID         `json:"id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	PipelineName  string            `json:"pipeline_name"`
	StepName      string            `json:"step_name"`
	ModelName     string            `json:"model_name"`
	ModelURI      string            `json:"model_uri"`
	RunID         uuid.UUID         `json:"run_id"`
	Backend       ServingBackend    `json:"backend"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	URL           string            `json:"url"`
	PredictionURL string            `json:"prediction_url"`
	State         ServiceState      `json:"state"`
	PID           int               `json:"pid,omitempty"`
	ExternalID    string            `json:"external_id,omitempty"` // K8s resource UID
	Workers       int               `json:"workers"`
	LastError     string            `json:"last_error,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// NewPredictionService creates a stopped service handle with validation
func NewPredictionService(pipelineName, stepName, modelName, modelURI string, backend ServingBackend) (*PredictionService, error) {
	if pipelineName == "" {
		return nil, ErrInvalidPipelineName
	}
	if stepName == "" {
		return nil, ErrInvalidStepName
	}
	if modelName == "" {
		return nil, ErrInvalidModelName
	}

	now := time.Now()
	return &PredictionService{
		ID:           uuid.New(),
		CreatedAt:    now,
		UpdatedAt:    now,
		PipelineName: pipelineName,
		StepName:     stepName,
		ModelName:    modelName,
		ModelURI:     modelURI,
		Backend:      backend,
		State:        ServiceStateStopped,
		Workers:      1,
		Labels:       make(map[string]string),
	}, nil
}

// MarkRunning records the service as serving at url
func (s *PredictionService) MarkRunning(url, predictionURL string) {
	s.State = ServiceStateRunning
	s.URL = url
	s.PredictionURL = predictionURL
	s.LastError = ""
	s.UpdatedAt = time.Now()
}

// MarkStopped records the service as stopped
func (s *PredictionService) MarkStopped() {
	s.State = ServiceStateStopped
	s.PID = 0
	s.UpdatedAt = time.Now()
}

// MarkFailed records a deployment failure
func (s *PredictionService) MarkFailed(msg string) {
	s.State = ServiceStateFailed
	s.LastError = msg
	s.UpdatedAt = time.Now()
}

// IsRunning returns true if the last known state is running
func (s *PredictionService) IsRunning() bool {
	return s.State == ServiceStateRunning
}

// ServiceQuery selects services by the pipeline step that deployed them.
// Empty fields match anything.
type ServiceQuery struct {
	PipelineName string
	StepName     string
	ModelName    string
	Running      bool
}

// Matches reports whether svc satisfies the query
func (q ServiceQuery) Matches(svc *PredictionService) bool {
	if q.PipelineName != "" && svc.PipelineName != q.PipelineName {
		return false
	}
	if q.StepName != "" && svc.StepName != q.StepName {
		return false
	}
	if q.ModelName != "" && svc.ModelName != q.ModelName {
		return false
	}
	if q.Running && !svc.IsRunning() {
		return false
	}
	return true
}
