package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type ModelStage string

const (
	StageNone       ModelStage = "none"
	StageStaging    ModelStage = "staging"
	StageProduction ModelStage = "production"
	StageArchived   ModelStage = "archived"
)

// IsValid checks if the stage is valid
func (s ModelStage) IsValid() bool {
	switch s {
	case StageNone, StageStaging, StageProduction, StageArchived:
		return true
	}
	return false
}

// Model families accepted by the train_model step
var SupportedModelTypes = map[string]bool{
	"lightgbm":     true,
	"randomforest": true,
	"xgboost":      true,
}

// DefaultModelType is used when no model type is given
const DefaultModelType = "lightgbm"

func ValidateModelType(modelType string) error {
	if !SupportedModelTypes[strings.ToLower(modelType)] {
		return ErrUnsupportedModelType
	}
	return nil
}

// Metric names produced by the evaluation step
const (
	MetricMSE  = "mse"
	MetricRMSE = "rmse"
)

type ModelVersion struct {
	ID        uuid.UUID          `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	ModelName string             `json:"model_name"`
	Version   int                `json:"version"`
	Framework string             `json:"framework"`
	URI       string             `json:"uri"`
	Metrics   map[string]float64 `json:"metrics"`
	Stage     ModelStage         `json:"stage"`
	RunID     uuid.UUID          `json:"run_id"`
}

// NewModelVersion creates an unstaged ModelVersion with validation
func NewModelVersion(modelName, framework, uri string, runID uuid.UUID, metrics map[string]float64) (*ModelVersion, error) {
	if modelName == "" {
		return nil, ErrInvalidModelName
	}
	if framework != "" {
		if err := ValidateModelType(framework); err != nil {
			return nil, err
		}
	}
	if metrics == nil {
		metrics = make(map[string]float64)
	}

	now := time.Now()
	return &ModelVersion{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		ModelName: modelName,
		Framework: strings.ToLower(framework),
		URI:       uri,
		Metrics:   metrics,
		Stage:     StageNone,
		RunID:     runID,
	}, nil
}

// SetStage moves the version to a new stage
func (v *ModelVersion) SetStage(stage ModelStage) error {
	if !stage.IsValid() {
		return ErrInvalidState
	}
	v.Stage = stage
	v.UpdatedAt = time.Now()
	return nil
}

// Metric returns the named metric and whether it was recorded
func (v *ModelVersion) Metric(name string) (float64, bool) {
	m, ok := v.Metrics[name]
	return m, ok
}
