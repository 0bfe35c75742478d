package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type ArtifactType string

const (
	ArtifactTypeModel       ArtifactType = "model"
	ArtifactTypeDataset     ArtifactType = "dataset"
	ArtifactTypeMetric      ArtifactType = "metric"
	ArtifactTypeDecision    ArtifactType = "decision"
	ArtifactTypeService     ArtifactType = "service"
	ArtifactTypePredictions ArtifactType = "predictions"
	ArtifactTypeImages      ArtifactType = "images"
)

// Artifact is a step output. Blobs (datasets, models, image folders) live
// behind URI; scalars and small documents are carried inline in Value.
type Artifact struct {
	RunID    uuid.UUID       `json:"run_id"`
	Producer string          `json:"producer"`
	Name     string          `json:"name"`
	Type     ArtifactType    `json:"type"`
	URI      string          `json:"uri,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

// NewFloatArtifact wraps a scalar metric.
func NewFloatArtifact(name string, v float64) Artifact {
	raw, _ := json.Marshal(v)
	return Artifact{Name: name, Type: ArtifactTypeMetric, Value: raw}
}

// NewBoolArtifact wraps a boolean decision.
func NewBoolArtifact(name string, v bool) Artifact {
	raw, _ := json.Marshal(v)
	return Artifact{Name: name, Type: ArtifactTypeDecision, Value: raw}
}

// NewJSONArtifact marshals v into the artifact value.
func NewJSONArtifact(name string, typ ArtifactType, v any) (Artifact, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, fmt.Errorf("marshal artifact %s: %w", name, err)
	}
	return Artifact{Name: name, Type: typ, Value: raw}, nil
}

// FloatValue decodes the inline value as a float.
func (a Artifact) FloatValue() (float64, error) {
	var v float64
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidArtifact, a.Name)
	}
	return v, nil
}

// BoolValue decodes the inline value as a bool.
func (a Artifact) BoolValue() (bool, error) {
	var v bool
	if err := json.Unmarshal(a.Value, &v); err != nil {
		return false, fmt.Errorf("%w: %s is not a bool", ErrInvalidArtifact, a.Name)
	}
	return v, nil
}

// Decode unmarshals the inline value into v.
func (a Artifact) Decode(v any) error {
	if len(a.Value) == 0 {
		return fmt.Errorf("%w: %s has no inline value", ErrInvalidArtifact, a.Name)
	}
	if err := json.Unmarshal(a.Value, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArtifact, a.Name, err)
	}
	return nil
}

// IsNumeric reports whether the inline value decodes as a float.
func (a Artifact) IsNumeric() bool {
	_, err := a.FloatValue()
	return len(a.Value) > 0 && err == nil
}

// RecordBatch is the tabular payload exchanged with prediction services.
type RecordBatch struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

// Len returns the number of records
func (b RecordBatch) Len() int {
	return len(b.Data)
}
