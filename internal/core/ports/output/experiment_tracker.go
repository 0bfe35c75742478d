package ports

import (
	"context"
)

// ExperimentTracker records pipeline runs and metrics in an external tracking server
type ExperimentTracker interface {
	// TrackingURI is the backend store URI shown to users
	TrackingURI() string

	// StartRun opens a tracked run and returns its id
	StartRun(ctx context.Context, experiment, runName string, tags map[string]string) (string, error)

	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error

	// EndRun closes the run with FINISHED or FAILED
	EndRun(ctx context.Context, runID string, failed bool) error
}
