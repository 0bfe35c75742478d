package domain

import "errors"

// ============================================================================
// Pipeline Errors
// ============================================================================

// Not found errors
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrRunNotFound      = errors.New("pipeline run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Validation errors
var (
	ErrInvalidPipelineName = errors.New("pipeline name is required")
	ErrInvalidStepName     = errors.New("step name is required")
	ErrDuplicateStep       = errors.New("step declared more than once")
	ErrCyclicPipeline      = errors.New("pipeline graph contains a cycle")
	ErrMissingInput        = errors.New("step input refers to an undeclared output")
	ErrInvalidArtifact     = errors.New("artifact value has unexpected type")
	ErrInvalidState        = errors.New("invalid state")
)

// Execution errors
var (
	ErrStepFailed          = errors.New("step failed")
	ErrExecutorUnavailable = errors.New("no executor configured for external step")
)

// ============================================================================
// Model Registry Errors
// ============================================================================

var (
	ErrVersionNotFound      = errors.New("model version not found")
	ErrVersionConflict      = errors.New("model version already exists")
	ErrInvalidModelName     = errors.New("model name is required")
	ErrUnsupportedModelType = errors.New("unsupported model type")
)

// ============================================================================
// Serving Errors
// ============================================================================

var (
	ErrServiceNotFound      = errors.New("prediction service not found")
	ErrServiceConflict      = errors.New("prediction service already registered")
	ErrNoRunningService     = errors.New("no prediction service is currently running")
	ErrDeployerNotAvailable = errors.New("model deployer is not available")
	ErrServiceNotReady      = errors.New("prediction service did not become ready")
	ErrInvalidTriggerExpr   = errors.New("invalid deployment trigger expression")
	ErrEmptyBatch           = errors.New("inference batch is empty")
)
