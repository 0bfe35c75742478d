// Package pipelines declares the step graphs run by the command line tools.
package pipelines

import (
	"time"

	"ml-pipelines/internal/core/domain"
	"ml-pipelines/internal/core/services"
)

const (
	TrainingPipelineName   = "customer_satisfaction_training_pipeline"
	DeploymentPipelineName = "continuous_deployment_pipeline"
	InferencePipelineName  = "inference_pipeline"

	// DefaultModelName is the registered name of the customer satisfaction regressor.
	DefaultModelName = "Customer_Satisfaction_Predictor"

	// DefaultMinAccuracy is the mse threshold under which a model is deployed.
	DefaultMinAccuracy = 1.8
)

// External steps shared by the training and deployment pipelines.
const (
	StepIngestData      = "ingest_data"
	StepCleanData       = "clean_data"
	StepTrainModel      = "train_model"
	StepEvaluation      = "evaluation"
	StepDynamicImporter = "dynamic_importer"
)

// trainingSteps declares ingest_data -> clean_data -> train_model -> evaluation.
func trainingSteps(modelType string) []domain.StepSpec {
	return []domain.StepSpec{
		{
			Name:    StepIngestData,
			Kind:    domain.StepExternal,
			Outputs: []string{"df"},
		},
		{
			Name:    StepCleanData,
			Kind:    domain.StepExternal,
			Inputs:  map[string]domain.InputRef{"df": domain.From(StepIngestData, "df")},
			Outputs: []string{"x_train", "x_test", "y_train", "y_test"},
		},
		{
			Name: StepTrainModel,
			Kind: domain.StepExternal,
			Inputs: map[string]domain.InputRef{
				"x_train": domain.From(StepCleanData, "x_train"),
				"x_test":  domain.From(StepCleanData, "x_test"),
				"y_train": domain.From(StepCleanData, "y_train"),
				"y_test":  domain.From(StepCleanData, "y_test"),
			},
			Parameters: map[string]any{"model_type": modelType},
			Outputs:    []string{"model"},
		},
		{
			Name: StepEvaluation,
			Kind: domain.StepExternal,
			Inputs: map[string]domain.InputRef{
				"model":  domain.From(StepTrainModel, "model"),
				"x_test": domain.From(StepCleanData, "x_test"),
				"y_test": domain.From(StepCleanData, "y_test"),
			},
			Outputs: []string{domain.MetricMSE, domain.MetricRMSE},
		},
	}
}

// Training declares the customer satisfaction training pipeline. The model
// type must be one of lightgbm, randomforest or xgboost.
func Training(modelType string) (*domain.Pipeline, error) {
	if modelType == "" {
		modelType = domain.DefaultModelType
	}
	if err := domain.ValidateModelType(modelType); err != nil {
		return nil, err
	}

	steps := append(trainingSteps(modelType), domain.StepSpec{
		Name: services.StepModelPromoter,
		Kind: domain.StepBuiltin,
		Inputs: map[string]domain.InputRef{
			"accuracy": domain.From(StepEvaluation, domain.MetricMSE),
			"rmse":     domain.From(StepEvaluation, domain.MetricRMSE),
			"model":    domain.From(StepTrainModel, "model"),
		},
		Parameters: map[string]any{
			"model_name": DefaultModelName,
			"model_type": modelType,
			"stage":      string(domain.StageProduction),
		},
		Outputs: []string{"is_promoted"},
	})

	return build(&domain.Pipeline{
		Name:  TrainingPipelineName,
		Steps: steps,
		Outputs: map[string]domain.InputRef{
			"model":       domain.From(StepTrainModel, "model"),
			"is_promoted": domain.From(services.StepModelPromoter, "is_promoted"),
		},
		Parameters: map[string]any{"model_type": modelType},
	})
}

// ContinuousDeployment declares the pipeline that trains, evaluates and
// deploys the model when the deployment trigger fires.
func ContinuousDeployment(minAccuracy float64, workers int, timeout time.Duration) (*domain.Pipeline, error) {
	if workers <= 0 {
		workers = services.DefaultDeployWorkers
	}
	if timeout <= 0 {
		timeout = services.DefaultDeployTimeout
	}

	steps := append(trainingSteps(domain.DefaultModelType),
		domain.StepSpec{
			Name: services.StepDeploymentTrigger,
			Kind: domain.StepBuiltin,
			Inputs: map[string]domain.InputRef{
				"accuracy": domain.From(StepEvaluation, domain.MetricMSE),
				"rmse":     domain.From(StepEvaluation, domain.MetricRMSE),
			},
			Parameters: map[string]any{"min_accuracy": minAccuracy},
			Outputs:    []string{"deploy_decision"},
		},
		domain.StepSpec{
			Name: services.StepModelDeployer,
			Kind: domain.StepBuiltin,
			Inputs: map[string]domain.InputRef{
				"model":           domain.From(StepTrainModel, "model"),
				"deploy_decision": domain.From(services.StepDeploymentTrigger, "deploy_decision"),
			},
			Parameters: map[string]any{
				"model_name": DefaultModelName,
				"model_type": domain.DefaultModelType,
				"workers":    workers,
				"timeout":    timeout.String(),
			},
			Outputs: []string{"service"},
		},
	)

	return build(&domain.Pipeline{
		Name:  DeploymentPipelineName,
		Steps: steps,
		Outputs: map[string]domain.InputRef{
			"deploy_decision": domain.From(services.StepDeploymentTrigger, "deploy_decision"),
			"service":         domain.From(services.StepModelDeployer, "service"),
		},
		Parameters: map[string]any{
			"min_accuracy": minAccuracy,
			"workers":      workers,
			"timeout":      timeout.String(),
		},
	})
}

// Inference declares the batch inference pipeline against the service
// deployed by stepName of pipelineName.
func Inference(pipelineName, stepName string) (*domain.Pipeline, error) {
	if pipelineName == "" {
		pipelineName = DeploymentPipelineName
	}
	if stepName == "" {
		stepName = services.StepModelDeployer
	}

	return build(&domain.Pipeline{
		Name: InferencePipelineName,
		Steps: []domain.StepSpec{
			{
				Name:    StepDynamicImporter,
				Kind:    domain.StepExternal,
				Outputs: []string{"data"},
			},
			{
				Name: services.StepPredictionServiceLoader,
				Kind: domain.StepBuiltin,
				Parameters: map[string]any{
					"pipeline_name": pipelineName,
					"step_name":     stepName,
				},
				Outputs: []string{"service"},
			},
			{
				Name: services.StepPredictor,
				Kind: domain.StepBuiltin,
				Inputs: map[string]domain.InputRef{
					"service": domain.From(services.StepPredictionServiceLoader, "service"),
					"data":    domain.From(StepDynamicImporter, "data"),
				},
				Outputs: []string{"predictions"},
			},
		},
		Outputs: map[string]domain.InputRef{
			"predictions": domain.From(services.StepPredictor, "predictions"),
		},
		Parameters: map[string]any{
			"pipeline_name": pipelineName,
			"step_name":     stepName,
		},
	})
}

func build(p *domain.Pipeline) (*domain.Pipeline, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
