package services

// Builtin step names.
const (
	StepModelPromoter           = "model_promoter"
	StepDeploymentTrigger       = "deployment_trigger"
	StepModelDeployer           = "model_deployer"
	StepPredictionServiceLoader = "prediction_service_loader"
	StepPredictor               = "predictor"
)

// Builtins groups the services that back builtin steps. Nil members are skipped.
type Builtins struct {
	Promoter  *ModelPromoter
	Trigger   *DeploymentTrigger
	Deploy    *DeployService
	Inference *InferenceService
}

// Registry registers every configured builtin step.
func (b Builtins) Registry() *StepRegistry {
	r := NewStepRegistry()
	if b.Promoter != nil {
		r.Register(StepModelPromoter, b.Promoter.Step)
	}
	if b.Trigger != nil {
		r.Register(StepDeploymentTrigger, b.Trigger.Step)
	}
	if b.Deploy != nil {
		r.Register(StepModelDeployer, b.Deploy.Step)
	}
	if b.Inference != nil {
		r.Register(StepPredictionServiceLoader, b.Inference.LoaderStep)
		r.Register(StepPredictor, b.Inference.PredictorStep)
	}
	return r
}
