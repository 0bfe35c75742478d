package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// StepConfigSource supplies per-step overrides, typically from config.yaml.
type StepConfigSource interface {
	StepParameters(step string) map[string]any
	StepSettings(step string) output.StepSettings
}

// RunOptions tune a single pipeline run.
type RunOptions struct {
	// Parameters override the pipeline's declared parameters and any step
	// parameter with the same key.
	Parameters map[string]any
	Config     StepConfigSource
}

// RunResult is the outcome of a completed pipeline run.
type RunResult struct {
	Run       *domain.PipelineRun
	Outputs   map[string]domain.Artifact
	Artifacts map[string]map[string]domain.Artifact
}

// Output returns a declared pipeline output.
func (r *RunResult) Output(name string) (domain.Artifact, error) {
	a, ok := r.Outputs[name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: pipeline output %s", domain.ErrArtifactNotFound, name)
	}
	return a, nil
}

// StepOutput returns an artifact produced by a step of the run.
func (r *RunResult) StepOutput(step, name string) (domain.Artifact, error) {
	a, ok := r.Artifacts[step][name]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: %s.%s", domain.ErrArtifactNotFound, step, name)
	}
	return a, nil
}

type PipelineRunner struct {
	runs       output.RunRepository
	artifacts  output.ArtifactStore
	executor   output.StepExecutor
	builtins   *StepRegistry
	tracker    output.ExperimentTracker
	experiment string
}

func NewPipelineRunner(
	runs output.RunRepository,
	artifacts output.ArtifactStore,
	executor output.StepExecutor,
	builtins *StepRegistry,
) *PipelineRunner {
	return &PipelineRunner{
		runs:      runs,
		artifacts: artifacts,
		executor:  executor,
		builtins:  builtins,
	}
}

// WithTracker enables experiment tracking of runs under the given experiment.
func (r *PipelineRunner) WithTracker(tracker output.ExperimentTracker, experiment string) *PipelineRunner {
	r.tracker = tracker
	r.experiment = experiment
	return r
}

// Run executes the pipeline level by level. Steps inside a level run
// concurrently; the first failure cancels the level and fails the run.
func (r *PipelineRunner) Run(ctx context.Context, p *domain.Pipeline, opts RunOptions) (*RunResult, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline %s: %w", p.Name, err)
	}
	levels, err := p.Levels()
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(p.Parameters)+len(opts.Parameters))
	for k, v := range p.Parameters {
		params[k] = v
	}
	for k, v := range opts.Parameters {
		params[k] = v
	}

	run, err := domain.NewPipelineRun(p.Name, params)
	if err != nil {
		return nil, err
	}
	if err := r.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create pipeline run: %w", err)
	}

	logger := log.WithFields(log.Fields{"pipeline": p.Name, "run_id": run.ID})
	logger.Info("pipeline run started")

	r.startTracking(ctx, run, logger)

	result := &RunResult{
		Run:       run,
		Outputs:   make(map[string]domain.Artifact),
		Artifacts: make(map[string]map[string]domain.Artifact),
	}

	var runErr error
	for _, level := range levels {
		if runErr = r.runLevel(ctx, run, p, level, params, opts.Config, result, logger); runErr != nil {
			break
		}
	}

	if runErr == nil {
		for name, ref := range p.Outputs {
			result.Outputs[name] = result.Artifacts[ref.Step][ref.Output]
		}
		run.Complete()
		logger.Info("pipeline run completed")
	} else {
		run.Fail(runErr)
		logger.WithError(runErr).Error("pipeline run failed")
	}

	r.endTracking(ctx, run, logger)

	// Record the final state even if the caller's context was cancelled.
	if err := r.runs.Update(context.WithoutCancel(ctx), run); err != nil {
		logger.WithError(err).Warn("update pipeline run failed")
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (r *PipelineRunner) runLevel(
	ctx context.Context,
	run *domain.PipelineRun,
	p *domain.Pipeline,
	level []domain.StepSpec,
	params map[string]any,
	cfg StepConfigSource,
	result *RunResult,
	logger *log.Entry,
) error {
	// Inputs are resolved before the level starts; only earlier levels write them.
	invocations := make([]StepContext, 0, len(level))
	for _, step := range level {
		inputs := make(map[string]domain.Artifact, len(step.Inputs))
		for name, ref := range step.Inputs {
			a, ok := result.Artifacts[ref.Step][ref.Output]
			if !ok {
				return fmt.Errorf("%w: %s <- %s", domain.ErrMissingInput, step.Name, ref)
			}
			inputs[name] = a
		}
		invocations = append(invocations, StepContext{
			RunID:      run.ID,
			Pipeline:   p.Name,
			Step:       step.Name,
			Parameters: stepParameters(step, params, cfg),
			Inputs:     inputs,
		})
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, step := range level {
		step, sc := step, invocations[i]
		g.Go(func() error {
			outputs, err := r.runStep(gctx, run, step, sc, cfg, logger)
			if err != nil {
				return err
			}
			mu.Lock()
			result.Artifacts[step.Name] = outputs
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (r *PipelineRunner) runStep(
	ctx context.Context,
	run *domain.PipelineRun,
	step domain.StepSpec,
	sc StepContext,
	cfg StepConfigSource,
	logger *log.Entry,
) (map[string]domain.Artifact, error) {
	stepLog := logger.WithFields(log.Fields{"step": step.Name, "kind": step.Kind})

	sr := domain.NewStepRun(run.ID, step)
	if err := r.runs.CreateStepRun(ctx, sr); err != nil {
		stepLog.WithError(err).Warn("record step run failed")
	}
	stepLog.Info("step started")

	outputs, err := r.dispatch(ctx, step, sc, cfg)
	if err == nil {
		err = r.storeOutputs(ctx, run, step, outputs)
	}

	if err != nil {
		sr.Fail(err)
		stepLog.WithError(err).Error("step failed")
	} else {
		sr.Complete()
		stepLog.Info("step completed")
	}
	if uerr := r.runs.UpdateStepRun(context.WithoutCancel(ctx), sr); uerr != nil {
		stepLog.WithError(uerr).Warn("update step run failed")
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrStepFailed, step.Name, err)
	}

	r.trackMetrics(ctx, run, step.Name, outputs, stepLog)
	return outputs, nil
}

func (r *PipelineRunner) dispatch(ctx context.Context, step domain.StepSpec, sc StepContext, cfg StepConfigSource) (map[string]domain.Artifact, error) {
	switch step.Kind {
	case domain.StepBuiltin:
		fn, err := r.builtins.Lookup(step.Name)
		if err != nil {
			return nil, err
		}
		return fn(ctx, sc)

	case domain.StepExternal, "":
		if r.executor == nil {
			return nil, domain.ErrExecutorUnavailable
		}
		inv := output.StepInvocation{
			RunID:      sc.RunID,
			Pipeline:   sc.Pipeline,
			Step:       sc.Step,
			Parameters: sc.Parameters,
			Inputs:     sc.Inputs,
			Outputs:    step.Outputs,
		}
		if cfg != nil {
			inv.Settings = cfg.StepSettings(step.Name)
		}
		res, err := r.executor.Execute(ctx, inv)
		if err != nil {
			return nil, err
		}
		return res.Outputs, nil
	}

	return nil, fmt.Errorf("%w: unknown step kind %q", domain.ErrInvalidState, step.Kind)
}

func (r *PipelineRunner) storeOutputs(ctx context.Context, run *domain.PipelineRun, step domain.StepSpec, outputs map[string]domain.Artifact) error {
	for _, name := range step.Outputs {
		if _, ok := outputs[name]; !ok {
			return fmt.Errorf("%w: step %s did not produce %s", domain.ErrArtifactNotFound, step.Name, name)
		}
	}
	for name, a := range outputs {
		a.RunID = run.ID
		a.Producer = step.Name
		a.Name = name
		if err := r.artifacts.Put(ctx, a); err != nil {
			return fmt.Errorf("store artifact %s: %w", name, err)
		}
		outputs[name] = a
	}
	return nil
}

// stepParameters layers declared step parameters, then config.yaml step
// parameters, then run parameters with a matching declared key.
func stepParameters(step domain.StepSpec, runParams map[string]any, cfg StepConfigSource) map[string]any {
	out := make(map[string]any, len(step.Parameters))
	for k, v := range step.Parameters {
		out[k] = v
	}
	if cfg != nil {
		for k, v := range cfg.StepParameters(step.Name) {
			out[k] = v
		}
	}
	for k, v := range runParams {
		if _, declared := step.Parameters[k]; declared {
			out[k] = v
		}
	}
	return out
}

func (r *PipelineRunner) startTracking(ctx context.Context, run *domain.PipelineRun, logger *log.Entry) {
	if r.tracker == nil {
		return
	}
	id, err := r.tracker.StartRun(ctx, r.experiment, fmt.Sprintf("%s-%s", run.PipelineName, run.ID.String()[:8]), map[string]string{
		"pipeline": run.PipelineName,
		"run_id":   run.ID.String(),
	})
	if err != nil {
		logger.WithError(err).Warn("start tracked run failed")
		return
	}
	run.TrackingID = id
}

func (r *PipelineRunner) trackMetrics(ctx context.Context, run *domain.PipelineRun, step string, outputs map[string]domain.Artifact, logger *log.Entry) {
	if r.tracker == nil || run.TrackingID == "" {
		return
	}
	metrics := make(map[string]float64)
	for name, a := range outputs {
		if a.Type != domain.ArtifactTypeMetric {
			continue
		}
		if v, err := a.FloatValue(); err == nil {
			metrics[name] = v
		}
	}
	if len(metrics) == 0 {
		return
	}
	if err := r.tracker.LogMetrics(ctx, run.TrackingID, metrics); err != nil {
		logger.WithError(err).Warn("log metrics failed")
	}
}

func (r *PipelineRunner) endTracking(ctx context.Context, run *domain.PipelineRun, logger *log.Entry) {
	if r.tracker == nil || run.TrackingID == "" {
		return
	}
	if err := r.tracker.EndRun(context.WithoutCancel(ctx), run.TrackingID, run.Status == domain.RunStatusFailed); err != nil {
		logger.WithError(err).Warn("end tracked run failed")
	}
}
