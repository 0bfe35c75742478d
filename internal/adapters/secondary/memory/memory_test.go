package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const testModel = "Customer_Satisfaction_Predictor"

func TestRunRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository()

	older, err := domain.NewPipelineRun("customer_satisfaction_training_pipeline", nil)
	require.NoError(t, err)
	older.StartedAt = time.Now().Add(-time.Hour)
	newer, err := domain.NewPipelineRun("continuous_deployment_pipeline", nil)
	require.NoError(t, err)

	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newer))

	step := domain.NewStepRun(newer.ID, domain.StepSpec{Name: "ingest_data", Kind: domain.StepExternal})
	require.NoError(t, repo.CreateStepRun(ctx, step))
	step.Complete()
	require.NoError(t, repo.UpdateStepRun(ctx, step))

	got, err := repo.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	require.Len(t, got.StepRuns, 1)
	assert.Equal(t, domain.RunStatusCompleted, got.StepRuns[0].Status)

	runs, total, err := repo.List(ctx, output.RunListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, runs, 1)
	assert.Equal(t, newer.ID, runs[0].ID)

	runs, total, err = repo.List(ctx, output.RunListFilter{PipelineName: "customer_satisfaction_training_pipeline"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, older.ID, runs[0].ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	orphan := domain.NewStepRun(uuid.New(), domain.StepSpec{Name: "clean_data", Kind: domain.StepExternal})
	assert.ErrorIs(t, repo.CreateStepRun(ctx, orphan), domain.ErrRunNotFound)
}

func newVersion(t *testing.T, version int, stage domain.ModelStage) *domain.ModelVersion {
	t.Helper()
	v, err := domain.NewModelVersion(testModel, "lightgbm", "runs:/x/model", uuid.New(), map[string]float64{"mse": 1.5})
	require.NoError(t, err)
	v.Version = version
	v.Stage = stage
	return v
}

func TestModelVersionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewModelVersionRepository()

	v1 := newVersion(t, 1, domain.StageArchived)
	v2 := newVersion(t, 2, domain.StageProduction)
	v3 := newVersion(t, 3, domain.StageNone)
	for _, v := range []*domain.ModelVersion{v1, v2, v3} {
		require.NoError(t, repo.Create(ctx, v))
	}

	assert.ErrorIs(t, repo.Create(ctx, newVersion(t, 2, domain.StageNone)), domain.ErrVersionConflict)

	prod, err := repo.GetByStage(ctx, testModel, domain.StageProduction)
	require.NoError(t, err)
	assert.Equal(t, 2, prod.Version)

	_, err = repo.GetByStage(ctx, testModel, domain.StageStaging)
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)

	list, total, err := repo.List(ctx, output.VersionListFilter{ModelName: testModel})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, list[0].Version)

	// returned values are copies
	list[0].Metrics["mse"] = 99
	again, err := repo.GetByID(ctx, v3.ID)
	require.NoError(t, err)
	assert.Equal(t, 1.5, again.Metrics["mse"])
}

func TestArtifactStore(t *testing.T) {
	ctx := context.Background()
	store := NewArtifactStore()
	runID := uuid.New()

	mse := domain.NewFloatArtifact("mse", 1.2)
	mse.RunID, mse.Producer = runID, "evaluation"
	model := domain.Artifact{RunID: runID, Producer: "train_model", Name: "model", Type: domain.ArtifactTypeModel, URI: "runs:/x/model"}
	require.NoError(t, store.Put(ctx, model))
	require.NoError(t, store.Put(ctx, mse))

	assert.ErrorIs(t, store.Put(ctx, domain.Artifact{RunID: runID, Name: "x"}), domain.ErrInvalidArtifact)

	got, err := store.Get(ctx, runID, "evaluation", "mse")
	require.NoError(t, err)
	v, err := got.FloatValue()
	require.NoError(t, err)
	assert.Equal(t, 1.2, v)

	_, err = store.Get(ctx, runID, "evaluation", "rmse")
	assert.ErrorIs(t, err, domain.ErrArtifactNotFound)

	all, err := store.ListByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "evaluation", all[0].Producer)
	assert.Equal(t, "train_model", all[1].Producer)
}

func newService(t *testing.T, createdAt time.Time) *domain.PredictionService {
	t.Helper()
	svc, err := domain.NewPredictionService("continuous_deployment_pipeline", "model_deployer", testModel, "runs:/x/model", domain.BackendLocal)
	require.NoError(t, err)
	svc.CreatedAt = createdAt
	return svc
}

func TestServiceRegistry(t *testing.T) {
	ctx := context.Background()
	registry := NewServiceRegistry()

	old := newService(t, time.Now().Add(-time.Hour))
	current := newService(t, time.Now())
	current.MarkRunning("http://127.0.0.1:8000", "http://127.0.0.1:8000/invocations")
	require.NoError(t, registry.Save(ctx, old))
	require.NoError(t, registry.Save(ctx, current))

	all, err := registry.List(ctx, domain.ServiceQuery{PipelineName: "continuous_deployment_pipeline"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, current.ID, all[0].ID)

	running, err := registry.List(ctx, domain.ServiceQuery{Running: true})
	require.NoError(t, err)
	require.Len(t, running, 1)

	require.NoError(t, registry.Delete(ctx, old.ID))
	assert.ErrorIs(t, registry.Delete(ctx, old.ID), domain.ErrServiceNotFound)
	_, err = registry.Get(ctx, old.ID)
	assert.ErrorIs(t, err, domain.ErrServiceNotFound)
}

func TestFileServiceRegistry_SharedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "services.json")

	first, err := NewFileServiceRegistry(path)
	require.NoError(t, err)
	svc := newService(t, time.Now())
	svc.PID = 4242
	svc.MarkRunning("http://127.0.0.1:8001", "http://127.0.0.1:8001/invocations")
	require.NoError(t, first.Save(ctx, svc))

	// a later invocation sees the handle
	second, err := NewFileServiceRegistry(path)
	require.NoError(t, err)
	got, err := second.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, got.PID)
	assert.True(t, got.IsRunning())

	got.MarkStopped()
	require.NoError(t, second.Save(ctx, got))

	// and the first instance picks up the change on its next read
	seen, err := first.List(ctx, domain.ServiceQuery{Running: true})
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestFileRunRepository_Reload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "runs.json")

	repo, err := NewFileRunRepository(path)
	require.NoError(t, err)
	run, err := domain.NewPipelineRun("continuous_deployment_pipeline", map[string]any{"min_accuracy": 1.8})
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, run))
	step := domain.NewStepRun(run.ID, domain.StepSpec{Name: "deployment_trigger", Kind: domain.StepBuiltin})
	require.NoError(t, repo.CreateStepRun(ctx, step))

	reopened, err := NewFileRunRepository(path)
	require.NoError(t, err)
	got, err := reopened.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "continuous_deployment_pipeline", got.PipelineName)
	require.Len(t, got.StepRuns, 1)
	assert.Equal(t, "deployment_trigger", got.StepRuns[0].StepName)

	runs, total, err := reopened.List(ctx, output.RunListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, runs, 1)
}

func TestFileModelVersionRepository_SharedBetweenInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "versions.json")

	writer, err := NewFileModelVersionRepository(path)
	require.NoError(t, err)
	reader, err := NewFileModelVersionRepository(path)
	require.NoError(t, err)

	v, err := domain.NewModelVersion(testModel, "lightgbm", "runs:/a/model", uuid.New(), map[string]float64{"mse": 1.1})
	require.NoError(t, err)
	v.Version = 1
	require.NoError(t, writer.Create(ctx, v))
	v.Stage = domain.StageProduction
	require.NoError(t, writer.Update(ctx, v))

	prod, err := reader.GetByStage(ctx, testModel, domain.StageProduction)
	require.NoError(t, err)
	assert.Equal(t, v.ID, prod.ID)
	assert.Equal(t, 1, prod.Version)

	next, err := domain.NewModelVersion(testModel, "lightgbm", "runs:/b/model", uuid.New(), nil)
	require.NoError(t, err)
	next.Version = 1
	assert.ErrorIs(t, reader.Create(ctx, next), domain.ErrVersionConflict)

	_, total, err := reader.List(ctx, output.VersionListFilter{ModelName: testModel})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
