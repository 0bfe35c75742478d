package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// RunRepository keeps pipeline runs in process, optionally backed by a
// state file so later invocations and the ops API see earlier runs.
type RunRepository struct {
	mu    sync.Mutex
	file  stateFile
	runs  map[uuid.UUID]*domain.PipelineRun
	steps map[uuid.UUID][]*domain.StepRun
}

// runState is the persisted form of a RunRepository.
type runState struct {
	Runs  []*domain.PipelineRun `json:"runs"`
	Steps []*domain.StepRun     `json:"steps"`
}

func NewRunRepository() *RunRepository {
	return &RunRepository{
		runs:  make(map[uuid.UUID]*domain.PipelineRun),
		steps: make(map[uuid.UUID][]*domain.StepRun),
	}
}

// NewFileRunRepository creates a repository persisted to path.
func NewFileRunRepository(path string) (*RunRepository, error) {
	file, err := newStateFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRunRepository()
	r.file = file
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RunRepository) Create(_ context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	cp := *run
	cp.StepRuns = nil
	r.runs[run.ID] = &cp
	return r.flush()
}

func (r *RunRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	run, ok := r.runs[id]
	if !ok {
		return nil, domain.ErrRunNotFound
	}
	return r.withSteps(run), nil
}

func (r *RunRepository) Update(_ context.Context, run *domain.PipelineRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	if _, ok := r.runs[run.ID]; !ok {
		return domain.ErrRunNotFound
	}
	cp := *run
	cp.StepRuns = nil
	r.runs[run.ID] = &cp
	return r.flush()
}

func (r *RunRepository) List(_ context.Context, filter output.RunListFilter) ([]*domain.PipelineRun, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, 0, err
	}

	var matched []*domain.PipelineRun
	for _, run := range r.runs {
		if filter.PipelineName != "" && run.PipelineName != filter.PipelineName {
			continue
		}
		if filter.Status != "" && string(run.Status) != filter.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })

	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	out := make([]*domain.PipelineRun, 0, len(page))
	for _, run := range page {
		out = append(out, r.withSteps(run))
	}
	return out, total, nil
}

func (r *RunRepository) CreateStepRun(_ context.Context, step *domain.StepRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	if _, ok := r.runs[step.RunID]; !ok {
		return domain.ErrRunNotFound
	}
	cp := *step
	r.steps[step.RunID] = append(r.steps[step.RunID], &cp)
	return r.flush()
}

func (r *RunRepository) UpdateStepRun(_ context.Context, step *domain.StepRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	for i, s := range r.steps[step.RunID] {
		if s.ID == step.ID {
			cp := *step
			r.steps[step.RunID][i] = &cp
			return r.flush()
		}
	}
	return domain.ErrStepNotFound
}

// withSteps returns a copy of run carrying copies of its step runs.
func (r *RunRepository) withSteps(run *domain.PipelineRun) *domain.PipelineRun {
	cp := *run
	cp.StepRuns = make([]*domain.StepRun, 0, len(r.steps[run.ID]))
	for _, s := range r.steps[run.ID] {
		sc := *s
		cp.StepRuns = append(cp.StepRuns, &sc)
	}
	return &cp
}

// load replaces the in-memory view with the state file. Callers hold mu.
func (r *RunRepository) load() error {
	var state runState
	ok, err := r.file.load(&state)
	if err != nil || !ok {
		return err
	}
	r.runs = make(map[uuid.UUID]*domain.PipelineRun, len(state.Runs))
	for _, run := range state.Runs {
		r.runs[run.ID] = run
	}
	r.steps = make(map[uuid.UUID][]*domain.StepRun)
	for _, s := range state.Steps {
		r.steps[s.RunID] = append(r.steps[s.RunID], s)
	}
	return nil
}

func (r *RunRepository) flush() error {
	if r.file.path == "" {
		return nil
	}
	var state runState
	for _, run := range r.runs {
		state.Runs = append(state.Runs, run)
	}
	sort.Slice(state.Runs, func(i, j int) bool { return state.Runs[i].StartedAt.Before(state.Runs[j].StartedAt) })
	for _, run := range state.Runs {
		state.Steps = append(state.Steps, r.steps[run.ID]...)
	}
	return r.file.save(state)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
