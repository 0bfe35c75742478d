package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

// ModelVersionRepository keeps model versions in memory, optionally backed
// by a state file like ServiceRegistry.
type ModelVersionRepository struct {
	mu       sync.Mutex
	file     stateFile
	versions map[uuid.UUID]*domain.ModelVersion
}

func NewModelVersionRepository() *ModelVersionRepository {
	return &ModelVersionRepository{versions: make(map[uuid.UUID]*domain.ModelVersion)}
}

// NewFileModelVersionRepository creates a repository persisted to path.
func NewFileModelVersionRepository(path string) (*ModelVersionRepository, error) {
	file, err := newStateFile(path)
	if err != nil {
		return nil, err
	}
	r := &ModelVersionRepository{file: file, versions: make(map[uuid.UUID]*domain.ModelVersion)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ModelVersionRepository) Create(_ context.Context, version *domain.ModelVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	for _, v := range r.versions {
		if v.ModelName == version.ModelName && v.Version == version.Version {
			return domain.ErrVersionConflict
		}
	}
	r.versions[version.ID] = copyVersion(version)
	return r.flush()
}

func (r *ModelVersionRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	v, ok := r.versions[id]
	if !ok {
		return nil, domain.ErrVersionNotFound
	}
	return copyVersion(v), nil
}

func (r *ModelVersionRepository) GetByStage(_ context.Context, modelName string, stage domain.ModelStage) (*domain.ModelVersion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	var latest *domain.ModelVersion
	for _, v := range r.versions {
		if v.ModelName != modelName || v.Stage != stage {
			continue
		}
		if latest == nil || v.Version > latest.Version {
			latest = v
		}
	}
	if latest == nil {
		return nil, domain.ErrVersionNotFound
	}
	return copyVersion(latest), nil
}

func (r *ModelVersionRepository) Update(_ context.Context, version *domain.ModelVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	if _, ok := r.versions[version.ID]; !ok {
		return domain.ErrVersionNotFound
	}
	r.versions[version.ID] = copyVersion(version)
	return r.flush()
}

func (r *ModelVersionRepository) List(_ context.Context, filter output.VersionListFilter) ([]*domain.ModelVersion, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, 0, err
	}

	var matched []*domain.ModelVersion
	for _, v := range r.versions {
		if filter.ModelName != "" && v.ModelName != filter.ModelName {
			continue
		}
		if filter.Stage != "" && string(v.Stage) != filter.Stage {
			continue
		}
		matched = append(matched, v)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].ModelName != matched[j].ModelName {
			return matched[i].ModelName < matched[j].ModelName
		}
		return matched[i].Version > matched[j].Version
	})

	total := len(matched)
	page := paginate(matched, filter.Limit, filter.Offset)
	out := make([]*domain.ModelVersion, 0, len(page))
	for _, v := range page {
		out = append(out, copyVersion(v))
	}
	return out, total, nil
}

// load replaces the in-memory view with the state file. Callers hold mu.
func (r *ModelVersionRepository) load() error {
	var versions []*domain.ModelVersion
	ok, err := r.file.load(&versions)
	if err != nil || !ok {
		return err
	}
	r.versions = make(map[uuid.UUID]*domain.ModelVersion, len(versions))
	for _, v := range versions {
		r.versions[v.ID] = v
	}
	return nil
}

func (r *ModelVersionRepository) flush() error {
	versions := make([]*domain.ModelVersion, 0, len(r.versions))
	for _, v := range r.versions {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].ModelName != versions[j].ModelName {
			return versions[i].ModelName < versions[j].ModelName
		}
		return versions[i].Version < versions[j].Version
	})
	return r.file.save(versions)
}

func copyVersion(v *domain.ModelVersion) *domain.ModelVersion {
	cp := *v
	cp.Metrics = make(map[string]float64, len(v.Metrics))
	for k, m := range v.Metrics {
		cp.Metrics[k] = m
	}
	return &cp
}
