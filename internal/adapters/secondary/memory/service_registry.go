package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

// ServiceRegistry keeps prediction service handles in memory. When backed
// by a state file every read reloads it and every write rewrites it, so
// separate invocations on one host see the same services.
type ServiceRegistry struct {
	mu       sync.Mutex
	file     stateFile
	services map[uuid.UUID]*domain.PredictionService
}

func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[uuid.UUID]*domain.PredictionService)}
}

// NewFileServiceRegistry creates a registry persisted to path.
func NewFileServiceRegistry(path string) (*ServiceRegistry, error) {
	file, err := newStateFile(path)
	if err != nil {
		return nil, err
	}
	r := &ServiceRegistry{file: file, services: make(map[uuid.UUID]*domain.PredictionService)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ServiceRegistry) Save(_ context.Context, svc *domain.PredictionService) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	r.services[svc.ID] = copyService(svc)
	return r.flush()
}

func (r *ServiceRegistry) Get(_ context.Context, id uuid.UUID) (*domain.PredictionService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	svc, ok := r.services[id]
	if !ok {
		return nil, domain.ErrServiceNotFound
	}
	return copyService(svc), nil
}

// List returns matching services, newest first.
func (r *ServiceRegistry) List(_ context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return nil, err
	}
	var out []*domain.PredictionService
	for _, svc := range r.services {
		if query.Matches(svc) {
			out = append(out, copyService(svc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *ServiceRegistry) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.load(); err != nil {
		return err
	}
	if _, ok := r.services[id]; !ok {
		return domain.ErrServiceNotFound
	}
	delete(r.services, id)
	return r.flush()
}

// load replaces the in-memory view with the state file. Callers hold mu.
func (r *ServiceRegistry) load() error {
	var services []*domain.PredictionService
	ok, err := r.file.load(&services)
	if err != nil || !ok {
		return err
	}
	r.services = make(map[uuid.UUID]*domain.PredictionService, len(services))
	for _, svc := range services {
		r.services[svc.ID] = svc
	}
	return nil
}

// flush rewrites the state file. Callers hold mu.
func (r *ServiceRegistry) flush() error {
	services := make([]*domain.PredictionService, 0, len(r.services))
	for _, svc := range r.services {
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].CreatedAt.Before(services[j].CreatedAt) })
	return r.file.save(services)
}

func copyService(svc *domain.PredictionService) *domain.PredictionService {
	cp := *svc
	cp.Labels = make(map[string]string, len(svc.Labels))
	for k, v := range svc.Labels {
		cp.Labels[k] = v
	}
	return &cp
}
