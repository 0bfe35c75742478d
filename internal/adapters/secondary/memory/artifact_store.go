package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"ml-pipelines/internal/core/domain"
)

type artifactKey struct {
	run  uuid.UUID
	step string
	name string
}

type ArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[artifactKey]domain.Artifact
}

func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{artifacts: make(map[artifactKey]domain.Artifact)}
}

func (s *ArtifactStore) Put(_ context.Context, a domain.Artifact) error {
	if a.Producer == "" || a.Name == "" {
		return fmt.Errorf("%w: artifact needs a producer and a name", domain.ErrInvalidArtifact)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifactKey{a.RunID, a.Producer, a.Name}] = a
	return nil
}

func (s *ArtifactStore) Get(_ context.Context, runID uuid.UUID, step, name string) (domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[artifactKey{runID, step, name}]
	if !ok {
		return domain.Artifact{}, fmt.Errorf("%w: %s.%s", domain.ErrArtifactNotFound, step, name)
	}
	return a, nil
}

// ListByRun returns the run's artifacts ordered by producer then name.
func (s *ArtifactStore) ListByRun(_ context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Artifact
	for k, a := range s.artifacts {
		if k.run == runID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Producer != out[j].Producer {
			return out[i].Producer < out[j].Producer
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
