package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"ml-pipelines/internal/config"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const keyPrefix = "ml-pipelines:artifacts:"

// ArtifactStore keeps the artifacts of a run in one redis hash so external
// steps running elsewhere (kubernetes jobs) can read and write them.
type ArtifactStore struct {
	client goredis.Cmdable
	ttl    time.Duration
}

var _ output.ArtifactStore = (*ArtifactStore)(nil)

// NewClient connects to redis and pings it.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewArtifactStore(client goredis.Cmdable, ttl time.Duration) *ArtifactStore {
	return &ArtifactStore{client: client, ttl: ttl}
}

// RunKey is the hash holding every artifact of a run.
func RunKey(runID uuid.UUID) string {
	return keyPrefix + runID.String()
}

// Field is the hash field of one artifact.
func Field(step, name string) string {
	return step + "/" + name
}

func (s *ArtifactStore) Put(ctx context.Context, a domain.Artifact) error {
	if a.Producer == "" || a.Name == "" {
		return fmt.Errorf("%w: artifact needs a producer and a name", domain.ErrInvalidArtifact)
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	key := RunKey(a.RunID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, Field(a.Producer, a.Name), data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store artifact %s: %w", Field(a.Producer, a.Name), err)
	}
	return nil
}

func (s *ArtifactStore) Get(ctx context.Context, runID uuid.UUID, step, name string) (domain.Artifact, error) {
	data, err := s.client.HGet(ctx, RunKey(runID), Field(step, name)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Artifact{}, fmt.Errorf("%w: %s.%s", domain.ErrArtifactNotFound, step, name)
	}
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	return decodeArtifact(data)
}

func (s *ArtifactStore) ListByRun(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	vals, err := s.client.HGetAll(ctx, RunKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return decodeAll(vals)
}

func decodeArtifact(data []byte) (domain.Artifact, error) {
	var a domain.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return domain.Artifact{}, fmt.Errorf("%w: %v", domain.ErrInvalidArtifact, err)
	}
	return a, nil
}

// decodeAll decodes hash values ordered by field.
func decodeAll(vals map[string]string) ([]domain.Artifact, error) {
	fields := make([]string, 0, len(vals))
	for f := range vals {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	out := make([]domain.Artifact, 0, len(fields))
	for _, f := range fields {
		a, err := decodeArtifact([]byte(vals[f]))
		if err != nil {
			return nil, fmt.Errorf("artifact %s: %w", f, err)
		}
		out = append(out, a)
	}
	return out, nil
}
