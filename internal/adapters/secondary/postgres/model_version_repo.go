package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

type modelVersionRepo struct {
	pool *pgxpool.Pool
}

func NewModelVersionRepository(pool *pgxpool.Pool) output.ModelVersionRepository {
	return &modelVersionRepo{pool: pool}
}

const versionColumns = `id, created_at, updated_at, model_name, version, framework, uri, metrics, stage, run_id`

func (r *modelVersionRepo) Create(ctx context.Context, version *domain.ModelVersion) error {
	metricsJSON, err := json.Marshal(version.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `
		INSERT INTO model_version (` + versionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		version.ID, version.CreatedAt, version.UpdatedAt,
		version.ModelName, version.Version, version.Framework, version.URI,
		metricsJSON, string(version.Stage), version.RunID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrVersionConflict
		}
		return fmt.Errorf("create model version: %w", err)
	}
	return nil
}

func (r *modelVersionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ModelVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM model_version WHERE id = $1`

	v, err := scanVersion(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, fmt.Errorf("get model version by id: %w", err)
	}
	return v, nil
}

func (r *modelVersionRepo) GetByStage(ctx context.Context, modelName string, stage domain.ModelStage) (*domain.ModelVersion, error) {
	query := `
		SELECT ` + versionColumns + ` FROM model_version
		WHERE model_name = $1 AND stage = $2
		ORDER BY version DESC
		LIMIT 1
	`
	v, err := scanVersion(r.pool.QueryRow(ctx, query, modelName, string(stage)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, fmt.Errorf("get model version by stage: %w", err)
	}
	return v, nil
}

func (r *modelVersionRepo) Update(ctx context.Context, version *domain.ModelVersion) error {
	metricsJSON, err := json.Marshal(version.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	query := `
		UPDATE model_version
		SET uri = $1, metrics = $2, stage = $3, updated_at = NOW()
		WHERE id = $4
	`
	result, err := r.pool.Exec(ctx, query, version.URI, metricsJSON, string(version.Stage), version.ID)
	if err != nil {
		return fmt.Errorf("update model version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrVersionNotFound
	}
	return nil
}

func (r *modelVersionRepo) List(ctx context.Context, filter output.VersionListFilter) ([]*domain.ModelVersion, int, error) {
	conditions := []string{"TRUE"}
	var args []any

	if filter.ModelName != "" {
		args = append(args, filter.ModelName)
		conditions = append(conditions, fmt.Sprintf("model_name = $%d", len(args)))
	}
	if filter.Stage != "" {
		args = append(args, filter.Stage)
		conditions = append(conditions, fmt.Sprintf("stage = $%d", len(args)))
	}
	whereClause := strings.Join(conditions, " AND ")
	argPos := len(args) + 1

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM model_version WHERE %s`, whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count model versions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM model_version
		WHERE %s
		ORDER BY model_name, version DESC
		LIMIT $%d OFFSET $%d
	`, versionColumns, whereClause, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list model versions: %w", err)
	}
	defer rows.Close()

	var versions []*domain.ModelVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan model version row: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate model version rows: %w", err)
	}

	return versions, total, nil
}

func scanVersion(row pgx.Row) (*domain.ModelVersion, error) {
	v := &domain.ModelVersion{}
	var metricsJSON []byte
	var stage string
	var runID *uuid.UUID

	err := row.Scan(
		&v.ID, &v.CreatedAt, &v.UpdatedAt,
		&v.ModelName, &v.Version, &v.Framework, &v.URI,
		&metricsJSON, &stage, &runID,
	)
	if err != nil {
		return nil, err
	}
	v.Stage = domain.ModelStage(stage)
	if runID != nil {
		v.RunID = *runID
	}

	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &v.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if v.Metrics == nil {
		v.Metrics = make(map[string]float64)
	}
	return v, nil
}
