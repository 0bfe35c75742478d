package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

type runRepo struct {
	pool *pgxpool.Pool
}

func NewRunRepository(pool *pgxpool.Pool) output.RunRepository {
	return &runRepo{pool: pool}
}

const runColumns = `id, pipeline_name, status, parameters, started_at, finished_at, error, tracking_id`

func (r *runRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO pipeline_run (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID, run.PipelineName, string(run.Status), paramsJSON,
		run.StartedAt, run.FinishedAt, run.Error, run.TrackingID,
	)
	if err != nil {
		return fmt.Errorf("create pipeline run: %w", err)
	}
	return nil
}

func (r *runRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_run WHERE id = $1`

	run, err := scanRun(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("get pipeline run by id: %w", err)
	}

	steps, err := r.listStepRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	run.StepRuns = steps
	return run, nil
}

func (r *runRepo) Update(ctx context.Context, run *domain.PipelineRun) error {
	query := `
		UPDATE pipeline_run
		SET status = $1, finished_at = $2, error = $3, tracking_id = $4
		WHERE id = $5
	`
	result, err := r.pool.Exec(ctx, query,
		string(run.Status), run.FinishedAt, run.Error, run.TrackingID, run.ID,
	)
	if err != nil {
		return fmt.Errorf("update pipeline run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

func (r *runRepo) List(ctx context.Context, filter output.RunListFilter) ([]*domain.PipelineRun, int, error) {
	whereClause, args := runConditions(filter)
	argPos := len(args) + 1

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM pipeline_run WHERE %s`, whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pipeline runs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM pipeline_run
		WHERE %s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d
	`, runColumns, whereClause, argPos, argPos+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan pipeline run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pipeline run rows: %w", err)
	}

	return runs, total, nil
}

// runConditions builds the WHERE clause for a run listing.
func runConditions(filter output.RunListFilter) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any

	if filter.PipelineName != "" {
		args = append(args, filter.PipelineName)
		conditions = append(conditions, fmt.Sprintf("pipeline_name = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	return strings.Join(conditions, " AND "), args
}

func (r *runRepo) CreateStepRun(ctx context.Context, step *domain.StepRun) error {
	query := `
		INSERT INTO step_run (id, run_id, step_name, kind, status, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		step.ID, step.RunID, step.StepName, string(step.Kind), string(step.Status),
		step.StartedAt, step.FinishedAt, step.Error,
	)
	if err != nil {
		return fmt.Errorf("create step run: %w", err)
	}
	return nil
}

func (r *runRepo) UpdateStepRun(ctx context.Context, step *domain.StepRun) error {
	query := `UPDATE step_run SET status = $1, finished_at = $2, error = $3 WHERE id = $4`

	result, err := r.pool.Exec(ctx, query, string(step.Status), step.FinishedAt, step.Error, step.ID)
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrStepNotFound
	}
	return nil
}

func (r *runRepo) listStepRuns(ctx context.Context, runID uuid.UUID) ([]*domain.StepRun, error) {
	query := `
		SELECT id, run_id, step_name, kind, status, started_at, finished_at, error
		FROM step_run WHERE run_id = $1 ORDER BY started_at
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var steps []*domain.StepRun
	for rows.Next() {
		s := &domain.StepRun{}
		var kind, status string
		if err := rows.Scan(&s.ID, &s.RunID, &s.StepName, &kind, &status, &s.StartedAt, &s.FinishedAt, &s.Error); err != nil {
			return nil, fmt.Errorf("scan step run row: %w", err)
		}
		s.Kind = domain.StepKind(kind)
		s.Status = domain.RunStatus(status)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	run := &domain.PipelineRun{}
	var status string
	var paramsJSON []byte

	err := row.Scan(
		&run.ID, &run.PipelineName, &status, &paramsJSON,
		&run.StartedAt, &run.FinishedAt, &run.Error, &run.TrackingID,
	)
	if err != nil {
		return nil, err
	}
	run.Status = domain.RunStatus(status)

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if run.Parameters == nil {
		run.Parameters = make(map[string]any)
	}
	return run, nil
}
