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

type serviceRegistry struct {
	pool *pgxpool.Pool
}

// NewServiceRegistry creates a ServiceRegistry backed by the prediction_service table
func NewServiceRegistry(pool *pgxpool.Pool) output.ServiceRegistry {
	return &serviceRegistry{pool: pool}
}

const serviceColumns = `
	id, created_at, updated_at, pipeline_name, step_name, model_name, model_uri, run_id,
	backend, host, port, url, prediction_url, state, pid, external_id, workers, last_error, labels`

// Save upserts the service handle.
func (r *serviceRegistry) Save(ctx context.Context, svc *domain.PredictionService) error {
	labelsJSON, err := json.Marshal(svc.Labels)
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}

	query := `
		INSERT INTO prediction_service (` + serviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			updated_at = EXCLUDED.updated_at,
			host = EXCLUDED.host, port = EXCLUDED.port,
			url = EXCLUDED.url, prediction_url = EXCLUDED.prediction_url,
			state = EXCLUDED.state, pid = EXCLUDED.pid, external_id = EXCLUDED.external_id,
			workers = EXCLUDED.workers, last_error = EXCLUDED.last_error, labels = EXCLUDED.labels
	`
	_, err = r.pool.Exec(ctx, query,
		svc.ID, svc.CreatedAt, svc.UpdatedAt,
		svc.PipelineName, svc.StepName, svc.ModelName, svc.ModelURI, svc.RunID,
		string(svc.Backend), svc.Host, svc.Port, svc.URL, svc.PredictionURL,
		string(svc.State), svc.PID, svc.ExternalID, svc.Workers, svc.LastError, labelsJSON,
	)
	if err != nil {
		return fmt.Errorf("save prediction service: %w", err)
	}
	return nil
}

func (r *serviceRegistry) Get(ctx context.Context, id uuid.UUID) (*domain.PredictionService, error) {
	query := `SELECT ` + serviceColumns + ` FROM prediction_service WHERE id = $1`

	svc, err := scanService(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrServiceNotFound
		}
		return nil, fmt.Errorf("get prediction service by id: %w", err)
	}
	return svc, nil
}

func (r *serviceRegistry) List(ctx context.Context, q domain.ServiceQuery) ([]*domain.PredictionService, error) {
	whereClause, args := serviceConditions(q)
	query := fmt.Sprintf(`
		SELECT %s FROM prediction_service
		WHERE %s
		ORDER BY created_at DESC
	`, serviceColumns, whereClause)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prediction services: %w", err)
	}
	defer rows.Close()

	var services []*domain.PredictionService
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prediction service row: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prediction service rows: %w", err)
	}
	return services, nil
}

func (r *serviceRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM prediction_service WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete prediction service: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrServiceNotFound
	}
	return nil
}

// serviceConditions builds the WHERE clause for a service query.
func serviceConditions(q domain.ServiceQuery) (string, []any) {
	conditions := []string{"TRUE"}
	var args []any

	if q.PipelineName != "" {
		args = append(args, q.PipelineName)
		conditions = append(conditions, fmt.Sprintf("pipeline_name = $%d", len(args)))
	}
	if q.StepName != "" {
		args = append(args, q.StepName)
		conditions = append(conditions, fmt.Sprintf("step_name = $%d", len(args)))
	}
	if q.ModelName != "" {
		args = append(args, q.ModelName)
		conditions = append(conditions, fmt.Sprintf("model_name = $%d", len(args)))
	}
	if q.Running {
		args = append(args, string(domain.ServiceStateRunning))
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}

	return strings.Join(conditions, " AND "), args
}

func scanService(row pgx.Row) (*domain.PredictionService, error) {
	svc := &domain.PredictionService{}
	var backend, state string
	var labelsJSON []byte
	var runID *uuid.UUID

	err := row.Scan(
		&svc.ID, &svc.CreatedAt, &svc.UpdatedAt,
		&svc.PipelineName, &svc.StepName, &svc.ModelName, &svc.ModelURI, &runID,
		&backend, &svc.Host, &svc.Port, &svc.URL, &svc.PredictionURL,
		&state, &svc.PID, &svc.ExternalID, &svc.Workers, &svc.LastError, &labelsJSON,
	)
	if err != nil {
		return nil, err
	}
	svc.Backend = domain.ServingBackend(backend)
	svc.State = domain.ServiceState(state)
	if runID != nil {
		svc.RunID = *runID
	}

	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &svc.Labels); err != nil {
			return nil, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	if svc.Labels == nil {
		svc.Labels = make(map[string]string)
	}
	return svc, nil
}
