// Package predictor submits record batches to running prediction services
// over HTTP. Three wire protocols are supported:
//
//	mlflow     POST /invocations            {"dataframe_split": {"columns": [...], "data": [...]}}
//	kserve-v1  POST /v1/models/{m}:predict  {"instances": [...]}
//	kserve-v2  POST /v2/models/{m}/infer    {"inputs": [{"name", "shape", "datatype", "data"}]}
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ml-pipelines/internal/config"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	ProtocolMLflow   = "mlflow"
	ProtocolKServeV1 = "kserve-v1"
	ProtocolKServeV2 = "kserve-v2"

	maxConcurrentBatches = 4
	v2InputName          = "input-0"
)

type Client struct {
	protocol   string
	httpClient *http.Client
	limiter    *rate.Limiter
	batchSize  int
}

var _ output.PredictionClient = (*Client)(nil)

func NewClient(cfg config.PredictorConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	protocol := cfg.Protocol
	if protocol == "" {
		protocol = ProtocolMLflow
	}

	return &Client{
		protocol:   protocol,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		batchSize:  cfg.BatchSize,
	}
}

// Predict splits the batch into chunks, scores them concurrently and returns
// one prediction per record in input order.
func (c *Client) Predict(ctx context.Context, svc *domain.PredictionService, batch domain.RecordBatch) ([]float64, error) {
	chunks := split(batch, c.batchSize)
	results := make([][]float64, len(chunks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
			predictions, err := c.predictChunk(ctx, svc.PredictionURL, chunk)
			if err != nil {
				return fmt.Errorf("batch %d: %w", i, err)
			}
			if len(predictions) != chunk.Len() {
				return fmt.Errorf("%w: batch %d: got %d predictions for %d records",
					domain.ErrInvalidArtifact, i, len(predictions), chunk.Len())
			}
			results[i] = predictions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]float64, 0, batch.Len())
	for _, r := range results {
		out = append(out, r...)
	}

	log.WithFields(log.Fields{
		"url":      svc.PredictionURL,
		"protocol": c.protocol,
		"records":  batch.Len(),
		"batches":  len(chunks),
	}).Debug("predictions received")
	return out, nil
}

func (c *Client) predictChunk(ctx context.Context, url string, batch domain.RecordBatch) ([]float64, error) {
	body, err := c.encode(batch)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", c.protocol, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read response: %w", c.protocol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s error: status=%d, body=%s", c.protocol, resp.StatusCode, string(respBody))
	}

	return c.decode(respBody)
}

func (c *Client) encode(batch domain.RecordBatch) ([]byte, error) {
	var payload any
	switch c.protocol {
	case ProtocolMLflow:
		payload = map[string]any{
			"dataframe_split": map[string]any{
				"columns": batch.Columns,
				"data":    batch.Data,
			},
		}
	case ProtocolKServeV1:
		payload = map[string]any{"instances": batch.Data}
	case ProtocolKServeV2:
		data, err := flatten(batch)
		if err != nil {
			return nil, err
		}
		payload = map[string]any{
			"inputs": []map[string]any{
				{
					"name":     v2InputName,
					"shape":    []int{batch.Len(), len(batch.Columns)},
					"datatype": "FP64",
					"data":     data,
				},
			},
		}
	default:
		return nil, fmt.Errorf("unsupported prediction protocol %q", c.protocol)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", c.protocol, err)
	}
	return body, nil
}

func (c *Client) decode(body []byte) ([]float64, error) {
	switch c.protocol {
	case ProtocolKServeV2:
		var out struct {
			Outputs []struct {
				Name string `json:"name"`
				Data []any  `json:"data"`
			} `json:"outputs"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, fmt.Errorf("kserve-v2 parse response: %w", err)
		}
		if len(out.Outputs) == 0 {
			return nil, fmt.Errorf("kserve-v2 empty outputs")
		}
		return toFloats(out.Outputs[0].Data), nil
	default:
		// mlflow 2.x and kserve v1 wrap predictions; mlflow 1.x returns a bare list
		var wrapped struct {
			Predictions []any `json:"predictions"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Predictions != nil {
			return toFloats(wrapped.Predictions), nil
		}
		var bare []any
		if err := json.Unmarshal(body, &bare); err != nil {
			return nil, fmt.Errorf("%s parse response: %w", c.protocol, err)
		}
		return toFloats(bare), nil
	}
}

func split(batch domain.RecordBatch, size int) []domain.RecordBatch {
	if size <= 0 || batch.Len() <= size {
		return []domain.RecordBatch{batch}
	}
	chunks := make([]domain.RecordBatch, 0, (batch.Len()+size-1)/size)
	for start := 0; start < batch.Len(); start += size {
		end := min(start+size, batch.Len())
		chunks = append(chunks, domain.RecordBatch{Columns: batch.Columns, Data: batch.Data[start:end]})
	}
	return chunks
}

// flatten lays the batch out row-major for a v2 tensor.
func flatten(batch domain.RecordBatch) ([]float64, error) {
	data := make([]float64, 0, batch.Len()*len(batch.Columns))
	for i, row := range batch.Data {
		if len(row) != len(batch.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d values for %d columns", domain.ErrInvalidArtifact, i, len(row), len(batch.Columns))
		}
		for j, v := range row {
			f, ok := toFloat64(v)
			if !ok {
				return nil, fmt.Errorf("%w: column %s of row %d is not numeric", domain.ErrInvalidArtifact, batch.Columns[j], i)
			}
			data = append(data, f)
		}
	}
	return data, nil
}

func toFloats(values []any) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if f, ok := toFloat64(v); ok {
			out = append(out, f)
		}
	}
	return out
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case []any:
		// multi-output models: keep the first value
		if len(val) > 0 {
			return toFloat64(val[0])
		}
		return 0, false
	default:
		return 0, false
	}
}
