// Package mlflow records pipeline runs in an MLflow tracking server through
// its REST API.
package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"ml-pipelines/internal/config"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	apiPrefix = "/api/2.0/mlflow"

	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

var errNotFound = errors.New("resource does not exist")

type Tracker struct {
	baseURL    string
	httpClient *http.Client

	mu          sync.Mutex
	experiments map[string]string
}

var _ output.ExperimentTracker = (*Tracker)(nil)

// NewTracker creates a client for the tracking server at cfg.URI, which must
// be an http(s) URL.
func NewTracker(cfg config.TrackingConfig) (*Tracker, error) {
	u, err := url.Parse(cfg.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("tracking uri %q is not an http(s) url", cfg.URI)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Tracker{
		baseURL:     strings.TrimRight(cfg.URI, "/"),
		httpClient:  &http.Client{Timeout: timeout},
		experiments: make(map[string]string),
	}, nil
}

func (t *Tracker) TrackingURI() string {
	return t.baseURL
}

func (t *Tracker) StartRun(ctx context.Context, experiment, runName string, tags map[string]string) (string, error) {
	experimentID, err := t.experimentID(ctx, experiment)
	if err != nil {
		return "", err
	}

	req := createRunRequest{
		ExperimentID: experimentID,
		RunName:      runName,
		StartTime:    time.Now().UnixMilli(),
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Tags = append(req.Tags, tag{Key: k, Value: tags[k]})
	}

	var resp createRunResponse
	if err := t.call(ctx, http.MethodPost, "/runs/create", req, &resp); err != nil {
		return "", fmt.Errorf("create mlflow run: %w", err)
	}
	return resp.Run.Info.RunID, nil
}

func (t *Tracker) LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	req := logBatchRequest{RunID: runID}
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		req.Metrics = append(req.Metrics, metric{Key: k, Value: metrics[k], Timestamp: now})
	}

	if err := t.call(ctx, http.MethodPost, "/runs/log-batch", req, nil); err != nil {
		return fmt.Errorf("log mlflow metrics: %w", err)
	}
	return nil
}

func (t *Tracker) EndRun(ctx context.Context, runID string, failed bool) error {
	status := StatusFinished
	if failed {
		status = StatusFailed
	}
	req := updateRunRequest{RunID: runID, Status: status, EndTime: time.Now().UnixMilli()}
	if err := t.call(ctx, http.MethodPost, "/runs/update", req, nil); err != nil {
		return fmt.Errorf("end mlflow run: %w", err)
	}
	return nil
}

// experimentID looks up the experiment by name and creates it when missing.
func (t *Tracker) experimentID(ctx context.Context, name string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.experiments[name]; ok {
		return id, nil
	}

	var got getExperimentResponse
	err := t.call(ctx, http.MethodGet, "/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &got)
	switch {
	case err == nil:
		t.experiments[name] = got.Experiment.ExperimentID
		return got.Experiment.ExperimentID, nil
	case !errors.Is(err, errNotFound):
		return "", fmt.Errorf("get mlflow experiment %s: %w", name, err)
	}

	var created createExperimentResponse
	if err := t.call(ctx, http.MethodPost, "/experiments/create", createExperimentRequest{Name: name}, &created); err != nil {
		return "", fmt.Errorf("create mlflow experiment %s: %w", name, err)
	}
	t.experiments[name] = created.ExperimentID
	return created.ExperimentID, nil
}

func (t *Tracker) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+apiPrefix+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.ErrorCode == "RESOURCE_DOES_NOT_EXIST" {
			return fmt.Errorf("%w: %s", errNotFound, apiErr.Message)
		}
		return fmt.Errorf("status=%d, body=%s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type getExperimentResponse struct {
	Experiment struct {
		ExperimentID string `json:"experiment_id"`
		Name         string `json:"name"`
	} `json:"experiment"`
}

type createExperimentRequest struct {
	Name string `json:"name"`
}

type createExperimentResponse struct {
	ExperimentID string `json:"experiment_id"`
}

type createRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	RunName      string `json:"run_name"`
	StartTime    int64  `json:"start_time"`
	Tags         []tag  `json:"tags,omitempty"`
}

type createRunResponse struct {
	Run struct {
		Info struct {
			RunID string `json:"run_id"`
		} `json:"info"`
	} `json:"run"`
}

type logBatchRequest struct {
	RunID   string   `json:"run_id"`
	Metrics []metric `json:"metrics"`
}

type updateRunRequest struct {
	RunID   string `json:"run_id"`
	Status  string `json:"status"`
	EndTime int64  `json:"end_time"`
}
