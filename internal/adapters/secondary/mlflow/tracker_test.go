package mlflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/config"
)

// fakeServer mimics the parts of the MLflow tracking API the tracker uses.
type fakeServer struct {
	mu          sync.Mutex
	experiments map[string]string
	runs        map[string]map[string]any
	metrics     map[string][]metric
	calls       []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		experiments: map[string]string{},
		runs:        map[string]map[string]any{},
		metrics:     map[string][]metric{},
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	switch r.URL.Path {
	case apiPrefix + "/experiments/get-by-name":
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(apiError{ErrorCode: "RESOURCE_DOES_NOT_EXIST", Message: "no experiment"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"experiment": map[string]any{"experiment_id": id}})
	case apiPrefix + "/experiments/create":
		var req createExperimentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.experiments[req.Name] = "7"
		_ = json.NewEncoder(w).Encode(createExperimentResponse{ExperimentID: "7"})
	case apiPrefix + "/runs/create":
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.runs["run-1"] = req
		_ = json.NewEncoder(w).Encode(map[string]any{"run": map[string]any{"info": map[string]any{"run_id": "run-1"}}})
	case apiPrefix + "/runs/log-batch":
		var req logBatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.metrics[req.RunID] = append(f.metrics[req.RunID], req.Metrics...)
		_, _ = w.Write([]byte(`{}`))
	case apiPrefix + "/runs/update":
		var req updateRunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.runs[req.RunID]["status"] = req.Status
		_, _ = w.Write([]byte(`{}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestTracker(t *testing.T) (*Tracker, *fakeServer) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	tracker, err := NewTracker(config.TrackingConfig{URI: srv.URL + "/"})
	require.NoError(t, err)
	return tracker, fake
}

func TestTracker_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	tracker, fake := newTestTracker(t)

	runID, err := tracker.StartRun(ctx, "customer_satisfaction", "training-1a2b3c4d", map[string]string{
		"pipeline": "customer_satisfaction_training_pipeline",
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", runID)
	assert.Equal(t, "7", fake.experiments["customer_satisfaction"])
	assert.Equal(t, "7", fake.runs["run-1"]["experiment_id"])
	assert.Equal(t, "training-1a2b3c4d", fake.runs["run-1"]["run_name"])

	require.NoError(t, tracker.LogMetrics(ctx, runID, map[string]float64{"rmse": 1.3, "mse": 1.69}))
	require.Len(t, fake.metrics["run-1"], 2)
	assert.Equal(t, "mse", fake.metrics["run-1"][0].Key)
	assert.Equal(t, 1.69, fake.metrics["run-1"][0].Value)

	require.NoError(t, tracker.EndRun(ctx, runID, true))
	assert.Equal(t, StatusFailed, fake.runs["run-1"]["status"])
}

func TestTracker_ExperimentIsCached(t *testing.T) {
	ctx := context.Background()
	tracker, fake := newTestTracker(t)
	fake.experiments["existing"] = "3"

	_, err := tracker.StartRun(ctx, "existing", "a", nil)
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, "existing", "b", nil)
	require.NoError(t, err)

	lookups := 0
	for _, c := range fake.calls {
		if c == http.MethodGet+" "+apiPrefix+"/experiments/get-by-name" {
			lookups++
		}
	}
	assert.Equal(t, 1, lookups)
	assert.Equal(t, "3", fake.runs["run-1"]["experiment_id"])
}

func TestTracker_LogMetrics_Empty(t *testing.T) {
	tracker, fake := newTestTracker(t)
	require.NoError(t, tracker.LogMetrics(context.Background(), "run-1", nil))
	assert.Empty(t, fake.calls)
}

func TestTracker_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	tracker, err := NewTracker(config.TrackingConfig{URI: srv.URL})
	require.NoError(t, err)

	_, err = tracker.StartRun(context.Background(), "exp", "run", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestNewTracker_RejectsNonHTTP(t *testing.T) {
	_, err := NewTracker(config.TrackingConfig{URI: "file:./mlruns"})
	assert.Error(t, err)
}
