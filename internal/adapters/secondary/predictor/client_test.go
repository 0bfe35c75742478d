package predictor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/config"
	"ml-pipelines/internal/core/domain"
)

func testBatch(rows int) domain.RecordBatch {
	batch := domain.RecordBatch{Columns: []string{"payment_sequential", "price", "freight_value"}}
	for i := 0; i < rows; i++ {
		batch.Data = append(batch.Data, []any{1.0, float64(10 + i), 2.5})
	}
	return batch
}

func serviceAt(url string) *domain.PredictionService {
	return &domain.PredictionService{State: domain.ServiceStateRunning, PredictionURL: url}
}

func TestClient_Predict_MLflow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			DataframeSplit domain.RecordBatch `json:"dataframe_split"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"payment_sequential", "price", "freight_value"}, body.DataframeSplit.Columns)

		predictions := make([]float64, len(body.DataframeSplit.Data))
		for i, row := range body.DataframeSplit.Data {
			predictions[i] = row[1].(float64) / 10
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"predictions": predictions})
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolMLflow, BatchSize: 2})
	predictions, err := c.Predict(context.Background(), serviceAt(srv.URL+"/invocations"), testBatch(5))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1.1, 1.2, 1.3, 1.4}, predictions)
}

func TestClient_Predict_MLflowBareList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[4.2, 3.9]`))
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolMLflow})
	predictions, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(2))
	require.NoError(t, err)
	assert.Equal(t, []float64{4.2, 3.9}, predictions)
}

func TestClient_Predict_KServeV1(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Instances [][]float64 `json:"instances"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Instances, 2)
		_, _ = w.Write([]byte(`{"predictions": [[4.0, 0.1], 3.0]}`))
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolKServeV1})
	predictions, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(2))
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 3}, predictions)
}

func TestClient_Predict_KServeV2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Inputs []struct {
				Name     string    `json:"name"`
				Shape    []int     `json:"shape"`
				Datatype string    `json:"datatype"`
				Data     []float64 `json:"data"`
			} `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Inputs, 1)
		assert.Equal(t, []int{2, 3}, body.Inputs[0].Shape)
		assert.Equal(t, "FP64", body.Inputs[0].Datatype)
		assert.Equal(t, []float64{1, 10, 2.5, 1, 11, 2.5}, body.Inputs[0].Data)

		_, _ = w.Write([]byte(`{"outputs": [{"name": "output-0", "datatype": "FP64", "shape": [2], "data": [4.5, 4.1]}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolKServeV2})
	predictions, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(2))
	require.NoError(t, err)
	assert.Equal(t, []float64{4.5, 4.1}, predictions)
}

func TestClient_Predict_KServeV2_NonNumeric(t *testing.T) {
	c := NewClient(config.PredictorConfig{Protocol: ProtocolKServeV2})
	batch := domain.RecordBatch{Columns: []string{"city"}, Data: [][]any{{"sao paulo"}}}

	_, err := c.Predict(context.Background(), serviceAt("http://unused"), batch)
	assert.ErrorIs(t, err, domain.ErrInvalidArtifact)
}

func TestClient_Predict_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolMLflow})
	_, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestClient_Predict_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"predictions": [1.0]}`))
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolMLflow})
	_, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(3))
	assert.ErrorIs(t, err, domain.ErrInvalidArtifact)
}

func TestClient_Predict_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"predictions": [1.0]}`))
	}))
	defer srv.Close()

	c := NewClient(config.PredictorConfig{Protocol: ProtocolMLflow, BatchSize: 1, RatePerSecond: 20, Burst: 1})
	start := time.Now()
	_, err := c.Predict(context.Background(), serviceAt(srv.URL), testBatch(3))
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSplit(t *testing.T) {
	assert.Len(t, split(testBatch(5), 0), 1)
	assert.Len(t, split(testBatch(5), 5), 1)

	chunks := split(testBatch(5), 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, 2, chunks[0].Len())
	assert.Equal(t, 1, chunks[2].Len())
	assert.Equal(t, 12.0, chunks[1].Data[0][1])
}
