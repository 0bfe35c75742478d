package local

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ml-pipelines/internal/adapters/secondary/memory"
	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const (
	testPipeline = "continuous_deployment_pipeline"
	testStep     = "model_deployer"
	testModel    = "Customer_Satisfaction_Predictor"
)

// fakeProcesses serves /ping on the port passed with -p instead of running mlflow.
type fakeProcesses struct {
	mu         sync.Mutex
	nextPID    int
	servers    map[int]*http.Server
	argv       [][]string
	healthy    bool
	ignoreTerm bool
	signals    []syscall.Signal
}

func newFakeProcesses(healthy bool) *fakeProcesses {
	return &fakeProcesses{nextPID: 4000, servers: map[int]*http.Server{}, healthy: healthy}
}

func (f *fakeProcesses) Start(argv []string, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var host, port string
	for i := 0; i < len(argv)-1; i++ {
		switch argv[i] {
		case "-h":
			host = argv[i+1]
		case "-p":
			port = argv[i+1]
		}
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return 0, err
	}

	healthy := f.healthy
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" && healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})}
	go func() { _ = srv.Serve(ln) }()

	f.nextPID++
	f.servers[f.nextPID] = srv
	f.argv = append(f.argv, argv)
	return f.nextPID, nil
}

func (f *fakeProcesses) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.servers[pid]
	return ok
}

func (f *fakeProcesses) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	if sig == syscall.SIGTERM && f.ignoreTerm {
		return nil
	}
	if srv, ok := f.servers[pid]; ok {
		_ = srv.Close()
		delete(f.servers, pid)
	}
	return nil
}

func newTestDeployer(t *testing.T, procs *fakeProcesses) (*Deployer, *memory.ServiceRegistry) {
	registry := memory.NewServiceRegistry()
	d := NewDeployer(registry, Options{
		MLflowBin:    "mlflow",
		Host:         "127.0.0.1",
		BasePort:     18700,
		LogDir:       t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	}).WithProcessManager(procs)
	return d, registry
}

func deployRequest() output.DeployRequest {
	return output.DeployRequest{
		PipelineName: testPipeline,
		StepName:     testStep,
		ModelName:    testModel,
		ModelURI:     "runs:/abc/model",
		RunID:        uuid.New(),
		Workers:      3,
		Timeout:      2 * time.Second,
	}
}

func TestDeployer_Deploy(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(true)
	d, registry := newTestDeployer(t, procs)

	svc, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(ctx, svc, time.Second) })

	assert.True(t, svc.IsRunning())
	assert.Equal(t, domain.BackendLocal, svc.Backend)
	assert.NotZero(t, svc.PID)
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(svc.Port)+"/invocations", svc.PredictionURL)

	require.Len(t, procs.argv, 1)
	assert.Equal(t, []string{
		"mlflow", "models", "serve",
		"-m", "runs:/abc/model",
		"-h", "127.0.0.1",
		"-p", strconv.Itoa(svc.Port),
		"-w", "3",
		"--env-manager", "local",
	}, procs.argv[0])

	saved, err := registry.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateRunning, saved.State)
}

func TestDeployer_Deploy_SecondServiceGetsNextPort(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDeployer(t, newFakeProcesses(true))

	first, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(ctx, first, time.Second) })

	second, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Stop(ctx, second, time.Second) })

	assert.NotEqual(t, first.Port, second.Port)
}

func TestDeployer_Deploy_NotReady(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(false)
	d, registry := newTestDeployer(t, procs)

	req := deployRequest()
	req.Timeout = 100 * time.Millisecond
	_, err := d.Deploy(ctx, req)
	require.ErrorIs(t, err, domain.ErrServiceNotReady)

	assert.Contains(t, procs.signals, syscall.SIGKILL)

	services, err := registry.List(ctx, domain.ServiceQuery{})
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, domain.ServiceStateFailed, services[0].State)
}

func TestDeployer_FindMarksDeadServicesStopped(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(true)
	d, registry := newTestDeployer(t, procs)

	svc, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)

	query := domain.ServiceQuery{PipelineName: testPipeline, StepName: testStep, ModelName: testModel, Running: true}
	found, err := d.Find(ctx, query)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, svc.ID, found[0].ID)

	// the process dies outside our control
	require.NoError(t, procs.Signal(svc.PID, syscall.SIGKILL))

	found, err = d.Find(ctx, query)
	require.NoError(t, err)
	assert.Empty(t, found)

	saved, err := registry.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateStopped, saved.State)
}

func TestDeployer_FindSkipsUnresponsiveServer(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(true)
	d, registry := newTestDeployer(t, procs)

	svc, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)

	// the process stays alive but its HTTP server goes away
	procs.mu.Lock()
	require.NoError(t, procs.servers[svc.PID].Close())
	procs.mu.Unlock()
	require.True(t, procs.Alive(svc.PID))

	query := domain.ServiceQuery{PipelineName: testPipeline, StepName: testStep, ModelName: testModel, Running: true}
	found, err := d.Find(ctx, query)
	require.NoError(t, err)
	assert.Empty(t, found)

	query.Running = false
	found, err = d.Find(ctx, query)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, domain.ServiceStateFailed, found[0].State)
	assert.Equal(t, svc.PID, found[0].PID)

	saved, err := registry.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateRunning, saved.State)

	require.NoError(t, d.Stop(ctx, found[0], time.Second))
	assert.False(t, procs.Alive(svc.PID))
}

func TestDeployer_Stop(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(true)
	d, registry := newTestDeployer(t, procs)

	svc, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)

	require.NoError(t, d.Stop(ctx, svc, time.Second))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, procs.signals)

	saved, err := registry.Get(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ServiceStateStopped, saved.State)
	assert.Zero(t, saved.PID)
}

func TestDeployer_Stop_KillsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	procs := newFakeProcesses(true)
	procs.ignoreTerm = true
	d, _ := newTestDeployer(t, procs)

	svc, err := d.Deploy(ctx, deployRequest())
	require.NoError(t, err)

	require.NoError(t, d.Stop(ctx, svc, 50*time.Millisecond))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, procs.signals)
	assert.False(t, procs.Alive(svc.PID))
}
