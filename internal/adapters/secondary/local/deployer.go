// Package local serves models with `mlflow models serve` as detached
// processes on this host. Handles are kept in a ServiceRegistry so a later
// invocation can find and stop them.
package local

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"ml-pipelines/internal/core/domain"
	output "ml-pipelines/internal/core/ports/output"
)

const maxPortProbes = 100

type Options struct {
	MLflowBin    string
	Host         string
	BasePort     int
	LogDir       string
	PollInterval time.Duration
}

type Deployer struct {
	registry output.ServiceRegistry
	procs    ProcessManager
	client   *http.Client
	opts     Options
}

var _ output.ModelDeployer = (*Deployer)(nil)

func NewDeployer(registry output.ServiceRegistry, opts Options) *Deployer {
	if opts.MLflowBin == "" {
		opts.MLflowBin = "mlflow"
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.BasePort <= 0 {
		opts.BasePort = 8000
	}
	if opts.LogDir == "" {
		opts.LogDir = filepath.Join(os.TempDir(), "ml-pipelines", "services")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Deployer{
		registry: registry,
		procs:    OSProcesses{},
		client:   &http.Client{Timeout: 2 * time.Second},
		opts:     opts,
	}
}

// WithProcessManager replaces how server processes are started and signalled.
func (d *Deployer) WithProcessManager(procs ProcessManager) *Deployer {
	d.procs = procs
	return d
}

func (d *Deployer) IsAvailable() bool {
	return d.registry != nil
}

func (d *Deployer) Deploy(ctx context.Context, req output.DeployRequest) (*domain.PredictionService, error) {
	svc, err := domain.NewPredictionService(req.PipelineName, req.StepName, req.ModelName, req.ModelURI, domain.BackendLocal)
	if err != nil {
		return nil, err
	}
	svc.RunID = req.RunID
	svc.Workers = req.Workers
	for k, v := range req.Labels {
		svc.Labels[k] = v
	}

	port, err := d.pickPort(ctx)
	if err != nil {
		return nil, err
	}
	svc.Host = d.opts.Host
	svc.Port = port

	if err := os.MkdirAll(d.opts.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create service log dir: %w", err)
	}
	logPath := filepath.Join(d.opts.LogDir, svc.ID.String()+".log")

	pid, err := d.procs.Start(d.command(svc), logPath)
	if err != nil {
		return nil, fmt.Errorf("start model server: %w", err)
	}
	svc.PID = pid
	if err := d.registry.Save(ctx, svc); err != nil {
		d.kill(pid)
		return nil, fmt.Errorf("save service: %w", err)
	}

	logger := log.WithFields(log.Fields{"service_id": svc.ID, "pid": pid, "port": port, "log": logPath})
	logger.Info("model server started, waiting for readiness")

	baseURL := serviceURL(svc.Host, svc.Port)
	err = wait.PollUntilContextTimeout(ctx, d.opts.PollInterval, req.Timeout, true, func(ctx context.Context) (bool, error) {
		if !d.procs.Alive(pid) {
			return false, fmt.Errorf("model server exited, see %s", logPath)
		}
		return d.ping(ctx, baseURL), nil
	})
	if err != nil {
		d.kill(pid)
		svc.MarkFailed(err.Error())
		svc.PID = 0
		if saveErr := d.registry.Save(context.Background(), svc); saveErr != nil {
			logger.WithError(saveErr).Warn("save failed service")
		}
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrServiceNotReady, baseURL, err)
	}

	svc.MarkRunning(baseURL, baseURL+"/invocations")
	if err := d.registry.Save(ctx, svc); err != nil {
		return nil, fmt.Errorf("save service: %w", err)
	}
	return svc, nil
}

// Find returns the registered services matching query. Services whose
// process is gone are marked stopped first. A live process that does not
// answer /ping is reported failed but left registered so it can be stopped.
func (d *Deployer) Find(ctx context.Context, query domain.ServiceQuery) ([]*domain.PredictionService, error) {
	running := query.Running
	query.Running = false

	services, err := d.registry.List(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.PredictionService, 0, len(services))
	for _, svc := range services {
		if svc.IsRunning() {
			if !d.procs.Alive(svc.PID) {
				svc.MarkStopped()
				if err := d.registry.Save(ctx, svc); err != nil {
					return nil, fmt.Errorf("save service: %w", err)
				}
			} else if !d.ping(ctx, svc.URL) {
				svc.MarkFailed("model server does not answer " + svc.URL + "/ping")
			}
		}
		if running && !svc.IsRunning() {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

// Stop sends SIGTERM to the server process group and SIGKILL once timeout
// expires.
func (d *Deployer) Stop(ctx context.Context, svc *domain.PredictionService, timeout time.Duration) error {
	pid := svc.PID
	if pid > 0 && d.procs.Alive(pid) {
		if err := d.procs.Signal(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("terminate pid %d: %w", pid, err)
		}

		err := wait.PollUntilContextTimeout(ctx, d.opts.PollInterval, timeout, true, func(context.Context) (bool, error) {
			return !d.procs.Alive(pid), nil
		})
		if err != nil {
			log.WithField("pid", pid).Warn("model server ignored SIGTERM, killing")
			d.kill(pid)
		}
	}

	svc.MarkStopped()
	if err := d.registry.Save(ctx, svc); err != nil {
		return fmt.Errorf("save service: %w", err)
	}
	return nil
}

func (d *Deployer) command(svc *domain.PredictionService) []string {
	return []string{
		d.opts.MLflowBin, "models", "serve",
		"-m", svc.ModelURI,
		"-h", svc.Host,
		"-p", strconv.Itoa(svc.Port),
		"-w", strconv.Itoa(svc.Workers),
		"--env-manager", "local",
	}
}

// pickPort returns the first port from BasePort that no registered service
// claims and that can be bound.
func (d *Deployer) pickPort(ctx context.Context) (int, error) {
	services, err := d.Find(ctx, domain.ServiceQuery{Running: true})
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(services))
	for _, svc := range services {
		taken[svc.Port] = true
	}

	for port := d.opts.BasePort; port < d.opts.BasePort+maxPortProbes; port++ {
		if taken[port] {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(d.opts.Host, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", d.opts.BasePort, d.opts.BasePort+maxPortProbes-1)
}

func (d *Deployer) ping(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/ping", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (d *Deployer) kill(pid int) {
	if err := d.procs.Signal(pid, syscall.SIGKILL); err != nil {
		log.WithError(err).WithField("pid", pid).Warn("kill model server failed")
	}
}

func serviceURL(host string, port int) string {
	return "http://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// ProcessManager starts and signals detached server processes.
type ProcessManager interface {
	Start(argv []string, logPath string) (int, error)
	Alive(pid int) bool
	Signal(pid int, sig syscall.Signal) error
}

// OSProcesses runs servers in their own process group so they outlive the
// pipeline process.
type OSProcesses struct{}

func (OSProcesses) Start(argv []string, logPath string) (int, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = f
	cmd.Stderr = f
	if err := cmd.Start(); err != nil {
		f.Close()
		return 0, err
	}

	// reap the child if it exits while this process is still alive
	go func() {
		_ = cmd.Wait()
		f.Close()
	}()
	return cmd.Process.Pid, nil
}

func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (OSProcesses) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
