// Package app wires adapters and services from configuration. The command
// line tools and the HTTP server share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ml-pipelines/internal/adapters/secondary/kserve"
	"ml-pipelines/internal/adapters/secondary/kube"
	"ml-pipelines/internal/adapters/secondary/kubejob"
	"ml-pipelines/internal/adapters/secondary/local"
	"ml-pipelines/internal/adapters/secondary/memory"
	"ml-pipelines/internal/adapters/secondary/mlflow"
	"ml-pipelines/internal/adapters/secondary/postgres"
	"ml-pipelines/internal/adapters/secondary/predictor"
	"ml-pipelines/internal/adapters/secondary/redis"
	"ml-pipelines/internal/adapters/secondary/subprocess"
	"ml-pipelines/internal/config"
	output "ml-pipelines/internal/core/ports/output"
	"ml-pipelines/internal/core/services"
)

const (
	ExecutorSubprocess = "subprocess"
	ExecutorKubeJob    = "kubejob"

	ServingLocal  = "local"
	ServingKServe = "kserve"
)

type App struct {
	Config *config.Config

	Runs      output.RunRepository
	Versions  output.ModelVersionRepository
	Registry  output.ServiceRegistry
	Artifacts output.ArtifactStore
	Executor  output.StepExecutor
	Deployer  output.ModelDeployer
	Tracker   output.ExperimentTracker

	Runner     *services.PipelineRunner
	RunSvc     *services.RunService
	VersionSvc *services.ModelVersionService
	DeploySvc  *services.DeployService
	Inference  *services.InferenceService
	Promoter   *services.ModelPromoter

	pool  *pgxpool.Pool
	redis *goredis.Client
	kube  *kube.Clients
}

// New builds the application. Postgres, Redis, Kubernetes and experiment
// tracking are only touched when enabled.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	if err := a.initStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initExecutor(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initDeployer(); err != nil {
		a.Close()
		return nil, err
	}
	a.initTracker()

	if err := a.initServices(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) initStores(ctx context.Context) error {
	cfg := a.Config

	if cfg.Database.Enabled {
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.pool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		a.Runs = postgres.NewRunRepository(pool)
		a.Versions = postgres.NewModelVersionRepository(pool)
		a.Registry = postgres.NewServiceRegistry(pool)
		log.Info("database connection established")
	} else {
		runs, err := memory.NewFileRunRepository(cfg.State.RunsFile)
		if err != nil {
			return fmt.Errorf("open run state: %w", err)
		}
		versions, err := memory.NewFileModelVersionRepository(cfg.State.VersionsFile)
		if err != nil {
			return fmt.Errorf("open model version state: %w", err)
		}
		registry, err := memory.NewFileServiceRegistry(cfg.Serving.StateFile)
		if err != nil {
			return fmt.Errorf("open service state: %w", err)
		}
		a.Runs = runs
		a.Versions = versions
		a.Registry = registry
		log.WithFields(log.Fields{
			"runs":     cfg.State.RunsFile,
			"versions": cfg.State.VersionsFile,
			"services": cfg.Serving.StateFile,
		}).Debug("using file-backed repositories")
	}

	if cfg.Redis.Enabled {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		a.redis = client
		a.Artifacts = redis.NewArtifactStore(client, cfg.Redis.ArtifactTTL)
		log.Info("redis artifact store initialized")
	} else {
		a.Artifacts = memory.NewArtifactStore()
	}
	return nil
}

func (a *App) kubeClients() (*kube.Clients, error) {
	if a.kube != nil {
		return a.kube, nil
	}
	clients, err := kube.NewClients(a.Config.Kubernetes)
	if err != nil {
		return nil, err
	}
	a.kube = clients
	return clients, nil
}

func (a *App) initExecutor() error {
	cfg := a.Config.Executor

	switch cfg.Kind {
	case "", ExecutorSubprocess:
		a.Executor = subprocess.NewExecutor(cfg.StepTimeout, nil)
	case ExecutorKubeJob:
		clients, err := a.kubeClients()
		if err != nil {
			return fmt.Errorf("kubejob executor: %w", err)
		}
		a.Executor = kubejob.NewExecutor(clients.Typed, a.Artifacts, kubejob.Options{
			Namespace:    clients.Namespace,
			PollInterval: cfg.PollInterval,
			StepTimeout:  cfg.StepTimeout,
			JobTTL:       cfg.JobTTL,
		})
		if a.redis == nil {
			log.Warn("kubejob executor without redis: jobs cannot hand outputs back")
		}
		log.WithField("namespace", clients.Namespace).Info("kubernetes job executor initialized")
	default:
		return fmt.Errorf("unknown executor kind %q", cfg.Kind)
	}
	return nil
}

func (a *App) initDeployer() error {
	cfg := a.Config

	protocol, err := ResolveProtocol(cfg.Serving.Backend, cfg.Predictor.Protocol)
	if err != nil {
		return err
	}
	cfg.Predictor.Protocol = protocol

	switch cfg.Serving.Backend {
	case "", ServingLocal:
		a.Deployer = local.NewDeployer(a.Registry, local.Options{
			MLflowBin: cfg.Serving.MLflowBin,
			Host:      cfg.Serving.Host,
			BasePort:  cfg.Serving.BasePort,
			LogDir:    cfg.Serving.LogDir,
		})
	case ServingKServe:
		clients, err := a.kubeClients()
		if err != nil {
			// Without a cluster the deployer reports itself unavailable and
			// deployment steps fail with a clear error.
			log.WithError(err).Warn("kserve deployer unavailable")
			a.Deployer = kserve.NewDeployer(nil, cfg.Kubernetes.DefaultNS, protocol)
			return nil
		}
		a.Deployer = kserve.NewDeployer(clients.Dynamic, clients.Namespace, protocol)
		log.WithField("protocol", protocol).Info("kserve deployer initialized")
	}
	return nil
}

// ResolveProtocol picks the scoring protocol spoken by the serving backend.
// Local mlflow servers only speak mlflow; kserve defaults to kserve-v1.
func ResolveProtocol(backend, protocol string) (string, error) {
	switch backend {
	case "", ServingLocal:
		if protocol == "" || protocol == predictor.ProtocolMLflow {
			return predictor.ProtocolMLflow, nil
		}
		return "", fmt.Errorf("serving backend %q cannot score with protocol %q", ServingLocal, protocol)
	case ServingKServe:
		switch protocol {
		case "", predictor.ProtocolMLflow:
			return predictor.ProtocolKServeV1, nil
		case predictor.ProtocolKServeV1, predictor.ProtocolKServeV2:
			return protocol, nil
		}
		return "", fmt.Errorf("unknown predictor protocol %q", protocol)
	default:
		return "", fmt.Errorf("unknown serving backend %q", backend)
	}
}

func (a *App) initTracker() {
	if !a.Config.Tracking.Enabled {
		return
	}
	tracker, err := mlflow.NewTracker(a.Config.Tracking)
	if err != nil {
		log.Warnf("experiment tracker init failed (continuing without tracking): %v", err)
		return
	}
	a.Tracker = tracker
	log.WithField("uri", tracker.TrackingURI()).Info("experiment tracker initialized")
}

func (a *App) initServices() error {
	cfg := a.Config

	trigger, err := services.NewDeploymentTrigger(cfg.Deployment.TriggerExpression)
	if err != nil {
		return err
	}

	a.DeploySvc = services.NewDeployService(a.Deployer)
	a.Inference = services.NewInferenceService(a.DeploySvc, predictor.NewClient(cfg.Predictor))
	a.RunSvc = services.NewRunService(a.Runs, a.Artifacts)
	a.VersionSvc = services.NewModelVersionService(a.Versions)

	a.Promoter = services.NewModelPromoter(a.Versions, cfg.Promotion.MaxError)

	builtins := services.Builtins{
		Promoter:  a.Promoter,
		Trigger:   trigger,
		Deploy:    a.DeploySvc,
		Inference: a.Inference,
	}
	a.Runner = services.NewPipelineRunner(a.Runs, a.Artifacts, a.Executor, builtins.Registry())
	if a.Tracker != nil {
		a.Runner.WithTracker(a.Tracker, cfg.Tracking.Experiment)
	}
	return nil
}

// DefaultRunConfig is the run configuration read when no path is given.
const DefaultRunConfig = "config.yaml"

// LoadRunConfig reads the run configuration at path. When the path was not
// set explicitly a missing file yields an empty configuration.
func LoadRunConfig(path string, explicit bool) (*config.RunConfig, error) {
	if path == "" {
		path = DefaultRunConfig
	}
	runCfg, err := config.LoadRunConfig(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		log.Warnf("%s not found, running with step defaults", path)
		return &config.RunConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run config %s: %w", path, err)
	}
	return runCfg, nil
}

// TrackingURI is the backend store URI to pass to `mlflow ui`.
func (a *App) TrackingURI() string {
	if a.Tracker != nil {
		return a.Tracker.TrackingURI()
	}
	return a.Config.Tracking.URI
}

// Ping checks the external stores in use.
func (a *App) Ping(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping db: %w", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("close redis client")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func InitLogger(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.Logger.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Logger.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
