package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Logger     LoggerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kubernetes KubernetesConfig
	Executor   ExecutorConfig
	Serving    ServingConfig
	Predictor  PredictorConfig
	Tracking   TrackingConfig
	Deployment DeploymentConfig
	Promotion  PromotionConfig
	State      StateConfig
}

type ServerConfig struct {
	Host string
	Port int
}

type LoggerConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	ArtifactTTL time.Duration
}

type KubernetesConfig struct {
	Enabled        bool
	InCluster      bool
	KubeConfigPath string
	DefaultNS      string
}

type ExecutorConfig struct {
	// Kind is "subprocess" or "kubejob"
	Kind         string
	PollInterval time.Duration
	StepTimeout  time.Duration
	JobTTL       time.Duration
}

type ServingConfig struct {
	// Backend is "local" or "kserve"
	Backend     string
	Host        string
	BasePort    int
	MLflowBin   string
	StopTimeout time.Duration
	// StateFile keeps local service handles between invocations
	StateFile string
	LogDir    string
}

type PredictorConfig struct {
	// Protocol is "mlflow", "kserve-v1" or "kserve-v2"
	Protocol      string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	BatchSize     int
}

type TrackingConfig struct {
	Enabled    bool
	URI        string
	Experiment string
	Timeout    time.Duration
}

type DeploymentConfig struct {
	TriggerExpression string
	Workers           int
	Timeout           time.Duration
}

type PromotionConfig struct {
	MaxError float64
	Stage    string
}

// StateConfig locates the files holding runs and model versions when no
// database is configured.
type StateConfig struct {
	RunsFile     string
	VersionsFile string
}

// Load reads configuration from defaults and the environment. flags, when
// non-nil, override both (flag names use dashes, keys use underscores).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOGGER_LEVEL", "info")
	v.SetDefault("LOGGER_FORMAT", "text")

	v.SetDefault("DATABASE_ENABLED", false)
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "postgres")
	v.SetDefault("DATABASE_NAME", "ml_pipelines")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 10)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 2)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "30m")

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_ARTIFACT_TTL", "168h")

	v.SetDefault("KUBERNETES_ENABLED", false)
	v.SetDefault("KUBERNETES_IN_CLUSTER", false)
	v.SetDefault("KUBERNETES_KUBECONFIG", "")
	v.SetDefault("KUBERNETES_NAMESPACE", "ml-pipelines")

	v.SetDefault("EXECUTOR_KIND", "subprocess")
	v.SetDefault("EXECUTOR_POLL_INTERVAL", "5s")
	v.SetDefault("EXECUTOR_STEP_TIMEOUT", "2h")
	v.SetDefault("EXECUTOR_JOB_TTL", "10m")

	v.SetDefault("SERVING_BACKEND", "local")
	v.SetDefault("SERVING_HOST", "127.0.0.1")
	v.SetDefault("SERVING_BASE_PORT", 8000)
	v.SetDefault("SERVING_MLFLOW_BIN", "mlflow")
	v.SetDefault("SERVING_STOP_TIMEOUT", "10s")
	v.SetDefault("SERVING_STATE_FILE", filepath.Join(stateDir(), "services.json"))
	v.SetDefault("SERVING_LOG_DIR", filepath.Join(stateDir(), "logs"))

	v.SetDefault("PREDICTOR_PROTOCOL", "mlflow")
	v.SetDefault("PREDICTOR_TIMEOUT", "30s")
	v.SetDefault("PREDICTOR_RATE_PER_SECOND", 20.0)
	v.SetDefault("PREDICTOR_BURST", 5)
	v.SetDefault("PREDICTOR_BATCH_SIZE", 256)

	v.SetDefault("TRACKING_ENABLED", false)
	v.SetDefault("TRACKING_URI", "file:./mlruns")
	v.SetDefault("TRACKING_EXPERIMENT", "customer_satisfaction")
	v.SetDefault("TRACKING_TIMEOUT", "15s")

	v.SetDefault("DEPLOYMENT_TRIGGER_EXPRESSION", "accuracy < min_accuracy")
	v.SetDefault("DEPLOYMENT_WORKERS", 1)
	v.SetDefault("DEPLOYMENT_TIMEOUT", "60s")

	v.SetDefault("PROMOTION_MAX_ERROR", 1.8)
	v.SetDefault("PROMOTION_STAGE", "production")

	v.SetDefault("STATE_RUNS_FILE", filepath.Join(stateDir(), "runs.json"))
	v.SetDefault("STATE_VERSIONS_FILE", filepath.Join(stateDir(), "versions.json"))

	// Env
	v.AutomaticEnv()

	// Flags
	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("LOGGER_LEVEL", f); err != nil {
				return nil, fmt.Errorf("bind flag log-level: %w", err)
			}
		}
		if f := flags.Lookup("serving-backend"); f != nil {
			if err := v.BindPFlag("SERVING_BACKEND", f); err != nil {
				return nil, fmt.Errorf("bind flag serving-backend: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		Logger: LoggerConfig{
			Level:  v.GetString("LOGGER_LEVEL"),
			Format: v.GetString("LOGGER_FORMAT"),
		},
		Database: DatabaseConfig{
			Enabled:         v.GetBool("DATABASE_ENABLED"),
			Host:            v.GetString("DATABASE_HOST"),
			Port:            v.GetInt("DATABASE_PORT"),
			User:            v.GetString("DATABASE_USER"),
			Password:        v.GetString("DATABASE_PASSWORD"),
			Name:            v.GetString("DATABASE_NAME"),
			SSLMode:         v.GetString("DATABASE_SSLMODE"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: durationOr(v, "DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:     v.GetBool("REDIS_ENABLED"),
			Addr:        v.GetString("REDIS_ADDR"),
			Password:    v.GetString("REDIS_PASSWORD"),
			DB:          v.GetInt("REDIS_DB"),
			ArtifactTTL: durationOr(v, "REDIS_ARTIFACT_TTL", 7*24*time.Hour),
		},
		Kubernetes: KubernetesConfig{
			Enabled:        v.GetBool("KUBERNETES_ENABLED"),
			InCluster:      v.GetBool("KUBERNETES_IN_CLUSTER"),
			KubeConfigPath: v.GetString("KUBERNETES_KUBECONFIG"),
			DefaultNS:      v.GetString("KUBERNETES_NAMESPACE"),
		},
		Executor: ExecutorConfig{
			Kind:         v.GetString("EXECUTOR_KIND"),
			PollInterval: durationOr(v, "EXECUTOR_POLL_INTERVAL", 5*time.Second),
			StepTimeout:  durationOr(v, "EXECUTOR_STEP_TIMEOUT", 2*time.Hour),
			JobTTL:       durationOr(v, "EXECUTOR_JOB_TTL", 10*time.Minute),
		},
		Serving: ServingConfig{
			Backend:     v.GetString("SERVING_BACKEND"),
			Host:        v.GetString("SERVING_HOST"),
			BasePort:    v.GetInt("SERVING_BASE_PORT"),
			MLflowBin:   v.GetString("SERVING_MLFLOW_BIN"),
			StopTimeout: durationOr(v, "SERVING_STOP_TIMEOUT", 10*time.Second),
			StateFile:   v.GetString("SERVING_STATE_FILE"),
			LogDir:      v.GetString("SERVING_LOG_DIR"),
		},
		Predictor: PredictorConfig{
			Protocol:      v.GetString("PREDICTOR_PROTOCOL"),
			Timeout:       durationOr(v, "PREDICTOR_TIMEOUT", 30*time.Second),
			RatePerSecond: v.GetFloat64("PREDICTOR_RATE_PER_SECOND"),
			Burst:         v.GetInt("PREDICTOR_BURST"),
			BatchSize:     v.GetInt("PREDICTOR_BATCH_SIZE"),
		},
		Tracking: TrackingConfig{
			Enabled:    v.GetBool("TRACKING_ENABLED"),
			URI:        v.GetString("TRACKING_URI"),
			Experiment: v.GetString("TRACKING_EXPERIMENT"),
			Timeout:    durationOr(v, "TRACKING_TIMEOUT", 15*time.Second),
		},
		Deployment: DeploymentConfig{
			TriggerExpression: v.GetString("DEPLOYMENT_TRIGGER_EXPRESSION"),
			Workers:           v.GetInt("DEPLOYMENT_WORKERS"),
			Timeout:           durationOr(v, "DEPLOYMENT_TIMEOUT", 60*time.Second),
		},
		Promotion: PromotionConfig{
			MaxError: v.GetFloat64("PROMOTION_MAX_ERROR"),
			Stage:    v.GetString("PROMOTION_STAGE"),
		},
		State: StateConfig{
			RunsFile:     v.GetString("STATE_RUNS_FILE"),
			VersionsFile: v.GetString("STATE_VERSIONS_FILE"),
		},
	}

	return cfg, nil
}

func durationOr(v *viper.Viper, key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}

// stateDir is where local run state lives: ~/.ml-pipelines, or the temp dir
// when there is no home.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "ml-pipelines")
	}
	return filepath.Join(home, ".ml-pipelines")
}
