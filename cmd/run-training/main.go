package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"ml-pipelines/internal/app"
	"ml-pipelines/internal/config"
	"ml-pipelines/internal/core/domain"
	"ml-pipelines/internal/core/services"
	"ml-pipelines/internal/pipelines"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("run-training", pflag.ExitOnError)
	modelType := flags.String("model-type", domain.DefaultModelType, "Model type (lightgbm, randomforest or xgboost)")
	configPath := flags.String("config", app.DefaultRunConfig, "Run configuration file")
	flags.String("log-level", "info", "Log level")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.InitLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCfg, err := app.LoadRunConfig(*configPath, flags.Changed("config"))
	if err != nil {
		return err
	}
	overrides := map[string]any{}
	if flags.Changed("model-type") {
		overrides["model_type"] = *modelType
	}

	p, err := pipelines.Training(*modelType)
	if err != nil {
		return fmt.Errorf("build training pipeline: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	result, err := a.Runner.Run(ctx, p, services.RunOptions{
		Parameters: runCfg.RunParameters(overrides),
		Config:     runCfg,
	})
	if err != nil {
		return fmt.Errorf("training pipeline: %w", err)
	}

	model, err := result.Output("model")
	if err != nil {
		return fmt.Errorf("training pipeline: %w", err)
	}
	promoted := false
	if out, err := result.Output("is_promoted"); err == nil {
		promoted, _ = out.BoolValue()
	}

	fmt.Printf("Run %s finished.\n    model:    %s\n    promoted: %t\n", result.Run.ID, model.URI, promoted)
	return nil
}
