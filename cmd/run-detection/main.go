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
	"ml-pipelines/internal/core/services"
	"ml-pipelines/internal/pipelines"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("run-detection", pflag.ExitOnError)
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

	p, err := pipelines.Detection()
	if err != nil {
		return fmt.Errorf("build detection pipeline: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	result, err := a.Runner.Run(ctx, p, services.RunOptions{
		Parameters: runCfg.RunParameters(nil),
		Config:     runCfg,
	})
	if err != nil {
		return fmt.Errorf("detection pipeline: %w", err)
	}

	for _, name := range []string{"model", "detections"} {
		if out, err := result.Output(name); err == nil {
			fmt.Printf("%-11s %s\n", name+":", out.URI)
		}
	}
	return nil
}
