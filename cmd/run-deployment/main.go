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
	flags := pflag.NewFlagSet("run-deployment", pflag.ExitOnError)
	minAccuracy := flags.Float64("min-accuracy", pipelines.DefaultMinAccuracy, "Minimum mse required to deploy the model")
	stopService := flags.Bool("stop-service", false, "Stop the prediction service when done")
	configPath := flags.String("config", app.DefaultRunConfig, "Run configuration file")
	flags.String("log-level", "info", "Log level")
	flags.String("serving-backend", "local", "Serving backend (local or kserve)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app.InitLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Close()

	if *stopService {
		if _, err := a.StopDeployment(ctx); err != nil {
			return fmt.Errorf("stop service: %w", err)
		}
		return nil
	}

	runCfg, err := app.LoadRunConfig(*configPath, flags.Changed("config"))
	if err != nil {
		return err
	}
	overrides := map[string]any{}
	if flags.Changed("min-accuracy") {
		overrides["min_accuracy"] = *minAccuracy
	}

	report, err := a.RunDeployment(ctx, *minAccuracy, services.RunOptions{
		Parameters: runCfg.RunParameters(overrides),
		Config:     runCfg,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Now run \n"+
		"    mlflow ui --backend-store-uri %s\n"+
		"To inspect your experiment runs within the mlflow UI.\n"+
		"You can find your runs tracked within the `%s` experiment.\n",
		report.TrackingURI, report.Experiment)

	if report.Service != nil {
		fmt.Printf("The prediction server is running as a daemon process "+
			"and accepts inference requests at:\n"+
			"    %s\n"+
			"To stop the service, re-run the same command and supply the "+
			"`--stop-service` argument.\n",
			report.Service.PredictionURL)
	}
	return nil
}
