package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/dengar/pkg/dengar"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the config; missing is fine")
	printConfig := flag.Bool("print-config", false, "print the effective config with secrets masked and exit")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := dengar.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *printConfig {
		if err := dengar.DumpConfig(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "print config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	log := logging.Setup(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	providers := dengar.NewProviderRegistry()
	registerProviders(providers)

	app, err := dengar.NewApp(cfg, dengar.Options{Providers: providers, Logger: log})
	if err != nil {
		log.Error("startup_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		log.Error("dengar_stopped_with_error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
