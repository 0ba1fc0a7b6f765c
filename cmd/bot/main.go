package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"smacross/internal/config"
	"smacross/internal/orchestrator"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[BOT] ", log.LstdFlags)

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatalf("Failed to load environment: %v", err)
	}
	if configPath == "" && env.ConfigPath != "" {
		configPath = env.ConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Printf("Starting SMA crossover engine in %s mode", cfg.Environment.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := orchestrator.New(ctx, cfg, env, logger)
	if err != nil {
		logger.Fatalf("Startup failed: %v", err)
	}

	if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Engine stopped with error: %v", err)
	}
	logger.Printf("Engine stopped")
}
