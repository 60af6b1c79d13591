package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/KevinKickass/OpenPSU/internal/auth"
	"github.com/KevinKickass/OpenPSU/internal/config"
	"github.com/KevinKickass/OpenPSU/internal/serialport"
	"github.com/KevinKickass/OpenPSU/internal/system"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	mintToken := flag.String("mint-token", "", "print an access token for the given role (viewer, operator) and exit")
	listPorts := flag.Bool("list-ports", false, "list the available serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := serialport.ListPorts()
		if err != nil {
			log.Fatalf("Failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *mintToken != "" {
		if err := printToken(cfg, *mintToken); err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		return
	}

	// Logger initialisieren
	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	if cfg.Auth.Enabled && !cfg.Auth.IsProductionReady() {
		logger.Warn("Using development JWT secret",
			zap.String("env", cfg.Auth.JWTSecretEnv))
	}

	// Lifecycle Manager
	lifecycle := system.NewLifecycleManager(cfg, logger, serialport.Options()...)

	// System starten
	if err := lifecycle.Start(); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenPSU started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
		logger.Info("Shutdown requested via API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenPSU stopped successfully")
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zc.Level = level

	return zc.Build()
}

func printToken(cfg *config.Config, role string) error {
	svc := auth.NewAuthService(cfg.Auth)

	token, subject, err := svc.MintToken("psud-cli", auth.Role(role))
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "subject %s, role %s, valid for %s\n", subject, role, cfg.Auth.AccessTokenTTL)
	fmt.Println(token)
	return nil
}
