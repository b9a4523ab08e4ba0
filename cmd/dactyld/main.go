package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/care/dactyl/internal/config"
	"github.com/care/dactyl/internal/core"
)

const defaultConfigPath = "config/dactyl.yaml"

func main() {
	if err := run(); err != nil {
		slog.Error("dactyl failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var debug bool
	var attendance bool

	flagSet := pflag.NewFlagSet("dactyld", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	flagSet.BoolVar(&debug, "debug", false, "enable debug logging")
	flagSet.BoolVar(&attendance, "attendance", false, "start in attendance mode (overrides attendance.enabled)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	// Setup structured logger
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if flagSet.Changed("attendance") {
		cfg.Attendance.Enabled = attendance
	}

	slog.Info("starting dactyl",
		"config", configPath,
		"device_id", cfg.DeviceID,
		"debug", debug,
	)

	daemon, err := core.NewDaemon(cfg)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- daemon.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		cancel()
	}
	if runErr != nil {
		slog.Error("service error", "error", runErr)
	}

	// Graceful shutdown
	shutdownTimeout := daemon.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("dactyl stopped successfully")
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `dactyld drives a fingerprint sensor for enrollment and attendance.

Commands arrive over MQTT; enrollment progress, matches and device status
are published back to the broker.

Usage:
  dactyld [flags]

Flags:
%s`, flagSet.FlagUsages())
}
