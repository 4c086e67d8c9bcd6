package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	tgviz "github.com/tgviz/tgviz-go"
	"github.com/tgviz/tgviz-go/internal/config"
	"github.com/tgviz/tgviz-go/internal/gateway/telegram"
	"github.com/tgviz/tgviz-go/internal/health"
)

const appName = "tgviz-echo"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "tgviz-echo",
	Short:        "Echo bot that reports every Telegram update to TGViz",
	RunE:         runBot,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("%s %s\n", appName, tgviz.Version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	RunE: func(_ *cobra.Command, _ []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg := config.Default()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tgviz-echo.yml", "path to configuration file")
	rootCmd.AddCommand(versionCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBot(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Log)
	instanceID := uuid.NewString()
	logger.Info("starting service",
		"app", appName,
		"version", tgviz.Version,
		"instance_id", instanceID,
		"tgviz_mode", cfg.TGViz.Mode,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	processor, err := tgviz.NewProcessor(tgviz.ProcessorOptions{
		Token:   cfg.TGViz.Token,
		Mode:    tgviz.ProcessingMode(cfg.TGViz.Mode),
		APIURL:  cfg.TGViz.APIURL,
		Timeout: time.Duration(cfg.TGViz.TimeoutSeconds) * time.Second,
		Logger:  logger.With("component", "tgviz"),
	})
	if err != nil {
		return fmt.Errorf("create tgviz processor: %w", err)
	}
	defer processor.Close()

	gateway, err := telegram.New(cfg.Telegram, processor, logger.With("gateway", "telegram"))
	if err != nil {
		return fmt.Errorf("create telegram gateway: %w", err)
	}

	tracker := newStatusTracker(instanceID, gateway)

	var wg sync.WaitGroup

	if cfg.Health.Enabled {
		healthServer := health.NewServer(
			cfg.Health.Host,
			cfg.Health.Port,
			tracker.snapshot,
			tracker.ready,
			logger.With("component", "health"),
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Start(ctx); err != nil {
				logger.Error("health server stopped with error", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		tracker.setRunning(true)

		if err := gateway.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("gateway stopped with error", "error", err)
		}

		tracker.setRunning(false)
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received", "app", appName)
	wg.Wait()
	logger.Info("service stopped", "app", appName)
	return nil
}

type statusTracker struct {
	mu         sync.RWMutex
	instanceID string
	started    time.Time
	running    bool
	gateway    *telegram.Gateway
}

func newStatusTracker(instanceID string, gateway *telegram.Gateway) *statusTracker {
	return &statusTracker{
		instanceID: instanceID,
		started:    time.Now(),
		gateway:    gateway,
	}
}

func (s *statusTracker) setRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

func (s *statusTracker) ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *statusTracker) snapshot() map[string]any {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	return map[string]any{
		"app":            appName,
		"version":        tgviz.Version,
		"instance_id":    s.instanceID,
		"ready":          running,
		"started_at":     s.started,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"telegram":       s.gateway.Stats(),
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToUpper(strings.TrimSpace(cfg.Level)) {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN", "WARNING":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
