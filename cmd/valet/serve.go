package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/valetd/valet/internal/allowlist"
	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/pathsafe"
	"github.com/valetd/valet/internal/ratelimit"
	"github.com/valetd/valet/internal/runner"
	"github.com/valetd/valet/internal/server"
	"github.com/valetd/valet/internal/tools"
)

// runServe validates config, builds the registry, and serves until signaled.
// Any failure before the socket is bound suppresses the readiness line and
// exits non-zero with a single-line reason.
func runServe(configPath string, prettyLog bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := core.Init(prettyLog); err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck // sync errors on stderr are expected and harmless

	allow, err := allowlist.Resolve(cfg.Exec.AllowedCmds)
	if err != nil {
		return fmt.Errorf("resolving command allow-list: %w", err)
	}

	resolver := pathsafe.New(cfg.Root.RootDir)
	run := runner.New(cfg.Root.RootDir, cfg.PassEnv, cfg.Limits.ExecTimeoutS, cfg.MaxStdoutBytes())
	registry := tools.NewRegistry(resolver, allow, run, cfg.MaxStdoutBytes())

	srv := server.New(cfg, registry, ratelimit.New(), core.NewAudit())

	ctx, cancel := signalContext()
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM: the server stops accepting,
// waits for in-flight requests up to the grace window, then exits 0.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		zap.L().Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return ctx, cancel
}
