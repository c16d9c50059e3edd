package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gc3pie/gridrun/internal/api"
	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/backend/dockerrun"
	"github.com/gc3pie/gridrun/internal/backend/localexec"
	"github.com/gc3pie/gridrun/internal/config"
	"github.com/gc3pie/gridrun/internal/core"
	"github.com/gc3pie/gridrun/internal/engine"
	"github.com/gc3pie/gridrun/internal/session"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("gridrun: starting",
		"listen_addr", cfg.ListenAddr,
		"session_dir", cfg.SessionDir,
		"resources_file", cfg.ResourcesFile,
		"poll_interval", cfg.PollInterval.String(),
	)

	resources, err := config.LoadResources(cfg.ResourcesFile)
	if err != nil {
		log.Fatalf("failed to load resources: %v", err)
	}

	registry := backend.NewRegistry(logger)
	registry.RegisterType(localexec.Type, localexec.New)
	registry.RegisterType(dockerrun.Type, dockerrun.New)
	for _, res := range resources {
		if err := registry.AddResource(res); err != nil {
			log.Fatalf("failed to add resource %q: %v", res.Name, err)
		}
	}

	sess, err := session.New(cfg.SessionDir, logger)
	if err != nil {
		log.Fatalf("failed to open session: %v", err)
	}
	defer sess.Close()

	ctrl := core.New(registry, nil, logger)
	eng := engine.New(ctrl, sess, logger, engine.Limits{
		MaxInFlight:  cfg.MaxInFlight,
		MaxSubmitted: cfg.MaxSubmitted,
	})

	// re-adopt the tasks the session rehydrated, so half-done work resumes
	for _, t := range sess.Tasks() {
		if err := eng.Add(t); err != nil {
			logger.Error("failed to re-adopt task", "task", t.ID(), "error", err)
		}
	}
	logger.Info("session loaded", "tasks", len(sess.IDs()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go advanceLoop(ctx, ctrl, eng, cfg.PollInterval, logger)

	srv := api.NewServer(cfg.ListenAddr, sess, registry, eng, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// advanceLoop refreshes resource snapshots and runs one engine round every
// interval until the context is cancelled.
func advanceLoop(ctx context.Context, ctrl *core.Core, eng *engine.Engine, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctrl.UpdateResources(ctx)
			if err := eng.Progress(ctx); err != nil {
				logger.Error("engine round aborted", "error", err)
			}
		}
	}
}
