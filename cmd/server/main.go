package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/ezplayer/statesync/internal/broadcast"
	"github.com/ezplayer/statesync/internal/bufpool"
	"github.com/ezplayer/statesync/internal/frames"
	"github.com/ezplayer/statesync/internal/httpserver"
	"github.com/ezplayer/statesync/internal/platform/config"
	"github.com/ezplayer/statesync/internal/platform/logging"
	"github.com/ezplayer/statesync/internal/rpc"
	"github.com/ezplayer/statesync/internal/state"
	"github.com/ezplayer/statesync/internal/worker"
)

const workerPortBuffer = 64

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupWorker(ctx context.Context, g *errgroup.Group, broadcaster *broadcast.Broadcaster, pool *bufpool.Pool, slot *frames.Slot, clock clockwork.Clock) *worker.Host {
	hostPort, workerPort := rpc.NewPortPair(workerPortBuffer)

	w, err := worker.NewWorker(workerPort, pool, slot, clock)
	if err != nil {
		slog.Error("Failed to create render worker", "error", err)
		os.Exit(1)
	}
	host := worker.NewHost(hostPort, broadcaster, clock)

	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return host.Run(ctx, nil) })

	readyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := host.WaitReady(readyCtx); err != nil {
		slog.Error("Render worker never became ready", "error", err)
		os.Exit(1)
	}

	return host
}

func runGracefulShutdown(srv *httpserver.Server, broadcaster *broadcast.Broadcaster, host *worker.Host) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		host.Shutdown()
		broadcaster.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	broadcaster := broadcast.New(state.NewStore(), clock, broadcast.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		PongDeadline:      cfg.PongDeadline,
		BackpressureLimit: cfg.BackpressureLimitBytes,
	})

	pool := bufpool.New()
	slot := frames.NewSlot()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	host := setupWorker(gctx, g, broadcaster, pool, slot, clock)

	healthChecks := []httpserver.HealthCheck{
		{Name: "broadcaster", Check: func(ctx context.Context) error {
			if broadcaster.ConnCount() < 0 {
				return errors.New("broadcaster command loop unresponsive")
			}
			return nil
		}},
	}

	srv := httpserver.NewServer(cfg, broadcaster, slot, pool, healthChecks)

	done := runGracefulShutdown(srv, broadcaster, host)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	if err := g.Wait(); err != nil {
		slog.Error("Worker pair exited with error", "error", err)
	}
}
