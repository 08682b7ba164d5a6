package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/coachpo/fieldcare/internal/app/runtime"
	httpserver "github.com/coachpo/fieldcare/internal/infra/server/http"
	"github.com/coachpo/fieldcare/internal/infra/telemetry"
	"github.com/coachpo/fieldcare/internal/observability"
)

const (
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capture surface and the sync loops",
	Long: `Start the HTTP surface that accepts care-log submissions, serves the cached
application shell and reports sync status. Submissions made while offline are
queued durably and replayed when connectivity returns.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Address to listen on (overrides apiServer.addr)")
	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		observability.Log().Error("bind address flag", observability.F("err", err))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, logger, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if addr := viper.GetString("address"); addr != "" {
		cfg.APIServer.Addr = addr
	}

	provider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}

	rt, err := runtime.Build(ctx, cfg, runtime.Options{Logger: logger.Named("runtime")})
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return fmt.Errorf("build execution context: %w", err)
	}
	if reason := rt.Degraded(); reason != nil {
		logger.Error("durable queue unavailable; submissions require connectivity", observability.F("err", reason))
	}

	if err := rt.Router.Install(ctx); err != nil {
		logger.Error("precache application shell", observability.F("err", err))
	}
	removed, err := rt.Router.Activate(ctx)
	if err != nil {
		logger.Error("activate cache version", observability.F("err", err))
	} else if len(removed) > 0 {
		logger.Info("removed stale cache buckets", observability.F("buckets", removed))
	}

	handler := httpserver.NewHandler(httpserver.Deps{
		Sync:         rt.Orchestrator,
		Connectivity: rt.Monitor,
		Status:       rt.Status,
		Fallback:     rt.Router,
		Logger:       logger.Named("http"),
	})
	server := httpserver.NewServer(cfg.APIServer.Addr, cfg.APIServer.ReadHeaderTimeout, handler)

	// The sync loops outlive the signal until the api server has drained.
	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer runCancel()

	var lifecycle conc.WaitGroup
	if err := rt.Start(runCtx); err != nil {
		runCancel()
		_ = rt.Close(context.Background())
		_ = provider.Shutdown(context.Background())
		return err
	}
	lifecycle.Go(rt.Wait)
	startAPIServer(&lifecycle, logger, server)
	logger.Info("fieldcare started",
		observability.F("addr", server.Addr),
		observability.F("online", rt.Monitor.IsOnline()),
		observability.F("offline_capture", rt.Orchestrator.OfflineEnabled()))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        server,
		serverTimeout: cfg.APIServer.ShutdownTimeout,
		mainCancel:    runCancel,
		lifecycle:     &lifecycle,
		runtime:       rt,
		telemetry:     provider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart)))
	return nil
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", observability.F("err", err))
		}
	})
}

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	runtime       *runtime.Context
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info(fmt.Sprintf("shutdown: %s...", name))
		if err := fn(stepCtx); err != nil {
			logger.Error(fmt.Sprintf("shutdown: %s failed", name), observability.F("err", err))
		} else {
			logger.Info(fmt.Sprintf("shutdown: %s completed", name))
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling sync loops")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.runtime != nil {
		shutdownStep("closing execution context", lifecycleShutdownTimeout, cfg.runtime.Close)
	}

	if cfg.telemetry != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
