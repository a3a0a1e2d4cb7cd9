// Command orchestratord runs the chat-to-worker orchestrator: it loads
// configuration, recovers persisted instance state, starts the health-check
// loop, the stream multiplexer, the integration router, and the optional
// registration API, then waits for a shutdown signal.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oc-outpost/orchestrator/internal/chatplatform"
	"github.com/oc-outpost/orchestrator/internal/config"
	"github.com/oc-outpost/orchestrator/internal/containerengine"
	"github.com/oc-outpost/orchestrator/internal/errorreport"
	"github.com/oc-outpost/orchestrator/internal/instance"
	"github.com/oc-outpost/orchestrator/internal/logging"
	"github.com/oc-outpost/orchestrator/internal/portpool"
	"github.com/oc-outpost/orchestrator/internal/registrationapi"
	"github.com/oc-outpost/orchestrator/internal/router"
	"github.com/oc-outpost/orchestrator/internal/store"
	"github.com/oc-outpost/orchestrator/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logging.SetupWithConfig(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.Info("starting orchestrator", "project_base_path", cfg.ProjectBasePath, "container_runtime", cfg.ContainerRuntime)

	instanceStore, err := store.OpenInstanceStore(cfg.OrchestratorDBPath)
	if err != nil {
		slog.Error("failed to open instance store", "error", err)
		os.Exit(1)
	}
	defer instanceStore.Close()

	bindingStore, err := store.OpenBindingStore(cfg.TopicDBPath)
	if err != nil {
		slog.Error("failed to open binding store", "error", err)
		os.Exit(1)
	}
	defer bindingStore.Close()

	pool := portpool.New(cfg.OpencodePortStart, cfg.OpencodePortPoolSize)
	driver := buildDriver(cfg)

	mgr := instance.New(cfg, instance.Stores{Instances: instanceStore, Bindings: bindingStore}, pool, driver)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.RecoverFromDB(startupCtx); err != nil {
		slog.Error("recover_from_db failed", "error", err)
	}
	if err := mgr.ReconcileContainers(startupCtx); err != nil {
		slog.Error("reconcile_containers failed", "error", err)
	}
	startupCancel()

	healthCancel := mgr.StartHealthCheckLoop(context.Background())
	defer healthCancel()

	resolvePort := func(sessionID string) (int, bool) {
		binding, ok, err := bindingStore.GetBySessionID(sessionID)
		if err != nil || !ok {
			return 0, false
		}
		h, ok := mgr.GetInstance(binding.InstanceID)
		if !ok {
			return 0, false
		}
		return h.Info().Port, true
	}
	mux := stream.New(resolvePort)

	chat := chatplatform.NewLogClient()
	rt := router.New(cfg, bindingStore, mgr, mux, chat)

	errReporter := errorreport.New(cfg.ErrorReportURL, cfg.ErrorReportToken, errorreport.Config{})
	errReporter.Start()
	defer errReporter.Shutdown()
	rt.ErrReport = errReporter
	mgr.ErrReport = errReporter

	webhook := newInboundWebhook(":8081", rt)
	go func() {
		if err := webhook.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("inbound webhook stopped", "error", err)
		}
	}()

	var regAPI *registrationapi.Server
	if cfg.APIPort > 0 {
		addr := ":" + strconv.Itoa(cfg.APIPort)
		regAPI, err = registrationapi.New(addr, mgr, cfg.APIKey, cfg.RegistrationJWKSURL)
		if err != nil {
			slog.Error("failed to create registration API", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := regAPI.Start(); err != nil {
				slog.Error("registration API stopped", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if regAPI != nil {
		_ = regAPI.Close()
	}
	_ = webhook.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.StopAll(shutdownCtx); err != nil {
		slog.Error("stop_all reported errors", "error", err)
	}

	slog.Info("orchestrator stopped")
}

func buildDriver(cfg *config.Config) containerengine.Driver {
	switch cfg.ContainerRuntime {
	case "mock":
		return containerengine.NewMockDriver()
	case "local-process":
		return containerengine.NewProcessDriver(cfg.WorkerBinaryPath)
	default:
		return containerengine.NewDockerDriver()
	}
}
