// Command agent runs next to a managed service and carries out the lifecycle
// actions the FluxGuard control plane sends it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("FLUXGUARD_AGENT_CONFIG"), "path to the agent YAML config")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fluxguard-agent: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.JSON).With("node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(cfg, NewExecutor(cfg, logger), logger)
	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", "addr", cfg.Address, "actions", len(cfg.Commands))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("agent shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("agent server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CommandTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("agent shutdown incomplete", "error", err)
	}
}
