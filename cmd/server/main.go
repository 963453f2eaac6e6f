// scriptrun server: runs LLM scripts over HTTP.
//
// It provides:
//   - Script runs (POST /api/v1/runs) with tool calling and sub-agents
//   - Model resolution across aliases and providers
//   - The tool catalog, also served to MCP clients at /mcp
//   - Prometheus metrics at /metrics

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/pkg/server"
)

func main() {
	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	log.Info().Str("version", srv.Version).Msg("scriptrun starting")

	// No WriteTimeout: runs are bounded by SCRIPTRUN_RUN_TIMEOUT.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", srv.Port),
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SIGHUP re-reads the API keys file.
	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			if err := srv.ReloadKeys(); err != nil {
				log.Warn().Err(err).Msg("API key reload failed")
			}
		}
	}()

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP shutdown incomplete")
		}
		if err := srv.ShutdownFunc(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Component shutdown incomplete")
		}
		close(done)
	}()

	log.Info().Int("port", srv.Port).Msg("scriptrun listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-done
}
