// Package server assembles the ingestion pipeline and runs it behind an
// HTTP server with graceful shutdown.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tkarski/eventgate/pkg/config"
)

// Run builds the pipeline from cfg and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel)

	p, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()

	tasksCtx, cancelTasks := context.WithCancel(ctx)
	wg := StartTasks(tasksCtx, p)

	router := mux.NewRouter()
	p.Handler.SetupRoutes(router, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		cancelTasks()
		wg.Wait()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}

	// Stop workers after the listener so in-flight requests can still
	// enqueue; the queue keeps anything the processor has not drained.
	cancelTasks()
	wg.Wait()
	log.Info().Msg("shutdown complete")
	return nil
}
