package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/statement-extractor/internal/app"
	"github.com/dvloznov/statement-extractor/internal/config"
	"github.com/dvloznov/statement-extractor/internal/logger"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	fs := ff.NewFlagSet("statement-api")
	flags := config.Register(fs)
	if err := ff.Parse(fs, os.Args[1:], config.Options()...); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := flags.Config()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	// Fail at startup rather than on the first job when the model is misconfigured.
	if _, err := a.Processor(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize extraction")
	}

	handler := a.Router()
	jobQueue, _ := a.Queue()

	// Start worker in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	go func() {
		log.Info().Int("workers", cfg.Queue.Workers).Msg("Starting job worker")
		if err := jobQueue.Start(workerCtx, a.HandleJob); err != nil {
			log.Error().Err(err).Msg("Job worker stopped with error")
		}
	}()

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("storage", cfg.Storage.Backend).
			Str("blobs", cfg.Blob.Backend).
			Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop job queue and wait for in-flight jobs; statements still running
	// when the timeout hits are cancelled and recorded as failed.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
		cancelWorker()
	}

	log.Info().Msg("Server exited")
}
