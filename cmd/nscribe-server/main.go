// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nishisan-dev/n-scribe/internal/assemble"
	"github.com/nishisan-dev/n-scribe/internal/config"
	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/janitor"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/logging"
	"github.com/nishisan-dev/n-scribe/internal/server"
	"github.com/nishisan-dev/n-scribe/internal/server/history"
	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/store/kv"
	"github.com/nishisan-dev/n-scribe/internal/upstream"
	"github.com/nishisan-dev/n-scribe/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/nscribe/server.yaml", "path to server config file")
	envPath := flag.String("env", "", "optional .env file with upstream API keys")
	flag.Parse()

	// API keys dos upstreams chegam por env var; .env é conveniência de
	// desenvolvimento e ausência não é erro.
	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error loading env file: %v\n", err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// run monta o grafo de dependências e bloqueia até o ctx cancelar.
func run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	store, err := kv.Open(cfg.KV.Path, cfg.KV.JobTTL, logging.ForComponent(logger, "kv"))
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer store.Close()

	var blobs blob.Store
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = blob.NewS3Store(ctx, cfg.Storage.S3)
	default:
		blobs, err = blob.NewLocalStore(cfg.Storage.Local.BaseDir)
	}
	if err != nil {
		return fmt.Errorf("creating blob store: %w", err)
	}

	manager := job.NewManager(store, blobs, logger)

	gates := gate.NewRegistry(logger, map[gate.ID]gate.Limits{
		gate.Transcription: {
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			MaxRPS:        cfg.Transcription.MaxRPS,
			Uniform:       cfg.Transcription.Uniform,
		},
		gate.Correction: {
			MaxConcurrent: cfg.Correction.MaxConcurrent,
			MaxRPS:        cfg.Correction.MaxRPS,
			Uniform:       cfg.Correction.Uniform,
		},
		gate.JobSpawn:        {MaxConcurrent: cfg.Workers.JobSpawnConcurrent},
		gate.ChunkProcessing: {MaxConcurrent: cfg.Workers.ChunkConcurrent},
	})

	stt := upstream.NewTranscriber(cfg.Transcription, logger)

	var (
		llm       worker.CorrectAPI
		corrector assemble.Corrector
	)
	if cfg.Correction.Endpoint != "" {
		c := upstream.NewCorrector(cfg.Correction, logger)
		llm = c
		corrector = c
	}

	if err := os.MkdirAll(cfg.History.Dir, 0755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}
	events, err := history.NewEventStore(
		filepath.Join(cfg.History.Dir, cfg.History.EventsFile),
		cfg.History.RingCapacity, cfg.History.EventsMaxLines, cfg.History.CompressRotated)
	if err != nil {
		return fmt.Errorf("opening event store: %w", err)
	}
	defer events.Close()

	jobsHist, err := history.NewJobHistory(
		filepath.Join(cfg.History.Dir, cfg.History.JobsFile),
		cfg.History.JobsMaxLines, cfg.History.CompressRotated)
	if err != nil {
		return fmt.Errorf("opening job history: %w", err)
	}
	defer jobsHist.Close()

	notifier := server.NewTerminalNotifier(events, jobsHist, cfg.Webhook.Timeout, logger)

	queue := worker.NewQueue(cfg.Workers.QueueSize, logger)
	processor := worker.NewProcessor(manager, blobs, stt, llm, gates, logger)
	assembler := assemble.New(corrector, gates, logger)
	pool := worker.NewPool(cfg.Workers.Count, queue, processor, manager, assembler, gates, notifier, logger)
	stall := worker.NewStallTracker(manager, queue, pool,
		cfg.Workers.StallTimeout, cfg.Workers.StallCheckInterval, cfg.Workers.StallMaxPerCycle, logger)

	jan, err := janitor.New(manager, blobs, cfg.Janitor.Schedule, cfg.KV.JobTTL, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Logger:   logger,
		Manager:  manager,
		Blobs:    blobs,
		Queue:    queue,
		Pool:     pool,
		Gates:    gates,
		Events:   events,
		JobsHist: jobsHist,
		Notifier: notifier,
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		stall.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		jan.Run(ctx)
	}()

	err = srv.Run(ctx)
	wg.Wait()
	return err
}
