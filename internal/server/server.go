// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa a API HTTP do nscribe-server: ingestão de
// uploads, acompanhamento por SSE e rotas administrativas.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nishisan-dev/n-scribe/internal/config"
	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/server/history"
	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/worker"
)

// Deps agrupa as dependências montadas no composition root.
type Deps struct {
	Config   *config.ServerConfig
	Logger   *slog.Logger
	Manager  *job.Manager
	Blobs    blob.Store
	Queue    *worker.Queue
	Pool     *worker.Pool
	Gates    *gate.Registry
	Events   *history.EventStore
	JobsHist *history.JobHistory
	Notifier *TerminalNotifier
}

// Server é o servidor HTTP do nscribe.
type Server struct {
	cfg      *config.ServerConfig
	logger   *slog.Logger
	manager  *job.Manager
	blobs    blob.Store
	queue    *worker.Queue
	pool     *worker.Pool
	gates    *gate.Registry
	events   *history.EventStore
	jobsHist *history.JobHistory
	notifier *TerminalNotifier
	ingest   *http.Client
	started  time.Time
}

// New monta o servidor com as dependências dadas.
func New(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		logger:   d.Logger.With("component", "http"),
		manager:  d.Manager,
		blobs:    d.Blobs,
		queue:    d.Queue,
		pool:     d.Pool,
		gates:    d.Gates,
		events:   d.Events,
		jobsHist: d.JobsHist,
		notifier: d.Notifier,
		ingest:   &http.Client{Timeout: d.Config.Ingest.URLTimeout},
		started:  time.Now(),
	}
}

// Router monta as rotas. Exportado para os testes usarem httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/upload", s.handleUpload)
	r.Post("/chunked-upload-stream", s.handleChunkedUpload)
	r.Get("/chunked-stream/{parentID}", s.handleStream)
	r.Get("/chunked-upload-status", s.handleStatus)
	r.Post("/chunked-upload-cancel", s.handleCancel)
	r.Post("/chunked-upload-retry", s.handleRetry)
	r.Get("/jobs", s.handleJobs)
	r.Get("/result", s.handleResult)
	r.Post("/delete-job", s.handleDelete)
	r.Get("/health", s.handleHealth)

	if s.cfg.Admin.Enabled {
		acl := NewACL(s.cfg.Admin.ParsedCIDRs)
		r.Route("/api/v1", func(r chi.Router) {
			r.Use(acl.Middleware)
			r.Get("/events", s.handleAdminEvents)
			r.Get("/history", s.handleAdminHistory)
			r.Get("/gates", s.handleAdminGates)
		})
	}

	return r
}

// Run sobe o servidor e bloqueia até o ctx cancelar, com shutdown
// gracioso. TLS entra quando o par cert/key está configurado.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Listen,
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening",
			"address", s.cfg.Server.Listen,
			"tls", s.cfg.Server.TLSCert != "")
		if s.cfg.Server.TLSCert != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
