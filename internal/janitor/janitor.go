// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package janitor varre periodicamente o estado persistido: remove jobs
// terminais fora da retenção e chunks órfãos cujo parent já expirou do
// KV por TTL.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/store/blob"
)

// uploadsPrefix é a raiz dos chunks no object storage.
const uploadsPrefix = "uploads"

// Janitor agenda e executa a varredura.
type Janitor struct {
	manager   *job.Manager
	blobs     blob.Store
	retention time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// New monta o janitor com o cronograma dado (formato cron ou @every).
func New(manager *job.Manager, blobs blob.Store, schedule string, retention time.Duration, logger *slog.Logger) (*Janitor, error) {
	j := &Janitor{
		manager:   manager,
		blobs:     blobs,
		retention: retention,
		logger:    logger.With("component", "janitor"),
		cron:      cron.New(),
	}

	if _, err := j.cron.AddFunc(schedule, func() {
		if err := j.Sweep(context.Background()); err != nil {
			j.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}

	return j, nil
}

// Run inicia o cronograma e bloqueia até o ctx cancelar.
func (j *Janitor) Run(ctx context.Context) {
	j.cron.Start()
	j.logger.Info("janitor started", "retention", j.retention)
	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info("janitor stopped")
}

// Sweep roda uma varredura completa: jobs terminais expirados primeiro,
// depois prefixos de chunk sem parent.
func (j *Janitor) Sweep(ctx context.Context) error {
	expired, err := j.sweepExpiredParents(ctx)
	if err != nil {
		return err
	}

	orphans, err := j.sweepOrphanBlobs(ctx)
	if err != nil {
		return err
	}

	if expired > 0 || orphans > 0 {
		j.logger.Info("sweep complete", "expired_jobs", expired, "orphan_prefixes", orphans)
	}
	return nil
}

// sweepExpiredParents deleta jobs terminais mais antigos que a retenção.
// O TTL do KV os apagaria de qualquer forma; deletar via manager garante
// o cascade dos sub-jobs e dos blobs restantes.
func (j *Janitor) sweepExpiredParents(ctx context.Context) (int, error) {
	parents, err := j.manager.ListParents()
	if err != nil {
		return 0, fmt.Errorf("listing parents: %w", err)
	}

	removed := 0
	for _, p := range parents {
		if !p.Status.IsTerminal() || p.CompletedAt == nil {
			continue
		}
		if time.Since(*p.CompletedAt) < j.retention {
			continue
		}
		if err := j.manager.DeleteParent(ctx, p.ID); err != nil && !errors.Is(err, job.ErrNotFound) {
			j.logger.Warn("deleting expired job failed", "parent_id", p.ID, "error", err)
			continue
		}
		j.logger.Info("expired job removed", "parent_id", p.ID, "status", p.Status)
		removed++
	}
	return removed, nil
}

// sweepOrphanBlobs remove prefixos uploads/<id> cujo parent não existe
// mais no KV (expirado por TTL antes do GC rodar).
func (j *Janitor) sweepOrphanBlobs(ctx context.Context) (int, error) {
	ids, err := j.blobs.ListPrefixes(ctx, uploadsPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing upload prefixes: %w", err)
	}

	removed := 0
	for _, id := range ids {
		_, err := j.manager.GetParent(id)
		if err == nil {
			continue
		}
		if !errors.Is(err, job.ErrNotFound) {
			j.logger.Warn("checking parent for orphan sweep failed", "parent_id", id, "error", err)
			continue
		}
		if err := j.blobs.DeletePrefix(ctx, uploadsPrefix+"/"+id); err != nil {
			j.logger.Warn("deleting orphan prefix failed", "parent_id", id, "error", err)
			continue
		}
		j.logger.Info("orphan chunks removed", "parent_id", id)
		removed++
	}
	return removed, nil
}
