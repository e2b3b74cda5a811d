// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/job"
)

// Advancer dispara a verificação de prontidão de remontagem de um
// parent. Implementado pelo Pool.
type Advancer interface {
	Advance(ctx context.Context, parentID string)
}

// StallTracker varre periodicamente os sub-jobs presos em Processing
// além do timeout e os devolve à fila. Um sub-job cujo budget de retry
// esgotou vira falha permanente do chunk. O limite por ciclo evita
// tempestade de requeue quando o upstream inteiro degrada.
type StallTracker struct {
	manager     *job.Manager
	queue       *Queue
	advancer    Advancer
	logger      *slog.Logger
	timeout     time.Duration
	interval    time.Duration
	maxPerCycle int
}

// NewStallTracker monta o tracker.
func NewStallTracker(manager *job.Manager, queue *Queue, advancer Advancer, timeout, interval time.Duration, maxPerCycle int, logger *slog.Logger) *StallTracker {
	if maxPerCycle < 1 {
		maxPerCycle = 1
	}
	return &StallTracker{
		manager:     manager,
		queue:       queue,
		advancer:    advancer,
		logger:      logger.With("component", "stall_tracker"),
		timeout:     timeout,
		interval:    interval,
		maxPerCycle: maxPerCycle,
	}
}

// Run roda a varredura no intervalo configurado até o ctx cancelar.
func (t *StallTracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep faz uma passada única. Exportado para o endpoint de health e
// para os testes.
func (t *StallTracker) Sweep(ctx context.Context) {
	parents, err := t.manager.ListParents()
	if err != nil {
		t.logger.Warn("listing parents for stall sweep", "error", err)
		return
	}

	requeued := 0
	for _, p := range parents {
		if p.Status.IsTerminal() || p.Status == job.StatusAssembling {
			continue
		}
		for _, subID := range p.SubJobIDs {
			if requeued >= t.maxPerCycle {
				t.logger.Debug("stall sweep cycle budget reached", "requeued", requeued)
				return
			}
			if t.recoverSubJob(ctx, p.ID, subID) {
				requeued++
			}
		}
	}
}

// recoverSubJob devolve um sub-job preso à fila. Retorna true quando
// consumiu budget do ciclo.
func (t *StallTracker) recoverSubJob(ctx context.Context, parentID, subID string) bool {
	sub, err := t.manager.GetSubJob(subID)
	if err != nil {
		return false
	}
	if sub.Status != job.SubProcessing || sub.ProcessingStartedAt == nil {
		return false
	}
	stalled := time.Since(*sub.ProcessingStartedAt)
	if stalled < t.timeout {
		return false
	}

	failed, err := t.manager.FailSubJob(sub.ID, "processing stalled")
	if err != nil {
		t.logger.Warn("failed to reset stalled sub-job", "sub_job_id", subID, "error", err)
		return false
	}

	if failed.RetryCount > failed.MaxRetries {
		t.logger.Error("stalled chunk exhausted retries",
			"parent_id", parentID,
			"chunk_index", failed.ChunkIndex,
			"stalled_for", stalled)
		if err := t.manager.MarkChunkFailed(parentID, failed.ChunkIndex, "processing stalled"); err != nil {
			t.logger.Debug("stalled chunk already accounted", "parent_id", parentID, "error", err)
		}
		if t.advancer != nil {
			t.advancer.Advance(ctx, parentID)
		}
		return true
	}

	t.logger.Warn("requeueing stalled chunk",
		"parent_id", parentID,
		"chunk_index", failed.ChunkIndex,
		"retry", failed.RetryCount,
		"stalled_for", stalled)

	t.queue.EnqueueAfter(ctx, Item{
		ParentID:   parentID,
		SubJobID:   subID,
		ChunkIndex: failed.ChunkIndex,
	}, time.Duration(1<<uint(failed.RetryCount))*time.Second)
	return true
}
