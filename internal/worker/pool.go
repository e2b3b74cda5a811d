// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/assemble"
	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/upstream"
)

// Notifier recebe o parent em qualquer transição terminal. O server
// usa isto para webhook e histórico. Pode ser nil.
type Notifier interface {
	NotifyTerminal(ctx context.Context, p *job.ParentJob)
}

// Pool consome a fila de chunks e avança o ciclo de vida do parent:
// processa, contabiliza, e dispara a remontagem no último chunk.
type Pool struct {
	count     int
	queue     *Queue
	processor *Processor
	manager   *job.Manager
	assembler *assemble.Assembler
	gates     *gate.Registry
	notifier  Notifier
	logger    *slog.Logger
}

// NewPool monta o pool com count workers.
func NewPool(count int, queue *Queue, processor *Processor, manager *job.Manager, assembler *assemble.Assembler, gates *gate.Registry, notifier Notifier, logger *slog.Logger) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{
		count:     count,
		queue:     queue,
		processor: processor,
		manager:   manager,
		assembler: assembler,
		gates:     gates,
		notifier:  notifier,
		logger:    logger.With("component", "worker_pool"),
	}
}

// Run inicia os workers e bloqueia até o ctx cancelar.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)
	logger.Debug("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-p.queue.Items():
			p.handle(ctx, item)
		}
	}
}

// handle processa um item e contabiliza o desfecho no parent.
func (p *Pool) handle(ctx context.Context, item Item) {
	var res job.ChunkResult
	err := p.gates.Run(ctx, gate.ChunkProcessing, func(ctx context.Context) error {
		out, err := p.processor.Process(ctx, item)
		if err != nil {
			return err
		}
		res = out
		return nil
	})

	switch {
	case err == nil:
		if err := p.manager.ProcessCompletedChunk(item.ParentID, res); err != nil {
			// Parent terminal: resultado de sub-job em voo é descartado.
			p.logger.Debug("discarding late chunk result",
				"parent_id", item.ParentID, "chunk_index", item.ChunkIndex, "error", err)
			return
		}

	case errors.Is(err, job.ErrTerminal), errors.Is(err, job.ErrNotFound):
		p.logger.Debug("skipping chunk for finished parent",
			"parent_id", item.ParentID, "chunk_index", item.ChunkIndex, "error", err)
		return

	case errors.Is(err, context.Canceled):
		return

	default:
		if p.failChunk(ctx, item, err) {
			return // retry agendado, parent ainda não avança
		}
	}

	p.Advance(ctx, item.ParentID)
}

// failChunk registra a falha no sub-job e decide entre retry com
// backoff (2^retry_count segundos) e falha permanente do chunk.
// Retorna true quando um retry foi agendado.
func (p *Pool) failChunk(ctx context.Context, item Item, cause error) bool {
	sub, err := p.manager.FailSubJob(item.SubJobID, cause.Error())
	if err != nil {
		p.logger.Warn("failed to record sub-job failure",
			"sub_job_id", item.SubJobID, "error", err)
	}

	if sub != nil && upstream.Retryable(cause) && sub.RetryCount <= sub.MaxRetries {
		delay := time.Duration(1<<uint(sub.RetryCount)) * time.Second
		p.logger.Warn("chunk failed, scheduling retry",
			"parent_id", item.ParentID,
			"chunk_index", item.ChunkIndex,
			"retry", sub.RetryCount,
			"max_retries", sub.MaxRetries,
			"delay", delay,
			"error", cause)
		p.queue.EnqueueAfter(ctx, item, delay)
		return true
	}

	p.logger.Error("chunk failed permanently",
		"parent_id", item.ParentID,
		"chunk_index", item.ChunkIndex,
		"error", cause)

	if err := p.manager.MarkChunkFailed(item.ParentID, item.ChunkIndex, cause.Error()); err != nil {
		p.logger.Debug("discarding late chunk failure",
			"parent_id", item.ParentID, "chunk_index", item.ChunkIndex, "error", err)
	}
	return false
}

// Advance verifica se o parent está pronto para remontagem e, quando
// está, finaliza: remonta, grava o terminal, notifica e coleta os
// sub-jobs. CheckReadyForAssembly retorna true uma única vez, então a
// finalização nunca corre em dobro.
func (p *Pool) Advance(ctx context.Context, parentID string) {
	ready, err := p.manager.CheckReadyForAssembly(parentID)
	if err != nil {
		p.logger.Warn("assembly readiness check failed", "parent_id", parentID, "error", err)
		return
	}
	if !ready {
		return
	}
	p.finalize(ctx, parentID)
}

func (p *Pool) finalize(ctx context.Context, parentID string) {
	parent, err := p.manager.GetParent(parentID)
	if err != nil {
		p.logger.Error("loading parent for assembly", "parent_id", parentID, "error", err)
		return
	}

	res := p.assembler.Assemble(ctx, parent)

	var final *job.ParentJob
	if res.ValidChunks == 0 {
		if err := p.manager.FailParent(parentID, "no chunk produced usable text"); err != nil {
			p.logger.Error("failing parent", "parent_id", parentID, "error", err)
			return
		}
		final, _ = p.manager.GetParent(parentID)
	} else {
		final, err = p.manager.CompleteParent(parentID, job.Completion{
			Final:     res.Final,
			Raw:       res.Raw,
			Corrected: res.Corrected,
			Method:    res.Method,
			Warnings:  res.Warnings,
			LLMError:  res.LLMError,
		})
		if err != nil {
			p.logger.Error("completing parent", "parent_id", parentID, "error", err)
			return
		}
	}

	if p.notifier != nil && final != nil {
		p.notifier.NotifyTerminal(ctx, final)
	}

	if err := p.manager.GCSubJobs(ctx, parentID); err != nil {
		p.logger.Warn("sub-job collection failed", "parent_id", parentID, "error", err)
	}
}
