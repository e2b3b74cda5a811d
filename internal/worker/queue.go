// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package worker implementa a fila de chunks, o processador de sub-jobs
// e o pool que liga os dois ao ciclo de vida do parent.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Item é uma unidade de trabalho: um chunk a processar.
type Item struct {
	ParentID   string
	SubJobID   string
	ChunkIndex int
}

// Queue é a fila de chunks, um canal com buffer. Enqueue bloqueia
// quando a fila enche — o backpressure chega até o coordinator.
type Queue struct {
	items  chan Item
	logger *slog.Logger
}

// NewQueue cria a fila com a capacidade dada.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{
		items:  make(chan Item, size),
		logger: logger.With("component", "queue"),
	}
}

// Enqueue insere o item, bloqueando até haver espaço ou o ctx cancelar.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueAfter reinsere o item depois do delay, sem bloquear o caller.
// Usado pelos retries com backoff.
func (q *Queue) EnqueueAfter(ctx context.Context, item Item, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			q.logger.Debug("requeue dropped on shutdown",
				"parent_id", item.ParentID, "chunk_index", item.ChunkIndex)
			return
		}
		if err := q.Enqueue(ctx, item); err != nil {
			q.logger.Debug("requeue dropped on shutdown",
				"parent_id", item.ParentID, "chunk_index", item.ChunkIndex)
		}
	}()
}

// Items expõe o canal de consumo para os workers.
func (q *Queue) Items() <-chan Item {
	return q.items
}

// Len é o tamanho atual da fila.
func (q *Queue) Len() int {
	return len(q.items)
}
