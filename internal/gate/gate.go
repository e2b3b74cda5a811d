// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package gate implementa os gates de concorrência e rate limiting dos
// upstreams. Cada gate compõe duas primitivas: um semáforo contado (canal
// de slots, aquisição em ordem de chegada) e um rate limiter token-bucket
// (golang.org/x/time/rate). Run espera primeiro o rate limiter, depois o
// semáforo, executa fn e libera o slot no defer.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ID identifica um gate lógico do processo.
type ID string

// Gates padrão do nscribe-server.
const (
	Transcription   ID = "transcription"
	Correction      ID = "correction"
	JobSpawn        ID = "job_spawn"
	ChunkProcessing ID = "chunk_processing"
)

// Limits configura um gate.
type Limits struct {
	// MaxConcurrent é a capacidade do semáforo. Deve ser >= 1.
	MaxConcurrent int

	// MaxRPS limita requests por segundo. <= 0 desabilita o rate limiter.
	MaxRPS float64

	// Uniform força espaçamento mínimo de 1s/MaxRPS entre releases.
	// Sem Uniform, o limiter permite burst de até uma janela de 1 segundo.
	Uniform bool
}

// Status é o snapshot de introspecção de um gate.
type Status struct {
	ID            ID      `json:"id"`
	MaxConcurrent int     `json:"max_concurrent"`
	MaxRPS        float64 `json:"max_rps"`
	Uniform       bool    `json:"uniform"`
	Waiting       int32   `json:"waiting"`
	InUse         int32   `json:"in_use"`
	TotalRuns     int64   `json:"total_runs"`
}

// Gate é um limitador composto para um upstream.
type Gate struct {
	id      ID
	limits  Limits
	slots   chan struct{}
	limiter *rate.Limiter

	waiting   atomic.Int32
	inUse     atomic.Int32
	totalRuns atomic.Int64

	logger *slog.Logger
}

// newGate cria um gate com os limites dados.
func newGate(id ID, limits Limits, logger *slog.Logger) *Gate {
	if limits.MaxConcurrent < 1 {
		limits.MaxConcurrent = 1
	}

	var limiter *rate.Limiter
	if limits.MaxRPS > 0 {
		burst := 1
		if !limits.Uniform {
			// Janela deslizante de 1s: burst = tokens de um segundo inteiro
			burst = int(math.Ceil(limits.MaxRPS))
		}
		limiter = rate.NewLimiter(rate.Limit(limits.MaxRPS), burst)
	}

	return &Gate{
		id:      id,
		limits:  limits,
		slots:   make(chan struct{}, limits.MaxConcurrent),
		limiter: limiter,
		logger:  logger.With("gate", string(id)),
	}
}

// Run executa fn sob o gate. Nunca descarta trabalho: bloqueia até haver
// token e slot, ou até o ctx ser cancelado. O slot é liberado no defer
// mesmo quando fn retorna erro ou panica.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	g.waiting.Add(1)

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.waiting.Add(-1)
			return fmt.Errorf("gate %s rate wait: %w", g.id, err)
		}
	}

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		g.waiting.Add(-1)
		return fmt.Errorf("gate %s acquire: %w", g.id, ctx.Err())
	}

	g.waiting.Add(-1)
	queued := time.Since(start)
	g.inUse.Add(1)
	g.totalRuns.Add(1)

	g.logger.Debug("gate entered",
		"waiting", g.waiting.Load(),
		"in_use", g.inUse.Load(),
		"queued_ms", queued.Milliseconds(),
	)

	runStart := time.Now()
	defer func() {
		g.inUse.Add(-1)
		<-g.slots
		g.logger.Debug("gate released",
			"waiting", g.waiting.Load(),
			"in_use", g.inUse.Load(),
			"queued_ms", queued.Milliseconds(),
			"duration_ms", time.Since(runStart).Milliseconds(),
		)
	}()

	return fn(ctx)
}

// Status retorna o snapshot de introspecção do gate.
func (g *Gate) Status() Status {
	return Status{
		ID:            g.id,
		MaxConcurrent: g.limits.MaxConcurrent,
		MaxRPS:        g.limits.MaxRPS,
		Uniform:       g.limits.Uniform,
		Waiting:       g.waiting.Load(),
		InUse:         g.inUse.Load(),
		TotalRuns:     g.totalRuns.Load(),
	}
}

// Registry agrupa os gates do processo. Criado uma vez no startup.
type Registry struct {
	mu    sync.RWMutex
	gates map[ID]*Gate
}

// NewRegistry cria o registry com os gates configurados.
func NewRegistry(logger *slog.Logger, limits map[ID]Limits) *Registry {
	r := &Registry{gates: make(map[ID]*Gate, len(limits))}
	for id, l := range limits {
		r.gates[id] = newGate(id, l, logger)
	}
	return r
}

// Run executa fn sob o gate identificado. Gate desconhecido é um erro de
// programação.
func (r *Registry) Run(ctx context.Context, id ID, fn func(ctx context.Context) error) error {
	r.mu.RLock()
	g, ok := r.gates[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown gate %q", id)
	}
	return g.Run(ctx, fn)
}

// Status retorna o snapshot de todos os gates, em ordem estável por id.
func (r *Registry) Status() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Status, 0, len(r.gates))
	for _, id := range []ID{Transcription, Correction, JobSpawn, ChunkProcessing} {
		if g, ok := r.gates[id]; ok {
			out = append(out, g.Status())
		}
	}
	// Gates fora do conjunto padrão (futuros upstreams) vão ao final.
	for id, g := range r.gates {
		switch id {
		case Transcription, Correction, JobSpawn, ChunkProcessing:
		default:
			out = append(out, g.Status())
		}
	}
	return out
}
