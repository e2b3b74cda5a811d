// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/upstream"
)

// TranscribeAPI é o client de speech-to-text. Os retries ficam dentro
// da chamada; o gate de concorrência é aplicado aqui.
type TranscribeAPI interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (*upstream.TranscriptionResult, error)
}

// CorrectAPI é o client de correção per-chunk. Pode ser nil.
type CorrectAPI interface {
	Correct(ctx context.Context, text string) (string, error)
	MinChars() int
}

// ErrBlankTranscript indica transcrição vazia de um chunk com áudio.
// É terminal: repetir a mesma chamada produziria o mesmo vazio.
var ErrBlankTranscript = errors.New("worker: blank transcript for playable chunk")

// Processor executa o processamento de um sub-job: busca os bytes,
// transcreve sob o gate e aplica a correção per-chunk quando pedida.
type Processor struct {
	manager *job.Manager
	blobs   blob.Store
	stt     TranscribeAPI
	llm     CorrectAPI
	gates   *gate.Registry
	logger  *slog.Logger
}

// NewProcessor monta o processador.
func NewProcessor(manager *job.Manager, blobs blob.Store, stt TranscribeAPI, llm CorrectAPI, gates *gate.Registry, logger *slog.Logger) *Processor {
	return &Processor{
		manager: manager,
		blobs:   blobs,
		stt:     stt,
		llm:     llm,
		gates:   gates,
		logger:  logger.With("component", "processor"),
	}
}

// Process transcreve o chunk do item e devolve o ChunkResult. A
// transição de estado do sub-job (Uploaded/Failed → Processing → Done)
// acontece aqui; a contabilização no parent é do caller.
func (pr *Processor) Process(ctx context.Context, item Item) (job.ChunkResult, error) {
	parent, err := pr.manager.GetParent(item.ParentID)
	if err != nil {
		return job.ChunkResult{}, err
	}
	if parent.Status.IsTerminal() {
		return job.ChunkResult{}, fmt.Errorf("%w: %s", job.ErrTerminal, parent.Status)
	}

	sub, err := pr.manager.StartSubJob(item.SubJobID)
	if err != nil {
		return job.ChunkResult{}, err
	}

	data, err := pr.blobs.Get(ctx, sub.StorageKey)
	if err != nil {
		return job.ChunkResult{}, fmt.Errorf("fetching chunk bytes: %w", err)
	}

	start := time.Now()
	var tr *upstream.TranscriptionResult
	err = pr.gates.Run(ctx, gate.Transcription, func(ctx context.Context) error {
		out, err := pr.stt.Transcribe(ctx, data, parent.Filename)
		if err != nil {
			return err
		}
		tr = out
		return nil
	})
	if err != nil {
		return job.ChunkResult{}, err
	}

	text := strings.TrimSpace(tr.Text)
	res := job.ChunkResult{
		ChunkIndex:       sub.ChunkIndex,
		ByteRange:        sub.ByteRange,
		Segments:         tr.Segments,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}

	if text == "" {
		// Primeiro chunk sem frames de áudio (só header do container)
		// é pulado; vazio em chunk tocável é falha.
		if sub.ChunkIndex == 0 && !sub.IsPlayable {
			res.Skipped = true
			res.SkipReason = "header-only"
			if err := pr.manager.CompleteSubJob(sub.ID); err != nil {
				return job.ChunkResult{}, err
			}
			pr.logger.Info("chunk skipped",
				"parent_id", item.ParentID,
				"chunk_index", sub.ChunkIndex,
				"reason", res.SkipReason)
			return res, nil
		}
		return job.ChunkResult{}, ErrBlankTranscript
	}

	res.Text = text
	res.RawText = text

	if parent.UseCorrection && parent.CorrectionMode == job.CorrectionPerChunk {
		pr.correctChunk(ctx, &res)
	}

	if err := pr.manager.CompleteSubJob(sub.ID); err != nil {
		return job.ChunkResult{}, err
	}

	pr.logger.Info("chunk processed",
		"parent_id", item.ParentID,
		"chunk_index", sub.ChunkIndex,
		"text_len", len(res.Text),
		"correction_applied", res.CorrectionApplied,
		"duration_ms", res.ProcessingTimeMs)

	return res, nil
}

// correctChunk aplica a correção per-chunk. Falha de correção nunca
// falha o sub-job: o texto cru segue com correction_applied = false.
func (pr *Processor) correctChunk(ctx context.Context, res *job.ChunkResult) {
	if pr.llm == nil || len(res.RawText) < pr.llm.MinChars() {
		return
	}

	var corrected string
	err := pr.gates.Run(ctx, gate.Correction, func(ctx context.Context) error {
		out, err := pr.llm.Correct(ctx, res.RawText)
		if err != nil {
			return err
		}
		corrected = out
		return nil
	})
	if err != nil {
		pr.logger.Warn("per-chunk correction failed, keeping raw text",
			"chunk_index", res.ChunkIndex, "error", err)
		res.CorrectionError = err.Error()
		return
	}

	res.CorrectedText = corrected
	res.Text = corrected
	res.CorrectionApplied = true
}
