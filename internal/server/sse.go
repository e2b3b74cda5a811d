// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nishisan-dev/n-scribe/internal/assemble"
	"github.com/nishisan-dev/n-scribe/internal/job"
)

// progressSnapshot é o que o stream compara entre ticks para decidir
// se emite progress_update.
type progressSnapshot struct {
	Status             job.Status
	Progress           int
	UploadProgress     int
	ProcessingProgress int
	CompletedCount     int
	FailedCount        int
	UploadedCount      int
}

func snapshotOf(p *job.ParentJob) progressSnapshot {
	return progressSnapshot{
		Status:             p.Status,
		Progress:           p.Progress,
		UploadProgress:     p.UploadProgress,
		ProcessingProgress: p.ProcessingProgress,
		CompletedCount:     p.CompletedCount,
		FailedCount:        p.FailedCount,
		UploadedCount:      p.UploadedCount,
	}
}

// handleStream é o canal SSE por job. A conexão faz polling do estado
// canônico e emite apenas o delta: chunks ainda não streamados, updates
// de progresso quando o snapshot muda, e o evento terminal. A flag
// streamed persiste no ParentJob, então reconexões retomam sem duplicar.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	parentID := chi.URLParam(r, "parentID")

	p, err := s.manager.GetParent(parentID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "unknown parent job "+parentID)
			return
		}
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, kindInternal, "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.sendEvent(w, flusher, "initialized", map[string]any{
		"parent_job_id":   p.ID,
		"filename":        p.Filename,
		"status":          p.Status,
		"total_chunks":    p.TotalChunks,
		"use_correction":  p.UseCorrection,
		"correction_mode": p.CorrectionMode,
		"progress":        p.Progress,
	})

	last := snapshotOf(p)
	lastPartial := -1
	deadline := time.NewTimer(s.cfg.Stream.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.Stream.PollInterval)
	defer ticker.Stop()

	// Primeiro ciclo imediato: uma reconexão no meio do job recebe os
	// chunks pendentes sem esperar o primeiro tick.
	if done := s.streamCycle(w, flusher, parentID, &last, &lastPartial); done {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			s.sendEvent(w, flusher, "stream_timeout", map[string]any{
				"parent_job_id": parentID,
				"message":       "stream duration limit reached; reconnect to resume",
			})
			return
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			if done := s.streamCycle(w, flusher, parentID, &last, &lastPartial); done {
				return
			}
		}
	}
}

// streamCycle roda uma rodada de polling. Devolve true quando o stream
// deve encerrar (estado terminal publicado ou erro irrecuperável).
func (s *Server) streamCycle(w http.ResponseWriter, flusher http.Flusher, parentID string, last *progressSnapshot, lastPartial *int) bool {
	p, err := s.manager.GetParent(parentID)
	if err != nil {
		s.sendEvent(w, flusher, "stream_error", map[string]any{
			"parent_job_id": parentID,
			"error":         err.Error(),
		})
		return true
	}

	if snap := snapshotOf(p); snap != *last {
		*last = snap
		s.sendEvent(w, flusher, "progress_update", map[string]any{
			"parent_job_id":       p.ID,
			"status":              p.Status,
			"progress":            p.Progress,
			"upload_progress":     p.UploadProgress,
			"processing_progress": p.ProcessingProgress,
			"completed_count":     p.CompletedCount,
			"failed_count":        p.FailedCount,
			"total_chunks":        p.TotalChunks,
			"success_rate":        p.SuccessRate,
		})
	}

	s.streamChunkEvents(w, flusher, p)

	if partial, lastIdx := assemble.ContiguousPrefix(p.Transcripts); lastIdx > *lastPartial && !p.Status.IsTerminal() {
		*lastPartial = lastIdx
		s.sendEvent(w, flusher, "partial_transcript", map[string]any{
			"parent_job_id":      p.ID,
			"partial_transcript": partial,
			"last_index":         lastIdx,
		})
	}

	if p.Status.IsTerminal() {
		s.streamTerminal(w, flusher, p)
		return true
	}
	return false
}

// streamChunkEvents publica chunk_complete/chunk_failed para os slots
// ainda não streamados e persiste a flag.
func (s *Server) streamChunkEvents(w http.ResponseWriter, flusher http.Flusher, p *job.ParentJob) {
	var published []int
	for i, slot := range p.Transcripts {
		if slot.Streamed || slot.Empty() {
			continue
		}
		switch {
		case slot.Result != nil:
			s.sendEvent(w, flusher, "chunk_complete", map[string]any{
				"parent_job_id":      p.ID,
				"chunk_index":        slot.Result.ChunkIndex,
				"text":               slot.Result.Text,
				"raw_text":           slot.Result.RawText,
				"corrected_text":     slot.Result.CorrectedText,
				"processing_time_ms": slot.Result.ProcessingTimeMs,
				"correction_applied": slot.Result.CorrectionApplied,
				"skipped":            slot.Result.Skipped,
			})
		case slot.Failure != nil:
			s.sendEvent(w, flusher, "chunk_failed", map[string]any{
				"parent_job_id": p.ID,
				"chunk_index":   slot.Failure.ChunkIndex,
				"error":         slot.Failure.Error,
			})
		}
		published = append(published, i)
	}

	if len(published) > 0 {
		if err := s.manager.MarkStreamed(p.ID, published); err != nil {
			s.logger.Warn("marking chunks streamed failed", "parent_id", p.ID, "error", err)
		}
	}
}

// streamTerminal publica o evento de encerramento: final_result para
// Done, job_terminated com parcial para Failed/Cancelled.
func (s *Server) streamTerminal(w http.ResponseWriter, flusher http.Flusher, p *job.ParentJob) {
	if p.Status == job.StatusDone {
		s.sendEvent(w, flusher, "final_result", map[string]any{
			"parent_job_id":        p.ID,
			"status":               p.Status,
			"final_transcript":     p.FinalTranscript,
			"raw_transcript":       p.RawTranscript,
			"corrected_transcript": p.CorrectedTranscript,
			"assembly_method":      p.AssemblyMethod,
			"assembly_warnings":    p.AssemblyWarnings,
			"llm_error":            p.LLMError,
			"success_rate":         p.SuccessRate,
			"total_chunks":         p.TotalChunks,
			"completed_count":      p.CompletedCount,
			"failed_count":         p.FailedCount,
		})
		return
	}

	partial, lastIdx := assemble.ContiguousPrefix(p.Transcripts)
	s.sendEvent(w, flusher, "job_terminated", map[string]any{
		"parent_job_id": p.ID,
		"status":        p.Status,
		"error":         p.Error,
		"partial_results": map[string]any{
			"partial_transcript": partial,
			"last_index":         lastIdx,
		},
	})
}

// sendEvent escreve um evento SSE com o envelope data: JSON.
func (s *Server) sendEvent(w http.ResponseWriter, flusher http.Flusher, kind string, fields map[string]any) {
	payload := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["type"] = kind
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshalling sse event failed", "type", kind, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
