// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/health"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/worker"
)

// jobSummary é a visão de um job sem transcripts inline.
type jobSummary struct {
	ParentJobID        string     `json:"parent_job_id"`
	Filename           string     `json:"filename"`
	Status             job.Status `json:"status"`
	TotalChunks        int        `json:"total_chunks"`
	UploadedCount      int        `json:"uploaded_count"`
	CompletedCount     int        `json:"completed_count"`
	FailedCount        int        `json:"failed_count"`
	Progress           int        `json:"progress"`
	UploadProgress     int        `json:"upload_progress"`
	ProcessingProgress int        `json:"processing_progress"`
	SuccessRate        int        `json:"success_rate"`
	CorrectionMode     string     `json:"correction_mode"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Error              string     `json:"error,omitempty"`
}

func summarize(p *job.ParentJob) jobSummary {
	return jobSummary{
		ParentJobID:        p.ID,
		Filename:           p.Filename,
		Status:             p.Status,
		TotalChunks:        p.TotalChunks,
		UploadedCount:      p.UploadedCount,
		CompletedCount:     p.CompletedCount,
		FailedCount:        p.FailedCount,
		Progress:           p.Progress,
		UploadProgress:     p.UploadProgress,
		ProcessingProgress: p.ProcessingProgress,
		SuccessRate:        p.SuccessRate,
		CorrectionMode:     string(p.CorrectionMode),
		CreatedAt:          p.CreatedAt,
		CompletedAt:        p.CompletedAt,
		Error:              p.Error,
	}
}

// handleStatus devolve o snapshot autoritativo de um job.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("parent_job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "parent_job_id is required")
		return
	}

	p, err := s.manager.GetParent(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "unknown parent job "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summarize(p))
}

// handleJobs lista jobs, opcionalmente filtrados por status.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	parents, err := s.manager.ListParents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	status := r.URL.Query().Get("status")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, kindInputInvalid, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sort.Slice(parents, func(i, j int) bool {
		return parents[i].CreatedAt.After(parents[j].CreatedAt)
	})

	out := make([]jobSummary, 0, len(parents))
	for _, p := range parents {
		if status != "" && string(p.Status) != status {
			continue
		}
		out = append(out, summarize(p))
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

// chunkView é a visão por chunk do resultado.
type chunkView struct {
	ChunkIndex        int    `json:"chunk_index"`
	Text              string `json:"text,omitempty"`
	RawText           string `json:"raw_text,omitempty"`
	CorrectedText     string `json:"corrected_text,omitempty"`
	ProcessingTimeMs  int64  `json:"processing_time_ms,omitempty"`
	CorrectionApplied bool   `json:"correction_applied,omitempty"`
	Skipped           bool   `json:"skipped,omitempty"`
	SkipReason        string `json:"skip_reason,omitempty"`
	Failed            bool   `json:"failed,omitempty"`
	Error             string `json:"error,omitempty"`
}

// handleResult devolve o transcript completo. 409 enquanto o job não
// chegar a um estado terminal.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("job_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "job_id is required")
		return
	}

	p, err := s.manager.GetParent(id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "unknown job "+id)
			return
		}
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	if !p.Status.IsTerminal() {
		writeError(w, http.StatusConflict, kindStateConflict,
			"job is still "+string(p.Status)+"; result is only available in a terminal state")
		return
	}

	chunks := make([]chunkView, 0, len(p.Transcripts))
	for i, slot := range p.Transcripts {
		switch {
		case slot.Result != nil:
			chunks = append(chunks, chunkView{
				ChunkIndex:        slot.Result.ChunkIndex,
				Text:              slot.Result.Text,
				RawText:           slot.Result.RawText,
				CorrectedText:     slot.Result.CorrectedText,
				ProcessingTimeMs:  slot.Result.ProcessingTimeMs,
				CorrectionApplied: slot.Result.CorrectionApplied,
				Skipped:           slot.Result.Skipped,
				SkipReason:        slot.Result.SkipReason,
			})
		case slot.Failure != nil:
			chunks = append(chunks, chunkView{
				ChunkIndex: slot.Failure.ChunkIndex,
				Failed:     true,
				Error:      slot.Failure.Error,
			})
		default:
			chunks = append(chunks, chunkView{ChunkIndex: i})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":               p.ID,
		"filename":             p.Filename,
		"status":               p.Status,
		"final_transcript":     p.FinalTranscript,
		"raw_transcript":       p.RawTranscript,
		"corrected_transcript": p.CorrectedTranscript,
		"assembly_method":      p.AssemblyMethod,
		"assembly_warnings":    p.AssemblyWarnings,
		"llm_error":            p.LLMError,
		"success_rate":         p.SuccessRate,
		"total_chunks":         p.TotalChunks,
		"chunks":               chunks,
		"error":                p.Error,
		"completed_at":         p.CompletedAt,
	})
}

// handleCancel transiciona o job para Cancelled. Trabalho em voo
// termina, mas os resultados são descartados pelo guard terminal.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentJobID string `json:"parent_job_id"`
		Reason      string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParentJobID == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "parent_job_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}

	err := s.manager.CancelParent(req.ParentJobID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrNotFound):
			writeError(w, http.StatusNotFound, kindNotFound, "unknown parent job")
		case errors.Is(err, job.ErrTerminal):
			writeError(w, http.StatusConflict, kindStateConflict, "job is already terminal")
		default:
			writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		}
		return
	}

	// Cleanup em toda transição terminal: chunks e sub-jobs não ficam
	// órfãos num job cancelado.
	if p, err := s.manager.GetParent(req.ParentJobID); err == nil {
		if s.notifier != nil {
			s.notifier.NotifyTerminal(r.Context(), p)
		}
	}
	if err := s.manager.GCSubJobs(r.Context(), req.ParentJobID); err != nil {
		s.logger.Warn("cancel cleanup failed", "parent_id", req.ParentJobID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

// handleRetry rearma um chunk que falhou e o devolve à fila.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentJobID string `json:"parent_job_id"`
		ChunkIndex  int    `json:"chunk_index"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ParentJobID == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "parent_job_id is required")
		return
	}

	p, err := s.manager.GetParent(req.ParentJobID)
	if err != nil {
		writeError(w, http.StatusNotFound, kindNotFound, "unknown parent job")
		return
	}
	if p.Status.IsTerminal() {
		writeError(w, http.StatusConflict, kindStateConflict, "job is already terminal")
		return
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= p.TotalChunks {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "chunk_index out of range")
		return
	}

	var target *job.SubJob
	for _, subID := range p.SubJobIDs {
		sub, err := s.manager.GetSubJob(subID)
		if err != nil {
			continue
		}
		if sub.ChunkIndex == req.ChunkIndex {
			target = sub
			break
		}
	}
	if target == nil {
		writeError(w, http.StatusNotFound, kindNotFound, "sub-job for chunk not found")
		return
	}
	if target.Status != job.SubFailed {
		writeError(w, http.StatusConflict, kindStateConflict,
			"chunk is "+string(target.Status)+"; only failed chunks can be retried")
		return
	}

	if err := s.queue.Enqueue(r.Context(), worker.Item{
		ParentID:   p.ID,
		SubJobID:   target.ID,
		ChunkIndex: target.ChunkIndex,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	s.logger.Info("chunk retry requested", "parent_id", p.ID, "chunk_index", req.ChunkIndex)
	writeJSON(w, http.StatusOK, map[string]any{"retried": true})
}

// handleDelete remove o job e tudo que ele possui.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "job_id is required")
		return
	}

	if err := s.manager.DeleteParent(r.Context(), req.JobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeError(w, http.StatusNotFound, kindNotFound, "unknown job")
			return
		}
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleHealth devolve o snapshot de prontidão.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health":    health.Collect(s.started),
		"queue_len": s.queue.Len(),
		"gates":     s.gates.Status(),
	})
}
