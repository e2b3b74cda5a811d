// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/server/history"
)

// TerminalNotifier é o fan-out de transições terminais: grava o job no
// histórico, registra o evento operacional e dispara o webhook do
// cliente quando configurado. O webhook é best-effort com uma tentativa
// única; falhas só geram log.
type TerminalNotifier struct {
	events   *history.EventStore
	jobsHist *history.JobHistory
	client   *http.Client
	logger   *slog.Logger
}

// NewTerminalNotifier monta o notifier. events e jobsHist podem ser nil
// em configurações sem histórico.
func NewTerminalNotifier(events *history.EventStore, jobsHist *history.JobHistory, timeout time.Duration, logger *slog.Logger) *TerminalNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TerminalNotifier{
		events:   events,
		jobsHist: jobsHist,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "notifier"),
	}
}

// NotifyTerminal publica os efeitos colaterais de um job terminal.
func (n *TerminalNotifier) NotifyTerminal(ctx context.Context, p *job.ParentJob) {
	n.record(p)
	if p.WebhookURL != "" {
		n.deliver(ctx, p)
	}
}

func (n *TerminalNotifier) record(p *job.ParentJob) {
	var durationMs int64
	completedAt := ""
	if p.CompletedAt != nil {
		durationMs = p.CompletedAt.Sub(p.CreatedAt).Milliseconds()
		completedAt = p.CompletedAt.Format(time.RFC3339)
	}

	if n.jobsHist != nil {
		n.jobsHist.Append(history.JobRecord{
			ParentID:        p.ID,
			Filename:        p.Filename,
			Status:          string(p.Status),
			TotalChunks:     p.TotalChunks,
			CompletedChunks: p.CompletedCount,
			FailedChunks:    p.FailedCount,
			SuccessRate:     p.SuccessRate,
			AssemblyMethod:  p.AssemblyMethod,
			DurationMs:      durationMs,
			CompletedAt:     completedAt,
		})
	}

	if n.events != nil {
		level := "info"
		if p.Status != job.StatusDone {
			level = "warn"
		}
		n.events.PushEvent(level, "job_"+string(p.Status), p.ID, p.Filename)
	}
}

// deliver envia o payload terminal ao webhook do cliente. Entrega
// at-least-once: o chamador pode reemitir numa recuperação de stall.
func (n *TerminalNotifier) deliver(ctx context.Context, p *job.ParentJob) {
	eventType := "job_completed"
	switch p.Status {
	case job.StatusFailed:
		eventType = "job_failed"
	case job.StatusCancelled:
		eventType = "job_cancelled"
	}

	payload := map[string]any{
		"type":                 eventType,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"parent_job_id":        p.ID,
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
		"completed_count":      p.CompletedCount,
		"failed_count":         p.FailedCount,
		"error":                p.Error,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshalling webhook payload failed", "parent_id", p.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("building webhook request failed", "parent_id", p.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "parent_id", p.ID, "url", p.WebhookURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("webhook returned non-2xx",
			"parent_id", p.ID, "url", p.WebhookURL, "status", resp.StatusCode)
		return
	}

	if n.events != nil {
		n.events.PushEvent("info", "webhook_sent", p.ID, p.WebhookURL)
	}
	n.logger.Info("webhook delivered", "parent_id", p.ID, "url", p.WebhookURL)
}
