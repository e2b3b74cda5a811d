// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/config"
)

// Segment é um span de tokens opaco retornado pela API de transcrição.
// Os campos são repassados ao cliente sem interpretação.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult é a resposta decodificada da API de transcrição.
type TranscriptionResult struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
}

// Transcriber chama a API de speech-to-text com os bytes de um chunk.
type Transcriber struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewTranscriber cria o client a partir da config do upstream.
func NewTranscriber(cfg config.UpstreamConfig, logger *slog.Logger) *Transcriber {
	return &Transcriber{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey(),
		client:   &http.Client{Timeout: cfg.Timeout},
		policy: RetryPolicy{
			Base:       cfg.BackoffBase,
			Cap:        cfg.BackoffCap,
			MaxRetries: cfg.MaxRetries,
		},
		logger: logger.With("component", "transcriber"),
	}
}

// Transcribe envia os bytes do chunk como multipart e retorna texto e
// segments. Retries ficam dentro desta chamada (envelope C2); o gate de
// concorrência é responsabilidade do caller.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error) {
	var result *TranscriptionResult

	err := Retry(ctx, t.logger, "transcription", t.policy, func(ctx context.Context) error {
		res, err := t.call(ctx, audio, filename)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *Transcriber) call(ctx context.Context, audio []byte, filename string) (*TranscriptionResult, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("building multipart: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("writing audio part: %w", err)
	}
	if t.model != "" {
		if err := mw.WriteField("model", t.model); err != nil {
			return nil, fmt.Errorf("writing model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("writing response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("building transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling transcription API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading transcription response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			Upstream:   "transcription",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 512),
		}
		// Rejeição explícita de formato é terminal com erro próprio.
		if resp.StatusCode == http.StatusUnsupportedMediaType ||
			(resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Body), "unsupported")) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, apiErr.Body)
		}
		return nil, apiErr
	}

	var result TranscriptionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	t.logger.Debug("transcription done",
		"filename", filename,
		"bytes", len(audio),
		"text_len", len(result.Text),
		"segments", len(result.Segments),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
