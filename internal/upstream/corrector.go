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
	"net/http"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/config"
)

// Corrector chama a API de correção de texto (LLM) para reescrever um
// trecho de transcrição. Endpoint vazio desabilita o client.
type Corrector struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
	policy   RetryPolicy
	minChars int
	logger   *slog.Logger
}

// NewCorrector cria o client a partir da config do upstream.
// Retorna nil se o endpoint não estiver configurado.
func NewCorrector(cfg config.UpstreamConfig, logger *slog.Logger) *Corrector {
	if cfg.Endpoint == "" {
		return nil
	}
	return &Corrector{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey(),
		client:   &http.Client{Timeout: cfg.Timeout},
		policy: RetryPolicy{
			Base:       cfg.BackoffBase,
			Cap:        cfg.BackoffCap,
			MaxRetries: cfg.MaxRetries,
		},
		minChars: cfg.MinChars,
		logger:   logger.With("component", "corrector"),
	}
}

// MinChars é o tamanho mínimo de texto que vale a pena corrigir.
func (c *Corrector) MinChars() int {
	return c.minChars
}

type correctionRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

type correctionResponse struct {
	Text string `json:"text"`
}

// Correct reescreve o texto via API de correção, com retries (C2).
// O gate de concorrência é responsabilidade do caller.
func (c *Corrector) Correct(ctx context.Context, text string) (string, error) {
	var corrected string

	err := Retry(ctx, c.logger, "correction", c.policy, func(ctx context.Context) error {
		out, err := c.call(ctx, text)
		if err != nil {
			return err
		}
		corrected = out
		return nil
	})
	if err != nil {
		return "", err
	}
	return corrected, nil
}

func (c *Corrector) call(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(correctionRequest{Model: c.model, Text: text})
	if err != nil {
		return "", fmt.Errorf("encoding correction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building correction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling correction API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return "", fmt.Errorf("reading correction response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{
			Upstream:   "correction",
			StatusCode: resp.StatusCode,
			Body:       truncate(string(raw), 512),
		}
	}

	var result correctionResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if result.Text == "" {
		return "", fmt.Errorf("%w: empty corrected text", ErrMalformedResponse)
	}

	c.logger.Debug("correction done",
		"in_len", len(text),
		"out_len", len(result.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result.Text, nil
}
