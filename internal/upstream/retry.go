// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy define o backoff exponencial com full jitter de um upstream.
type RetryPolicy struct {
	Base       time.Duration // default: 1s
	Cap        time.Duration // teto do backoff (15s transcrição, 5s correção)
	MaxRetries int           // tentativas além da primeira
}

// sleeper permite injetar o sleep nos testes.
type sleeper func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executa fn com a política dada. Falhas terminais abortam o loop
// e são re-propagadas imediatamente. O backoff usa full jitter:
// sleep = rand[0, min(cap, base*2^attempt)).
func Retry(ctx context.Context, logger *slog.Logger, label string, p RetryPolicy, fn func(ctx context.Context) error) error {
	return retryWith(ctx, logger, label, p, fn, realSleep)
}

func retryWith(ctx context.Context, logger *slog.Logger, label string, p RetryPolicy, fn func(ctx context.Context) error, sleep sleeper) error {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Cap <= 0 {
		p.Cap = 15 * time.Second
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s aborted after %d attempts: %w", label, attempt, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !Retryable(lastErr) {
			return fmt.Errorf("%s terminal failure: %w", label, lastErr)
		}
		if attempt >= p.MaxRetries {
			return fmt.Errorf("%s exhausted %d retries: %w", label, p.MaxRetries, lastErr)
		}

		backoff := p.Base << uint(attempt)
		if backoff > p.Cap || backoff <= 0 {
			backoff = p.Cap
		}
		jittered := time.Duration(rand.Int63n(int64(backoff) + 1))

		logger.Warn("upstream call failed, retrying",
			"upstream", label,
			"attempt", attempt+1,
			"max_retries", p.MaxRetries,
			"backoff", jittered,
			"error", lastErr,
		)

		if err := sleep(ctx, jittered); err != nil {
			return fmt.Errorf("%s retry interrupted: %w", label, lastErr)
		}
	}
}
