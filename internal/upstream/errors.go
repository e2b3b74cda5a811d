// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package upstream contém os clients HTTP das APIs de transcrição e
// correção, a classificação de falhas e o envelope de retry.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError representa uma resposta não-2xx de um upstream.
type APIError struct {
	Upstream   string // "transcription" | "correction"
	StatusCode int
	Body       string // truncado para log
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API status %d: %s", e.Upstream, e.StatusCode, e.Body)
}

// ErrMalformedResponse indica corpo de resposta que não decodifica.
// Sempre terminal: retry não conserta um contrato quebrado.
var ErrMalformedResponse = errors.New("malformed upstream response")

// ErrUnsupportedFormat indica rejeição explícita de formato pelo upstream.
var ErrUnsupportedFormat = errors.New("unsupported media format")

// Retryable decide se uma falha de upstream pode ser tentada de novo.
//
// Retryable: 408, 429, 500, 502, 503, 504; erros de rede/DNS/timeout.
// Terminal: demais 4xx, corpo malformado, autenticação, formato não
// suportado, e cancelamento do ctx do caller.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	// Cancelamento explícito do caller nunca é retryable. DeadlineExceeded
	// fica de fora: o timeout por tentativa expira como deadline e É
	// retryable — o loop de retry checa o ctx pai separadamente.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) || errors.Is(err, ErrUnsupportedFormat) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429, 500, 502, 503, 504:
			return true
		default:
			return false
		}
	}

	// Timeouts e falhas de rede (DNS, conexão recusada, reset).
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	// Erros de transporte embrulhados por net/http chegam como *url.Error,
	// que implementa net.Error — já coberto acima. O resto é terminal.
	return false
}
