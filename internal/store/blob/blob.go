// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package blob abstrai o object storage dos bytes de chunk.
// Chaves são write-once (nunca sobrescritas) e deletes são idempotentes.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound indica chave inexistente no storage.
var ErrNotFound = errors.New("blob: key not found")

// Store é a interface de object storage usada pelo engine.
type Store interface {
	// Put grava os bytes sob a chave. Chaves são write-once por contrato;
	// um segundo Put na mesma chave é aceito e idempotente.
	Put(ctx context.Context, key string, data []byte) error

	// Get lê os bytes da chave. Retorna ErrNotFound se não existir.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete remove a chave. Idempotente: chave inexistente não é erro.
	Delete(ctx context.Context, key string) error

	// DeletePrefix remove todas as chaves com o prefixo dado (cascade de
	// um parent job). Idempotente.
	DeletePrefix(ctx context.Context, prefix string) error

	// ListPrefixes devolve os sub-prefixos imediatos sob o prefixo dado
	// (nomes sem o prefixo pai). Usado pelo janitor para achar chunks
	// órfãos de jobs já expirados.
	ListPrefixes(ctx context.Context, prefix string) ([]string, error)
}
