// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package kv persiste ParentJobs e SubJobs em Badger com TTL.
// Cada write é um put single-key atômico que renova o TTL da entrada;
// não há transações cross-key — o design do engine não precisa delas
// (serialização por parent acontece no lock do Manager).
package kv

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound indica chave inexistente (ou expirada pelo TTL).
var ErrNotFound = errors.New("kv: key not found")

// Store é o wrapper de Badger usado pelo engine.
type Store struct {
	db  *badger.DB
	ttl time.Duration
}

// Open abre (ou cria) o store em path. Path vazio abre em memória —
// usado pelos testes e por deployments efêmeros.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Store, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	// Badger loga no próprio formato; silencia e deixa o slog do caller
	// reportar operações relevantes.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening kv store at %q: %w", path, err)
	}

	if logger != nil {
		logger.Info("kv store opened", "path", path, "ttl", ttl)
	}

	return &Store{db: db, ttl: ttl}, nil
}

// Put serializa v como JSON e grava com TTL renovado.
func (s *Store) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding kv value for %s: %w", key, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("writing kv key %s: %w", key, err)
	}
	return nil
}

// Get lê e desserializa a chave em out.
func (s *Store) Get(key string, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("reading kv key %s: %w", key, err)
	}
	return nil
}

// Delete remove a chave. Idempotente.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("deleting kv key %s: %w", key, err)
	}
	return nil
}

// List itera todas as chaves com o prefixo, entregando o valor cru.
// fn retornando erro aborta a iteração.
func (s *Store) List(prefix string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing kv prefix %s: %w", prefix, err)
	}
	return nil
}

// Close fecha o banco.
func (s *Store) Close() error {
	return s.db.Close()
}
