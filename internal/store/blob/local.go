// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore implementa Store sobre um diretório local.
// Escrita é atômica: grava em .tmp e faz rename para o nome final.
type LocalStore struct {
	baseDir string
}

// NewLocalStore cria o diretório base se necessário.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// path resolve a chave para um caminho dentro de baseDir, rejeitando
// qualquer escape por path traversal.
func (s *LocalStore) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(s.baseDir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("blob key %q escapes base directory", key)
	}
	return full, nil
}

// Put grava em arquivo temporário e renomeia (escrita atômica).
func (s *LocalStore) Put(ctx context.Context, key string, data []byte) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("creating blob subdirectory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp blob: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp blob: %w", err)
	}

	if err := os.Rename(tmpPath, full); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("committing blob %s: %w", key, err)
	}
	return nil
}

// Get lê o arquivo da chave.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading blob %s: %w", key, err)
	}
	return data, nil
}

// Delete remove o arquivo. Chave inexistente não é erro.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	full, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob %s: %w", key, err)
	}
	return nil
}

// DeletePrefix remove o subdiretório correspondente ao prefixo.
func (s *LocalStore) DeletePrefix(ctx context.Context, prefix string) error {
	full, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("deleting blob prefix %s: %w", prefix, err)
	}
	return nil
}

// ListPrefixes lista os subdiretórios imediatos do prefixo.
func (s *LocalStore) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.path(prefix)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing blob prefix %s: %w", prefix, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
