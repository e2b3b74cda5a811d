// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestLocalStorePutGetDelete(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	key := "uploads/abc123/chunk.0.mp3"
	data := []byte("chunk bytes")

	if err := s.Put(ctx, key, data); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: %q", got)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Delete idempotente
	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
}

func TestLocalStoreDeletePrefixCascades(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"uploads/job1/chunk.0.mp3",
		"uploads/job1/chunk.1.mp3",
		"uploads/job2/chunk.0.mp3",
	} {
		if err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	if err := s.DeletePrefix(ctx, "uploads/job1"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}

	if _, err := s.Get(ctx, "uploads/job1/chunk.0.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatal("job1 chunk 0 should be gone")
	}
	if _, err := s.Get(ctx, "uploads/job2/chunk.0.mp3"); err != nil {
		t.Fatalf("job2 must be untouched: %v", err)
	}
}

func TestLocalStoreListPrefixes(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{
		"uploads/job1/chunk.0.mp3",
		"uploads/job2/chunk.0.mp3",
	} {
		if err := s.Put(ctx, key, []byte("x")); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	names, err := s.ListPrefixes(ctx, "uploads")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected two prefixes, got %v", names)
	}

	// Prefixo inexistente não é erro.
	names, err = s.ListPrefixes(ctx, "nothing-here")
	if err != nil || names != nil {
		t.Fatalf("missing prefix must yield nil, nil; got %v, %v", names, err)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	ctx := context.Background()

	if err := s.Put(ctx, "../escape", []byte("x")); err == nil {
		t.Fatal("expected traversal rejection")
	}
	if _, err := s.Get(ctx, "a/../../b"); err == nil {
		t.Fatal("expected traversal rejection on get")
	}
}
