// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package kv

import (
	"errors"
	"testing"
	"time"
)

type record struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", 24*time.Hour, nil)
	if err != nil {
		t.Fatalf("opening in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	in := record{ID: "abc", Count: 7}
	if err := s.Put("parent:abc", in); err != nil {
		t.Fatalf("put: %v", err)
	}

	var out record
	if err := s.Get("parent:abc", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := openTestStore(t)

	var out record
	if err := s.Get("parent:nope", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("sub:1", record{ID: "1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete("sub:1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("sub:1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	var out record
	if err := s.Get("sub:1", &out); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListByPrefix(t *testing.T) {
	s := openTestStore(t)

	for _, key := range []string{"parent:a", "parent:b", "sub:a:0"} {
		if err := s.Put(key, record{ID: key}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	var keys []string
	err := s.List("parent:", func(key string, value []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 parent keys, got %v", keys)
	}
}

func TestOverwriteUpdatesValue(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("parent:x", record{ID: "x", Count: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put("parent:x", record{ID: "x", Count: 2}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var out record
	if err := s.Get("parent:x", &out); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.Count != 2 {
		t.Fatalf("expected count 2 after overwrite, got %d", out.Count)
	}
}
