// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package history guarda eventos operacionais e o histórico de jobs
// terminados: ring buffer in-memory para consulta rápida e JSONL em
// disco com rotação para persistência.
package history

import (
	"sync"
	"time"
)

// Entry é um evento operacional do servidor.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Type      string `json:"type"`
	ParentID  string `json:"parent_id,omitempty"`
	Message   string `json:"message"`
}

// EventRing é um ring buffer thread-safe de eventos. Guarda os últimos
// N, descartando os mais antigos quando cheio.
type EventRing struct {
	mu  sync.RWMutex
	buf []Entry
	pos int
	cap int
	len int
}

// NewEventRing cria o ring com capacidade fixa.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventRing{
		buf: make([]Entry, capacity),
		cap: capacity,
	}
}

// Push adiciona um evento, preenchendo o timestamp se vazio.
func (r *EventRing) Push(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna os últimos N eventos em ordem cronológica (mais
// antigo primeiro). limit <= 0 retorna todos.
func (r *EventRing) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []Entry{}
	}

	result := make([]Entry, n)
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}

// Len retorna o número de eventos no ring.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}
