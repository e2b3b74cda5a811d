// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JobRecord é o resumo de um job terminado, sem transcripts inline.
type JobRecord struct {
	ParentID        string `json:"parent_id"`
	Filename        string `json:"filename"`
	Status          string `json:"status"`
	TotalChunks     int    `json:"total_chunks"`
	CompletedChunks int    `json:"completed_chunks"`
	FailedChunks    int    `json:"failed_chunks"`
	SuccessRate     int    `json:"success_rate"`
	AssemblyMethod  string `json:"assembly_method,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
	CompletedAt     string `json:"completed_at"`
}

// JobHistory persiste JobRecords em JSONL com a mesma rotação do
// EventStore. Jobs somem do KV no TTL de 24h; o histórico fica.
type JobHistory struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	maxLines  int
	lineCount int
	compress  bool
}

// NewJobHistory abre (ou cria) o arquivo de histórico.
func NewJobHistory(path string, maxLines int, compress bool) (*JobHistory, error) {
	if maxLines <= 0 {
		maxLines = 5000
	}

	lines, err := loadLines(path)
	if err != nil {
		return nil, fmt.Errorf("loading job history: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening job history for append: %w", err)
	}

	return &JobHistory{
		file:      f,
		path:      path,
		maxLines:  maxLines,
		lineCount: len(lines),
		compress:  compress,
	}, nil
}

// Append grava um registro terminado.
func (h *JobHistory) Append(rec JobRecord) {
	if rec.CompletedAt == "" {
		rec.CompletedAt = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.file.Write(append(data, '\n')); err != nil {
		return
	}

	h.lineCount++
	if h.lineCount > h.maxLines {
		h.rotate()
	}
}

// Recent devolve os últimos N registros em ordem cronológica.
func (h *JobHistory) Recent(limit int) []JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines, err := loadLines(h.path)
	if err != nil {
		return nil
	}

	start := 0
	if limit > 0 && len(lines) > limit {
		start = len(lines) - limit
	}

	var out []JobRecord
	for _, raw := range lines[start:] {
		var rec JobRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Close fecha o arquivo.
func (h *JobHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}

// rotate espelha a rotação do EventStore. mu deve estar travado.
func (h *JobHistory) rotate() {
	keep := h.maxLines / 2

	lines, err := loadLines(h.path)
	if err != nil || len(lines) <= keep {
		return
	}

	dropped := lines[:len(lines)-keep]
	kept := lines[len(lines)-keep:]

	if h.compress {
		store := &EventStore{path: h.path}
		store.archive(dropped)
	}

	h.file.Close()

	f, err := os.Create(h.path)
	if err != nil {
		h.file, _ = os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	h.file, err = os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	h.lineCount = len(kept)
}
