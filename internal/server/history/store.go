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

	"github.com/klauspost/compress/zstd"
)

// EventStore combina o EventRing com persistência em JSONL. Cada Push
// faz append de uma linha; no startup as últimas entradas repopulam o
// ring.
//
// Rotação: quando o arquivo excede maxLines, as linhas antigas saem do
// arquivo vivo; se compressão está ligada, vão para um sidecar .zst
// datado em vez de serem descartadas.
type EventStore struct {
	ring      *EventRing
	file      *os.File
	mu        sync.Mutex
	maxLines  int
	lineCount int
	path      string
	compress  bool
}

// NewEventStore abre (ou cria) o arquivo JSONL e carrega as últimas
// entradas para o ring.
func NewEventStore(path string, ringCap, maxLines int, compress bool) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewEventRing(ringCap)

	lines, err := loadLines(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	start := 0
	if len(lines) > ringCap {
		start = len(lines) - ringCap
	}
	for _, raw := range lines[start:] {
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			continue
		}
		ring.Push(e)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &EventStore{
		ring:      ring,
		file:      f,
		maxLines:  maxLines,
		lineCount: len(lines),
		path:      path,
		compress:  compress,
	}, nil
}

// loadLines lê o JSONL cru, ignorando linhas vazias.
func loadLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	return lines, scanner.Err()
}

// Push adiciona ao ring e persiste.
func (s *EventStore) Push(e Entry) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	s.ring.Push(e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// PushEvent é o helper para eventos com os campos comuns.
func (s *EventStore) PushEvent(level, eventType, parentID, message string) {
	s.Push(Entry{
		Level:    level,
		Type:     eventType,
		ParentID: parentID,
		Message:  message,
	})
}

// Recent retorna os últimos N eventos do ring.
func (s *EventStore) Recent(limit int) []Entry {
	return s.ring.Recent(limit)
}

// Close fecha o arquivo.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate mantém as últimas maxLines/2 linhas no arquivo vivo e, se
// habilitado, comprime as descartadas num sidecar zstd datado.
// Deve ser chamada com s.mu travado.
func (s *EventStore) rotate() {
	keep := s.maxLines / 2

	lines, err := loadLines(s.path)
	if err != nil || len(lines) <= keep {
		return
	}

	dropped := lines[:len(lines)-keep]
	kept := lines[len(lines)-keep:]

	if s.compress {
		s.archive(dropped)
	}

	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, line := range kept {
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return
	}
	s.lineCount = len(kept)
}

// archive grava as linhas rotacionadas em <path>-<ts>.zst.
func (s *EventStore) archive(lines [][]byte) {
	name := fmt.Sprintf("%s-%s.zst", s.path, time.Now().Format("20060102T150405"))
	f, err := os.Create(name)
	if err != nil {
		return
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f)
	if err != nil {
		return
	}
	defer enc.Close()

	for _, line := range lines {
		enc.Write(line)
		enc.Write([]byte{'\n'})
	}
}
