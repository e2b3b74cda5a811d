// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package chunker divide um buffer de áudio/vídeo em chunks ordenados com
// overlap configurável. Para formatos re-startáveis conhecidos (MP3, WAV)
// há um splitter format-aware que corta em fronteiras de frame, produzindo
// chunks independentemente decodáveis.
package chunker

import (
	"path/filepath"
	"strings"
)

// Métodos de chunking reportados na criação do job.
const (
	MethodByteRange = "byte_range"
	MethodMP3       = "format_aware_mp3"
	MethodWAV       = "format_aware_wav"
)

// Chunk é uma fatia ordenada do arquivo de entrada.
type Chunk struct {
	Index int

	// Start/End formam o range half-open [Start, End) sobre o buffer
	// original, já incluindo o overlap no início (chunks > 0).
	Start int64
	End   int64

	Data []byte

	// IsPlayable indica que o chunk começa em fronteira de frame e é
	// decodável de forma independente pelo upstream.
	IsPlayable bool
}

// Options configura o splitter.
type Options struct {
	TargetSize     int64   // tamanho alvo de cada chunk
	OverlapPercent float64 // percentual do chunk usado como overlap (default 5%)
	OverlapMax     int64   // teto absoluto do overlap (default 50KB)
}

// Overlap calcula o overlap efetivo em bytes: pct do chunk, limitado pelo
// teto absoluto e nunca acima de metade do chunk.
func (o Options) Overlap() int64 {
	pct := o.OverlapPercent
	if pct <= 0 {
		pct = 5.0
	}
	max := o.OverlapMax
	if max <= 0 {
		max = 50 * 1024
	}

	overlap := int64(float64(o.TargetSize) * pct / 100.0)
	if overlap > max {
		overlap = max
	}
	if half := o.TargetSize / 2; overlap > half {
		overlap = half
	}
	return overlap
}

// Split divide data em chunks, escolhendo o splitter pelo filename.
// Retorna os chunks e o método usado. Entrada menor ou igual ao target
// produz exatamente um chunk sem overlap.
func Split(data []byte, filename string, opts Options) ([]Chunk, string) {
	if opts.TargetSize <= 0 || int64(len(data)) <= opts.TargetSize {
		return []Chunk{{
			Index:      0,
			Start:      0,
			End:        int64(len(data)),
			Data:       data,
			IsPlayable: true,
		}}, MethodByteRange
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		if chunks, ok := splitMP3(data, opts.TargetSize); ok {
			return chunks, MethodMP3
		}
	case ".wav":
		if chunks, ok := splitWAV(data, opts.TargetSize); ok {
			return chunks, MethodWAV
		}
	}

	return splitBytes(data, opts), MethodByteRange
}

// splitBytes é o splitter default: fatias de tamanho fixo com overlap no
// início de cada chunk a partir do segundo. O assembler repara a fronteira
// via overlap-merge.
func splitBytes(data []byte, opts Options) []Chunk {
	total := int64(len(data))
	overlap := opts.Overlap()

	var chunks []Chunk
	index := 0
	for pos := int64(0); pos < total; pos += opts.TargetSize {
		start := pos
		if index > 0 {
			start = pos - overlap
		}
		end := pos + opts.TargetSize
		if end > total {
			end = total
		}

		chunks = append(chunks, Chunk{
			Index: index,
			Start: start,
			End:   end,
			Data:  data[start:end],
			// Só o primeiro chunk carrega o header do container.
			IsPlayable: index == 0,
		})
		index++
	}
	return chunks
}
