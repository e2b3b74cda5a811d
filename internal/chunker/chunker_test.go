// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package chunker

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func defaultOpts(target int64) Options {
	return Options{TargetSize: target, OverlapPercent: 5.0, OverlapMax: 50 * 1024}
}

func TestSplitSingleChunkWhenSmall(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1000)
	chunks, method := Split(data, "audio.bin", defaultOpts(4096))

	if method != MethodByteRange {
		t.Fatalf("expected byte_range, got %s", method)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Start != 0 || c.End != 1000 || len(c.Data) != 1000 {
		t.Fatalf("unexpected single chunk: %+v", c)
	}
}

func TestSplitBytesWithOverlap(t *testing.T) {
	// 10 chunks de 1000 bytes, overlap de 5% = 50 bytes.
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i)
	}
	chunks, method := Split(data, "video.mp4", defaultOpts(1000))

	if method != MethodByteRange {
		t.Fatalf("expected byte_range, got %s", method)
	}
	if len(chunks) != 10 {
		t.Fatalf("expected 10 chunks, got %d", len(chunks))
	}

	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		wantStart := int64(i * 1000)
		if i > 0 {
			wantStart -= 50
		}
		if c.Start != wantStart {
			t.Errorf("chunk %d start = %d, want %d", i, c.Start, wantStart)
		}
		if !bytes.Equal(c.Data, data[c.Start:c.End]) {
			t.Errorf("chunk %d data does not match its range", i)
		}
	}

	// Cauda do chunk i deve reaparecer na cabeça do chunk i+1.
	tail := chunks[0].Data[len(chunks[0].Data)-50:]
	head := chunks[1].Data[:50]
	if !bytes.Equal(tail, head) {
		t.Fatal("overlap bytes do not match between adjacent chunks")
	}
}

func TestOverlapClampedToHalfChunk(t *testing.T) {
	opts := Options{TargetSize: 1000, OverlapPercent: 90, OverlapMax: 10000}
	if got := opts.Overlap(); got != 500 {
		t.Fatalf("expected overlap clamped to 500, got %d", got)
	}
}

func TestOverlapCappedAt50KB(t *testing.T) {
	opts := Options{TargetSize: 10 * 1024 * 1024, OverlapPercent: 5, OverlapMax: 50 * 1024}
	if got := opts.Overlap(); got != 50*1024 {
		t.Fatalf("expected overlap capped at 50KB, got %d", got)
	}
}

// buildMP3 monta um pseudo-MP3: tag ID3 + frames de tamanho fixo com sync.
func buildMP3(frames int, frameSize int) []byte {
	id3 := make([]byte, 10+30)
	copy(id3, "ID3")
	id3[9] = 30 // syncsafe size

	var buf bytes.Buffer
	buf.Write(id3)
	for i := 0; i < frames; i++ {
		frame := make([]byte, frameSize)
		frame[0] = 0xFF
		frame[1] = 0xFB
		for j := 2; j < frameSize; j++ {
			frame[j] = byte(i) // payload não pode conter 0xFF
		}
		buf.Write(frame)
	}
	return buf.Bytes()
}

func TestSplitMP3CutsAtFrameBoundaries(t *testing.T) {
	data := buildMP3(100, 417)
	chunks, method := Split(data, "speech.mp3", defaultOpts(5000))

	if method != MethodMP3 {
		t.Fatalf("expected format_aware_mp3, got %s", method)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	for i, c := range chunks[1:] {
		if c.Data[0] != 0xFF || c.Data[1]&0xE0 != 0xE0 {
			t.Errorf("chunk %d does not start at a frame sync", i+1)
		}
		if !c.IsPlayable {
			t.Errorf("chunk %d should be playable", i+1)
		}
	}

	// Reconcatenar os chunks deve reconstruir o arquivo original exato
	// (format-aware não usa overlap).
	var rebuilt bytes.Buffer
	for _, c := range chunks {
		rebuilt.Write(data[c.Start:c.End])
	}
	if !bytes.Equal(rebuilt.Bytes(), data) {
		t.Fatal("mp3 chunks do not cover the input exactly")
	}
}

// buildWAV monta um WAV PCM 16-bit mono válido.
func buildWAV(sampleBytes int) []byte {
	var fmtChunk [16]byte
	binary.LittleEndian.PutUint16(fmtChunk[0:2], 1)      // PCM
	binary.LittleEndian.PutUint16(fmtChunk[2:4], 1)      // mono
	binary.LittleEndian.PutUint32(fmtChunk[4:8], 16000)  // sample rate
	binary.LittleEndian.PutUint32(fmtChunk[8:12], 32000) // byte rate
	binary.LittleEndian.PutUint16(fmtChunk[12:14], 2)    // block align
	binary.LittleEndian.PutUint16(fmtChunk[14:16], 16)   // bits

	samples := make([]byte, sampleBytes)
	for i := range samples {
		samples[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(4+8+16+8+len(samples)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	buf.Write(fmtChunk[:])
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(samples)))
	buf.Write(samples)
	return buf.Bytes()
}

func TestSplitWAVChunksAreValidWAVs(t *testing.T) {
	data := buildWAV(10000)
	chunks, method := Split(data, "meeting.wav", defaultOpts(3000))

	if method != MethodWAV {
		t.Fatalf("expected format_aware_wav, got %s", method)
	}
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}

	for i, c := range chunks {
		if !c.IsPlayable {
			t.Errorf("wav chunk %d should be playable", i)
		}
		if info, ok := parseWAV(c.Data); !ok {
			t.Errorf("chunk %d is not a parseable WAV", i)
		} else if info.blockAlign != 2 {
			t.Errorf("chunk %d lost block align: %d", i, info.blockAlign)
		}
		// Cortes alinhados ao sample frame (2 bytes).
		if (c.End-c.Start)%2 != 0 && i != len(chunks)-1 {
			t.Errorf("chunk %d not aligned to block boundary", i)
		}
	}
}

func TestSplitFallsBackWhenNotParseable(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 5000) // sem sync MP3
	chunks, method := Split(data, "noise.mp3", defaultOpts(1000))

	if method != MethodByteRange {
		t.Fatalf("expected byte_range fallback, got %s", method)
	}
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}
}
