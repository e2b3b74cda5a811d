// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple", "audio.mp3", "audio.mp3", false},
		{"path stripped", "/tmp/evil/audio.mp3", "audio.mp3", false},
		{"windows path stripped", `C:\Users\x\audio.wav`, "audio.wav", false},
		{"trimmed", "  meeting.mp3  ", "meeting.mp3", false},
		{"empty", "", "", true},
		{"dot", ".", "", true},
		{"dotdot", "..", "", true},
		{"hidden file", ".env", "", true},
		{"null byte", "a\x00b.mp3", "", true},
		{"too long", strings.Repeat("a", 300) + ".mp3", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sanitizeFilename(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got %q", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFileExt(t *testing.T) {
	cases := map[string]string{
		"audio.MP3":  "mp3",
		"audio.wav":  "wav",
		"noext":      "bin",
		"weird.tar":  "tar",
		"dotted.a.b": "b",
	}
	for in, want := range cases {
		if got := fileExt(in); got != want {
			t.Errorf("fileExt(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestThrottledReaderBypassWhenDisabled(t *testing.T) {
	src := bytes.NewReader([]byte("payload"))
	r := NewThrottledReader(context.Background(), src, 0)
	if r != io.Reader(src) {
		t.Fatal("disabled throttle must return the original reader")
	}
}

func TestThrottledReaderPacesReads(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	// 100 B/s com burst 100: 300 bytes exigem ao menos ~2s de espera.
	r := NewThrottledReader(context.Background(), bytes.NewReader(payload), 100)

	start := time.Now()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 300 {
		t.Fatalf("expected 300 bytes, got %d", len(data))
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("read finished too fast for the limit: %s", elapsed)
	}
}

func TestThrottledReaderHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := bytes.Repeat([]byte("x"), 1024)
	r := NewThrottledReader(ctx, bytes.NewReader(payload), 1)

	if _, err := io.ReadAll(r); err == nil {
		t.Fatal("cancelled context must abort the read")
	}
}
