// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-scribe/internal/chunker"
)

// archiveChunks grava os chunks de um job num tar.gz de depuração.
// Só roda com debug.save_chunks ligado; falha nunca afeta o job.
func archiveChunks(dir, parentID, ext string, chunks []chunker.Chunk) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating debug directory: %w", err)
	}

	f, err := os.Create(filepath.Join(dir, parentID+".tar.gz"))
	if err != nil {
		return fmt.Errorf("creating debug archive: %w", err)
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	defer gz.Close()

	tw := tar.NewWriter(gz)
	defer tw.Close()

	now := time.Now()
	for _, c := range chunks {
		hdr := &tar.Header{
			Name:    fmt.Sprintf("chunk.%d.%s", c.Index, ext),
			Mode:    0644,
			Size:    int64(len(c.Data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing archive header for chunk %d: %w", c.Index, err)
		}
		if _, err := tw.Write(c.Data); err != nil {
			return fmt.Errorf("writing chunk %d to archive: %w", c.Index, err)
		}
	}
	return nil
}
