// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
)

// downloadURL baixa o arquivo referenciado com timeout limitado e
// throttle opcional de banda. Devolve os bytes e o nome de arquivo
// derivado do path da URL.
func (s *Server) downloadURL(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Ingest.URLTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building download request: %w", err)
	}

	resp, err := s.ingest.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download of %s returned status %d", rawURL, resp.StatusCode)
	}

	reader := NewThrottledReader(ctx, resp.Body, s.cfg.Ingest.MaxBytesPerSecRaw)

	// +1 para detectar estouro do limite sem ler o arquivo inteiro.
	data, err := io.ReadAll(io.LimitReader(reader, s.cfg.Ingest.MaxFileSizeRaw+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading download: %w", err)
	}
	if int64(len(data)) > s.cfg.Ingest.MaxFileSizeRaw {
		return nil, "", fmt.Errorf("file exceeds max size %s", s.cfg.Ingest.MaxFileSize)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("downloaded file is empty")
	}

	filename := path.Base(u.Path)
	if filename == "" || filename == "/" || filename == "." {
		filename = "download.bin"
	}
	if sanitized, err := sanitizeFilename(filename); err == nil {
		filename = sanitized
	} else {
		filename = "download.bin"
	}

	s.logger.Info("url ingested", "url", rawURL, "filename", filename, "size", len(data))
	return data, filename, nil
}
