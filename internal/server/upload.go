// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/nishisan-dev/n-scribe/internal/chunker"
	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/worker"
)

// jobOptions são as opções reconhecidas na criação de um job.
type jobOptions struct {
	chunkSize  int64
	useLLM     bool
	mode       job.CorrectionMode
	webhookURL string
	saveChunks bool
}

// parseJobOptions lê as opções de form values (multipart) ou query.
func (s *Server) parseJobOptions(r *http.Request) (jobOptions, error) {
	opts := jobOptions{
		chunkSize: s.cfg.Chunking.ChunkSizeRaw,
		mode:      job.CorrectionNone,
	}

	if v := r.FormValue("chunk_size_mb"); v != "" {
		mb, err := strconv.Atoi(v)
		if err != nil || mb < 1 {
			return opts, fmt.Errorf("chunk_size_mb must be a positive integer, got %q", v)
		}
		opts.chunkSize = int64(mb) * 1024 * 1024
	}

	if v := r.FormValue("use_llm"); v != "" {
		useLLM, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("use_llm must be a boolean, got %q", v)
		}
		opts.useLLM = useLLM
	}

	if opts.useLLM {
		switch strings.ToLower(r.FormValue("llm_mode")) {
		case "", "per_chunk":
			opts.mode = job.CorrectionPerChunk
		case "post_process":
			opts.mode = job.CorrectionPostProcess
		default:
			return opts, fmt.Errorf("llm_mode must be per_chunk or post_process")
		}
	}

	if v := r.FormValue("debug_save_chunks"); v != "" {
		save, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("debug_save_chunks must be a boolean, got %q", v)
		}
		opts.saveChunks = save
	}

	opts.webhookURL = r.FormValue("webhook_url")
	return opts, nil
}

// uploadResponse é a resposta do caminho chunked.
type uploadResponse struct {
	ParentJobID    string `json:"parent_job_id"`
	StreamURL      string `json:"stream_url"`
	TotalChunks    int    `json:"total_chunks"`
	ChunkingMethod string `json:"chunking_method"`
}

// handleChunkedUpload recebe o arquivo inteiro via multipart, fatia,
// persiste os chunks e enfileira o processamento.
func (s *Server) handleChunkedUpload(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readMultipartFile(w, r)
	if !ok {
		return
	}

	opts, err := s.parseJobOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
		return
	}

	parent, method, err := s.createJob(r.Context(), data, filename, opts)
	if err != nil {
		s.logger.Error("chunked upload failed", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, uploadResponse{
		ParentJobID:    parent.ID,
		StreamURL:      "/chunked-stream/" + parent.ID,
		TotalChunks:    parent.TotalChunks,
		ChunkingMethod: method,
	})
}

// directResponse é a resposta do fast path.
type directResponse struct {
	JobID            string `json:"job_id"`
	ProcessingMethod string `json:"processing_method"`
	StatusURL        string `json:"status_url"`
	ResultURL        string `json:"result_url"`
}

// handleUpload é o fast path: multipart pequeno ou JSON com URL para
// ingestão. Internamente tudo vira um job chunked; arquivos abaixo do
// limite direto produzem um único chunk.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var (
		data     []byte
		filename string
		opts     jobOptions
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		var ok bool
		data, filename, ok = s.readMultipartFile(w, r)
		if !ok {
			return
		}
		parsed, err := s.parseJobOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
			return
		}
		opts = parsed
	} else {
		// model é aceito por compatibilidade de clients antigos; a
		// seleção real de modelo vem da config dos upstreams.
		var req struct {
			URL        string `json:"url"`
			UseLLM     bool   `json:"use_llm"`
			LLMMode    string `json:"llm_mode"`
			Model      string `json:"model"`
			WebhookURL string `json:"webhook_url"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, kindInputInvalid, "url is required")
			return
		}

		downloaded, name, err := s.downloadURL(r.Context(), req.URL)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
			return
		}
		data = downloaded
		filename = name

		opts = jobOptions{
			chunkSize:  s.cfg.Chunking.ChunkSizeRaw,
			useLLM:     req.UseLLM,
			mode:       job.CorrectionNone,
			webhookURL: req.WebhookURL,
		}
		if req.UseLLM {
			switch strings.ToLower(req.LLMMode) {
			case "", "per_chunk":
				opts.mode = job.CorrectionPerChunk
			case "post_process":
				opts.mode = job.CorrectionPostProcess
			default:
				writeError(w, http.StatusBadRequest, kindInputInvalid, "llm_mode must be per_chunk or post_process")
				return
			}
		}
	}

	parent, _, err := s.createJob(r.Context(), data, filename, opts)
	if err != nil {
		s.logger.Error("upload failed", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	processing := "chunked"
	if int64(len(data)) <= s.cfg.Ingest.DirectMaxRaw {
		processing = "direct"
	}

	writeJSON(w, http.StatusAccepted, directResponse{
		JobID:            parent.ID,
		ProcessingMethod: processing,
		StatusURL:        "/chunked-upload-status?parent_job_id=" + parent.ID,
		ResultURL:        "/result?job_id=" + parent.ID,
	})
}

// readMultipartFile extrai o arquivo do form, aplicando limite de
// tamanho e sanitização do nome.
func (s *Server) readMultipartFile(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Ingest.MaxFileSizeRaw)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "missing file field: "+err.Error())
		return nil, "", false
	}
	defer file.Close()

	filename, err := sanitizeFilename(header.Filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, err.Error())
		return nil, "", false
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "reading upload: "+err.Error())
		return nil, "", false
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "empty file")
		return nil, "", false
	}

	return data, filename, true
}

// createJob é o coordinator: fatia, persiste os chunks, cria parent e
// sub-jobs e enfileira o processamento. A criação de sub-jobs corre
// sob o gate de job spawn para que um burst de arquivos enormes não
// monopolize o sistema.
func (s *Server) createJob(ctx context.Context, data []byte, filename string, opts jobOptions) (*job.ParentJob, string, error) {
	useLLM := opts.useLLM && s.cfg.Correction.Endpoint != ""
	mode := opts.mode
	if !useLLM {
		mode = job.CorrectionNone
	}

	chunks, method := chunker.Split(data, filename, chunker.Options{
		TargetSize:     opts.chunkSize,
		OverlapPercent: s.cfg.Chunking.OverlapPercent,
		OverlapMax:     s.cfg.Chunking.OverlapMaxRaw,
	})

	parent, err := s.manager.CreateParent(job.CreateParams{
		Filename:        filename,
		TotalSize:       int64(len(data)),
		TargetChunkSize: opts.chunkSize,
		TotalChunks:     len(chunks),
		UseCorrection:   useLLM,
		CorrectionMode:  mode,
		WebhookURL:      opts.webhookURL,
	})
	if err != nil {
		return nil, "", fmt.Errorf("creating parent job: %w", err)
	}

	ext := fileExt(filename)
	for _, c := range chunks {
		key := fmt.Sprintf("uploads/%s/chunk.%d.%s", parent.ID, c.Index, ext)
		if err := s.blobs.Put(ctx, key, c.Data); err != nil {
			return nil, "", fmt.Errorf("storing chunk %d: %w", c.Index, err)
		}
	}

	err = s.gates.Run(ctx, gate.JobSpawn, func(ctx context.Context) error {
		for _, c := range chunks {
			key := fmt.Sprintf("uploads/%s/chunk.%d.%s", parent.ID, c.Index, ext)
			sub, err := s.manager.CreateSubJob(parent.ID, c.Index,
				job.ByteRange{Start: c.Start, End: c.End}, key, c.IsPlayable, 3, job.SubUploaded)
			if err != nil {
				return fmt.Errorf("creating sub-job %d: %w", c.Index, err)
			}
			if err := s.manager.MarkChunkUploaded(parent.ID, c.Index); err != nil {
				return fmt.Errorf("marking chunk %d uploaded: %w", c.Index, err)
			}
			if err := s.queue.Enqueue(ctx, worker.Item{
				ParentID:   parent.ID,
				SubJobID:   sub.ID,
				ChunkIndex: c.Index,
			}); err != nil {
				return fmt.Errorf("enqueueing chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	if s.cfg.Debug.SaveChunks || opts.saveChunks {
		if err := archiveChunks(s.cfg.Debug.Dir, parent.ID, ext, chunks); err != nil {
			s.logger.Warn("debug chunk archive failed", "parent_id", parent.ID, "error", err)
		}
	}

	if s.events != nil {
		s.events.PushEvent("info", "job_created", parent.ID,
			fmt.Sprintf("%s: %d chunks via %s", filename, len(chunks), method))
	}

	s.logger.Info("job created",
		"parent_id", parent.ID,
		"filename", filename,
		"size", len(data),
		"total_chunks", len(chunks),
		"chunking_method", method,
		"correction_mode", mode)

	parent, err = s.manager.GetParent(parent.ID)
	if err != nil {
		return nil, "", err
	}
	return parent, method, nil
}
