// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// nscribe-cli envia um arquivo de áudio ao nscribe-server e acompanha a
// transcrição pelo stream SSE, com barra de progresso no terminal.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func main() {
	serverURL := flag.String("server", "http://localhost:9850", "nscribe-server base URL")
	filePath := flag.String("file", "", "audio file to transcribe")
	useLLM := flag.Bool("use-llm", false, "enable LLM correction")
	llmMode := flag.String("llm-mode", "per_chunk", "correction mode: per_chunk or post_process")
	chunkSizeMB := flag.Int("chunk-size-mb", 0, "override chunk size in MB (0 = server default)")
	output := flag.String("output", "", "write the final transcript to this file (default: stdout)")
	quiet := flag.Bool("quiet", false, "suppress the progress bar")
	flag.Parse()

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: nscribe-cli -file <audio> [-server URL] [-use-llm] [-llm-mode mode]")
		os.Exit(2)
	}

	job, err := upload(*serverURL, *filePath, *useLLM, *llmMode, *chunkSizeMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Job %s created (%d chunks)\n", job.ParentJobID, job.TotalChunks)

	final, err := follow(*serverURL, job, !*quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stream failed: %v\n", err)
		os.Exit(1)
	}

	if final.Status != "done" {
		fmt.Fprintf(os.Stderr, "Job ended %s: %s\n", final.Status, final.Error)
		if final.PartialTranscript != "" {
			fmt.Fprintf(os.Stderr, "Partial transcript:\n%s\n", final.PartialTranscript)
		}
		os.Exit(1)
	}

	if *output != "" {
		if err := os.WriteFile(*output, []byte(final.FinalTranscript+"\n"), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Writing output: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Transcript written to %s (success rate %d%%)\n", *output, final.SuccessRate)
		return
	}
	fmt.Println(final.FinalTranscript)
}

// uploadResult é a resposta do POST /chunked-upload-stream.
type uploadResult struct {
	ParentJobID string `json:"parent_job_id"`
	StreamURL   string `json:"stream_url"`
	TotalChunks int    `json:"total_chunks"`
}

func upload(serverURL, filePath string, useLLM bool, llmMode string, chunkSizeMB int) (*uploadResult, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", filePath, err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}

	if useLLM {
		w.WriteField("use_llm", "true")
		w.WriteField("llm_mode", llmMode)
	}
	if chunkSizeMB > 0 {
		w.WriteField("chunk_size_mb", strconv.Itoa(chunkSizeMB))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	resp, err := http.Post(serverURL+"/chunked-upload-stream", w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out uploadResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	return &out, nil
}

// streamEvent é o envelope dos eventos SSE que o CLI consome.
type streamEvent struct {
	Type            string `json:"type"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	CompletedCount  int    `json:"completed_count"`
	FailedCount     int    `json:"failed_count"`
	TotalChunks     int    `json:"total_chunks"`
	SuccessRate     int    `json:"success_rate"`
	FinalTranscript string `json:"final_transcript"`
	Error           string `json:"error"`
	Message         string `json:"message"`
	PartialResults  struct {
		PartialTranscript string `json:"partial_transcript"`
	} `json:"partial_results"`
}

// finalState é o desfecho do acompanhamento.
type finalState struct {
	Status            string
	FinalTranscript   string
	PartialTranscript string
	SuccessRate       int
	Error             string
}

// follow consome o SSE até o evento terminal, reconectando quando o
// servidor fecha por timeout. A flag streamed do servidor garante que a
// reconexão não duplica eventos.
func follow(serverURL string, job *uploadResult, showProgress bool) (*finalState, error) {
	var bar *progressBar
	if showProgress {
		bar = newProgressBar(job.ParentJobID, job.TotalChunks)
		defer bar.stop()
	}

	for attempt := 0; attempt < 10; attempt++ {
		final, retry, err := consumeStream(serverURL+job.StreamURL, bar)
		if err != nil {
			return nil, err
		}
		if final != nil {
			return final, nil
		}
		if !retry {
			return nil, fmt.Errorf("stream closed without a terminal event")
		}
		time.Sleep(time.Second)
	}
	return nil, fmt.Errorf("gave up after repeated stream timeouts")
}

// consumeStream lê uma conexão SSE. Retorna (final, _, _) no evento
// terminal ou (nil, true, _) quando o servidor pediu reconexão.
func consumeStream(url string, bar *progressBar) (*finalState, bool, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, false, fmt.Errorf("stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var evt streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "progress_update":
			if bar != nil {
				bar.update(evt.Progress, evt.CompletedCount, evt.FailedCount)
			}
		case "final_result":
			return &finalState{
				Status:          "done",
				FinalTranscript: evt.FinalTranscript,
				SuccessRate:     evt.SuccessRate,
			}, false, nil
		case "job_terminated":
			return &finalState{
				Status:            evt.Status,
				PartialTranscript: evt.PartialResults.PartialTranscript,
				Error:             evt.Error,
			}, false, nil
		case "stream_error":
			return nil, false, fmt.Errorf("server stream error: %s", evt.Error)
		case "stream_timeout":
			return nil, true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("reading stream: %w", err)
	}

	// Conexão caiu sem evento terminal: reconecta.
	return nil, true, nil
}

// progressBar desenha o andamento no stderr: barra, %, chunks e ETA.
type progressBar struct {
	name        string
	totalChunks int
	startTime   time.Time
}

func newProgressBar(name string, totalChunks int) *progressBar {
	if len(name) > 8 {
		name = name[:8]
	}
	return &progressBar{name: name, totalChunks: totalChunks, startTime: time.Now()}
}

func (p *progressBar) update(progress, completed, failed int) {
	const barWidth = 30
	if progress > 100 {
		progress = 100
	}

	filled := progress * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	elapsed := time.Since(p.startTime)
	eta := "∞"
	if progress > 0 {
		remaining := elapsed * time.Duration(100-progress) / time.Duration(progress)
		eta = formatDuration(remaining)
	}

	failedStr := ""
	if failed > 0 {
		failedStr = fmt.Sprintf("  │  failed: %d", failed)
	}

	line := fmt.Sprintf("\r[%s] %s %3d%%  │  %d/%d chunks  │  %s  │  ETA %s%s",
		p.name, bar, progress, completed, p.totalChunks,
		formatDuration(elapsed), eta, failedStr)

	if len(line) < 110 {
		line += strings.Repeat(" ", 110-len(line))
	}
	fmt.Fprint(os.Stderr, line)
}

func (p *progressBar) stop() {
	fmt.Fprintln(os.Stderr)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	if d >= time.Minute {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
