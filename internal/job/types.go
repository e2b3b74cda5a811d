// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package job define o modelo de dados de jobs de transcrição (parent e
// sub-jobs) e o Manager que serializa todas as mutações por parent.
package job

import (
	"math/bits"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/upstream"
)

// Status é o estado de um ParentJob.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusAssembling Status = "assembling"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal indica se o estado congela contadores e resultados.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// SubStatus é o estado de um SubJob.
type SubStatus string

const (
	SubPending    SubStatus = "pending"
	SubUploaded   SubStatus = "uploaded"
	SubProcessing SubStatus = "processing"
	SubDone       SubStatus = "done"
	SubFailed     SubStatus = "failed"
)

// CorrectionMode controla quando (e se) a correção LLM é aplicada.
type CorrectionMode string

const (
	CorrectionNone        CorrectionMode = "none"
	CorrectionPerChunk    CorrectionMode = "per_chunk"
	CorrectionPostProcess CorrectionMode = "post_process"
)

// Métodos de assembly reportados no resultado final.
const (
	AssemblyNone        = "none"
	AssemblySingleChunk = "single_chunk"
	AssemblySequential  = "intelligent_merge_sequential"
	AssemblyWithGaps    = "intelligent_merge_with_gaps"
)

// Bitset é um conjunto de bits de tamanho fixo, serializado como
// array de words. Usado para uploaded_flags e completed_flags.
type Bitset []uint64

// NewBitset cria um bitset com capacidade para n bits.
func NewBitset(n int) Bitset {
	return make(Bitset, (n+63)/64)
}

// Set liga o bit i.
func (b Bitset) Set(i int) {
	b[i/64] |= 1 << (uint(i) % 64)
}

// IsSet consulta o bit i.
func (b Bitset) IsSet(i int) bool {
	if i < 0 || i/64 >= len(b) {
		return false
	}
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

// Popcount conta os bits ligados.
func (b Bitset) Popcount() int {
	total := 0
	for _, w := range b {
		total += bits.OnesCount64(w)
	}
	return total
}

// ByteRange é o intervalo semiaberto [Start, End) de um chunk no
// arquivo original.
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ChunkResult é o resultado de um chunk transcrito com sucesso
// (ou pulado por conter só header de container).
type ChunkResult struct {
	ChunkIndex        int                `json:"chunk_index"`
	ByteRange         ByteRange          `json:"byte_range"`
	Text              string             `json:"text"`
	RawText           string             `json:"raw_text"`
	CorrectedText     string             `json:"corrected_text,omitempty"`
	Segments          []upstream.Segment `json:"segments,omitempty"`
	ProcessingTimeMs  int64              `json:"processing_time_ms"`
	CorrectionApplied bool               `json:"correction_applied"`
	CorrectionError   string             `json:"correction_error,omitempty"`
	Skipped           bool               `json:"skipped,omitempty"`
	SkipReason        string             `json:"skip_reason,omitempty"`
}

// ChunkFailure registra a falha permanente de um chunk.
type ChunkFailure struct {
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
	Failed     bool   `json:"failed"`
}

// ChunkSlot é o slot de transcripts[i]: vazio, resultado ou falha.
// Streamed marca que o emitter SSE já publicou este slot — reconexões
// não duplicam eventos.
type ChunkSlot struct {
	Result   *ChunkResult  `json:"result,omitempty"`
	Failure  *ChunkFailure `json:"failure,omitempty"`
	Streamed bool          `json:"streamed,omitempty"`
}

// Empty indica slot ainda não preenchido.
func (s ChunkSlot) Empty() bool {
	return s.Result == nil && s.Failure == nil
}

// Valid indica um chunk utilizável pelo assembler: resultado presente,
// não falhou, e com texto (ou explicitamente pulado).
func (s ChunkSlot) Valid() bool {
	if s.Result == nil {
		return false
	}
	return s.Result.Skipped || s.Result.Text != ""
}

// ParentJob é o registro autoritativo de um job de transcrição.
type ParentJob struct {
	ID                   string `json:"id"`
	Filename             string `json:"filename"`
	TotalSizeBytes       int64  `json:"total_size_bytes"`
	TargetChunkSizeBytes int64  `json:"target_chunk_size_bytes"`
	TotalChunks          int    `json:"total_chunks"`

	Status Status `json:"status"`

	UploadedFlags  Bitset `json:"uploaded_flags"`
	CompletedFlags Bitset `json:"completed_flags"`
	UploadedCount  int    `json:"uploaded_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`

	Transcripts []ChunkSlot `json:"transcripts"`

	Progress           int `json:"progress"`
	UploadProgress     int `json:"upload_progress"`
	ProcessingProgress int `json:"processing_progress"`

	UseCorrection  bool           `json:"use_correction"`
	CorrectionMode CorrectionMode `json:"correction_mode"`
	WebhookURL     string         `json:"webhook_url,omitempty"`

	SubJobIDs []string `json:"sub_job_ids,omitempty"`

	CreatedAt             time.Time  `json:"created_at"`
	UploadStartedAt       time.Time  `json:"upload_started_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	FirstChunkCompletedAt *time.Time `json:"first_chunk_completed_at,omitempty"`
	AssemblyStartedAt     *time.Time `json:"assembly_started_at,omitempty"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`

	FinalTranscript     string   `json:"final_transcript,omitempty"`
	RawTranscript       string   `json:"raw_transcript,omitempty"`
	CorrectedTranscript string   `json:"corrected_transcript,omitempty"`
	AssemblyMethod      string   `json:"assembly_method,omitempty"`
	AssemblyWarnings    []string `json:"assembly_warnings,omitempty"`
	LLMError            string   `json:"llm_error,omitempty"`

	SuccessRate int    `json:"success_rate"`
	Error       string `json:"error,omitempty"`
}

// SubJob é o registro de processamento de um chunk. A referência ao
// parent é só por id — nunca há ponteiro de volta.
type SubJob struct {
	ID         string    `json:"id"`
	ParentID   string    `json:"parent_id"`
	ChunkIndex int       `json:"chunk_index"`
	ByteRange  ByteRange `json:"byte_range"`
	StorageKey string    `json:"storage_key"`
	IsPlayable bool      `json:"is_playable"`

	Status     SubStatus `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	Error      string    `json:"error,omitempty"`

	CreatedAt           time.Time  `json:"created_at"`
	UploadedAt          *time.Time `json:"uploaded_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}
