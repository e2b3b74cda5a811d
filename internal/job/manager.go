// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/store/kv"
)

var (
	// ErrNotFound indica parent ou sub-job inexistente (ou expirado).
	ErrNotFound = errors.New("job: not found")
	// ErrTerminal indica tentativa de mutação em parent já terminal.
	// Resultados de sub-jobs em voo são descartados com este erro.
	ErrTerminal = errors.New("job: parent in terminal state")
	// ErrInvalidTransition indica violação da máquina de estados.
	ErrInvalidTransition = errors.New("job: invalid state transition")
)

const (
	parentKeyPrefix = "parent:"
	subKeyPrefix    = "sub:"
)

// Manager serializa toda mutação de um ParentJob com um lock exclusivo
// por parent. O KV store dá atomicidade por chave; o lock dá a
// serialização read-modify-write que o bitset de completion exige.
type Manager struct {
	store  *kv.Store
	blobs  blob.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// CreateParams são os parâmetros de criação de um ParentJob.
type CreateParams struct {
	Filename        string
	TotalSize       int64
	TargetChunkSize int64
	TotalChunks     int
	UseCorrection   bool
	CorrectionMode  CorrectionMode
	WebhookURL      string
}

// NewManager constrói o manager sobre o KV e o blob store.
func NewManager(store *kv.Store, blobs blob.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		blobs:  blobs,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock devolve o mutex exclusivo do parent, criando se preciso.
func (m *Manager) lock(parentID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[parentID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[parentID] = l
	}
	return l
}

func (m *Manager) dropLock(parentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, parentID)
}

func parentKey(id string) string { return parentKeyPrefix + id }
func subKey(id string) string    { return subKeyPrefix + id }

func (m *Manager) loadParent(id string) (*ParentJob, error) {
	var p ParentJob
	if err := m.store.Get(parentKey(id), &p); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: parent %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &p, nil
}

func (m *Manager) saveParent(p *ParentJob) error {
	return m.store.Put(parentKey(p.ID), p)
}

// CreateParent cria o ParentJob em estado Uploading com bitsets zerados
// e persiste antes de retornar o snapshot.
func (m *Manager) CreateParent(params CreateParams) (*ParentJob, error) {
	if params.TotalChunks < 1 {
		return nil, fmt.Errorf("job: total_chunks must be >= 1, got %d", params.TotalChunks)
	}
	mode := params.CorrectionMode
	if mode == "" {
		mode = CorrectionNone
	}

	now := time.Now().UTC()
	p := &ParentJob{
		ID:                   uuid.NewString(),
		Filename:             params.Filename,
		TotalSizeBytes:       params.TotalSize,
		TargetChunkSizeBytes: params.TargetChunkSize,
		TotalChunks:          params.TotalChunks,
		Status:               StatusUploading,
		UploadedFlags:        NewBitset(params.TotalChunks),
		CompletedFlags:       NewBitset(params.TotalChunks),
		Transcripts:          make([]ChunkSlot, params.TotalChunks),
		UseCorrection:        params.UseCorrection,
		CorrectionMode:       mode,
		WebhookURL:           params.WebhookURL,
		CreatedAt:            now,
		UploadStartedAt:      now,
	}

	if err := m.saveParent(p); err != nil {
		return nil, err
	}

	m.logger.Info("parent job created",
		"parent_id", p.ID,
		"filename", p.Filename,
		"total_chunks", p.TotalChunks,
		"correction_mode", p.CorrectionMode)

	return p, nil
}

// CreateSubJob cria e persiste um SubJob vinculado ao parent, e anexa
// o id à lista do parent.
func (m *Manager) CreateSubJob(parentID string, chunkIndex int, br ByteRange, storageKey string, isPlayable bool, maxRetries int, status SubStatus) (*SubJob, error) {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sub := &SubJob{
		ID:         uuid.NewString(),
		ParentID:   parentID,
		ChunkIndex: chunkIndex,
		ByteRange:  br,
		StorageKey: storageKey,
		IsPlayable: isPlayable,
		Status:     status,
		MaxRetries: maxRetries,
		CreatedAt:  now,
	}
	if status == SubUploaded {
		sub.UploadedAt = &now
	}

	if err := m.store.Put(subKey(sub.ID), sub); err != nil {
		return nil, err
	}

	p.SubJobIDs = append(p.SubJobIDs, sub.ID)
	if err := m.saveParent(p); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetParent devolve um snapshot do parent. Leituras não pegam o lock.
func (m *Manager) GetParent(id string) (*ParentJob, error) {
	return m.loadParent(id)
}

// GetSubJob devolve um snapshot do sub-job.
func (m *Manager) GetSubJob(id string) (*SubJob, error) {
	var s SubJob
	if err := m.store.Get(subKey(id), &s); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: sub-job %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &s, nil
}

// ListParents devolve snapshots de todos os parents persistidos.
func (m *Manager) ListParents() ([]*ParentJob, error) {
	var out []*ParentJob
	err := m.store.List(parentKeyPrefix, func(key string, value []byte) error {
		var p ParentJob
		if err := json.Unmarshal(value, &p); err != nil {
			m.logger.Warn("skipping undecodable parent record", "key", key, "error", err)
			return nil
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkChunkUploaded liga uploaded_flags[i] e recalcula o progresso de
// upload. Idempotente: segunda chamada para o mesmo índice é no-op.
// A primeira marca também transiciona Uploading → Processing.
func (m *Manager) MarkChunkUploaded(parentID string, chunkIndex int) error {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, p.Status)
	}
	if chunkIndex < 0 || chunkIndex >= p.TotalChunks {
		return fmt.Errorf("job: chunk index %d out of range [0,%d)", chunkIndex, p.TotalChunks)
	}

	if p.UploadedFlags.IsSet(chunkIndex) {
		return nil
	}

	p.UploadedFlags.Set(chunkIndex)
	p.UploadedCount = p.UploadedFlags.Popcount()
	p.UploadProgress = roundPercent(p.UploadedCount, p.TotalChunks)

	if p.Status == StatusUploading && p.UploadedCount >= 1 {
		p.Status = StatusProcessing
		now := time.Now().UTC()
		p.ProcessingStartedAt = &now
	}

	p.recomputeProgress()
	return m.saveParent(p)
}

// ProcessCompletedChunk registra o resultado de um chunk. Se o bit de
// completion já estava ligado, atualiza o slot in-place sem mexer em
// contadores — é isso que torna retries seguros contra double-count.
func (m *Manager) ProcessCompletedChunk(parentID string, res ChunkResult) error {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, p.Status)
	}
	idx := res.ChunkIndex
	if idx < 0 || idx >= p.TotalChunks {
		return fmt.Errorf("job: chunk index %d out of range [0,%d)", idx, p.TotalChunks)
	}

	r := res
	if p.CompletedFlags.IsSet(idx) {
		p.Transcripts[idx] = ChunkSlot{Result: &r, Streamed: p.Transcripts[idx].Streamed}
		return m.saveParent(p)
	}

	p.CompletedFlags.Set(idx)
	if res.Skipped || res.Text != "" {
		p.CompletedCount++
	} else {
		p.FailedCount++
	}
	p.Transcripts[idx] = ChunkSlot{Result: &r}

	if p.FirstChunkCompletedAt == nil {
		now := time.Now().UTC()
		p.FirstChunkCompletedAt = &now
	}

	p.recomputeCompletion()
	return m.saveParent(p)
}

// MarkChunkFailed é o espelho de falha: grava um ChunkFailure no slot
// e incrementa failed_count, com a mesma proteção por bitset.
func (m *Manager) MarkChunkFailed(parentID string, chunkIndex int, cause string) error {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, p.Status)
	}
	if chunkIndex < 0 || chunkIndex >= p.TotalChunks {
		return fmt.Errorf("job: chunk index %d out of range [0,%d)", chunkIndex, p.TotalChunks)
	}

	failure := &ChunkFailure{ChunkIndex: chunkIndex, Error: cause, Failed: true}
	if p.CompletedFlags.IsSet(chunkIndex) {
		p.Transcripts[chunkIndex] = ChunkSlot{Failure: failure, Streamed: p.Transcripts[chunkIndex].Streamed}
		return m.saveParent(p)
	}

	p.CompletedFlags.Set(chunkIndex)
	p.FailedCount++
	p.Transcripts[chunkIndex] = ChunkSlot{Failure: failure}

	if p.FirstChunkCompletedAt == nil {
		now := time.Now().UTC()
		p.FirstChunkCompletedAt = &now
	}

	p.recomputeCompletion()
	return m.saveParent(p)
}

// CheckReadyForAssembly retorna true exatamente uma vez, quando todos
// os chunks foram contabilizados; na transição marca Assembling.
func (m *Manager) CheckReadyForAssembly(parentID string) (bool, error) {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return false, err
	}
	if p.Status == StatusAssembling || p.Status.IsTerminal() {
		return false, nil
	}
	if p.CompletedCount+p.FailedCount != p.TotalChunks {
		return false, nil
	}

	p.Status = StatusAssembling
	now := time.Now().UTC()
	p.AssemblyStartedAt = &now
	if err := m.saveParent(p); err != nil {
		return false, err
	}

	m.logger.Info("parent ready for assembly",
		"parent_id", parentID,
		"completed", p.CompletedCount,
		"failed", p.FailedCount)
	return true, nil
}

// Completion é o resultado terminal da remontagem, gravado no parent.
type Completion struct {
	Final     string
	Raw       string
	Corrected string
	Method    string
	Warnings  []string
	LLMError  string
}

// CompleteParent grava os transcripts finais e transiciona para Done.
func (m *Manager) CompleteParent(parentID string, c Completion) (*ParentJob, error) {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, p.Status)
	}
	if p.Status != StatusAssembling {
		return nil, fmt.Errorf("%w: complete_parent from %s", ErrInvalidTransition, p.Status)
	}

	now := time.Now().UTC()
	p.FinalTranscript = c.Final
	p.RawTranscript = c.Raw
	p.CorrectedTranscript = c.Corrected
	p.AssemblyMethod = c.Method
	p.AssemblyWarnings = c.Warnings
	p.LLMError = c.LLMError
	p.Progress = 100
	p.UploadProgress = 100
	p.ProcessingProgress = 100
	p.Status = StatusDone
	p.CompletedAt = &now

	if err := m.saveParent(p); err != nil {
		return nil, err
	}

	m.logger.Info("parent job done",
		"parent_id", parentID,
		"success_rate", p.SuccessRate,
		"assembly_method", c.Method)
	return p, nil
}

// FailParent transiciona para Failed a partir de qualquer estado
// não terminal, registrando a causa.
func (m *Manager) FailParent(parentID, cause string) error {
	return m.terminate(parentID, StatusFailed, cause)
}

// CancelParent transiciona para Cancelled. Sub-jobs em voo terminam,
// mas seus resultados serão recusados pelo guard de estado terminal.
func (m *Manager) CancelParent(parentID, reason string) error {
	return m.terminate(parentID, StatusCancelled, reason)
}

func (m *Manager) terminate(parentID string, status Status, cause string) error {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, p.Status)
	}

	now := time.Now().UTC()
	p.Status = status
	p.Error = cause
	p.CompletedAt = &now

	if err := m.saveParent(p); err != nil {
		return err
	}

	m.logger.Info("parent job terminated",
		"parent_id", parentID,
		"status", status,
		"cause", cause)
	return nil
}

// MarkStreamed liga o flag streamed dos índices informados. O emitter
// SSE chama isto logo após publicar cada completion.
func (m *Manager) MarkStreamed(parentID string, indices []int) error {
	if len(indices) == 0 {
		return nil
	}
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}
	for _, i := range indices {
		if i >= 0 && i < len(p.Transcripts) && !p.Transcripts[i].Empty() {
			p.Transcripts[i].Streamed = true
		}
	}
	return m.saveParent(p)
}

// GCSubJobs apaga todos os SubJobs e os bytes dos chunks no storage.
// Chamado após qualquer transição terminal — inclusive Failed e
// Cancelled, para não deixar chaves órfãs.
func (m *Manager) GCSubJobs(ctx context.Context, parentID string) error {
	l := m.lock(parentID)
	l.Lock()
	defer l.Unlock()

	p, err := m.loadParent(parentID)
	if err != nil {
		return err
	}

	for _, id := range p.SubJobIDs {
		if err := m.store.Delete(subKey(id)); err != nil {
			m.logger.Warn("failed to delete sub-job record", "sub_job_id", id, "error", err)
		}
	}
	if err := m.blobs.DeletePrefix(ctx, "uploads/"+parentID); err != nil {
		m.logger.Warn("failed to delete chunk bytes", "parent_id", parentID, "error", err)
	}

	n := len(p.SubJobIDs)
	p.SubJobIDs = nil
	if err := m.saveParent(p); err != nil {
		return err
	}

	m.logger.Info("sub-jobs collected", "parent_id", parentID, "count", n)
	return nil
}

// DeleteParent remove o parent e tudo que ele possui: sub-jobs e
// bytes dos chunks. A posse é exclusiva, então o cascade é seguro.
func (m *Manager) DeleteParent(ctx context.Context, parentID string) error {
	l := m.lock(parentID)
	l.Lock()

	p, err := m.loadParent(parentID)
	if err != nil {
		l.Unlock()
		return err
	}

	for _, id := range p.SubJobIDs {
		if err := m.store.Delete(subKey(id)); err != nil {
			m.logger.Warn("failed to delete sub-job record", "sub_job_id", id, "error", err)
		}
	}
	if err := m.blobs.DeletePrefix(ctx, "uploads/"+parentID); err != nil {
		m.logger.Warn("failed to delete chunk bytes", "parent_id", parentID, "error", err)
	}
	if err := m.store.Delete(parentKey(parentID)); err != nil {
		l.Unlock()
		return err
	}

	l.Unlock()
	m.dropLock(parentID)

	m.logger.Info("parent job deleted", "parent_id", parentID)
	return nil
}

// StartSubJob transiciona Uploaded/Failed → Processing. Qualquer outro
// estado de origem é erro de programação do chamador.
func (m *Manager) StartSubJob(subID string) (*SubJob, error) {
	s, err := m.GetSubJob(subID)
	if err != nil {
		return nil, err
	}
	if s.Status != SubUploaded && s.Status != SubFailed {
		return nil, fmt.Errorf("%w: process from sub-job state %s", ErrInvalidTransition, s.Status)
	}

	now := time.Now().UTC()
	s.Status = SubProcessing
	s.ProcessingStartedAt = &now
	if err := m.store.Put(subKey(s.ID), s); err != nil {
		return nil, err
	}
	return s, nil
}

// CompleteSubJob marca o sub-job como Done.
func (m *Manager) CompleteSubJob(subID string) error {
	s, err := m.GetSubJob(subID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Status = SubDone
	s.CompletedAt = &now
	s.Error = ""
	return m.store.Put(subKey(s.ID), s)
}

// FailSubJob marca Failed, registra a causa e incrementa retry_count.
// O chamador decide, pelo budget restante, se re-enfileira.
func (m *Manager) FailSubJob(subID, cause string) (*SubJob, error) {
	s, err := m.GetSubJob(subID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	s.Status = SubFailed
	s.Error = cause
	s.RetryCount++
	s.CompletedAt = &now
	if err := m.store.Put(subKey(s.ID), s); err != nil {
		return nil, err
	}
	return s, nil
}

// recomputeCompletion atualiza progresso de processamento e taxa de
// sucesso após contabilizar um chunk.
func (p *ParentJob) recomputeCompletion() {
	accounted := p.CompletedCount + p.FailedCount
	p.ProcessingProgress = maxInt(p.ProcessingProgress, roundPercent(accounted, p.TotalChunks))
	if accounted > 0 {
		p.SuccessRate = roundPercent(p.CompletedCount, accounted)
	}
	p.recomputeProgress()
}

// recomputeProgress combina upload e processamento. Nunca regride.
func (p *ParentJob) recomputeProgress() {
	combined := int(math.Round(float64(p.UploadProgress+p.ProcessingProgress) / 2))
	p.Progress = maxInt(p.Progress, combined)
}

func roundPercent(part, whole int) int {
	if whole <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(whole)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
