// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/assemble"
	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/store/kv"
	"github.com/nishisan-dev/n-scribe/internal/upstream"
)

// fakeSTT responde por payload: o conteúdo do chunk escolhe o texto ou
// o erro. failOnce injeta uma falha retryable na primeira chamada.
type fakeSTT struct {
	mu       sync.Mutex
	texts    map[string]string
	errs     map[string]error
	failOnce map[string]error
	calls    int
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, filename string) (*upstream.TranscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	key := string(audio)
	if err, ok := f.failOnce[key]; ok {
		delete(f.failOnce, key)
		return nil, err
	}
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return &upstream.TranscriptionResult{Text: f.texts[key]}, nil
}

type fakeLLM struct {
	out string
	err error
}

func (f *fakeLLM) Correct(ctx context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.out, nil
}

func (f *fakeLLM) MinChars() int { return 1 }

type captureNotifier struct {
	mu      sync.Mutex
	parents []*job.ParentJob
}

func (n *captureNotifier) NotifyTerminal(ctx context.Context, p *job.ParentJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parents = append(n.parents, p)
}

type fixture struct {
	manager  *job.Manager
	blobs    blob.Store
	queue    *Queue
	pool     *Pool
	stt      *fakeSTT
	notifier *captureNotifier
}

func newFixture(t *testing.T, stt *fakeSTT, llm CorrectAPI) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := kv.Open("", time.Hour, nil)
	if err != nil {
		t.Fatalf("opening kv: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	manager := job.NewManager(store, blobs, logger)
	gates := gate.NewRegistry(logger, map[gate.ID]gate.Limits{
		gate.Transcription:   {MaxConcurrent: 4},
		gate.Correction:      {MaxConcurrent: 4},
		gate.JobSpawn:        {MaxConcurrent: 2},
		gate.ChunkProcessing: {MaxConcurrent: 4},
	})

	queue := NewQueue(64, logger)
	processor := NewProcessor(manager, blobs, stt, llm, gates, logger)
	assembler := assemble.New(nil, gates, logger)
	notifier := &captureNotifier{}
	pool := NewPool(2, queue, processor, manager, assembler, gates, notifier, logger)

	return &fixture{
		manager:  manager,
		blobs:    blobs,
		queue:    queue,
		pool:     pool,
		stt:      stt,
		notifier: notifier,
	}
}

// seedJob cria parent + sub-jobs com os payloads dados e enfileira tudo.
func (fx *fixture) seedJob(t *testing.T, payloads []string, correction job.CorrectionMode) *job.ParentJob {
	t.Helper()
	ctx := context.Background()

	p, err := fx.manager.CreateParent(job.CreateParams{
		Filename:        "audio.mp3",
		TotalSize:       int64(len(payloads)) * 10,
		TargetChunkSize: 10,
		TotalChunks:     len(payloads),
		UseCorrection:   correction != job.CorrectionNone,
		CorrectionMode:  correction,
	})
	if err != nil {
		t.Fatalf("creating parent: %v", err)
	}

	for i, payload := range payloads {
		key := fmt.Sprintf("uploads/%s/chunk.%d.mp3", p.ID, i)
		if err := fx.blobs.Put(ctx, key, []byte(payload)); err != nil {
			t.Fatalf("putting chunk %d: %v", i, err)
		}
		sub, err := fx.manager.CreateSubJob(p.ID, i, job.ByteRange{Start: int64(i * 10), End: int64((i + 1) * 10)}, key, true, 3, job.SubUploaded)
		if err != nil {
			t.Fatalf("creating sub-job %d: %v", i, err)
		}
		if err := fx.manager.MarkChunkUploaded(p.ID, i); err != nil {
			t.Fatalf("marking uploaded %d: %v", i, err)
		}
		if err := fx.queue.Enqueue(ctx, Item{ParentID: p.ID, SubJobID: sub.ID, ChunkIndex: i}); err != nil {
			t.Fatalf("enqueueing %d: %v", i, err)
		}
	}
	return p
}

// runUntilTerminal roda o pool até o parent terminar ou o prazo vencer.
func (fx *fixture) runUntilTerminal(t *testing.T, parentID string, deadline time.Duration) *job.ParentJob {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		fx.pool.Run(ctx)
		close(done)
	}()

	defer func() {
		cancel()
		<-done
	}()

	expire := time.After(deadline)
	for {
		select {
		case <-expire:
			p, _ := fx.manager.GetParent(parentID)
			t.Fatalf("job did not finish in %s: %+v", deadline, p)
		case <-time.After(20 * time.Millisecond):
			p, err := fx.manager.GetParent(parentID)
			if err != nil {
				t.Fatalf("get parent: %v", err)
			}
			if p.Status.IsTerminal() {
				return p
			}
		}
	}
}

func TestPoolHappyPath(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{
		"a": "hello world",
		"b": "world this is",
		"c": "is a test",
	}}
	fx := newFixture(t, stt, nil)
	p := fx.seedJob(t, []string{"a", "b", "c"}, job.CorrectionNone)

	final := fx.runUntilTerminal(t, p.ID, 5*time.Second)

	if final.Status != job.StatusDone {
		t.Fatalf("expected done, got %s (%s)", final.Status, final.Error)
	}
	if final.FinalTranscript != "hello world this is a test" {
		t.Fatalf("bad final transcript: %q", final.FinalTranscript)
	}
	if final.AssemblyMethod != job.AssemblySequential {
		t.Fatalf("expected sequential assembly, got %s", final.AssemblyMethod)
	}
	if final.SuccessRate != 100 || final.Progress != 100 {
		t.Fatalf("bad terminal stats: rate=%d progress=%d", final.SuccessRate, final.Progress)
	}
	if len(fx.notifier.parents) != 1 {
		t.Fatalf("expected one terminal notification, got %d", len(fx.notifier.parents))
	}
	// GC roda logo depois do Done; espera os sub-jobs sumirem.
	deadline := time.After(2 * time.Second)
	for {
		got, _ := fx.manager.GetParent(p.ID)
		if len(got.SubJobIDs) == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sub-jobs not collected: %v", got.SubJobIDs)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolRetryableFailureRecovers(t *testing.T) {
	stt := &fakeSTT{
		texts: map[string]string{"a": "first", "b": "second"},
		failOnce: map[string]error{
			"b": &upstream.APIError{Upstream: "transcription", StatusCode: 503},
		},
	}
	fx := newFixture(t, stt, nil)
	p := fx.seedJob(t, []string{"a", "b"}, job.CorrectionNone)

	final := fx.runUntilTerminal(t, p.ID, 10*time.Second)

	if final.Status != job.StatusDone {
		t.Fatalf("expected done after retry, got %s", final.Status)
	}
	if final.SuccessRate != 100 {
		t.Fatalf("expected success_rate 100, got %d", final.SuccessRate)
	}
}

func TestPoolTerminalFailureMarksChunk(t *testing.T) {
	stt := &fakeSTT{
		texts: map[string]string{"a": "good text"},
		errs: map[string]error{
			"b": &upstream.APIError{Upstream: "transcription", StatusCode: 422},
		},
	}
	fx := newFixture(t, stt, nil)
	p := fx.seedJob(t, []string{"a", "b"}, job.CorrectionNone)

	final := fx.runUntilTerminal(t, p.ID, 5*time.Second)

	if final.Status != job.StatusDone {
		t.Fatalf("expected done with gaps, got %s", final.Status)
	}
	if final.AssemblyMethod != job.AssemblyWithGaps && final.AssemblyMethod != job.AssemblySequential {
		t.Fatalf("unexpected assembly method %s", final.AssemblyMethod)
	}
	if final.SuccessRate != 50 {
		t.Fatalf("expected success_rate 50, got %d", final.SuccessRate)
	}
	if final.Transcripts[1].Failure == nil {
		t.Fatal("chunk 1 must hold a failure")
	}
}

func TestPoolAllChunksFailParentFails(t *testing.T) {
	stt := &fakeSTT{errs: map[string]error{
		"a": &upstream.APIError{Upstream: "transcription", StatusCode: 401},
		"b": &upstream.APIError{Upstream: "transcription", StatusCode: 401},
	}}
	fx := newFixture(t, stt, nil)
	p := fx.seedJob(t, []string{"a", "b"}, job.CorrectionNone)

	final := fx.runUntilTerminal(t, p.ID, 5*time.Second)

	if final.Status != job.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.SuccessRate != 0 {
		t.Fatalf("expected success_rate 0, got %d", final.SuccessRate)
	}
	if len(fx.notifier.parents) != 1 {
		t.Fatalf("terminal notification must fire on failure too, got %d", len(fx.notifier.parents))
	}
}

func TestProcessorHeaderOnlyChunkSkipped(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{"hdr": ""}}
	fx := newFixture(t, stt, nil)
	ctx := context.Background()

	p, err := fx.manager.CreateParent(job.CreateParams{
		Filename: "audio.mp3", TotalSize: 10, TargetChunkSize: 10, TotalChunks: 1,
	})
	if err != nil {
		t.Fatalf("creating parent: %v", err)
	}
	key := "uploads/" + p.ID + "/chunk.0.mp3"
	if err := fx.blobs.Put(ctx, key, []byte("hdr")); err != nil {
		t.Fatalf("put: %v", err)
	}
	// is_playable = false: chunk só com header de container.
	sub, err := fx.manager.CreateSubJob(p.ID, 0, job.ByteRange{End: 10}, key, false, 3, job.SubUploaded)
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}

	processor := NewProcessor(fx.manager, fx.blobs, stt, nil, testGates(), testLogger())
	res, err := processor.Process(ctx, Item{ParentID: p.ID, SubJobID: sub.ID, ChunkIndex: 0})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !res.Skipped || res.SkipReason != "header-only" {
		t.Fatalf("expected header-only skip, got %+v", res)
	}
}

func TestProcessorBlankPlayableChunkFails(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{"x": "   "}}
	fx := newFixture(t, stt, nil)
	ctx := context.Background()

	p, _ := fx.manager.CreateParent(job.CreateParams{
		Filename: "audio.mp3", TotalSize: 10, TargetChunkSize: 10, TotalChunks: 1,
	})
	key := "uploads/" + p.ID + "/chunk.0.mp3"
	_ = fx.blobs.Put(ctx, key, []byte("x"))
	sub, _ := fx.manager.CreateSubJob(p.ID, 0, job.ByteRange{End: 10}, key, true, 3, job.SubUploaded)

	processor := NewProcessor(fx.manager, fx.blobs, stt, nil, testGates(), testLogger())
	_, err := processor.Process(ctx, Item{ParentID: p.ID, SubJobID: sub.ID, ChunkIndex: 0})
	if !errors.Is(err, ErrBlankTranscript) {
		t.Fatalf("expected ErrBlankTranscript, got %v", err)
	}
	// Vazio é terminal, não retryable.
	if upstream.Retryable(err) {
		t.Fatal("blank transcript must not be retryable")
	}
}

func TestPoolPerChunkCorrectionFallback(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{"a": "helo world"}}
	llm := &fakeLLM{err: errors.New("llm down")}
	fx := newFixture(t, stt, llm)
	p := fx.seedJob(t, []string{"a"}, job.CorrectionPerChunk)

	final := fx.runUntilTerminal(t, p.ID, 5*time.Second)

	if final.Status != job.StatusDone {
		t.Fatalf("correction failure must not fail the job, got %s", final.Status)
	}
	res := final.Transcripts[0].Result
	if res.CorrectionApplied {
		t.Fatal("correction_applied must be false")
	}
	if res.CorrectionError == "" {
		t.Fatal("correction_error must be recorded")
	}
	if final.FinalTranscript != "helo world" {
		t.Fatalf("final must equal raw, got %q", final.FinalTranscript)
	}
}

func TestPoolPerChunkCorrectionApplied(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{"a": "helo world"}}
	llm := &fakeLLM{out: "Hello world"}
	fx := newFixture(t, stt, llm)
	p := fx.seedJob(t, []string{"a"}, job.CorrectionPerChunk)

	final := fx.runUntilTerminal(t, p.ID, 5*time.Second)

	if final.FinalTranscript != "Hello world" {
		t.Fatalf("expected corrected final, got %q", final.FinalTranscript)
	}
	if final.RawTranscript != "helo world" {
		t.Fatalf("raw must be preserved, got %q", final.RawTranscript)
	}
	if !final.Transcripts[0].Result.CorrectionApplied {
		t.Fatal("correction_applied must be true")
	}
}

func TestStallTrackerRequeuesStuckSubJob(t *testing.T) {
	stt := &fakeSTT{texts: map[string]string{"a": "recovered text"}}
	fx := newFixture(t, stt, nil)
	ctx := context.Background()

	p, _ := fx.manager.CreateParent(job.CreateParams{
		Filename: "audio.mp3", TotalSize: 10, TargetChunkSize: 10, TotalChunks: 1,
	})
	key := "uploads/" + p.ID + "/chunk.0.mp3"
	_ = fx.blobs.Put(ctx, key, []byte("a"))
	sub, _ := fx.manager.CreateSubJob(p.ID, 0, job.ByteRange{End: 10}, key, true, 3, job.SubUploaded)
	_ = fx.manager.MarkChunkUploaded(p.ID, 0)

	// Simula worker que morreu no meio do processamento.
	if _, err := fx.manager.StartSubJob(sub.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	tracker := NewStallTracker(fx.manager, fx.queue, fx.pool, time.Millisecond, time.Hour, 5, testLogger())
	time.Sleep(5 * time.Millisecond)
	tracker.Sweep(ctx)

	got, _ := fx.manager.GetSubJob(sub.ID)
	if got.Status != job.SubFailed || got.RetryCount != 1 {
		t.Fatalf("expected failed with retry 1, got %+v", got)
	}

	// O requeue entra com backoff 2^1 = 2s; o pool recupera o chunk.
	final := fx.runUntilTerminal(t, p.ID, 10*time.Second)
	if final.Status != job.StatusDone {
		t.Fatalf("expected done after stall recovery, got %s", final.Status)
	}
}

func TestStallTrackerHonoursCycleBudget(t *testing.T) {
	stt := &fakeSTT{}
	fx := newFixture(t, stt, nil)
	ctx := context.Background()

	p, _ := fx.manager.CreateParent(job.CreateParams{
		Filename: "audio.mp3", TotalSize: 30, TargetChunkSize: 10, TotalChunks: 3,
	})
	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("uploads/%s/chunk.%d.mp3", p.ID, i)
		_ = fx.blobs.Put(ctx, key, []byte("x"))
		sub, _ := fx.manager.CreateSubJob(p.ID, i, job.ByteRange{}, key, true, 3, job.SubUploaded)
		_ = fx.manager.MarkChunkUploaded(p.ID, i)
		if _, err := fx.manager.StartSubJob(sub.ID); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	tracker := NewStallTracker(fx.manager, fx.queue, nil, time.Millisecond, time.Hour, 1, testLogger())
	time.Sleep(5 * time.Millisecond)
	tracker.Sweep(ctx)

	recovered := 0
	got, _ := fx.manager.GetParent(p.ID)
	for _, id := range got.SubJobIDs {
		s, _ := fx.manager.GetSubJob(id)
		if s.Status == job.SubFailed {
			recovered++
		}
	}
	if recovered != 1 {
		t.Fatalf("cycle budget of 1 must recover exactly one sub-job, got %d", recovered)
	}
}

func testGates() *gate.Registry {
	return gate.NewRegistry(testLogger(), map[gate.ID]gate.Limits{
		gate.Transcription:   {MaxConcurrent: 2},
		gate.Correction:      {MaxConcurrent: 2},
		gate.JobSpawn:        {MaxConcurrent: 2},
		gate.ChunkProcessing: {MaxConcurrent: 2},
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
