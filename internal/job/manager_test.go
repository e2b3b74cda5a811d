// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-scribe/internal/store/blob"
	"github.com/nishisan-dev/n-scribe/internal/store/kv"
)

func newTestManager(t *testing.T) (*Manager, blob.Store) {
	t.Helper()
	store, err := kv.Open("", time.Hour, nil)
	if err != nil {
		t.Fatalf("opening kv: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("creating blob store: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(store, blobs, logger), blobs
}

func createParent(t *testing.T, m *Manager, chunks int) *ParentJob {
	t.Helper()
	p, err := m.CreateParent(CreateParams{
		Filename:        "audio.mp3",
		TotalSize:       int64(chunks) * 1024,
		TargetChunkSize: 1024,
		TotalChunks:     chunks,
	})
	if err != nil {
		t.Fatalf("creating parent: %v", err)
	}
	return p
}

func assertInvariants(t *testing.T, p *ParentJob) {
	t.Helper()
	if p.UploadedFlags.Popcount() != p.UploadedCount {
		t.Fatalf("uploaded_count %d != popcount %d", p.UploadedCount, p.UploadedFlags.Popcount())
	}
	if p.CompletedFlags.Popcount() != p.CompletedCount+p.FailedCount {
		t.Fatalf("completed+failed %d != popcount %d",
			p.CompletedCount+p.FailedCount, p.CompletedFlags.Popcount())
	}
	for i, slot := range p.Transcripts {
		if slot.Empty() == p.CompletedFlags.IsSet(i) {
			t.Fatalf("slot %d emptiness disagrees with completed flag", i)
		}
	}
}

func TestCreateParentInitialState(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 3)

	if p.Status != StatusUploading {
		t.Fatalf("expected uploading, got %s", p.Status)
	}
	if p.TotalChunks != 3 || len(p.Transcripts) != 3 {
		t.Fatalf("unexpected chunk bookkeeping: %d / %d", p.TotalChunks, len(p.Transcripts))
	}
	assertInvariants(t, p)
}

func TestMarkChunkUploadedIsIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 4)

	for i := 0; i < 3; i++ {
		if err := m.MarkChunkUploaded(p.ID, 0); err != nil {
			t.Fatalf("mark uploaded: %v", err)
		}
	}

	got, err := m.GetParent(p.ID)
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.UploadedCount != 1 {
		t.Fatalf("expected uploaded_count 1 after repeated marks, got %d", got.UploadedCount)
	}
	if got.Status != StatusProcessing {
		t.Fatalf("first upload must move to processing, got %s", got.Status)
	}
	if got.ProcessingStartedAt == nil {
		t.Fatal("processing_started_at must be stamped")
	}
	assertInvariants(t, got)
}

func TestProcessCompletedChunkDoubleCountProtection(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 2)
	mustUpload(t, m, p.ID, 0, 1)

	res := ChunkResult{ChunkIndex: 0, Text: "first pass", RawText: "first pass"}
	if err := m.ProcessCompletedChunk(p.ID, res); err != nil {
		t.Fatalf("first completion: %v", err)
	}

	// Retry do mesmo chunk: texto atualizado, contadores intactos.
	res.Text = "second pass"
	res.RawText = "second pass"
	if err := m.ProcessCompletedChunk(p.ID, res); err != nil {
		t.Fatalf("second completion: %v", err)
	}

	got, _ := m.GetParent(p.ID)
	if got.CompletedCount != 1 {
		t.Fatalf("expected completed_count 1, got %d", got.CompletedCount)
	}
	if got.Transcripts[0].Result.Text != "second pass" {
		t.Fatalf("expected in-place update, got %q", got.Transcripts[0].Result.Text)
	}
	assertInvariants(t, got)
}

func TestBlankNonSkippedResultCountsAsFailure(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 2)
	mustUpload(t, m, p.ID, 0, 1)

	if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 1}); err != nil {
		t.Fatalf("completion: %v", err)
	}

	got, _ := m.GetParent(p.ID)
	if got.FailedCount != 1 || got.CompletedCount != 0 {
		t.Fatalf("blank result must count as failure: completed=%d failed=%d",
			got.CompletedCount, got.FailedCount)
	}
}

func TestSkippedChunkCountsAsCompleted(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 2)
	mustUpload(t, m, p.ID, 0, 1)

	res := ChunkResult{ChunkIndex: 0, Skipped: true, SkipReason: "header-only"}
	if err := m.ProcessCompletedChunk(p.ID, res); err != nil {
		t.Fatalf("completion: %v", err)
	}

	got, _ := m.GetParent(p.ID)
	if got.CompletedCount != 1 || got.FailedCount != 0 {
		t.Fatalf("skipped chunk must count as completed: completed=%d failed=%d",
			got.CompletedCount, got.FailedCount)
	}
}

func TestReadyForAssemblyFiresOnce(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 2)
	mustUpload(t, m, p.ID, 0, 1)

	for i := 0; i < 2; i++ {
		if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: i, Text: "x", RawText: "x"}); err != nil {
			t.Fatalf("completion %d: %v", i, err)
		}
	}

	ready, err := m.CheckReadyForAssembly(p.ID)
	if err != nil || !ready {
		t.Fatalf("expected ready=true, got %v / %v", ready, err)
	}
	ready, err = m.CheckReadyForAssembly(p.ID)
	if err != nil || ready {
		t.Fatalf("second check must be false, got %v / %v", ready, err)
	}

	got, _ := m.GetParent(p.ID)
	if got.Status != StatusAssembling || got.AssemblyStartedAt == nil {
		t.Fatalf("expected assembling with timestamp, got %s", got.Status)
	}
}

func TestCompleteParentLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 1)
	mustUpload(t, m, p.ID, 0)
	if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 0, Text: "hello", RawText: "hello"}); err != nil {
		t.Fatalf("completion: %v", err)
	}
	if ready, _ := m.CheckReadyForAssembly(p.ID); !ready {
		t.Fatal("expected ready for assembly")
	}

	done, err := m.CompleteParent(p.ID, Completion{
		Final: "hello", Raw: "hello", Method: AssemblySingleChunk,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusDone || done.Progress != 100 || done.CompletedAt == nil {
		t.Fatalf("bad terminal state: %+v", done)
	}
	if done.SuccessRate != 100 {
		t.Fatalf("expected success_rate 100, got %d", done.SuccessRate)
	}

	// Estado terminal congela contadores.
	err = m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 0, Text: "late", RawText: "late"})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestCompleteParentRequiresAssembling(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 2)

	if _, err := m.CompleteParent(p.ID, Completion{Final: "x", Raw: "x", Method: AssemblyNone}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelRefusesLateResults(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 3)
	mustUpload(t, m, p.ID, 0, 1, 2)

	if err := m.CancelParent(p.ID, "user requested"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 0, Text: "x", RawText: "x"})
	if !errors.Is(err, ErrTerminal) {
		t.Fatalf("in-flight result must be discarded, got %v", err)
	}
	if err := m.CancelParent(p.ID, "again"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("double cancel must fail, got %v", err)
	}
}

func TestSuccessRateWithFailures(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 10)
	for i := 0; i < 10; i++ {
		mustUpload(t, m, p.ID, i)
	}
	for i := 0; i < 10; i++ {
		if i == 7 {
			if err := m.MarkChunkFailed(p.ID, i, "terminal upstream error"); err != nil {
				t.Fatalf("fail chunk: %v", err)
			}
			continue
		}
		if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: i, Text: "t", RawText: "t"}); err != nil {
			t.Fatalf("completion %d: %v", i, err)
		}
	}

	got, _ := m.GetParent(p.ID)
	if got.SuccessRate != 90 {
		t.Fatalf("expected success_rate 90, got %d", got.SuccessRate)
	}
	if got.Transcripts[7].Failure == nil {
		t.Fatal("slot 7 must hold a failure")
	}
	assertInvariants(t, got)
}

func TestProgressNeverDecreases(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 4)

	last := 0
	for i := 0; i < 4; i++ {
		mustUpload(t, m, p.ID, i)
		if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: i, Text: "x", RawText: "x"}); err != nil {
			t.Fatalf("completion %d: %v", i, err)
		}
		got, _ := m.GetParent(p.ID)
		if got.Progress < last {
			t.Fatalf("progress regressed from %d to %d", last, got.Progress)
		}
		last = got.Progress
	}
}

func TestConcurrentCompletionsStayConsistent(t *testing.T) {
	m, _ := newTestManager(t)
	const chunks = 16
	p := createParent(t, m, chunks)
	for i := 0; i < chunks; i++ {
		mustUpload(t, m, p.ID, i)
	}

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		// Cada chunk completa duas vezes, de goroutines distintas.
		for rep := 0; rep < 2; rep++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				_ = m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: idx, Text: "t", RawText: "t"})
			}(i)
		}
	}
	wg.Wait()

	got, _ := m.GetParent(p.ID)
	if got.CompletedCount != chunks {
		t.Fatalf("expected completed_count %d, got %d", chunks, got.CompletedCount)
	}
	assertInvariants(t, got)
}

func TestGCSubJobsCascades(t *testing.T) {
	m, blobs := newTestManager(t)
	ctx := context.Background()
	p := createParent(t, m, 2)

	var subIDs []string
	for i := 0; i < 2; i++ {
		key := "uploads/" + p.ID + "/chunk.0.mp3"
		if err := blobs.Put(ctx, key, []byte("bytes")); err != nil {
			t.Fatalf("put blob: %v", err)
		}
		sub, err := m.CreateSubJob(p.ID, i, ByteRange{Start: 0, End: 5}, key, true, 3, SubUploaded)
		if err != nil {
			t.Fatalf("create sub: %v", err)
		}
		subIDs = append(subIDs, sub.ID)
	}

	if err := m.GCSubJobs(ctx, p.ID); err != nil {
		t.Fatalf("gc: %v", err)
	}

	for _, id := range subIDs {
		if _, err := m.GetSubJob(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("sub-job %s should be gone, got %v", id, err)
		}
	}
	got, _ := m.GetParent(p.ID)
	if len(got.SubJobIDs) != 0 {
		t.Fatalf("sub-job list must be cleared, got %v", got.SubJobIDs)
	}
	if _, err := blobs.Get(ctx, "uploads/"+p.ID+"/chunk.0.mp3"); !errors.Is(err, blob.ErrNotFound) {
		t.Fatal("chunk bytes must be deleted")
	}
}

func TestDeleteParentCascades(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	p := createParent(t, m, 1)
	sub, err := m.CreateSubJob(p.ID, 0, ByteRange{}, "uploads/"+p.ID+"/chunk.0.mp3", true, 3, SubUploaded)
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}

	if err := m.DeleteParent(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetParent(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("parent should be gone, got %v", err)
	}
	if _, err := m.GetSubJob(sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sub-job should be gone, got %v", err)
	}
}

func TestSubJobStateMachine(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 1)
	sub, err := m.CreateSubJob(p.ID, 0, ByteRange{}, "k", true, 3, SubUploaded)
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}

	started, err := m.StartSubJob(sub.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != SubProcessing {
		t.Fatalf("expected processing, got %s", started.Status)
	}

	// Processing não é estado de origem válido para novo start.
	if _, err := m.StartSubJob(sub.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	failed, err := m.FailSubJob(sub.ID, "boom")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.RetryCount != 1 || failed.Status != SubFailed {
		t.Fatalf("bad failed state: %+v", failed)
	}

	// Failed pode reprocessar.
	if _, err := m.StartSubJob(sub.ID); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
	if err := m.CompleteSubJob(sub.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := m.GetSubJob(sub.ID)
	if got.Status != SubDone || got.Error != "" {
		t.Fatalf("bad done state: %+v", got)
	}
}

func TestMarkStreamedOnlyTouchesFilledSlots(t *testing.T) {
	m, _ := newTestManager(t)
	p := createParent(t, m, 3)
	mustUpload(t, m, p.ID, 0, 1, 2)
	if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 1, Text: "x", RawText: "x"}); err != nil {
		t.Fatalf("completion: %v", err)
	}

	if err := m.MarkStreamed(p.ID, []int{0, 1, 2}); err != nil {
		t.Fatalf("mark streamed: %v", err)
	}

	got, _ := m.GetParent(p.ID)
	if got.Transcripts[0].Streamed || got.Transcripts[2].Streamed {
		t.Fatal("empty slots must not be marked streamed")
	}
	if !got.Transcripts[1].Streamed {
		t.Fatal("filled slot must be marked streamed")
	}

	// Retry depois de streamado preserva o flag.
	if err := m.ProcessCompletedChunk(p.ID, ChunkResult{ChunkIndex: 1, Text: "y", RawText: "y"}); err != nil {
		t.Fatalf("retry completion: %v", err)
	}
	got, _ = m.GetParent(p.ID)
	if !got.Transcripts[1].Streamed {
		t.Fatal("streamed flag must survive in-place updates")
	}
}

func mustUpload(t *testing.T, m *Manager, parentID string, indices ...int) {
	t.Helper()
	for _, i := range indices {
		if err := m.MarkChunkUploaded(parentID, i); err != nil {
			t.Fatalf("mark uploaded %d: %v", i, err)
		}
	}
}
