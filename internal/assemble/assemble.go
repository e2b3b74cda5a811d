// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package assemble remonta o transcript final a partir dos chunks de um
// ParentJob, reparando as bordas com merge consciente de overlap.
package assemble

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/nishisan-dev/n-scribe/internal/gate"
	"github.com/nishisan-dev/n-scribe/internal/job"
)

// overlapWindow limita a busca de sobreposição entre chunks adjacentes.
const overlapWindow = 5

// Corrector é a dependência de correção pós-processamento. O client
// real fica em internal/upstream; os testes injetam um fake.
type Corrector interface {
	Correct(ctx context.Context, text string) (string, error)
	MinChars() int
}

// Result é a saída da remontagem terminal.
type Result struct {
	Final       string
	Raw         string
	Corrected   string
	Method      string
	ValidChunks int
	LLMError    string
	Warnings    []string
}

// Assembler remonta transcripts. corrector pode ser nil (correção
// desabilitada); gates pode ser nil nos testes.
type Assembler struct {
	corrector Corrector
	gates     *gate.Registry
	logger    *slog.Logger
}

// New cria o assembler.
func New(corrector Corrector, gates *gate.Registry, logger *slog.Logger) *Assembler {
	return &Assembler{
		corrector: corrector,
		gates:     gates,
		logger:    logger.With("component", "assembler"),
	}
}

// Assemble produz o transcript final do parent. Falha de correção
// pós-processamento nunca falha a remontagem: cai para o raw e reporta
// em LLMError.
func (a *Assembler) Assemble(ctx context.Context, p *job.ParentJob) Result {
	valid := validIndices(p.Transcripts)

	res := Result{
		Method:      method(valid, p.TotalChunks),
		ValidChunks: len(valid),
	}
	if len(valid) == 0 {
		res.Warnings = append(res.Warnings, "final transcript is empty")
		return res
	}

	res.Raw = MergeTexts(textsOf(p.Transcripts, valid, func(r *job.ChunkResult) string {
		return r.RawText
	}))

	if p.UseCorrection && p.CorrectionMode == job.CorrectionPerChunk {
		res.Corrected = MergeTexts(textsOf(p.Transcripts, valid, func(r *job.ChunkResult) string {
			if r.CorrectedText != "" {
				return r.CorrectedText
			}
			return r.RawText
		}))
	}

	switch {
	case p.UseCorrection && p.CorrectionMode == job.CorrectionPostProcess:
		res.Final = a.postProcess(ctx, res.Raw, &res)
	case p.UseCorrection && p.CorrectionMode == job.CorrectionPerChunk:
		res.Final = res.Corrected
	default:
		res.Final = res.Raw
	}

	res.Warnings = append(res.Warnings, validate(p, res)...)

	a.logger.Info("assembly complete",
		"parent_id", p.ID,
		"method", res.Method,
		"valid_chunks", res.ValidChunks,
		"final_len", len(res.Final),
		"warnings", len(res.Warnings))

	return res
}

// postProcess roda a correção no transcript inteiro, sob o gate de
// correção. Qualquer erro cai para o raw.
func (a *Assembler) postProcess(ctx context.Context, raw string, res *Result) string {
	if a.corrector == nil || len(raw) < a.corrector.MinChars() {
		return raw
	}

	var corrected string
	run := func(ctx context.Context) error {
		out, err := a.corrector.Correct(ctx, raw)
		if err != nil {
			return err
		}
		corrected = out
		return nil
	}

	var err error
	if a.gates != nil {
		err = a.gates.Run(ctx, gate.Correction, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		a.logger.Warn("post-process correction failed, falling back to raw", "error", err)
		res.LLMError = err.Error()
		return raw
	}

	res.Corrected = corrected
	return corrected
}

// ContiguousPrefix devolve o transcript raw do maior prefixo contíguo
// de chunks válidos a partir do índice 0, e o índice do último chunk
// incluído (-1 quando nada completou). O emitter SSE usa isto para
// publicar parciais monotonicamente crescentes.
func ContiguousPrefix(transcripts []job.ChunkSlot) (string, int) {
	last := -1
	var texts []string
	for i, slot := range transcripts {
		if !slot.Valid() {
			break
		}
		last = i
		if !slot.Result.Skipped {
			texts = append(texts, slot.Result.RawText)
		}
	}
	if last < 0 {
		return "", -1
	}
	return MergeTexts(texts), last
}

// MergeTexts junta textos adjacentes removendo a repetição de borda:
// o maior sufixo do texto da esquerda cujos tokens (minúsculos) igualam
// um prefixo do da direita é descartado da direita antes do join.
func MergeTexts(texts []string) string {
	merged := ""
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if merged == "" {
			merged = t
			continue
		}
		merged = joinWithOverlap(merged, t)
	}
	return collapseWhitespace(merged)
}

func joinWithOverlap(left, right string) string {
	lt := strings.Fields(left)
	rt := strings.Fields(right)

	window := overlapWindow
	if len(lt) < window {
		window = len(lt)
	}
	if len(rt) < window {
		window = len(rt)
	}

	for n := window; n >= 1; n-- {
		if tokensEqualFold(lt[len(lt)-n:], rt[:n]) {
			rest := strings.Join(rt[n:], " ")
			if rest == "" {
				return left
			}
			return left + " " + rest
		}
	}
	return left + " " + right
}

func tokensEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// validIndices filtra para chunks utilizáveis, ordenados por índice.
func validIndices(transcripts []job.ChunkSlot) []int {
	var out []int
	for i, slot := range transcripts {
		if slot.Valid() {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func textsOf(transcripts []job.ChunkSlot, indices []int, pick func(*job.ChunkResult) string) []string {
	var out []string
	for _, i := range indices {
		r := transcripts[i].Result
		if r.Skipped {
			continue
		}
		out = append(out, pick(r))
	}
	return out
}

// method rotula a remontagem conforme o conjunto de chunks válidos.
func method(valid []int, totalChunks int) string {
	switch {
	case len(valid) == 0:
		return job.AssemblyNone
	case totalChunks == 1:
		return job.AssemblySingleChunk
	case isContiguousPrefix(valid):
		return job.AssemblySequential
	default:
		return job.AssemblyWithGaps
	}
}

func isContiguousPrefix(indices []int) bool {
	for i, idx := range indices {
		if idx != i {
			return false
		}
	}
	return true
}

// validate emite avisos de sanidade. Avisos nunca falham o job.
func validate(p *job.ParentJob, res Result) []string {
	var warnings []string
	if strings.TrimSpace(res.Final) == "" {
		warnings = append(warnings, "final transcript is empty")
	}
	if p.SuccessRate < 50 {
		warnings = append(warnings, "success rate below 50%")
	}
	if res.Raw != "" {
		delta := math.Abs(float64(len(res.Final))-float64(len(res.Raw))) / float64(len(res.Raw))
		if delta > 0.5 {
			warnings = append(warnings, "final transcript length deviates more than 50% from raw")
		}
	}
	return warnings
}
