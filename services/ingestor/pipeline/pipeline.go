// Package pipeline drives the classify, extract, sanitize, validate,
// repair loop for one submission, with bounded attempts and a safety-mode
// fallback bundle when the budget runs out.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/fhir"
	"github.com/fhirbridge/fhirbridge/services/ingestor/firewall"
	"github.com/fhirbridge/fhirbridge/services/ingestor/observability"
	"github.com/fhirbridge/fhirbridge/services/ingestor/parser"
	"github.com/fhirbridge/fhirbridge/services/ingestor/prompts"
	"github.com/fhirbridge/fhirbridge/services/ingestor/terminology"
	"github.com/fhirbridge/fhirbridge/services/llm"
)

// Errors surfaced to the HTTP layer. Everything else is recovered
// internally via the repair loop or the fallback bundle.
var (
	// ErrLLMBusy means the concurrency gate rejected the call after the
	// bounded wait. Maps to 503 with Retry-After.
	ErrLLMBusy = errors.New("pipeline: llm concurrency limit reached")

	// ErrUpstream means the LLM endpoint stayed unreachable after the
	// client's own retries. Maps to 503.
	ErrUpstream = errors.New("pipeline: upstream llm unavailable")
)

// SourceFile is one uploaded document handed to the pipeline.
type SourceFile struct {
	Name string
	MIME string
	Data []byte
}

// Result is the outcome of one pipeline run. BundleJSON is never empty:
// degraded runs carry the fallback bundle.
type Result struct {
	BundleJSON []byte
	Status     string
	Modality   datatypes.Modality
	Raw        string
	Attempts   int
	Notes      []firewall.RepairNote
	Elapsed    time.Duration
}

// Options configures an Orchestrator.
type Options struct {
	Chat        llm.ChatClient
	Terms       *terminology.Map
	Firewall    firewall.Config
	MaxAttempts int
	Concurrency int64
	// SemaphoreWait bounds how long a call queues for the concurrency
	// gate before being rejected with ErrLLMBusy.
	SemaphoreWait time.Duration
	ThinkStart    string
	ThinkEnd      string
	Metrics       *observability.Metrics
}

// Orchestrator is the per-process pipeline engine. Safe for concurrent
// use; the semaphore is the only shared mutable state.
type Orchestrator struct {
	chat        llm.ChatClient
	parser      *parser.Parser
	fw          *firewall.Firewall
	builder     *fhir.Builder
	sem         *semaphore.Weighted
	semWait     time.Duration
	maxAttempts int
	metrics     *observability.Metrics
}

func New(opts Options) *Orchestrator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.SemaphoreWait <= 0 {
		opts.SemaphoreWait = 30 * time.Second
	}
	if opts.Terms == nil {
		opts.Terms = terminology.New()
	}
	return &Orchestrator{
		chat:        opts.Chat,
		parser:      parser.New(opts.ThinkStart, opts.ThinkEnd),
		fw:          firewall.New(opts.Terms, opts.Firewall),
		builder:     fhir.NewBuilder(opts.Terms),
		sem:         semaphore.NewWeighted(opts.Concurrency),
		semWait:     opts.SemaphoreWait,
		maxAttempts: opts.MaxAttempts,
		metrics:     opts.Metrics,
	}
}

// Ingest runs the full pipeline for one submission. The returned error is
// non-nil only for ErrLLMBusy, ErrUpstream or context cancellation;
// extraction failures degrade to a fallback bundle instead.
func (o *Orchestrator) Ingest(ctx context.Context, patientID, submissionID string, files []SourceFile) (*Result, error) {
	start := time.Now()
	images := make([]llm.ImagePart, len(files))
	for i, f := range files {
		images[i] = llm.ImagePart{MIME: f.MIME, Data: f.Data}
	}

	modality, err := o.classify(ctx, images)
	if err != nil {
		return nil, err
	}
	slog.Info("Classified submission", "submission_id", submissionID, "modality", modality)

	var (
		attempts int
		lastRaw  string
		lastEx   *datatypes.Extraction
		notes    []firewall.RepairNote
		history  []string
	)
	messages := prompts.Extract(modality, images)

	for attempts < o.maxAttempts {
		attempts++
		op := observability.OpExtract
		if attempts > 1 {
			op = observability.OpRepair
		}
		raw, err := o.call(ctx, op, messages)
		if err != nil {
			return nil, err
		}
		lastRaw = raw

		ex, perr := o.parser.Parse(raw, modality)
		if perr != nil {
			issue := "the output could not be parsed as JSON or a TSV table"
			history = append(history, fmt.Sprintf("attempt %d: unparseable output", attempts))
			messages = prompts.Repair(modality, raw, []string{issue}, strings.Join(history, "\n"))
			slog.Warn("Extraction unparseable", "submission_id", submissionID, "attempt", attempts)
			continue
		}
		if ex.Modality == datatypes.ModalityUnknown {
			ex.Modality = modality
		}

		notes = o.fw.Sanitize(ex)
		for _, n := range notes {
			o.metrics.RecordRepairRule(n.Rule)
		}
		lastEx = ex

		issues := o.fw.Validate(ex)
		if len(issues) == 0 {
			bundleJSON, verr := o.buildAndValidate(ex, patientID, submissionID)
			if verr == nil {
				o.metrics.RecordIngest(datatypes.StatusCompleted, string(ex.Modality), attempts)
				return &Result{
					BundleJSON: bundleJSON,
					Status:     datatypes.StatusCompleted,
					Modality:   ex.Modality,
					Raw:        lastRaw,
					Attempts:   attempts,
					Notes:      notes,
					Elapsed:    time.Since(start),
				}, nil
			}
			// An invalid bundle spends the same repair budget.
			history = append(history, fmt.Sprintf("attempt %d: bundle invalid", attempts))
			messages = prompts.Repair(modality, raw, []string{verr.Error()}, strings.Join(history, "\n"))
			slog.Warn("Bundle failed minimal validation", "submission_id", submissionID, "attempt", attempts, "error", verr)
			continue
		}

		history = append(history, fmt.Sprintf("attempt %d: failed (%d issue(s))", attempts, len(issues)))
		messages = prompts.Repair(modality, raw, firewall.IssueStrings(issues), strings.Join(history, "\n"))
		slog.Warn("Extraction incomplete, repairing",
			"submission_id", submissionID, "attempt", attempts, "issues", len(issues))
	}

	return o.fallback(patientID, submissionID, modality, lastEx, lastRaw, notes, attempts, start), nil
}

// fallback emits the safety-mode result once the repair budget is spent.
// A partial extraction still ships its rows; a run that never produced a
// usable extraction ships the annotation-only bundle and counts as failed.
func (o *Orchestrator) fallback(patientID, submissionID string, modality datatypes.Modality,
	lastEx *datatypes.Extraction, lastRaw string, notes []firewall.RepairNote,
	attempts int, start time.Time) *Result {

	status := datatypes.StatusPartial
	var bundleJSON []byte
	if lastEx != nil && (len(lastEx.Rows) > 0 || len(lastEx.Medications) > 0) {
		if built, err := o.buildAndValidate(lastEx, patientID, submissionID); err == nil {
			bundleJSON = built
		}
	}
	if bundleJSON == nil {
		status = datatypes.StatusFailed
		bundleJSON, _ = json.Marshal(o.builder.Fallback(lastEx, patientID, submissionID))
	}
	if lastEx != nil {
		modality = lastEx.Modality
	}
	slog.Warn("Extraction degraded, using fallback",
		"submission_id", submissionID, "status", status, "attempts", attempts)
	o.metrics.RecordIngest(status, string(modality), attempts)
	return &Result{
		BundleJSON: bundleJSON,
		Status:     status,
		Modality:   modality,
		Raw:        lastRaw,
		Attempts:   attempts,
		Notes:      notes,
		Elapsed:    time.Since(start),
	}
}

func (o *Orchestrator) buildAndValidate(ex *datatypes.Extraction, patientID, submissionID string) ([]byte, error) {
	bundle := o.builder.Build(ex, patientID, submissionID)
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, err
	}
	if err := fhir.ValidateMinimal(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// classify runs the modality call. Upstream transport failures are not
// fatal here: the extractor falls back to the LAB protocol under UNKNOWN.
// A saturated concurrency gate or a cancelled request still propagates.
func (o *Orchestrator) classify(ctx context.Context, images []llm.ImagePart) (datatypes.Modality, error) {
	reply, err := o.call(ctx, observability.OpClassify, prompts.Classify(images))
	switch {
	case err == nil:
		return parseModalityReply(reply), nil
	case errors.Is(err, ErrLLMBusy) || ctx.Err() != nil:
		return datatypes.ModalityUnknown, err
	default:
		slog.Warn("Classification failed, continuing as UNKNOWN", "error", err)
		return datatypes.ModalityUnknown, nil
	}
}

// parseModalityReply scans the reply for a known label. PRESCRIPTION and
// RADIOLOGY are checked before LAB, which is substring-prone.
func parseModalityReply(reply string) datatypes.Modality {
	upper := strings.ToUpper(reply)
	for _, m := range []datatypes.Modality{
		datatypes.ModalityPrescription,
		datatypes.ModalityRadiology,
		datatypes.ModalityVitals,
		datatypes.ModalityLab,
	} {
		if strings.Contains(upper, string(m)) {
			return m
		}
	}
	return datatypes.ModalityUnknown
}

// Synthesize produces the markdown AI summary for a persisted bundle.
// Shares the same concurrency gate as ingestion calls.
func (o *Orchestrator) Synthesize(ctx context.Context, bundleJSON, doctorNotes string) (string, error) {
	return o.call(ctx, observability.OpSynthesize, prompts.Synthesize(bundleJSON, doctorNotes))
}

// call acquires the concurrency gate with a bounded wait, then runs one
// chat completion at temperature zero.
func (o *Orchestrator) call(ctx context.Context, op string, messages []llm.Message) (string, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, o.semWait)
	defer cancel()
	if err := o.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		o.metrics.RecordLLMCall(op, "busy", 0)
		return "", ErrLLMBusy
	}
	defer o.sem.Release(1)

	start := time.Now()
	temperature := float32(0)
	text, usage, err := o.chat.Chat(ctx, messages, llm.GenerationParams{Temperature: &temperature})
	if err != nil {
		o.metrics.RecordLLMCall(op, "error", time.Since(start).Seconds())
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	o.metrics.RecordLLMCall(op, "success", time.Since(start).Seconds())
	o.metrics.RecordTokens(usage.PromptTokens, usage.CompletionTokens)
	return text, nil
}
