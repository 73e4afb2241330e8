package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fhirbridge/fhirbridge/services/ingestor/datatypes"
	"github.com/fhirbridge/fhirbridge/services/ingestor/fhir"
	"github.com/fhirbridge/fhirbridge/services/ingestor/firewall"
	"github.com/fhirbridge/fhirbridge/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// scriptedChat replays canned replies (or errors) in call order.
type scriptedChat struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	delay    time.Duration
	calls    int
	messages [][]llm.Message
}

func (s *scriptedChat) Chat(ctx context.Context, msgs []llm.Message, _ llm.GenerationParams) (string, llm.Usage, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.messages = append(s.messages, msgs)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", llm.Usage{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if idx < len(s.errs) && s.errs[idx] != nil {
		return "", llm.Usage{}, s.errs[idx]
	}
	if idx < len(s.replies) {
		return s.replies[idx], llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
	}
	return "", llm.Usage{}, fmt.Errorf("script exhausted at call %d", idx)
}

func (s *scriptedChat) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const goodLabReply = `PATIENT_NAME: Ramesh Kumar
SAMPLE_ID: L1
MODALITY: LAB
TEST	VALUE	UNIT	RANGE	FLAG
Hemoglobin	15.5	g/dL	13.0-17.0	N
Total WBC Count	9000	/uL	4000-11000	N
Platelet Count	250000	/uL	150000-450000	N`

func files() []SourceFile {
	return []SourceFile{{Name: "report.png", MIME: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}}}
}

func TestIngest_SuccessFirstAttempt(t *testing.T) {
	chat := &scriptedChat{replies: []string{"LAB", goodLabReply}}
	o := New(Options{Chat: chat})

	res, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, datatypes.ModalityLab, res.Modality)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, goodLabReply, res.Raw)
	assert.Equal(t, 2, chat.callCount())
	assert.NoError(t, fhir.ValidateMinimal(res.BundleJSON))

	parsed := gjson.ParseBytes(res.BundleJSON)
	assert.Equal(t, "Bundle", parsed.Get("resourceType").String())
	assert.Equal(t, int64(4), parsed.Get("entry.#").Int()) // patient + 3 observations
}

func TestIngest_RepairLoopRecovers(t *testing.T) {
	chat := &scriptedChat{replies: []string{"LAB", "sorry, I could not read that", goodLabReply}}
	o := New(Options{Chat: chat})

	res, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 3, chat.callCount())

	// The repair call carries the prior output and no images.
	repairMsgs := chat.messages[2]
	userTurn := repairMsgs[len(repairMsgs)-1]
	assert.Contains(t, userTurn.Text, "sorry, I could not read that")
	assert.Empty(t, userTurn.Images)
}

func TestIngest_ExhaustedBudgetFallsBack(t *testing.T) {
	chat := &scriptedChat{replies: []string{"LAB", "garbage", "garbage", "garbage"}}
	o := New(Options{Chat: chat, MaxAttempts: 3})

	res, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.NoError(t, err, "degraded extraction never fails the request")

	assert.Equal(t, datatypes.StatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "garbage", res.Raw, "raw output preserved for audit")
	// Budget: 1 classify + max_attempts extraction calls.
	assert.LessOrEqual(t, chat.callCount(), 5)
	assert.Equal(t, 4, chat.callCount())

	require.NoError(t, fhir.ValidateMinimal(res.BundleJSON))
	parsed := gjson.ParseBytes(res.BundleJSON)
	assert.Equal(t, "Patient", parsed.Get("entry.0.resource.resourceType").String())
	assert.Contains(t, parsed.Get("entry.1.resource.valueString").String(), "manual review")
}

func TestIngest_PartialExtractionShipsItsRows(t *testing.T) {
	// Strict CBC mode with only a Hemoglobin row: every attempt fails
	// validation, but the final bundle still carries the one observation.
	single := `PATIENT_NAME: Ramesh Kumar
SAMPLE_ID: L1
MODALITY: LAB
TEST	VALUE	UNIT	RANGE	FLAG
Hemoglobin	13	g/dL		`
	chat := &scriptedChat{replies: []string{"LAB", single, single, single}}
	o := New(Options{
		Chat:        chat,
		MaxAttempts: 3,
		Firewall:    firewall.Config{Strict: true, MinObservations: 3, RequireExpectedTests: true},
	})

	res, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.NoError(t, err)

	assert.Equal(t, datatypes.StatusPartial, res.Status)
	assert.NotEmpty(t, res.Raw)
	require.NoError(t, fhir.ValidateMinimal(res.BundleJSON))

	parsed := gjson.ParseBytes(res.BundleJSON)
	assert.Equal(t, int64(2), parsed.Get("entry.#").Int()) // patient + hemoglobin
	assert.Equal(t, "Hemoglobin", parsed.Get("entry.1.resource.code.text").String())
}

func TestIngest_ClassifierFailureContinuesAsUnknown(t *testing.T) {
	chat := &scriptedChat{
		errs:    []error{fmt.Errorf("%w: connection refused", llm.ErrTransport)},
		replies: []string{"", goodLabReply},
	}
	o := New(Options{Chat: chat})

	res, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, res.Status)
	// The TSV metadata still resolves the modality.
	assert.Equal(t, datatypes.ModalityLab, res.Modality)
}

func TestIngest_UpstreamFailureDuringExtractPropagates(t *testing.T) {
	chat := &scriptedChat{
		replies: []string{"LAB"},
		errs:    []error{nil, fmt.Errorf("%w: connection reset", llm.ErrTransport)},
	}
	o := New(Options{Chat: chat})

	_, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
	require.ErrorIs(t, err, ErrUpstream)
}

func TestIngest_BusyGateRejectsWithinBound(t *testing.T) {
	chat := &scriptedChat{replies: []string{"LAB", goodLabReply}, delay: 300 * time.Millisecond}
	o := New(Options{Chat: chat, Concurrency: 1, SemaphoreWait: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := o.Ingest(context.Background(), "patient-1", "sub-1", files())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := o.Ingest(context.Background(), "patient-2", "sub-2", files())
	require.ErrorIs(t, err, ErrLLMBusy)
	require.NoError(t, <-done)
}

func TestIngest_CancellationPropagates(t *testing.T) {
	chat := &scriptedChat{replies: []string{"LAB", goodLabReply}, delay: 200 * time.Millisecond}
	o := New(Options{Chat: chat})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := o.Ingest(ctx, "patient-1", "sub-1", files())
	require.ErrorIs(t, err, context.Canceled)
}

func TestSynthesize(t *testing.T) {
	chat := &scriptedChat{replies: []string{"## Findings\nAll normal."}}
	o := New(Options{Chat: chat})

	summary, err := o.Synthesize(context.Background(), `{"resourceType":"Bundle"}`, "patient feels fine")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(summary, "## Findings"))

	msgs := chat.messages[0]
	assert.Contains(t, msgs[len(msgs)-1].Text, "patient feels fine")
}

func TestParseModalityReply(t *testing.T) {
	tests := []struct {
		in   string
		want datatypes.Modality
	}{
		{"LAB", datatypes.ModalityLab},
		{"The document is a RADIOLOGY report.", datatypes.ModalityRadiology},
		{"prescription", datatypes.ModalityPrescription},
		{"VITALS", datatypes.ModalityVitals},
		{"no idea", datatypes.ModalityUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseModalityReply(tt.in), "reply %q", tt.in)
	}
}
