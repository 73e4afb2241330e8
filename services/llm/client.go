package llm

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds surfaced to the pipeline. Callers classify with errors.Is.
var (
	ErrTimeout   = errors.New("llm: request timed out")
	ErrTransport = errors.New("llm: transport failure")
	ErrParse     = errors.New("llm: unparseable response envelope")
)

// StatusError reports a non-2xx reply from the upstream endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: upstream returned HTTP %d: %s", e.Code, e.Body)
}

// ImagePart is an inline image attached to a message, sent as a
// data:<mime>;base64 URL.
type ImagePart struct {
	MIME string
	Data []byte
}

// Message is one chat turn. Text and Images may be interleaved; images
// are only meaningful on user turns.
type Message struct {
	Role   string
	Text   string
	Images []ImagePart
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Usage reports token accounting from the upstream reply.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
	// ResponseFormat, when "json_object", asks the endpoint for a strict
	// JSON reply. Empty means free text.
	ResponseFormat string
}

// ChatClient is the contract every chat backend satisfies.
// No streaming; the full completion is accumulated before returning.
type ChatClient interface {
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, Usage, error)
}
