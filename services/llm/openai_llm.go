package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

const maxImagesPerCall = 8

// Backoff schedule for the two network-level retries.
var retryBackoff = []time.Duration{250 * time.Millisecond, 1 * time.Second}

// OpenAIChatClient talks to any OpenAI-compatible /v1/chat/completions
// endpoint, including local serving engines.
type OpenAIChatClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIChatClient builds a client for the given endpoint. The endpoint
// must include the /v1 suffix the serving engine expects. The timeout is a
// per-call deadline enforced at the HTTP layer.
func NewOpenAIChatClient(endpoint, apiKey, model string, timeout time.Duration) (*OpenAIChatClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("llm: endpoint is required")
	}
	if model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = endpoint
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	slog.Info("Initializing chat client", "endpoint", endpoint, "model", model)
	return &OpenAIChatClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Chat implements ChatClient. Retries at most twice on timeout or 5xx with
// exponential backoff; 4xx replies are returned immediately as StatusError.
func (o *OpenAIChatClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, Usage, error) {
	req, err := o.buildRequest(messages, params)
	if err != nil {
		return "", Usage{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying chat completion", "attempt", attempt, "error", lastErr)
			select {
			case <-ctx.Done():
				return "", Usage{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			classified := classifyError(err)
			if !retryable(classified) {
				return "", Usage{}, classified
			}
			lastErr = classified
			continue
		}
		if len(resp.Choices) == 0 {
			return "", Usage{}, fmt.Errorf("%w: no choices in reply", ErrParse)
		}
		usage := Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		return resp.Choices[0].Message.Content, usage, nil
	}
	return "", Usage{}, lastErr
}

func (o *OpenAIChatClient) buildRequest(messages []Message, params GenerationParams) (openai.ChatCompletionRequest, error) {
	req := openai.ChatCompletionRequest{Model: o.model}

	imageCount := 0
	for _, m := range messages {
		imageCount += len(m.Images)
	}
	if imageCount > maxImagesPerCall {
		return req, fmt.Errorf("llm: %d images exceeds the limit of %d per call", imageCount, maxImagesPerCall)
	}

	for _, m := range messages {
		if len(m.Images) == 0 {
			req.Messages = append(req.Messages, openai.ChatCompletionMessage{
				Role:    m.Role,
				Content: m.Text,
			})
			continue
		}
		parts := make([]openai.ChatMessagePart, 0, len(m.Images)+1)
		if m.Text != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: m.Text,
			})
		}
		for _, img := range m.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL: dataURL(img),
				},
			})
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:         m.Role,
			MultiContent: parts,
		})
	}

	if params.Temperature != nil {
		t := *params.Temperature
		if t == 0 {
			// The wire encoding drops a zero temperature via omitempty;
			// the smallest nonzero float is indistinguishable upstream.
			t = math.SmallestNonzeroFloat32
		}
		req.Temperature = t
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.ResponseFormat == "json_object" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req, nil
}

func dataURL(img ImagePart) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// classifyError maps transport-level failures onto the package sentinels.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w", &StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w", &StatusError{Code: reqErr.HTTPStatusCode, Body: reqErr.Error()})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	return false
}
