package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionReply(text string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   "test-model",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     12,
			"completion_tokens": 4,
			"total_tokens":      16,
		},
	}
}

func TestChat_Success(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionReply("LAB"))
	}))
	defer srv.Close()

	client, err := NewOpenAIChatClient(srv.URL+"/v1", "sk-test", "test-model", 5*time.Second)
	require.NoError(t, err)

	temp := float32(0)
	text, usage, err := client.Chat(context.Background(), []Message{
		{Role: RoleUser, Text: "classify this", Images: []ImagePart{{MIME: "image/png", Data: []byte{0x89, 0x50}}}},
	}, GenerationParams{Temperature: &temp})

	require.NoError(t, err)
	assert.Equal(t, "LAB", text)
	assert.Equal(t, 16, usage.TotalTokens)

	// Image rides inline as a data URL in multi-part content.
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	imagePart := content[1].(map[string]any)
	assert.Equal(t, "image_url", imagePart["type"])
	url := imagePart["image_url"].(map[string]any)["url"].(string)
	assert.Contains(t, url, "data:image/png;base64,")
}

func TestChat_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(completionReply("ok"))
	}))
	defer srv.Close()

	client, err := NewOpenAIChatClient(srv.URL+"/v1", "sk-test", "test-model", 5*time.Second)
	require.NoError(t, err)

	text, _, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Text: "hi"}}, GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChat_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewOpenAIChatClient(srv.URL+"/v1", "sk-bad", "test-model", 5*time.Second)
	require.NoError(t, err)

	_, _, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Text: "hi"}}, GenerationParams{})
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestChat_TooManyImages(t *testing.T) {
	client, err := NewOpenAIChatClient("http://localhost:1/v1", "", "m", time.Second)
	require.NoError(t, err)

	images := make([]ImagePart, maxImagesPerCall+1)
	for i := range images {
		images[i] = ImagePart{MIME: "image/png", Data: []byte{0x00}}
	}
	_, _, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Text: "x", Images: images}}, GenerationParams{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the limit")
}
