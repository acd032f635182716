package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteReturnsTrimmedReply(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-3.5-turbo", req.Model)
		assert.Equal(t, 150, req.MaxTokens)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
		assert.Equal(t, "what is Go?", req.Messages[1].Content)

		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Content: "  Go is a programming language.  "}},
			},
		})
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "gpt-3.5-turbo", 150)
	reply, err := c.Complete(context.Background(), "what is Go?")
	require.NoError(t, err)
	assert.Equal(t, "Go is a programming language.", reply)
}

func TestCompleteServiceError(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "gpt-3.5-turbo", 150)
	_, err := c.Complete(context.Background(), "hi")
	assert.Error(t, err)
}

func TestCompleteEmptyChoices(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{})
	})

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "gpt-3.5-turbo", 150)
	_, err := c.Complete(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestCompleteContextCancelled(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewOpenAIClient("test-key", srv.URL+"/v1", "gpt-3.5-turbo", 150)
	_, err := c.Complete(ctx, "hi")
	assert.Error(t, err)
}
