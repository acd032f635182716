package moderation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClassifierScore(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantScore float64
		wantErr   bool
	}{
		{
			name:      "nested response shape",
			status:    http.StatusOK,
			body:      `[[{"label":"toxic","score":0.97},{"label":"obscene","score":0.41}]]`,
			wantScore: 0.97,
		},
		{
			name:      "flat response shape",
			status:    http.StatusOK,
			body:      `[{"label":"severe_toxic","score":0.12},{"label":"toxic","score":0.34}]`,
			wantScore: 0.34,
		},
		{
			name:      "no toxic label",
			status:    http.StatusOK,
			body:      `[[{"label":"insult","score":0.9}]]`,
			wantScore: 0,
		},
		{
			name:      "empty list",
			status:    http.StatusOK,
			body:      `[]`,
			wantScore: 0,
		},
		{
			name:    "model loading error",
			status:  http.StatusServiceUnavailable,
			body:    `{"error":"model unitary/toxic-bert is currently loading"}`,
			wantErr: true,
		},
		{
			name:    "rate limited",
			status:  http.StatusTooManyRequests,
			body:    `{"error":"rate limit"}`,
			wantErr: true,
		},
		{
			name:    "garbage body",
			status:  http.StatusOK,
			body:    `{"unexpected":"object"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPClassifier(srv.URL, "test-key", time.Second)
			score, err := c.Score(context.Background(), "some text")
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnavailable)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantScore, score, 1e-9)
		})
	}
}

func TestHTTPClassifierNoAPIKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "", time.Second)
	_, err := c.Score(context.Background(), "text")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, called, "must not hit the network without a key")
}

func TestHTTPClassifierUnreachable(t *testing.T) {
	c := NewHTTPClassifier("http://127.0.0.1:1", "test-key", 200*time.Millisecond)
	_, err := c.Score(context.Background(), "text")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPClassifierContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewHTTPClassifier(srv.URL, "test-key", time.Second)
	_, err := c.Score(ctx, "text")
	require.ErrorIs(t, err, ErrUnavailable)
}
