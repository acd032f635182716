package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable indicates the remote toxicity classifier could not produce a
// score. Callers fail open on it.
var ErrUnavailable = errors.New("toxicity classifier unavailable")

// Toxicity scores text for toxic content. A score is a confidence in [0,1].
type Toxicity interface {
	Score(ctx context.Context, text string) (float64, error)
}

// HTTPClassifier calls a hosted text-classification endpoint
// (HuggingFace-inference shaped: POST {"inputs": text}, response a list of
// {label, score} pairs, possibly nested one level).
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClassifier builds a classifier client. An empty apiKey makes every
// call report ErrUnavailable without going to the network, matching a
// mis-configured deployment.
func NewHTTPClassifier(endpoint, apiKey string, timeout time.Duration) *HTTPClassifier {
	return &HTTPClassifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Score returns the classifier's confidence that text is toxic.
func (c *HTTPClassifier) Score(ctx context.Context, text string) (float64, error) {
	if c.apiKey == "" {
		return 0, fmt.Errorf("%w: no API key configured", ErrUnavailable)
	}

	body, err := json.Marshal(map[string]string{"inputs": text})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	score, err := parseToxicScore(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return score, nil
}

// parseToxicScore extracts the "toxic" label confidence. The inference API
// returns either [{label, score}, ...] or [[{label, score}, ...]] depending on
// the model pipeline; a missing toxic label scores 0.
func parseToxicScore(raw []byte) (float64, error) {
	var nested [][]labelScore
	if err := json.Unmarshal(raw, &nested); err == nil {
		if len(nested) == 0 {
			return 0, nil
		}
		return toxicFrom(nested[0]), nil
	}

	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		return 0, fmt.Errorf("unexpected response shape: %s", truncate(raw, 120))
	}
	return toxicFrom(flat), nil
}

func toxicFrom(scores []labelScore) float64 {
	for _, ls := range scores {
		if ls.Label == "toxic" {
			return ls.Score
		}
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
