package scoring

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

// ErrAnalyzerUnavailable means no analysis is available and the fallback must be used.
var ErrAnalyzerUnavailable = errors.New("anomaly analyzer unavailable")

// Analysis is the analyzer's verdict for one service over a window.
type Analysis struct {
	AnomalyDetected bool    `json:"anomaly_detected"`
	AnomalyType     string  `json:"anomaly_type,omitempty"`
	RiskHint        float64 `json:"risk_hint"`
	Confidence      float64 `json:"confidence"`
	Summary         string  `json:"summary,omitempty"`
	Recommendation  string  `json:"recommendation,omitempty"`
}

// WeightedHint is the risk hint scaled by clamped confidence.
func (a Analysis) WeightedHint() float64 {
	return clamp(a.RiskHint, 0, 100) * clamp(a.Confidence, 0, 1)
}

// Analyzer is an optional external anomaly detector. Implementations must honour
// the context deadline and return ErrAnalyzerUnavailable when they cannot answer.
type Analyzer interface {
	Analyze(ctx context.Context, serviceID string, window time.Duration) (Analysis, error)
}

// NoopAnalyzer is used when no analyzer is configured.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Analyze(ctx context.Context, serviceID string, window time.Duration) (Analysis, error) {
	return Analysis{}, ErrAnalyzerUnavailable
}

// HTTPAnalyzer asks a remote provider over JSON/HTTP.
type HTTPAnalyzer struct {
	url        string
	httpClient *http.Client
}

func NewHTTPAnalyzer(url string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPAnalyzer{url: url, httpClient: client}
}

func (h *HTTPAnalyzer) Analyze(ctx context.Context, serviceID string, window time.Duration) (Analysis, error) {
	reqBody := map[string]any{
		"service_id":     serviceID,
		"window_seconds": int64(window.Seconds()),
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(jsonBody))
	if err != nil {
		return Analysis{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Analysis{}, ctx.Err()
		}
		return Analysis{}, fmt.Errorf("%w: %v", ErrAnalyzerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Analysis{}, fmt.Errorf("%w: status %d: %s", ErrAnalyzerUnavailable, resp.StatusCode, string(body))
	}

	var result Analysis
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Analysis{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}
