package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/itskum47/FluxGuard/control_plane/observability"
	"github.com/itskum47/FluxGuard/control_plane/store"
)

const maxBodyBytes = 1 << 20

// HTTPProber probes services over HTTP. Health probes read an actuator-style body
// ({"status": "...", "components": {"db": "UP"} or {"db": {"status": "UP"}}});
// metrics probes read a flat JSON object of numbers, optionally nested under "metrics".
type HTTPProber struct {
	client *http.Client
	now    func() time.Time
}

func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{client: client, now: time.Now}
}

func (p *HTTPProber) Probe(ctx context.Context, d store.Descriptor, kind store.ProbeKind, timeout time.Duration) (ProbeResult, error) {
	path := d.HealthPath
	if kind == store.ProbeMetrics {
		path = d.MetricsPath
	}
	if path == "" {
		path = "/health"
		if kind == store.ProbeMetrics {
			path = "/metrics"
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	began := time.Now()
	result := ProbeResult{Timestamp: p.now(), Kind: kind}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL()+path, nil)
	if err != nil {
		return p.fail(result, &ProbeFailure{Kind: FailureUnreachable, Err: err})
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	elapsed := time.Since(began)
	result.ResponseTimeMs = float64(elapsed.Microseconds()) / 1000
	observability.ProbeLatency.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	if err != nil {
		return p.fail(result, classifyTransportError(ctx, err))
	}
	defer resp.Body.Close()

	result.Reachable = true
	result.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return p.fail(result, classifyTransportError(ctx, err))
	}

	if resp.StatusCode >= 500 {
		// Actuator-style endpoints still describe their components on 503.
		result.Components = parseComponents(body)
		return p.fail(result, &ProbeFailure{Kind: FailureBadStatus, StatusCode: resp.StatusCode})
	}

	if kind == store.ProbeMetrics {
		metrics, err := parseMetrics(body)
		if err != nil {
			return p.fail(result, &ProbeFailure{Kind: FailureDecode, Err: err})
		}
		result.Metrics = metrics
		return result, nil
	}

	result.Components = parseComponents(body)
	result.Metrics, _ = parseMetrics(body)
	if resp.StatusCode >= 400 {
		return p.fail(result, &ProbeFailure{Kind: FailureBadStatus, StatusCode: resp.StatusCode})
	}
	return result, nil
}

func (p *HTTPProber) fail(result ProbeResult, f *ProbeFailure) (ProbeResult, error) {
	observability.ProbeFailures.WithLabelValues(string(f.Kind)).Inc()
	result.Failure = f
	return result, f
}

func classifyTransportError(ctx context.Context, err error) *ProbeFailure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &ProbeFailure{Kind: FailureTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProbeFailure{Kind: FailureTimeout, Err: err}
	}
	return &ProbeFailure{Kind: FailureUnreachable, Err: err}
}

func parseComponents(body []byte) map[string]string {
	var doc struct {
		Components map[string]json.RawMessage `json:"components"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Components) == 0 {
		return nil
	}
	out := make(map[string]string, len(doc.Components))
	for name, raw := range doc.Components {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			out[name] = strings.ToUpper(s)
			continue
		}
		var obj struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(raw, &obj) == nil && obj.Status != "" {
			out[name] = strings.ToUpper(obj.Status)
		}
	}
	return out
}

func parseMetrics(body []byte) (map[string]float64, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	if nested, ok := doc["metrics"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			doc = inner
		}
	}
	out := make(map[string]float64)
	for k, raw := range doc {
		var v float64
		if json.Unmarshal(raw, &v) == nil {
			out[k] = v
		}
	}
	return out, nil
}
