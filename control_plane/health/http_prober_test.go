package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FluxGuard/control_plane/store"
)

func descriptorFor(t *testing.T, srv *httptest.Server) store.Descriptor {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return store.Descriptor{Scheme: "http", Host: host, Port: port, HealthPath: "/actuator/health", MetricsPath: "/stats"}
}

func TestHTTPProberParsesComponents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/actuator/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"UP","components":{"datastore":"down","cache":{"status":"UP"}},"error_rate":1.5}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.Client()).Probe(context.Background(), descriptorFor(t, srv), store.ProbeHealth, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, map[string]string{"datastore": "DOWN", "cache": "UP"}, res.Components)
	assert.Equal(t, 1.5, res.Metrics[store.MetricErrorRate])
}

func TestHTTPProberTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	res, err := NewHTTPProber(srv.Client()).Probe(context.Background(), descriptorFor(t, srv), store.ProbeHealth, 50*time.Millisecond)
	require.Error(t, err)

	var pf *ProbeFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, FailureTimeout, pf.Kind)
	assert.Equal(t, "timeout", pf.Error())
	assert.False(t, res.Reachable)
}

func TestHTTPProberServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"DOWN","components":{"db":"DOWN"}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.Client()).Probe(context.Background(), descriptorFor(t, srv), store.ProbeHealth, time.Second)
	var pf *ProbeFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, FailureBadStatus, pf.Kind)
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, "DOWN", res.Components["db"])
}

func TestHTTPProberUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	d := descriptorFor(t, srv)
	srv.Close()

	_, err := NewHTTPProber(nil).Probe(context.Background(), d, store.ProbeHealth, time.Second)
	var pf *ProbeFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, FailureUnreachable, pf.Kind)
}

func TestHTTPProberMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		_, _ = w.Write([]byte(`{"metrics":{"cpu_percent":42.5,"memory_percent":61,"latency_p95_ms":120,"build":"abc"}}`))
	}))
	defer srv.Close()

	res, err := NewHTTPProber(srv.Client()).Probe(context.Background(), descriptorFor(t, srv), store.ProbeMetrics, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 42.5, res.Metrics[store.MetricCPUPercent])
	assert.Equal(t, 120.0, res.Metrics[store.MetricLatencyP95])
	assert.NotContains(t, res.Metrics, "build")
}

func TestHTTPProberMetricsDecodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`# HELP not json`))
	}))
	defer srv.Close()

	_, err := NewHTTPProber(srv.Client()).Probe(context.Background(), descriptorFor(t, srv), store.ProbeMetrics, time.Second)
	var pf *ProbeFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, FailureDecode, pf.Kind)
}
