package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apoxy-dev/webserv/pkg/metrics"
)

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.ConnectionAccepted()
	m.ConnectionAccepted()
	m.ConnectionClosed()
	m.ConnectionRejected()
	m.Request("GET")
	m.Response(200)
	m.Response(404)
	m.Response(404)
	m.BytesSent(100)
	m.BytesSent(-1)
	m.CGISpawned()
	m.CGIFailed()
	m.CGIExited(20 * time.Millisecond)
	m.SetCGIOrphans(2)
	m.HandlerPanicked()

	expected := `
# HELP webserv_responses_total Responses started, by status code.
# TYPE webserv_responses_total counter
webserv_responses_total{code="200"} 1
webserv_responses_total{code="404"} 2
# HELP webserv_connections_open Connections currently open.
# TYPE webserv_connections_open gauge
webserv_connections_open 1
# HELP webserv_sent_bytes_total Bytes written to client sockets.
# TYPE webserv_sent_bytes_total counter
webserv_sent_bytes_total 100
# HELP webserv_cgi_orphans CGI processes outliving their connection and not yet reaped.
# TYPE webserv_cgi_orphans gauge
webserv_cgi_orphans 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"webserv_responses_total",
		"webserv_connections_open",
		"webserv_sent_bytes_total",
		"webserv_cgi_orphans",
	))

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `webserv_requests_total{method="GET"} 1`)
	assert.Contains(t, string(body), "webserv_handler_panics_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ConnectionAccepted()
		m.ConnectionRejected()
		m.ConnectionClosed()
		m.Request("POST")
		m.Response(500)
		m.BytesSent(1)
		m.CGISpawned()
		m.CGIFailed()
		m.CGIExited(time.Second)
		m.SetCGIOrphans(1)
		m.HandlerPanicked()
	})
}
