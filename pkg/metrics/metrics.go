// Package metrics exposes server counters in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	stdlog "log"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apoxy-dev/webserv/pkg/log"
)

const namespace = "webserv"

// Metrics holds the server collectors. A nil *Metrics discards everything
// so callers need not check whether metrics are enabled.
type Metrics struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsOpen     prometheus.Gauge
	requests            *prometheus.CounterVec
	responses           *prometheus.CounterVec
	bytesSent           prometheus.Counter
	cgiSpawned          prometheus.Counter
	cgiFailed           prometheus.Counter
	cgiDuration         prometheus.Histogram
	cgiOrphans          prometheus.Gauge
	handlerPanics       prometheus.Counter
}

// New creates the collectors and registers them, along with the process and
// Go runtime collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted.",
		}),
		connectionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused by the client allow and deny lists.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections currently open.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests parsed, by method.",
		}, []string{"method"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Responses started, by status code.",
		}, []string{"code"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sent_bytes_total",
			Help:      "Bytes written to client sockets.",
		}),
		cgiSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "spawned_total",
			Help:      "CGI processes started.",
		}),
		cgiFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "failed_total",
			Help:      "CGI processes that could not be started, timed out or exited non-zero.",
		}),
		cgiDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "duration_seconds",
			Help:      "Time from spawn until the CGI process was reaped.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		cgiOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cgi",
			Name:      "orphans",
			Help:      "CGI processes outliving their connection and not yet reaped.",
		}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Recovered panics in event handlers.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.connectionsAccepted,
		m.connectionsRejected,
		m.connectionsOpen,
		m.requests,
		m.responses,
		m.bytesSent,
		m.cgiSpawned,
		m.cgiFailed,
		m.cgiDuration,
		m.cgiOrphans,
		m.handlerPanics,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsAccepted.Inc()
	m.connectionsOpen.Inc()
}

func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}
	m.connectionsRejected.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

func (m *Metrics) Request(method string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method).Inc()
}

func (m *Metrics) Response(status int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(strconv.Itoa(status)).Inc()
}

func (m *Metrics) BytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) CGISpawned() {
	if m == nil {
		return
	}
	m.cgiSpawned.Inc()
}

func (m *Metrics) CGIFailed() {
	if m == nil {
		return
	}
	m.cgiFailed.Inc()
}

// CGIExited records the lifetime of a reaped CGI process.
func (m *Metrics) CGIExited(d time.Duration) {
	if m == nil {
		return
	}
	m.cgiDuration.Observe(d.Seconds())
}

func (m *Metrics) SetCGIOrphans(n int) {
	if m == nil {
		return
	}
	m.cgiOrphans.Set(float64(n))
}

func (m *Metrics) HandlerPanicked() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ListenAndServe serves /metrics on addr until ctx is done.
func (m *Metrics) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          stdlog.New(log.NewDefaultLogWriter(log.WarnLevel), "", 0),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Failed to shut down metrics server", slog.Any("error", err))
		}
	}()

	slog.Info("Serving metrics", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
