package metrics

// Prometheus instrumentation shared by the PLC, gateway and poller.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultOK        = "ok"
	ResultException = "exception"
	ResultDropped   = "dropped"
	ResultError     = "error"
	ResultForwarded = "forwarded"
	ResultFailed    = "failed"
	ResultMalformed = "malformed"
	ResultRead      = "read"
	ResultStale     = "stale"
)

// Metrics owns a private registry so that several instances (one per test,
// say) never collide on the global default registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	tankLevel    prometheus.Gauge
	controlTicks *prometheus.CounterVec
	gateway      *prometheus.CounterVec
	polls        *prometheus.CounterVec
	pollRTT      *prometheus.HistogramVec
	stale        *prometheus.GaugeVec
	sessions     prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadasim_modbus_requests_total",
			Help: "Modbus requests handled by the slave, by function and result.",
		}, []string{"function", "result"}),
		tankLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scadasim_tank_level",
			Help: "Simulated tank level after the last control tick.",
		}),
		controlTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadasim_control_ticks_total",
			Help: "Control loop ticks by result.",
		}, []string{"result"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadasim_gateway_units_total",
			Help: "Serial units seen by the gateway, by result.",
		}, []string{"result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadasim_poll_total",
			Help: "Poll cycles per slave by result.",
		}, []string{"slave", "result"}),
		pollRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scadasim_poll_duration_seconds",
			Help:    "Time to poll every point of a slave.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"slave"}),
		stale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scadasim_slave_stale",
			Help: "1 while the last poll of a slave failed.",
		}, []string{"slave"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scadasim_modbus_sessions",
			Help: "Open Modbus/TCP sessions.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.tankLevel, m.controlTicks, m.gateway,
		m.polls, m.pollRTT, m.stale, m.sessions,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ModbusRequest counts one handled request.
func (m *Metrics) ModbusRequest(function, result string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(function, result).Inc()
}

// SessionOpened and SessionClosed track open TCP sessions.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// ControlTick counts a control tick and publishes the level on success.
func (m *Metrics) ControlTick(level float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.controlTicks.WithLabelValues(ResultError).Inc()
		return
	}
	m.controlTicks.WithLabelValues(ResultOK).Inc()
	m.tankLevel.Set(level)
}

// GatewayUnit counts a gateway unit outcome.
func (m *Metrics) GatewayUnit(result string) {
	if m == nil {
		return
	}
	m.gateway.WithLabelValues(result).Inc()
}

// Poll records one poll cycle of a slave.
func (m *Metrics) Poll(slave string, d time.Duration, stale bool) {
	if m == nil {
		return
	}
	m.pollRTT.WithLabelValues(slave).Observe(d.Seconds())
	if stale {
		m.polls.WithLabelValues(slave, ResultStale).Inc()
		m.stale.WithLabelValues(slave).Set(1)
		return
	}
	m.polls.WithLabelValues(slave, ResultOK).Inc()
	m.stale.WithLabelValues(slave).Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("start metrics listener: %w", err)
	}
	return m.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (m *Metrics) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
