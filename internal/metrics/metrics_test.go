package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ModbusRequest("Read Holding Registers", ResultOK)
	m.ModbusRequest("Read Holding Registers", ResultOK)
	m.ModbusRequest("Read Holding Registers", ResultException)
	m.ControlTick(4, nil)
	m.ControlTick(0, errors.New("lock timeout"))
	m.GatewayUnit(ResultForwarded)
	m.GatewayUnit(ResultDropped)
	m.GatewayUnit(ResultDropped)

	if got := testutil.ToFloat64(m.requests.WithLabelValues("Read Holding Registers", ResultOK)); got != 2 {
		t.Errorf("ok requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tankLevel); got != 4 {
		t.Errorf("tank level = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.controlTicks.WithLabelValues(ResultError)); got != 1 {
		t.Errorf("failed ticks = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.gateway.WithLabelValues(ResultDropped)); got != 2 {
		t.Errorf("dropped units = %v, want 2", got)
	}
}

func TestPollStaleGauge(t *testing.T) {
	m := New()
	m.Poll("tank1", 3*time.Millisecond, true)
	if got := testutil.ToFloat64(m.stale.WithLabelValues("tank1")); got != 1 {
		t.Errorf("stale = %v, want 1", got)
	}
	m.Poll("tank1", 2*time.Millisecond, false)
	if got := testutil.ToFloat64(m.stale.WithLabelValues("tank1")); got != 0 {
		t.Errorf("stale after recovery = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.polls.WithLabelValues("tank1", ResultStale)); got != 1 {
		t.Errorf("stale polls = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ModbusRequest("x", ResultOK)
	m.ControlTick(1, nil)
	m.GatewayUnit(ResultFailed)
	m.Poll("s", time.Second, false)
	m.SessionOpened()
	m.SessionClosed()
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestServeListener(t *testing.T) {
	m := New()
	m.ControlTick(42.5, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "scadasim_tank_level 42.5") {
		t.Errorf("exposition missing tank level:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ServeListener: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
