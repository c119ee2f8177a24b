package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tonylturner/scadasim/internal/poller"
)

func batch(stale bool) []poller.Sample {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []poller.Sample{
		{Time: now, Slave: "tank", Point: "level", Value: 42.5, Stale: stale},
		{Time: now, Slave: "tank", Point: "mode", Value: 2, Stale: stale},
		{Time: now, Slave: "pump", Point: "running", Value: 1},
	}
}

func TestSQLiteSinkStoresSamples(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := s.Publish(ctx, batch(false)); err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(ctx, batch(true)[:1]); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Publish(ctx, batch(false)); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}

	// reopen: the writer must have flushed everything before Close returned
	s, err = OpenSQLite(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n); err != nil || n != 4 {
		t.Fatalf("row count = %d (%v), want 4", n, err)
	}
	latest, err := s.Latest(ctx, "tank", "level")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Value != 42.5 || !latest.Stale || !latest.Time.Equal(batch(false)[0].Time) {
		t.Errorf("latest = %+v", latest)
	}
}

func TestCSVSinkWritesRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	s, err := CreateCSV(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Publish(context.Background(), batch(true)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 || rows[0][0] != "timestamp" {
		t.Fatalf("rows = %v", rows)
	}
	if rows[1][2] != "level" || rows[1][3] != "42.5" || rows[1][4] != "true" {
		t.Errorf("first record = %v", rows[1])
	}
}

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type fakeBroker struct {
	mu           sync.Mutex
	topics       []string
	payloads     map[string][]byte
	err          error
	disconnected bool
}

func (b *fakeBroker) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payloads == nil {
		b.payloads = make(map[string][]byte)
	}
	b.topics = append(b.topics, topic)
	b.payloads[topic] = payload.([]byte)
	return newToken(b.err)
}

func (b *fakeBroker) Disconnect(uint) { b.disconnected = true }

func TestMQTTSinkPublishesPerSlave(t *testing.T) {
	broker := &fakeBroker{}
	s := newMQTTSink(MQTTConfig{Prefix: "plant/"}, broker, nil)
	if err := s.Publish(context.Background(), batch(true)); err != nil {
		t.Fatal(err)
	}
	if len(broker.topics) != 2 || broker.topics[0] != "plant/tank" || broker.topics[1] != "plant/pump" {
		t.Fatalf("topics = %v", broker.topics)
	}
	var msg SlaveMessage
	if err := json.Unmarshal(broker.payloads["plant/tank"], &msg); err != nil {
		t.Fatal(err)
	}
	if !msg.Stale || msg.Values["level"] != 42.5 || msg.Values["mode"] != 2 {
		t.Errorf("tank message = %+v", msg)
	}
	s.Close()
	if !broker.disconnected {
		t.Error("Close did not disconnect")
	}
}

func TestMQTTSinkReportsPublishError(t *testing.T) {
	broker := &fakeBroker{err: errors.New("not connected")}
	s := newMQTTSink(MQTTConfig{}, broker, nil)
	if err := s.Publish(context.Background(), batch(false)); err == nil {
		t.Error("expected publish error")
	}
	if broker.topics[0] != "scadasim/tank" {
		t.Errorf("default topic = %s", broker.topics[0])
	}
}

type failingSink struct{ err error }

func (f failingSink) Publish(context.Context, []poller.Sample) error { return f.err }
func (f failingSink) Close() error                                   { return nil }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	m := Multi{failingSink{}, failingSink{err: boom}}
	if err := m.Publish(context.Background(), batch(false)); !errors.Is(err, boom) {
		t.Errorf("Multi.Publish = %v, want boom", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close = %v", err)
	}
}
