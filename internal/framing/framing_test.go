package framing

import (
	"testing"
	"time"

	"github.com/tonylturner/scadasim/internal/modbus"
)

func rtuRead(unit uint8, addr uint16) []byte {
	return modbus.EncodeRequestRTU(modbus.Request{UnitID: unit, Function: modbus.FcReadHoldingRegisters, Data: modbus.ReadRequest(addr, 1)})
}

func TestRTUFramerSplitAcrossReads(t *testing.T) {
	f, err := New(Options{Mode: ModeRTU})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now()
	frame := rtuRead(1, 100)

	if got := f.Push(frame[:3], now); len(got) != 0 {
		t.Fatalf("partial frame produced %d units", len(got))
	}
	got := f.Push(frame[3:], now)
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1", len(got))
	}
	if got[0].UnitID != 1 || got[0].Function != modbus.FcReadHoldingRegisters {
		t.Errorf("unit = %+v", got[0])
	}
}

func TestRTUFramerBackToBack(t *testing.T) {
	f, _ := New(Options{Mode: ModeRTU})
	multi := modbus.EncodeRequestRTU(modbus.Request{UnitID: 2, Function: modbus.FcWriteMultipleRegisters, Data: modbus.WriteMultipleRegistersRequest(100, []uint16{5, 6})})
	stream := append(append(rtuRead(1, 100), multi...), rtuRead(3, 101)...)

	got := f.Push(stream, time.Now())
	if len(got) != 3 {
		t.Fatalf("got %d units, want 3", len(got))
	}
	if got[1].UnitID != 2 || got[1].Function != modbus.FcWriteMultipleRegisters {
		t.Errorf("second unit = %+v", got[1])
	}
}

func TestRTUFramerResyncsAfterGarbage(t *testing.T) {
	f, _ := New(Options{Mode: ModeRTU})
	bad := rtuRead(1, 100)
	bad[len(bad)-1] ^= 0xFF
	stream := append(bad, rtuRead(1, 101)...)

	got := f.Push(stream, time.Now())
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1", len(got))
	}
	if f.Malformed() == 0 {
		t.Error("malformed counter not advanced")
	}
}

func TestRTUFramerGapDiscardsPartial(t *testing.T) {
	f, _ := New(Options{Mode: ModeRTU, Gap: 5 * time.Millisecond})
	start := time.Now()
	frame := rtuRead(1, 100)

	f.Push(frame[:4], start)
	got := f.Push(frame, start.Add(50*time.Millisecond))
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1", len(got))
	}
	if f.Malformed() != 4 {
		t.Errorf("Malformed = %d, want 4", f.Malformed())
	}
}

func TestASCIIFramer(t *testing.T) {
	f, _ := New(Options{Mode: ModeASCII})
	frame := modbus.EncodeRequestASCII(modbus.Request{UnitID: 1, Function: modbus.FcReadCoils, Data: modbus.ReadRequest(0, 8)})
	stream := append([]byte("xx"), frame...)
	stream = append(stream, frame[:5]...)

	got := f.Push(stream, time.Now())
	if len(got) != 1 {
		t.Fatalf("got %d units, want 1", len(got))
	}
	got = f.Push(frame[5:], time.Now())
	if len(got) != 1 {
		t.Fatalf("second unit: got %d, want 1", len(got))
	}
}

func TestFixedFramer(t *testing.T) {
	if _, err := New(Options{Mode: ModeFixed, FixedSize: 1}); err == nil {
		t.Fatal("expected error for tiny fixed size")
	}
	f, _ := New(Options{Mode: ModeFixed, FixedSize: 8})
	got := f.Push(append(rtuRead(1, 100), rtuRead(1, 101)...), time.Now())
	if len(got) != 2 {
		t.Fatalf("got %d units, want 2", len(got))
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeRTU, "RTU": ModeRTU, "ascii": ModeASCII, "fixed": ModeFixed} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("slip"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
