package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/tonylturner/scadasim/internal/modbus"
)

func startRTU(t *testing.T, slave *Slave) net.Conn {
	t.Helper()
	line, port := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRTUSession(slave, port, RTUConfig{Name: "pipe"}).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		line.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("RTU session did not stop")
		}
	})
	return line
}

func writeLine(t *testing.T, line net.Conn, frame []byte) {
	t.Helper()
	line.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := line.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readLine(t *testing.T, line net.Conn, n int) []byte {
	t.Helper()
	line.SetReadDeadline(time.Now().Add(2 * time.Second))
	out := make([]byte, n)
	if _, err := io.ReadFull(line, out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestRTUServesRequest(t *testing.T) {
	m := newTestMap(t)
	if err := m.WritePoint(context.Background(), "mode", 1); err != nil {
		t.Fatal(err)
	}
	line := startRTU(t, NewSlave(m.Store(), Options{UnitID: 1}))

	writeLine(t, line, modbus.EncodeRequestRTU(readHolding(0, 1, 100, 1)))
	out := readLine(t, line, 7)
	resp, err := modbus.DecodeResponseRTU(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	regs, _ := modbus.DecodeReadRegistersResponse(resp.Data)
	if len(regs) != 1 || regs[0] != 1 {
		t.Errorf("regs = %v, want [1]", regs)
	}
}

func TestRTUDropsBadCRCAndForeignUnits(t *testing.T) {
	line := startRTU(t, NewSlave(newTestMap(t).Store(), Options{UnitID: 1, UnitPolicy: UnitPolicyException}))

	bad := modbus.EncodeRequestRTU(readHolding(0, 1, 100, 1))
	bad[len(bad)-1] ^= 0xFF
	writeLine(t, line, bad)
	// serial lines stay silent for other units regardless of the TCP policy
	writeLine(t, line, modbus.EncodeRequestRTU(readHolding(0, 7, 100, 1)))
	writeLine(t, line, modbus.EncodeRequestRTU(readHolding(0, 1, 5000, 1)))

	out := readLine(t, line, 5)
	resp, err := modbus.DecodeResponseRTU(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UnitID != 1 || resp.ExceptionCode() != modbus.ExceptionIllegalDataAddress {
		t.Errorf("first response = %+v, want the exception for the third frame", resp)
	}
}

func TestRTUBroadcastWriteHasNoReply(t *testing.T) {
	m := newTestMap(t)
	line := startRTU(t, NewSlave(m.Store(), Options{UnitID: 1}))

	writeLine(t, line, modbus.EncodeRequestRTU(modbus.Request{
		UnitID:   modbus.BroadcastUnitID,
		Function: modbus.FcWriteSingleRegister,
		Data:     modbus.WriteSingleRegisterRequest(100, 2),
	}))
	writeLine(t, line, modbus.EncodeRequestRTU(readHolding(0, 1, 100, 1)))

	resp, err := modbus.DecodeResponseRTU(readLine(t, line, 7))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Function != modbus.FcReadHoldingRegisters {
		t.Fatalf("first reply is for FC %v, broadcast must not be answered", resp.Function)
	}
	regs, _ := modbus.DecodeReadRegistersResponse(resp.Data)
	if len(regs) != 1 || regs[0] != 2 {
		t.Errorf("regs = %v, want [2] after broadcast write", regs)
	}
}

func TestRTUGap(t *testing.T) {
	if got := RTUGap(9600); got < 4*time.Millisecond || got > 4100*time.Microsecond {
		t.Errorf("RTUGap(9600) = %v, want ~4.01ms", got)
	}
	if got := RTUGap(115200); got != 1750*time.Microsecond {
		t.Errorf("RTUGap(115200) = %v, want 1.75ms", got)
	}
}
