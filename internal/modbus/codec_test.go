package modbus

import (
	"bytes"
	"testing"
)

func TestEncodeRequestTCP(t *testing.T) {
	req := Request{TransactionID: 0x0001, UnitID: 0x01, Function: FcReadHoldingRegisters, Data: ReadRequest(0x0000, 0x000A)}
	want := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	if got := EncodeRequestTCP(req); !bytes.Equal(got, want) {
		t.Fatalf("EncodeRequestTCP = % X, want % X", got, want)
	}
}

func TestDecodeRequestTCP(t *testing.T) {
	frame := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x06, 0x05, 0x06, 0x00, 0x64, 0x00, 0x32}
	req, err := DecodeRequestTCP(frame)
	if err != nil {
		t.Fatalf("DecodeRequestTCP: %v", err)
	}
	if req.TransactionID != 0x1234 || req.UnitID != 5 || req.Function != FcWriteSingleRegister {
		t.Errorf("decoded header = %+v", req)
	}
	if !bytes.Equal(req.Data, []byte{0x00, 0x64, 0x00, 0x32}) {
		t.Errorf("Data = % X", req.Data)
	}
}

func TestDecodeRequestTCPErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"short header", []byte{0x00, 0x01, 0x00}},
		{"bad protocol", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}},
		{"truncated pdu", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03}},
		{"no function code", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequestTCP(tt.frame); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTCPFrameLength(t *testing.T) {
	frame := EncodeRequestTCP(Request{TransactionID: 9, UnitID: 1, Function: FcReadCoils, Data: ReadRequest(0, 8)})
	n, err := TCPFrameLength(frame[:4])
	if err != nil || n != 0 {
		t.Errorf("partial header = (%d, %v), want (0, nil)", n, err)
	}
	n, err = TCPFrameLength(frame)
	if err != nil || n != len(frame) {
		t.Errorf("full frame = (%d, %v), want (%d, nil)", n, err, len(frame))
	}
	bad := append([]byte(nil), frame...)
	bad[2] = 0x01
	if _, err := TCPFrameLength(bad); err == nil {
		t.Error("expected error for non-zero protocol ID")
	}
}

func TestExceptionResponse(t *testing.T) {
	req := Request{TransactionID: 7, UnitID: 1, Function: FcReadHoldingRegisters, Data: ReadRequest(9000, 1)}
	frame := EncodeResponseTCP(ExceptionFor(req, ExceptionIllegalDataAddress))
	resp, err := DecodeResponseTCP(frame)
	if err != nil {
		t.Fatalf("DecodeResponseTCP: %v", err)
	}
	if !resp.IsException() {
		t.Fatal("expected exception bit")
	}
	if resp.ExceptionCode() != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode = %v", resp.ExceptionCode())
	}
	if resp.Function&0x7F != FcReadHoldingRegisters {
		t.Errorf("Function = 0x%02X", resp.Function)
	}
}

func TestPackUnpackBits(t *testing.T) {
	bits := []bool{true, false, true, false, false, false, false, true, true}
	packed := PackBits(bits)
	if !bytes.Equal(packed, []byte{0x85, 0x01}) {
		t.Fatalf("PackBits = % X, want 85 01", packed)
	}
	got := UnpackBits(packed, len(bits))
	for i := range bits {
		if got[i] != bits[i] {
			t.Errorf("bit %d = %v, want %v", i, got[i], bits[i])
		}
	}
}

func TestDecodeReadRegistersResponse(t *testing.T) {
	regs, err := DecodeReadRegistersResponse([]byte{0x04, 0x00, 0x0A, 0x01, 0x02})
	if err != nil {
		t.Fatalf("DecodeReadRegistersResponse: %v", err)
	}
	if len(regs) != 2 || regs[0] != 0x000A || regs[1] != 0x0102 {
		t.Errorf("regs = %v", regs)
	}
	if _, err := DecodeReadRegistersResponse([]byte{0x03, 0x00, 0x01, 0x02}); err == nil {
		t.Error("expected error for odd byte count")
	}
	if _, err := DecodeReadRegistersResponse([]byte{0x04, 0x00}); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestFunctionLabels(t *testing.T) {
	tests := []struct {
		fc    FunctionCode
		label string
		write bool
	}{
		{FcReadHoldingRegisters, "read_holding_registers", false},
		{FcWriteSingleCoil, "write_single_coil", true},
		{FcReadHoldingRegisters | 0x80, "read_holding_registers", false},
		{0x2B, "fc_2b", false},
	}
	for _, tt := range tests {
		if got := tt.fc.String(); got != tt.label {
			t.Errorf("%#02x label = %q, want %q", uint8(tt.fc), got, tt.label)
		}
		if got := tt.fc.IsWrite(); got != tt.write {
			t.Errorf("%#02x IsWrite = %v, want %v", uint8(tt.fc), got, tt.write)
		}
	}
	if got := ExceptionSlaveDeviceBusy.String(); got != "slave_device_busy" {
		t.Errorf("busy label = %q", got)
	}
}
