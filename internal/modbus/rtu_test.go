package modbus

import (
	"bytes"
	"testing"
)

func TestCRC16KnownFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		lo   byte
		hi   byte
	}{
		{"read 10 holding from unit 1", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}, 0xC5, 0xCD},
		{"read 3 holding from unit 17", []byte{0x11, 0x03, 0x00, 0x6B, 0x00, 0x03}, 0x76, 0x87},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeRequestRTU(Request{UnitID: tt.data[0], Function: FunctionCode(tt.data[1]), Data: tt.data[2:]})
			if frame[len(frame)-2] != tt.lo || frame[len(frame)-1] != tt.hi {
				t.Fatalf("crc bytes = %02X %02X, want %02X %02X", frame[len(frame)-2], frame[len(frame)-1], tt.lo, tt.hi)
			}
			if CRC16(frame) != 0 {
				t.Errorf("CRC over the whole frame = 0x%04X, want 0", CRC16(frame))
			}
		})
	}
}

func TestCRC16Empty(t *testing.T) {
	if got := CRC16(nil); got != 0xFFFF {
		t.Errorf("CRC16(nil) = 0x%04X, want 0xFFFF", got)
	}
}

func TestLRCKnownValue(t *testing.T) {
	// 0x01+0x03+0x00+0x6B+0x00+0x03 = 0x72, two's complement 0x8E
	if got := LRC([]byte{0x01, 0x03, 0x00, 0x6B, 0x00, 0x03}); got != 0x8E {
		t.Errorf("LRC = 0x%02X, want 0x8E", got)
	}
}

func TestRTURequestRoundTrip(t *testing.T) {
	req := Request{UnitID: 0x01, Function: FcWriteMultipleRegisters, Data: WriteMultipleRegistersRequest(100, []uint16{1, 2})}
	decoded, err := DecodeRequestRTU(EncodeRequestRTU(req))
	if err != nil {
		t.Fatalf("DecodeRequestRTU: %v", err)
	}
	if decoded.UnitID != req.UnitID || decoded.Function != req.Function {
		t.Errorf("decoded = %+v, want unit %d fc %v", decoded, req.UnitID, req.Function)
	}
	if !bytes.Equal(decoded.Data, req.Data) {
		t.Errorf("Data = %X, want %X", decoded.Data, req.Data)
	}
}

func TestRTUBadCRC(t *testing.T) {
	frame := EncodeRequestRTU(Request{UnitID: 1, Function: FcReadCoils, Data: ReadRequest(0, 8)})
	frame[len(frame)-1] ^= 0xFF
	if _, err := DecodeRequestRTU(frame); err == nil {
		t.Fatal("expected CRC error")
	}
	if ValidateCRC(frame) {
		t.Error("ValidateCRC accepted a corrupted frame")
	}
	if _, err := DecodeRequestRTU([]byte{0x01, 0x03}); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestRTURequestLength(t *testing.T) {
	multi := EncodeRequestRTU(Request{UnitID: 1, Function: FcWriteMultipleRegisters, Data: WriteMultipleRegistersRequest(0, []uint16{1, 2, 3})})
	coils := EncodeRequestRTU(Request{UnitID: 1, Function: FcWriteMultipleCoils, Data: WriteMultipleCoilsRequest(0, make([]bool, 10))})
	tests := []struct {
		name   string
		buf    []byte
		wantN  int
		wantOK bool
	}{
		{"one byte", []byte{0x01}, 0, false},
		{"read holding", []byte{0x01, 0x03}, 8, true},
		{"write single coil", []byte{0x01, 0x05}, 8, true},
		{"mask write", []byte{0x01, 0x16}, 10, true},
		{"multi register header incomplete", multi[:5], 0, false},
		{"multi register", multi[:7], len(multi), true},
		{"multi coil", coils[:7], len(coils), true},
		{"unknown function", []byte{0x01, 0x2B}, -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := RTURequestLength(tt.buf)
			if n != tt.wantN || ok != tt.wantOK {
				t.Errorf("RTURequestLength = (%d, %v), want (%d, %v)", n, ok, tt.wantN, tt.wantOK)
			}
		})
	}
}

func TestRTUReencodedAsMBAP(t *testing.T) {
	rtu := EncodeRequestRTU(Request{UnitID: 7, Function: FcReadHoldingRegisters, Data: ReadRequest(100, 2)})
	req, err := DecodeRequestRTU(rtu)
	if err != nil {
		t.Fatalf("DecodeRequestRTU: %v", err)
	}
	req.TransactionID = 42
	frame := EncodeRequestTCP(req)
	want := []byte{0x00, 0x2A, 0x00, 0x00, 0x00, 0x06, 0x07, 0x03, 0x00, 0x64, 0x00, 0x02}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % X, want % X", frame, want)
	}

	rtu[2] ^= 0x01
	if _, err := DecodeRequestRTU(rtu); err == nil {
		t.Error("expected error for corrupted RTU frame")
	}
}

func TestASCIIRoundTrip(t *testing.T) {
	req := Request{UnitID: 0x01, Function: FcReadHoldingRegisters, Data: ReadRequest(0x006B, 3)}
	frame := EncodeRequestASCII(req)
	if string(frame) != ":0103006B00038E\r\n" {
		t.Fatalf("frame = %q", frame)
	}
	decoded, err := DecodeRequestASCII(frame)
	if err != nil {
		t.Fatalf("DecodeRequestASCII: %v", err)
	}
	if decoded.Function != req.Function || !bytes.Equal(decoded.Data, req.Data) {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestASCIIBadLRC(t *testing.T) {
	if _, err := DecodeRequestASCII([]byte(":0103006B00038F\r\n")); err == nil {
		t.Fatal("expected LRC error")
	}
	if _, err := DecodeRequestASCII([]byte("0103006B00038E\r\n")); err == nil {
		t.Fatal("expected missing start byte error")
	}
}
