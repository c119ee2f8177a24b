package modbus

// Serial line codecs. An RTU frame is unit, PDU and a CRC-16 sent low byte
// first. An ASCII frame is ':', the hex of unit, PDU and LRC, then CRLF.

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	RTUMinFrameSize = 4   // unit_id + fc + crc(2)
	RTUMaxFrameSize = 256 // unit + MaxPDUSize + CRC
	RTUCRCSize      = 2
)

const (
	ASCIIStartByte byte = ':'
	ASCIICRByte    byte = '\r'
	ASCIILFByte    byte = '\n'
	ASCIIMinLen         = 9 // colon, unit, function, LRC, CRLF
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// RTURequestLength returns the length of the RTU request frame starting at
// buf, derived from its function code. ok is false while more bytes are
// needed to tell. A length of -1 marks a function code that cannot be framed.
func RTURequestLength(buf []byte) (n int, ok bool) {
	if len(buf) < 2 {
		return 0, false
	}
	switch FunctionCode(buf[1]) {
	case FcReadCoils, FcReadDiscreteInputs, FcReadHoldingRegisters, FcReadInputRegisters,
		FcWriteSingleCoil, FcWriteSingleRegister:
		return 8, true
	case FcMaskWriteRegister:
		return 10, true
	case FcWriteMultipleCoils, FcWriteMultipleRegisters:
		// unit fc addr(2) qty(2) count(1) data crc(2)
		if len(buf) < 7 {
			return 0, false
		}
		return 9 + int(buf[6]), true
	case FcReadWriteMultipleRegisters:
		// unit fc raddr(2) rqty(2) waddr(2) wqty(2) count(1) data crc(2)
		if len(buf) < 11 {
			return 0, false
		}
		return 13 + int(buf[10]), true
	default:
		return -1, true
	}
}

// EncodeRequestRTU frames req for a serial line.
func EncodeRequestRTU(req Request) []byte {
	return encodeRTU(req.UnitID, req.Function, req.Data)
}

// DecodeRequestRTU checks the CRC of one complete frame and decodes it.
func DecodeRequestRTU(data []byte) (Request, error) {
	if err := checkRTU(data); err != nil {
		return Request{}, err
	}
	return Request{
		UnitID:   data[0],
		Function: FunctionCode(data[1]),
		Data:     cloneBytes(data[2 : len(data)-RTUCRCSize]),
	}, nil
}

// EncodeResponseRTU frames resp for a serial line.
func EncodeResponseRTU(resp Response) []byte {
	return encodeRTU(resp.UnitID, resp.Function, resp.Data)
}

// DecodeResponseRTU is DecodeRequestRTU for replies.
func DecodeResponseRTU(data []byte) (Response, error) {
	if err := checkRTU(data); err != nil {
		return Response{}, err
	}
	return Response{
		UnitID:   data[0],
		Function: FunctionCode(data[1]),
		Data:     cloneBytes(data[2 : len(data)-RTUCRCSize]),
	}, nil
}

// ValidateCRC reports whether data ends in its own CRC.
func ValidateCRC(data []byte) bool {
	return checkRTU(data) == nil
}

// CRC16 is CRC-16/MODBUS. Over a whole valid frame it is 0.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

func encodeRTU(unit uint8, fc FunctionCode, data []byte) []byte {
	frame := make([]byte, 0, 2+len(data)+RTUCRCSize)
	frame = append(frame, unit, byte(fc))
	frame = append(frame, data...)
	// CRC goes on the wire low byte first.
	return binary.LittleEndian.AppendUint16(frame, CRC16(frame))
}

func checkRTU(data []byte) error {
	if len(data) < RTUMinFrameSize {
		return errTooShort("RTU frame", len(data), RTUMinFrameSize)
	}
	payload := data[:len(data)-RTUCRCSize]
	got := binary.LittleEndian.Uint16(data[len(data)-RTUCRCSize:])
	if want := CRC16(payload); got != want {
		return fmt.Errorf("RTU CRC mismatch: got 0x%04X, want 0x%04X", got, want)
	}
	return nil
}

// EncodeRequestASCII frames req in Modbus ASCII.
func EncodeRequestASCII(req Request) []byte {
	return encodeASCII(req.UnitID, req.Function, req.Data)
}

// DecodeRequestASCII checks the delimiters and LRC of one frame and decodes it.
func DecodeRequestASCII(data []byte) (Request, error) {
	payload, err := decodeASCIIFrame(data)
	if err != nil {
		return Request{}, err
	}
	return Request{
		UnitID:   payload[0],
		Function: FunctionCode(payload[1]),
		Data:     cloneBytes(payload[2:]),
	}, nil
}

// LRC computes the Longitudinal Redundancy Check for Modbus ASCII:
// the two's complement of the byte sum.
func LRC(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}

func encodeASCII(unit uint8, fc FunctionCode, data []byte) []byte {
	raw := make([]byte, 0, 3+len(data))
	raw = append(raw, unit, byte(fc))
	raw = append(raw, data...)
	raw = append(raw, LRC(raw))

	frame := make([]byte, 0, 3+hex.EncodedLen(len(raw)))
	frame = append(frame, ASCIIStartByte)
	frame = append(frame, bytes.ToUpper([]byte(hex.EncodeToString(raw)))...)
	return append(frame, ASCIICRByte, ASCIILFByte)
}

// decodeASCIIFrame strips the delimiters, hex-decodes and checks the LRC.
// It returns unit, function code and data without the LRC.
func decodeASCIIFrame(data []byte) ([]byte, error) {
	if len(data) < ASCIIMinLen {
		return nil, errTooShort("ASCII frame", len(data), ASCIIMinLen)
	}
	if data[0] != ASCIIStartByte {
		return nil, fmt.Errorf("ASCII frame missing start byte: got 0x%02X", data[0])
	}
	body := bytes.TrimRight(data[1:], "\r\n")
	if len(body)%2 != 0 {
		return nil, fmt.Errorf("ASCII frame hex data has odd length: %d", len(body))
	}
	raw := make([]byte, hex.DecodedLen(len(body)))
	if _, err := hex.Decode(raw, body); err != nil {
		return nil, fmt.Errorf("ASCII frame hex decode: %w", err)
	}
	if len(raw) < 3 {
		return nil, errTooShort("ASCII PDU", len(raw), 3)
	}
	payload, got := raw[:len(raw)-1], raw[len(raw)-1]
	if want := LRC(payload); got != want {
		return nil, fmt.Errorf("ASCII LRC mismatch: got 0x%02X, want 0x%02X", got, want)
	}
	return payload, nil
}
