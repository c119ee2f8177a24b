package modbus

// Modbus/TCP (MBAP) codec plus PDU builders and parsers shared by the
// server, the gateway and the tests.

import (
	"encoding/binary"
	"fmt"
)

// errTooShort is the error for every truncated buffer.
func errTooShort(what string, got, need int) error {
	return fmt.Errorf("%s too short: %d bytes (minimum %d)", what, got, need)
}

// PDU and ADU size bounds.
const (
	MinPDUSize = 1 // function code alone
	MaxPDUSize = 253
	MaxADUSize = MBAPHeaderSize + MaxPDUSize
)

// Per-request quantity limits.
const (
	MaxReadBits       = 2000
	MaxReadRegisters  = 125
	MaxWriteBits      = 1968
	MaxWriteRegisters = 123
)

// EncodeRequestTCP frames req with an MBAP header.
func EncodeRequestTCP(req Request) []byte {
	return encodeMBAP(req.TransactionID, req.UnitID, req.Function, req.Data)
}

// DecodeRequestTCP decodes one complete MBAP frame.
func DecodeRequestTCP(data []byte) (Request, error) {
	hdr, pdu, err := splitMBAP(data)
	if err != nil {
		return Request{}, err
	}
	return Request{
		TransactionID: hdr.TransactionID,
		UnitID:        hdr.UnitID,
		Function:      FunctionCode(pdu[0]),
		Data:          cloneBytes(pdu[1:]),
	}, nil
}

// EncodeResponseTCP frames resp with an MBAP header.
func EncodeResponseTCP(resp Response) []byte {
	return encodeMBAP(resp.TransactionID, resp.UnitID, resp.Function, resp.Data)
}

// DecodeResponseTCP decodes one complete MBAP reply.
func DecodeResponseTCP(data []byte) (Response, error) {
	hdr, pdu, err := splitMBAP(data)
	if err != nil {
		return Response{}, err
	}
	return Response{
		TransactionID: hdr.TransactionID,
		UnitID:        hdr.UnitID,
		Function:      FunctionCode(pdu[0]),
		Data:          cloneBytes(pdu[1:]),
	}, nil
}

// TCPFrameLength reports the total length of the MBAP frame at the start of
// buf. It returns 0 when the header is not complete yet and an error when the
// header cannot start a valid frame; the caller should then drop the stream.
func TCPFrameLength(buf []byte) (int, error) {
	if len(buf) < MBAPHeaderSize {
		return 0, nil
	}
	hdr, _ := DecodeMBAPHeader(buf)
	if hdr.ProtocolID != 0x0000 {
		return 0, fmt.Errorf("invalid Modbus protocol ID: 0x%04X", hdr.ProtocolID)
	}
	if hdr.Length < 2 || int(hdr.Length) > MaxPDUSize+1 {
		return 0, fmt.Errorf("invalid MBAP length: %d", hdr.Length)
	}
	return MBAPHeaderSize - 1 + int(hdr.Length), nil
}

// ExceptionFor builds the exception response matching req.
func ExceptionFor(req Request, exc ExceptionCode) Response {
	return Response{
		TransactionID: req.TransactionID,
		UnitID:        req.UnitID,
		Function:      req.Function | 0x80,
		Data:          []byte{byte(exc)},
	}
}

// --- request builders ---

// ReadRequest builds the payload shared by FC 0x01 to 0x04.
func ReadRequest(startAddr, quantity uint16) []byte {
	return encodeAddrQty(startAddr, quantity)
}

// WriteSingleCoilRequest encodes ON as 0xFF00.
func WriteSingleCoilRequest(addr uint16, value bool) []byte {
	var v uint16
	if value {
		v = 0xFF00
	}
	return encodeAddrQty(addr, v)
}

// WriteSingleRegisterRequest is the payload of write_single_register.
func WriteSingleRegisterRequest(addr uint16, value uint16) []byte {
	return encodeAddrQty(addr, value)
}

// WriteMultipleCoilsRequest packs values LSB first after the byte count.
func WriteMultipleCoilsRequest(startAddr uint16, values []bool) []byte {
	packed := PackBits(values)
	buf := append(encodeAddrQty(startAddr, uint16(len(values))), byte(len(packed)))
	return append(buf, packed...)
}

// WriteMultipleRegistersRequest is the payload of write_multiple_registers.
func WriteMultipleRegistersRequest(startAddr uint16, values []uint16) []byte {
	buf := append(encodeAddrQty(startAddr, uint16(len(values))), byte(len(values)*2))
	for _, v := range values {
		buf = binary.BigEndian.AppendUint16(buf, v)
	}
	return buf
}

// MaskWriteRegisterRequest is the payload of mask_write_register.
func MaskWriteRegisterRequest(addr uint16, andMask uint16, orMask uint16) []byte {
	return binary.BigEndian.AppendUint16(encodeAddrQty(addr, andMask), orMask)
}

// --- response parsers ---

// DecodeReadRegistersResponse returns the registers of a holding or input
// register read reply.
func DecodeReadRegistersResponse(data []byte) ([]uint16, error) {
	payload, err := byteCounted("read registers response", data)
	if err != nil {
		return nil, err
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("odd byte count in register response: %d", len(payload))
	}
	return BytesToRegisters(payload), nil
}

// DecodeReadBitsResponse parses the data field of a read coils/discrete
// inputs response (FC 0x01 or 0x02) into quantity booleans.
func DecodeReadBitsResponse(data []byte, quantity int) ([]bool, error) {
	payload, err := byteCounted("read bits response", data)
	if err != nil {
		return nil, err
	}
	if len(payload)*8 < quantity {
		return nil, fmt.Errorf("bit response carries %d bytes, need %d bits", len(payload), quantity)
	}
	return UnpackBits(payload, quantity), nil
}

// --- bit and register packing ---

// PackBits packs booleans LSB first, as on the wire.
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return out
}

// UnpackBits expands count bits from packed, LSB first.
func UnpackBits(packed []byte, count int) []bool {
	out := make([]bool, count)
	for i := range out {
		out[i] = packed[i/8]&(1<<(uint(i)%8)) != 0
	}
	return out
}

// BytesToRegisters converts big-endian register bytes into values.
func BytesToRegisters(b []byte) []uint16 {
	regs := make([]uint16, len(b)/2)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(b[i*2:])
	}
	return regs
}

// RegistersToBytes converts register values into big-endian bytes.
func RegistersToBytes(regs []uint16) []byte {
	out := make([]byte, 0, len(regs)*2)
	for _, r := range regs {
		out = binary.BigEndian.AppendUint16(out, r)
	}
	return out
}

func encodeMBAP(txID uint16, unit uint8, fc FunctionCode, data []byte) []byte {
	buf := EncodeMBAPHeader(MBAPHeader{
		TransactionID: txID,
		Length:        uint16(2 + len(data)), // unit + function code + data
		UnitID:        unit,
	})
	buf = append(buf, byte(fc))
	return append(buf, data...)
}

func splitMBAP(data []byte) (MBAPHeader, []byte, error) {
	hdr, err := DecodeMBAPHeader(data)
	if err != nil {
		return MBAPHeader{}, nil, err
	}
	if hdr.ProtocolID != 0x0000 {
		return MBAPHeader{}, nil, fmt.Errorf("invalid Modbus protocol ID: 0x%04X", hdr.ProtocolID)
	}
	// Length covers the unit ID already decoded with the header.
	end := MBAPHeaderSize + int(hdr.Length) - 1
	if end > len(data) {
		return MBAPHeader{}, nil, errTooShort("Modbus TCP frame", len(data), end)
	}
	if end < MBAPHeaderSize+MinPDUSize {
		return MBAPHeader{}, nil, errTooShort("Modbus PDU", end-MBAPHeaderSize, MinPDUSize)
	}
	return hdr, data[MBAPHeaderSize:end], nil
}

func byteCounted(what string, data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, errTooShort(what, len(data), 1)
	}
	n := int(data[0])
	if len(data) < 1+n {
		return nil, errTooShort(what+" data", len(data), 1+n)
	}
	return data[1 : 1+n], nil
}

func encodeAddrQty(addr, qty uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], addr)
	binary.BigEndian.PutUint16(buf[2:4], qty)
	return buf
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
