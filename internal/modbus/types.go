package modbus

// Modbus protocol types shared by the slave, the gateway and the poller
// tests.

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// FunctionCode is the first PDU byte. Bit 7 marks an exception response.
type FunctionCode uint8

// MBAPHeader precedes every PDU on a Modbus/TCP stream.
type MBAPHeader struct {
	TransactionID uint16
	ProtocolID    uint16 // 0 for Modbus
	Length        uint16 // unit ID plus PDU
	UnitID        uint8
}

// MBAPHeaderSize includes the unit ID.
const MBAPHeaderSize = 7

// BroadcastUnitID addresses every slave on a serial line. Slaves never answer it.
const BroadcastUnitID uint8 = 0

// Request is a decoded request ADU. TransactionID is zero for serial frames
// until a transport assigns one.
type Request struct {
	TransactionID uint16
	UnitID        uint8
	Function      FunctionCode
	Data          []byte // PDU after the function code
}

// Response is a decoded response ADU.
type Response struct {
	TransactionID uint16
	UnitID        uint8
	Function      FunctionCode
	Data          []byte // PDU after the function code, or the exception code
}

// ExceptionCode is the single data byte of an exception response.
type ExceptionCode uint8

const (
	ExceptionIllegalFunction    ExceptionCode = 0x01
	ExceptionIllegalDataAddress ExceptionCode = 0x02
	ExceptionIllegalDataValue   ExceptionCode = 0x03
	ExceptionSlaveDeviceFailure ExceptionCode = 0x04
	ExceptionSlaveDeviceBusy    ExceptionCode = 0x06
	ExceptionGatewayTargetFail  ExceptionCode = 0x0B
)

// IsException reports whether bit 7 of the function code is set.
func (r Response) IsException() bool {
	return r.Function&0x80 != 0
}

// ExceptionCode returns the code carried by an exception response, or 0.
func (r Response) ExceptionCode() ExceptionCode {
	if r.IsException() && len(r.Data) > 0 {
		return ExceptionCode(r.Data[0])
	}
	return 0
}

// Table names one of the four Modbus data tables.
type Table int

const (
	TableCoils Table = iota
	TableDiscreteInputs
	TableInputRegisters
	TableHoldingRegisters
)

// AllTables lists every table in protocol order.
var AllTables = []Table{TableCoils, TableDiscreteInputs, TableInputRegisters, TableHoldingRegisters}

// IsBit reports whether the table holds single-bit values.
func (t Table) IsBit() bool {
	return t == TableCoils || t == TableDiscreteInputs
}

// ReadOnly reports whether Modbus masters may not write the table.
func (t Table) ReadOnly() bool {
	return t == TableDiscreteInputs || t == TableInputRegisters
}

// String returns the configuration name of the table.
func (t Table) String() string {
	switch t {
	case TableCoils:
		return "coil"
	case TableDiscreteInputs:
		return "discrete_input"
	case TableInputRegisters:
		return "input_register"
	case TableHoldingRegisters:
		return "holding_register"
	default:
		return "unknown"
	}
}

// ParseTable accepts the configuration names of a table and their short forms.
func ParseTable(s string) (Table, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils", "co":
		return TableCoils, nil
	case "discrete_input", "discrete_inputs", "di", "status", "statusreg":
		return TableDiscreteInputs, nil
	case "input_register", "input_registers", "ir", "inputreg":
		return TableInputRegisters, nil
	case "holding_register", "holding_registers", "hr", "holdingreg":
		return TableHoldingRegisters, nil
	default:
		return 0, fmt.Errorf("unknown table %q", s)
	}
}

// MarshalYAML writes the table by name.
func (t Table) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// UnmarshalYAML reads a table name.
func (t *Table) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseTable(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// EncodeMBAPHeader writes h in wire order.
func EncodeMBAPHeader(h MBAPHeader) []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = h.UnitID
	return buf
}

// DecodeMBAPHeader reads the header at the start of data without checking it.
func DecodeMBAPHeader(data []byte) (MBAPHeader, error) {
	if len(data) < MBAPHeaderSize {
		return MBAPHeader{}, errTooShort("MBAP header", len(data), MBAPHeaderSize)
	}
	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
	}, nil
}
