package poller

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goburrow/modbus"
)

// Client is the subset of the goburrow master API the poller uses.
type Client interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
}

// Conn is a client together with the transport it owns. Close drops the
// underlying connection; the next request reconnects.
type Conn interface {
	Client
	io.Closer
}

// Transport names how a slave is reached.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportRTU Transport = "rtu"
)

// ParseTransport accepts tcp or rtu.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TransportTCP, nil
	case "rtu", "serial":
		return TransportRTU, nil
	default:
		return "", fmt.Errorf("unknown transport %q (want tcp or rtu)", s)
	}
}

// SerialSettings are the line parameters of an RTU slave.
type SerialSettings struct {
	Baud     int
	DataBits int
	Parity   string
	StopBits int
}

// Endpoint locates one slave.
type Endpoint struct {
	Transport Transport
	// Address is host:port for TCP or the device path for RTU.
	Address string
	UnitID  uint8
	Timeout time.Duration
	Serial  SerialSettings
}

// Connector opens a Conn for an endpoint.
type Connector func(Endpoint) (Conn, error)

type handlerConn struct {
	modbus.Client
	io.Closer
}

// Connect builds a goburrow client for the endpoint. Neither transport dials
// until the first request.
func Connect(ep Endpoint) (Conn, error) {
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	switch ep.Transport {
	case TransportTCP, "":
		h := modbus.NewTCPClientHandler(ep.Address)
		h.SlaveId = ep.UnitID
		h.Timeout = timeout
		h.IdleTimeout = 60 * time.Second
		return handlerConn{Client: modbus.NewClient(h), Closer: h}, nil
	case TransportRTU:
		h := modbus.NewRTUClientHandler(ep.Address)
		h.SlaveId = ep.UnitID
		h.Timeout = timeout
		h.BaudRate = orDefault(ep.Serial.Baud, 9600)
		h.DataBits = orDefault(ep.Serial.DataBits, 8)
		h.StopBits = orDefault(ep.Serial.StopBits, 1)
		parity, err := parityLetter(ep.Serial.Parity)
		if err != nil {
			return nil, err
		}
		h.Parity = parity
		return handlerConn{Client: modbus.NewClient(h), Closer: h}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", ep.Transport)
	}
}

func parityLetter(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "n", "none":
		return "N", nil
	case "e", "even":
		return "E", nil
	case "o", "odd":
		return "O", nil
	default:
		return "", fmt.Errorf("unknown parity %q", s)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
