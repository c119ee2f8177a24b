// Package server exposes a register map as a Modbus slave over TCP and RTU.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/modbus"
)

// Handler executes a decoded request against the device data.
// *modbus.DataStore implements it.
type Handler interface {
	Handle(ctx context.Context, req modbus.Request) modbus.Response
}

// UnitPolicy decides what a TCP session does with a request addressed to
// another unit ID. Serial sessions always stay silent.
type UnitPolicy string

const (
	UnitPolicyDrop      UnitPolicy = "drop"
	UnitPolicyException UnitPolicy = "exception"
)

// ParseUnitPolicy validates a policy name; empty means drop.
func ParseUnitPolicy(s string) (UnitPolicy, error) {
	switch p := UnitPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", UnitPolicyDrop:
		return UnitPolicyDrop, nil
	case UnitPolicyException:
		return p, nil
	default:
		return "", fmt.Errorf("unknown unit_id_policy %q (want drop or exception)", s)
	}
}

// Options configures a Slave.
type Options struct {
	UnitID     uint8
	UnitPolicy UnitPolicy
	// LockTimeout bounds the wait for the register map. A request that
	// cannot get it in time is answered with Slave Device Busy.
	LockTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Capture     *capture.Recorder
}

// Slave is the transport-independent Modbus slave: unit ID filtering,
// execution, accounting. TCPListener and RTUSession feed it requests.
type Slave struct {
	handler Handler
	opts    Options
	logger  *logging.Logger
}

// NewSlave creates a slave for handler.
func NewSlave(handler Handler, opts Options) *Slave {
	if opts.UnitPolicy == "" {
		opts.UnitPolicy = UnitPolicyDrop
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Slave{handler: handler, opts: opts, logger: logger}
}

// UnitID returns the unit the slave answers to.
func (s *Slave) UnitID() uint8 { return s.opts.UnitID }

// Process runs one request. reply is false when nothing must be sent back:
// broadcasts, requests for another unit under the drop policy and every
// foreign-unit request on a serial line.
func (s *Slave) Process(ctx context.Context, req modbus.Request, serial bool) (resp modbus.Response, reply bool) {
	fn := req.Function.String()

	if req.UnitID == modbus.BroadcastUnitID {
		if req.Function.IsWrite() {
			s.execute(ctx, req)
			s.opts.Metrics.ModbusRequest(fn, metrics.ResultOK)
		} else {
			s.opts.Metrics.ModbusRequest(fn, metrics.ResultDropped)
		}
		return modbus.Response{}, false
	}

	if req.UnitID != s.opts.UnitID {
		if s.logger.Sampled("unit-mismatch") {
			s.logger.Verbose("Request for unit %d ignored (this unit is %d)", req.UnitID, s.opts.UnitID)
		}
		if serial || s.opts.UnitPolicy == UnitPolicyDrop {
			s.opts.Metrics.ModbusRequest(fn, metrics.ResultDropped)
			return modbus.Response{}, false
		}
		s.opts.Metrics.ModbusRequest(fn, metrics.ResultException)
		return modbus.ExceptionFor(req, modbus.ExceptionGatewayTargetFail), true
	}

	resp = s.execute(ctx, req)
	if resp.IsException() {
		s.opts.Metrics.ModbusRequest(fn, metrics.ResultException)
		s.logger.Verbose("%s from unit %d -> exception %s", fn, req.UnitID, resp.ExceptionCode())
	} else {
		s.opts.Metrics.ModbusRequest(fn, metrics.ResultOK)
	}
	return resp, true
}

func (s *Slave) execute(ctx context.Context, req modbus.Request) modbus.Response {
	lockCtx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	defer cancel()
	return s.handler.Handle(lockCtx, req)
}

// record writes a request/response pair to the capture, if any.
func (s *Slave) record(client, server capture.Endpoint, req, resp []byte) {
	if s.opts.Capture == nil {
		return
	}
	if err := s.opts.Capture.Request(client, server, req); err != nil && s.logger.Sampled("capture") {
		s.logger.Error("Capture write failed: %v", err)
	}
	if resp != nil {
		_ = s.opts.Capture.Response(client, server, resp)
	}
}
