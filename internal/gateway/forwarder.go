package gateway

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/logging"
	"github.com/tonylturner/scadasim/internal/modbus"
)

// DialFunc opens the connection to the destination.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Addr           string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// Dial defaults to a net.Dialer.
	Dial DialFunc
}

// Forwarder writes units to one Modbus/TCP destination, fire and forget.
// The connection is opened on first use and reused while writes succeed; any
// failure closes it and the unit is abandoned. Responses are never parsed.
type Forwarder struct {
	cfg     ForwarderConfig
	logger  *logging.Logger
	capture *capture.Recorder

	mu    sync.Mutex
	conn  net.Conn
	txIDs map[uint8]uint16
}

// NewForwarder creates a forwarder; nothing is dialled until Forward.
func NewForwarder(cfg ForwarderConfig, logger *logging.Logger, rec *capture.Recorder) *Forwarder {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Dial == nil {
		cfg.Dial = (&net.Dialer{}).DialContext
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Forwarder{
		cfg:     cfg,
		logger:  logger,
		capture: rec,
		txIDs:   make(map[uint8]uint16),
	}
}

// Forward re-encodes req as an MBAP frame and writes it. The returned error
// only reports what happened to this unit; the next call starts afresh.
func (f *Forwarder) Forward(ctx context.Context, req modbus.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txIDs[req.UnitID]++
	req.TransactionID = f.txIDs[req.UnitID]
	frame := modbus.EncodeRequestTCP(req)

	if f.conn == nil {
		dialCtx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
		conn, err := f.cfg.Dial(dialCtx, "tcp", f.cfg.Addr)
		cancel()
		if err != nil {
			return fmt.Errorf("connect %s: %w", f.cfg.Addr, err)
		}
		f.conn = conn
		go drain(conn)
		f.logger.Verbose("Connected to %s", f.cfg.Addr)
	}

	if err := f.conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout)); err != nil {
		f.closeLocked()
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := f.conn.Write(frame); err != nil {
		f.closeLocked()
		return fmt.Errorf("write to %s: %w", f.cfg.Addr, err)
	}

	f.logger.LogHex(fmt.Sprintf("forwarded unit %d txid %d", req.UnitID, req.TransactionID), frame)
	if f.capture != nil {
		server := capture.EndpointOf(f.conn.RemoteAddr(), capture.SlaveEndpoint)
		_ = f.capture.Request(capture.SerialEndpoint, server, frame)
	}
	return nil
}

// Close drops the current connection, if any.
func (f *Forwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	return nil
}

func (f *Forwarder) closeLocked() {
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

// drain discards whatever the destination sends so a chatty peer never
// fills the socket buffer. It ends when the connection is closed.
func drain(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}
