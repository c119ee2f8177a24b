package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/framing"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/modbus"
)

// TCP framings.
const (
	FramingMBAP = "mbap"
	FramingRTU  = "rtu" // RTU frames with CRC carried over a TCP stream
)

var errListenerStopped = errors.New("listener stopped")

// TCPConfig configures a TCPListener.
type TCPConfig struct {
	Addr string
	// Framing is "mbap" (default) or "rtu".
	Framing string
	// IdleTimeout closes a session that sends nothing for this long.
	// Zero keeps idle sessions open.
	IdleTimeout time.Duration
	// MaxConnections refuses new sessions above this count. Zero is unlimited.
	MaxConnections int
}

// TCPListener accepts Modbus/TCP sessions. Each connection is served by its
// own goroutine; requests on one connection are handled in order.
type TCPListener struct {
	slave *Slave
	cfg   TCPConfig

	ln     *net.TCPListener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewTCPListener creates a listener; call Start to bind.
func NewTCPListener(slave *Slave, cfg TCPConfig) *TCPListener {
	if cfg.Framing == "" {
		cfg.Framing = FramingMBAP
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPListener{
		slave:  slave,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listen address and starts accepting.
func (l *TCPListener) Start() error {
	if l.cfg.Framing != FramingMBAP && l.cfg.Framing != FramingRTU {
		return fmt.Errorf("unknown TCP framing %q (want mbap or rtu)", l.cfg.Framing)
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve TCP address: %w", err)
	}
	l.ln, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("listen TCP: %w", err)
	}
	l.slave.logger.Info("Modbus/TCP slave (unit %d, %s framing) listening on %s", l.slave.UnitID(), l.cfg.Framing, l.ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address after Start.
func (l *TCPListener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Stop closes the listener and every session, then waits for the session
// goroutines. A request already executing completes first.
func (l *TCPListener) Stop() error {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
	l.connsMu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.connsMu.Unlock()

	l.wg.Wait()
	l.slave.logger.Info("Modbus/TCP slave stopped")
	return nil
}

func (l *TCPListener) acceptLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		l.ln.SetDeadline(time.Now().Add(1 * time.Second))
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if l.ctx.Err() != nil {
				return
			}
			l.slave.logger.Error("Accept error: %v", err)
			continue
		}

		if err := l.track(conn); err != nil {
			l.slave.logger.Info("Refusing %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			if l.ctx.Err() != nil {
				return
			}
			continue
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// track registers conn for Stop. It is checked against the listener context
// under connsMu so a connection accepted while Stop runs is never missed.
func (l *TCPListener) track(conn net.Conn) error {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	if l.ctx.Err() != nil {
		return errListenerStopped
	}
	if l.cfg.MaxConnections > 0 && len(l.conns) >= l.cfg.MaxConnections {
		return fmt.Errorf("connection limit %d reached", l.cfg.MaxConnections)
	}
	l.conns[conn] = struct{}{}
	return nil
}

func (l *TCPListener) untrack(conn net.Conn) {
	l.connsMu.Lock()
	delete(l.conns, conn)
	l.connsMu.Unlock()
}

// frameReader turns stream bytes into requests for one session.
type frameReader interface {
	push(data []byte, now time.Time) ([]modbus.Request, error)
}

func (l *TCPListener) handleConnection(conn *net.TCPConn) {
	defer l.wg.Done()
	defer func() {
		l.untrack(conn)
		conn.Close()
		l.slave.opts.Metrics.SessionClosed()
	}()
	l.slave.opts.Metrics.SessionOpened()

	remoteAddr := conn.RemoteAddr().String()
	l.slave.logger.Info("New connection from %s", remoteAddr)

	client := capture.EndpointOf(conn.RemoteAddr(), capture.SerialEndpoint)
	server := capture.EndpointOf(conn.LocalAddr(), capture.SlaveEndpoint)
	var reader frameReader
	rtu := l.cfg.Framing == FramingRTU
	if rtu {
		f, _ := framing.New(framing.Options{Mode: framing.ModeRTU})
		reader = &rtuStream{framer: f}
	} else {
		reader = &mbapStream{}
	}

	readBuf := make([]byte, 1024)
	for {
		if l.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.IdleTimeout))
		}
		n, err := conn.Read(readBuf)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				l.slave.logger.Info("Connection closed by client: %s", remoteAddr)
			case isTimeout(err):
				l.slave.logger.Info("Closing idle connection from %s", remoteAddr)
			case l.ctx.Err() != nil:
			default:
				l.slave.logger.Error("Read error from %s: %v", remoteAddr, err)
			}
			return
		}

		l.slave.logger.LogHex("RX "+remoteAddr, readBuf[:n])
		reqs, err := reader.push(readBuf[:n], time.Now())
		for _, req := range reqs {
			resp, reply := l.slave.Process(l.ctx, req, false)
			var out []byte
			if reply {
				if rtu {
					out = modbus.EncodeResponseRTU(resp)
				} else {
					out = modbus.EncodeResponseTCP(resp)
				}
			}
			l.recordTCP(client, server, req, resp, reply)
			if out == nil {
				continue
			}
			l.slave.logger.LogHex("TX "+remoteAddr, out)
			if _, err := conn.Write(out); err != nil {
				l.slave.logger.Error("Write error to %s: %v", remoteAddr, err)
				return
			}
		}
		if err != nil {
			// an MBAP stream cannot resynchronise after a bad header
			l.slave.logger.Error("Dropping connection from %s: %v", remoteAddr, err)
			l.slave.opts.Metrics.ModbusRequest("unknown", metrics.ResultMalformed)
			return
		}
	}
}

// recordTCP writes the exchange to the capture as MBAP frames, converting
// RTU-over-TCP frames so that the pcap always decodes as Modbus/TCP.
func (l *TCPListener) recordTCP(client, server capture.Endpoint, req modbus.Request, resp modbus.Response, reply bool) {
	if l.slave.opts.Capture == nil {
		return
	}
	var out []byte
	if reply {
		resp.TransactionID = req.TransactionID
		out = modbus.EncodeResponseTCP(resp)
	}
	l.slave.record(client, server, modbus.EncodeRequestTCP(req), out)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// mbapStream reassembles MBAP frames split or coalesced by TCP.
type mbapStream struct {
	buf []byte
}

func (s *mbapStream) push(data []byte, _ time.Time) ([]modbus.Request, error) {
	s.buf = append(s.buf, data...)
	var out []modbus.Request
	for {
		n, err := modbus.TCPFrameLength(s.buf)
		if err != nil {
			return out, err
		}
		if n == 0 || len(s.buf) < n {
			return out, nil
		}
		req, err := modbus.DecodeRequestTCP(s.buf[:n])
		s.buf = s.buf[n:]
		if err != nil {
			return out, err
		}
		out = append(out, req)
	}
}

// rtuStream frames RTU units on a TCP stream. Bad CRCs are dropped by the
// framer and never close the session.
type rtuStream struct {
	framer framing.Framer
	txID   uint16
}

func (s *rtuStream) push(data []byte, now time.Time) ([]modbus.Request, error) {
	reqs := s.framer.Push(data, now)
	for i := range reqs {
		s.txID++
		reqs[i].TransactionID = s.txID
	}
	return reqs, nil
}
