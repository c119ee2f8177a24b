package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tonylturner/scadasim/internal/capture"
	"github.com/tonylturner/scadasim/internal/framing"
	"github.com/tonylturner/scadasim/internal/metrics"
	"github.com/tonylturner/scadasim/internal/modbus"
)

// RTUConfig configures an RTUSession.
type RTUConfig struct {
	// Name labels the line in logs, usually the device path.
	Name string
	// Gap is the inter-frame silence that discards a partial frame.
	Gap time.Duration
}

// RTUSession serves a single serial line. The line is half duplex, so
// requests are handled one at a time in arrival order.
type RTUSession struct {
	slave *Slave
	port  io.ReadWriteCloser
	cfg   RTUConfig
	txID  uint16
}

// NewRTUSession wraps an open port. The session owns the port and closes it
// when Run returns.
func NewRTUSession(slave *Slave, port io.ReadWriteCloser, cfg RTUConfig) *RTUSession {
	if cfg.Name == "" {
		cfg.Name = "serial"
	}
	return &RTUSession{slave: slave, port: port, cfg: cfg}
}

// RTUGap returns the 3.5 character silence for baud, with the 1.75 ms floor
// used above 19200 baud.
func RTUGap(baud int) time.Duration {
	if baud <= 0 || baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return time.Duration(float64(time.Second) * 3.5 * 11 / float64(baud))
}

// Run reads frames until ctx is cancelled or the port fails.
func (s *RTUSession) Run(ctx context.Context) error {
	framer, err := framing.New(framing.Options{Mode: framing.ModeRTU, Gap: s.cfg.Gap})
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.port.Close()
		case <-stop:
		}
	}()
	defer s.port.Close()

	s.slave.logger.Info("Modbus RTU slave (unit %d) serving %s", s.slave.UnitID(), s.cfg.Name)

	var malformed uint64
	buf := make([]byte, modbus.RTUMaxFrameSize)
	for {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.slave.logger.LogHex("RX "+s.cfg.Name, buf[:n])
			for _, req := range framer.Push(buf[:n], time.Now()) {
				if err := s.serve(ctx, req); err != nil {
					return err
				}
			}
			if m := framer.Malformed(); m != malformed {
				s.slave.opts.Metrics.ModbusRequest("unknown", metrics.ResultMalformed)
				if s.slave.logger.Sampled("rtu-malformed") {
					s.slave.logger.Verbose("Discarded %d malformed bytes on %s", m-malformed, s.cfg.Name)
				}
				malformed = m
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				s.slave.logger.Info("Modbus RTU slave on %s stopped", s.cfg.Name)
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.cfg.Name, err)
		}
	}
}

func (s *RTUSession) serve(ctx context.Context, req modbus.Request) error {
	resp, reply := s.slave.Process(ctx, req, true)

	s.txID++
	req.TransactionID = s.txID
	var captured []byte
	if reply {
		resp.TransactionID = s.txID
		captured = modbus.EncodeResponseTCP(resp)
	}
	s.slave.record(capture.SerialEndpoint, capture.SlaveEndpoint, modbus.EncodeRequestTCP(req), captured)

	if !reply {
		return nil
	}
	out := modbus.EncodeResponseRTU(resp)
	s.slave.logger.LogHex("TX "+s.cfg.Name, out)
	if _, err := s.port.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", s.cfg.Name, err)
	}
	return nil
}
