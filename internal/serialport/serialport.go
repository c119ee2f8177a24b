// Package serialport opens the serial lines used by the RTU slave and the
// gateway.
package serialport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"

	scadaerrors "github.com/tonylturner/scadasim/internal/errors"
)

// Config describes a serial line.
type Config struct {
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
	// ReadTimeout bounds each Read; a read that times out returns 0 bytes.
	ReadTimeout time.Duration `yaml:"-"`
}

// WithDefaults fills 9600 8N1.
func (c Config) WithDefaults() Config {
	if c.Baud <= 0 {
		c.Baud = 9600
	}
	if c.DataBits <= 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "none"
	}
	if c.StopBits <= 0 {
		c.StopBits = 1
	}
	return c
}

// Mode converts the configuration to a go.bug.st/serial mode.
func (c Config) Mode() (*serial.Mode, error) {
	c = c.WithDefaults()
	mode := &serial.Mode{BaudRate: c.Baud, DataBits: c.DataBits}
	switch strings.ToLower(c.Parity) {
	case "n", "none":
		mode.Parity = serial.NoParity
	case "e", "even":
		mode.Parity = serial.EvenParity
	case "o", "odd":
		mode.Parity = serial.OddParity
	case "m", "mark":
		mode.Parity = serial.MarkParity
	case "s", "space":
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", c.Parity)
	}
	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d (want 1 or 2)", c.StopBits)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("unsupported data bits %d (want 5-8)", c.DataBits)
	}
	return mode, nil
}

// Validate checks the line settings without opening the device.
func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("serial device is required")
	}
	_, err := c.Mode()
	return err
}

// Open opens the device. Errors carry a user-facing hint.
func Open(c Config) (serial.Port, error) {
	c = c.WithDefaults()
	mode, err := c.Mode()
	if err != nil {
		return nil, scadaerrors.WrapSerialError(err, c.Device)
	}
	port, err := serial.Open(c.Device, mode)
	if err != nil {
		return nil, scadaerrors.WrapSerialError(err, c.Device)
	}
	if c.ReadTimeout > 0 {
		if err := port.SetReadTimeout(c.ReadTimeout); err != nil {
			port.Close()
			return nil, scadaerrors.WrapSerialError(err, c.Device)
		}
	}
	return port, nil
}

// List returns the serial ports present on the host.
func List() ([]string, error) {
	return serial.GetPortsList()
}
