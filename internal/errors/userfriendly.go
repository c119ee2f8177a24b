// Package errors turns low-level network, serial and configuration failures
// into messages an operator at the console can act on.
package errors

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// OperatorError is printed as the message followed by one indented line per
// non-empty field.
type OperatorError struct {
	Message string
	Reason  string
	Hint    string
	Try     string
	Err     error
}

func (e OperatorError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, f := range [...]struct{ label, text string }{
		{"Reason", e.Reason},
		{"Hint", e.Hint},
		{"Try", e.Try},
	} {
		if f.text != "" {
			fmt.Fprintf(&b, "\n  %s: %s", f.label, f.text)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, "\n  Details: %v", e.Err)
	}
	return b.String()
}

func (e OperatorError) Unwrap() error { return e.Err }

// reason pairs substrings of an error text with the explanation shown for
// them. The first matching entry wins.
type reason struct {
	needles []string
	text    string
}

var networkReasons = []reason{
	{[]string{"timeout", "deadline exceeded"}, "Connection timeout - peer may be offline or unreachable"},
	{[]string{"connection refused"}, "Connection refused - nothing is listening on this port"},
	{[]string{"no route to host"}, "No route to host - network routing issue or peer unreachable"},
	{[]string{"connection reset", "broken pipe"}, "Connection reset - peer closed the connection unexpectedly"},
	{[]string{"address already in use"}, "Address already in use - another process is bound to this port"},
	{[]string{"permission denied"}, "Permission denied - ports below 1024 need elevated privileges"},
}

var serialReasons = []reason{
	{[]string{"not found", "no such file"}, "Device does not exist"},
	{[]string{"busy"}, "Device is busy - another process holds the port"},
	{[]string{"permission"}, "Permission denied opening the device"},
	{[]string{"baud", "mode"}, "The port rejected the requested line settings"},
}

func classify(err error, table []reason, fallback string) string {
	msg := strings.ToLower(err.Error())
	for _, r := range table {
		for _, n := range r.needles {
			if strings.Contains(msg, n) {
				return r.text
			}
		}
	}
	return fallback
}

// WrapNetworkError wraps a TCP dial, listen or write failure for addr.
func WrapNetworkError(err error, addr string) error {
	if err == nil {
		return nil
	}
	return OperatorError{
		Message: "Network failure talking to " + addr,
		Reason:  classify(err, networkReasons, "Network communication failed"),
		Hint:    "The Modbus/TCP peer may be down, on another port, or behind a firewall",
		Try:     "nc -vz " + strings.Replace(addr, ":", " ", 1),
		Err:     err,
	}
}

// WrapSerialError wraps a failure opening or using a serial device.
func WrapSerialError(err error, device string) error {
	if err == nil {
		return nil
	}
	why := classify(err, serialReasons, "Serial I/O failed")
	switch {
	case errors.Is(err, os.ErrNotExist):
		why = "Device does not exist"
	case errors.Is(err, os.ErrPermission):
		why = "Permission denied opening the device"
	}
	return OperatorError{
		Message: fmt.Sprintf("Serial port %s unavailable", device),
		Reason:  why,
		Hint:    "Check the device path, that no other process holds the port, and your dialout group membership",
		Try:     "ls -l " + device,
		Err:     err,
	}
}

// WrapConfigError reports a configuration file that failed to load or
// validate. The reason is the underlying error text.
func WrapConfigError(err error, configPath string) error {
	if err == nil {
		return nil
	}
	return OperatorError{
		Message: "Configuration error in " + configPath,
		Reason:  err.Error(),
		Hint:    "Print a working starting point with the print-default-config subcommand",
		Try:     fmt.Sprintf("scadasim plc validate-config --config %s", configPath),
		Err:     err,
	}
}
