package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.bug.st/serial"
)

//go:generate go tool mockgen -source=transport.go -destination=mock_transport_test.go -package=modem

// DefaultReadTimeout bounds a single Read on the transport.
const DefaultReadTimeout = 200 * time.Millisecond

// PortConfig identifies one serial link setting. It is fixed once a
// Transport has been dialled; changing the baud rate means closing the
// Transport and dialling again.
type PortConfig struct {
	// Port is the OS name of the port (e.g. "/dev/ttyUSB0", "COM12").
	Port string
	// BaudRate is the line speed in bits per second.
	BaudRate int
	// ReadTimeout bounds how long a single Read may block.
	ReadTimeout time.Duration
}

func (c PortConfig) validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: serial port name is required", ErrInvalidConfig)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalidConfig, c.BaudRate)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: read timeout must be positive, got %s", ErrInvalidConfig, c.ReadTimeout)
	}
	return nil
}

// Transport represents an open, bidirectional byte stream to a LoRa module.
//
// A Transport is assumed to be already connected and ready for use. Read
// never blocks longer than the configured read timeout and returns (0, nil)
// when nothing arrived in time. Typical implementations are serial ports
// or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser

	// Flush blocks until everything written has been transmitted.
	Flush() error
	// ResetInputBuffer discards received bytes that have not been read.
	ResetInputBuffer() error
	// ResetOutputBuffer discards written bytes that have not been sent.
	ResetOutputBuffer() error
	// Buffered reports how many received bytes can be read without waiting.
	Buffered() (int, error)
}

// Dialer opens a Transport to a LoRa module.
//
// Dialer abstracts how the connection is created (a serial port or a test
// double). The baud prober dials once per candidate rate; a session dials
// once for its lifetime.
type Dialer interface {
	// Dial opens the port described by cfg. It should respect cancellation
	// provided by the context and returns an error wrapping ErrPortOpen if
	// the transport cannot be established.
	Dial(ctx context.Context, cfg PortConfig) (Transport, error)
}

// isPermanent reports whether a read or write error means the link is gone
// (port closed or device unplugged) rather than a transient hiccup.
func isPermanent(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}
	return false
}
