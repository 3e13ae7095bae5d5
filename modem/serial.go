package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// SerialDialer opens a LoRa module over a serial port using go.bug.st/serial.
//
// Mode may carry data bits, parity and stop bits; its BaudRate is always
// replaced by the rate passed to Dial. A nil Mode means 8N1.
type SerialDialer struct {
	Mode *serial.Mode
}

// Dial implements Dialer.
func (d SerialDialer) Dial(ctx context.Context, cfg PortConfig) (Transport, error) {
	if ctx == nil {
		return nil, errors.New("lora: context is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, opError("open", cfg, ErrPortOpen, err)
	}

	mode := &serial.Mode{
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if d.Mode != nil {
		m := *d.Mode
		mode = &m
	}
	mode.BaudRate = cfg.BaudRate

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortBusy {
			return nil, opError("open", cfg, ErrPortBusy, err)
		}
		return nil, opError("open", cfg, ErrPortOpen, err)
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, opError("open", cfg, ErrPortOpen, fmt.Errorf("set read timeout: %w", err))
	}

	return newSerialTransport(port), nil
}

// ListPorts returns the names of the serial ports present on this host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}

// serialTransport adapts a serial.Port to Transport. Reads go through a
// small read-ahead buffer so that Buffered can report bytes that have
// already left the OS queue.
type serialTransport struct {
	mu   sync.Mutex
	port serial.Port
	r    *bufio.Reader
}

func newSerialTransport(port serial.Port) *serialTransport {
	return &serialTransport{port: port, r: bufio.NewReaderSize(port, 4096)}
}

func (t *serialTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r.Read(p)
}

func (t *serialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

func (t *serialTransport) Flush() error {
	return t.port.Drain()
}

func (t *serialTransport) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r.Reset(t.port)
	return t.port.ResetInputBuffer()
}

func (t *serialTransport) ResetOutputBuffer() error {
	return t.port.ResetOutputBuffer()
}

func (t *serialTransport) Buffered() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.r.Buffered(), nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
