package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDialer is returned when a Session is constructed without a Dialer
	// or an already open Transport.
	//
	// This indicates a configuration error. Something has to provide the
	// connection to the module.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrInvalidConfig is returned when a port configuration or option is
	// out of range (empty port name, non-positive baud rate or timeout).
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrPortOpen is returned when the transport cannot be acquired.
	//
	// It is fatal to session start and is surfaced immediately.
	ErrPortOpen = errors.New("port open failed")

	// ErrPortBusy is returned when a port is already owned by another
	// session or probe in this process, or reported busy by the OS.
	ErrPortBusy = errors.New("port busy")

	// ErrTransportIO is returned when a read or write fails on an active
	// session. The session is torn down when this happens.
	ErrTransportIO = errors.New("transport I/O failure")

	// ErrDecode marks inbound data that was not valid UTF-8. No call
	// returns it: the bad bytes are replaced, counted in Statistics.Errors
	// and logged with this error, which KindOf maps to KindDecodeFailure.
	ErrDecode = errors.New("invalid UTF-8 in inbound data")

	// ErrHandshakeTimeout is returned when nothing answered the escape
	// marker within its read window.
	//
	// It is not fatal: many modules enter command mode silently, so a
	// probe command is the authoritative check.
	ErrHandshakeTimeout = errors.New("escape did not confirm")

	// ErrNoResponsiveBaud is returned when the baud prober has tried every
	// candidate without an accepted reply.
	ErrNoResponsiveBaud = errors.New("no responsive baud rate found")

	// ErrAlreadyClosed is returned when an operation is attempted on a
	// Session that has already been torn down.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrNotActive is returned when a command is sent on a Session that is
	// not in the Active state.
	ErrNotActive = errors.New("session not active")

	// ErrReaderRunning is returned when a mode transition or a second
	// reader is requested after the background reader has started.
	ErrReaderRunning = errors.New("background reader already running")

	// ErrInvalidCommand is returned for empty commands or commands that
	// contain an embedded line break.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidTransition is returned when the session state machine is
	// asked for a transition it does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// OpError describes a failed operation together with the port and baud
// rate it was attempted on, so that an operator can retry it.
type OpError struct {
	Op   string
	Port string
	Baud int
	Err  error
}

func (e *OpError) Error() string {
	if e.Baud > 0 {
		return fmt.Sprintf("%s %s@%d: %v", e.Op, e.Port, e.Baud, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, cfg PortConfig, kind, err error) error {
	if err == nil {
		return &OpError{Op: op, Port: cfg.Port, Baud: cfg.BaudRate, Err: kind}
	}
	return &OpError{Op: op, Port: cfg.Port, Baud: cfg.BaudRate, Err: fmt.Errorf("%w: %w", kind, err)}
}

// ErrorKind groups errors by how the caller is expected to react.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPortOpenFailure
	KindTransportIOFailure
	KindDecodeFailure
	KindHandshakeTimeout
	KindNoResponsiveBaud
)

func (k ErrorKind) String() string {
	switch k {
	case KindPortOpenFailure:
		return "port-open-failure"
	case KindTransportIOFailure:
		return "transport-io-failure"
	case KindDecodeFailure:
		return "decode-failure"
	case KindHandshakeTimeout:
		return "handshake-timeout"
	case KindNoResponsiveBaud:
		return "no-responsive-baud"
	default:
		return "unknown"
	}
}

// Kind classifies err.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNoResponsiveBaud):
		return KindNoResponsiveBaud
	case errors.Is(err, ErrPortOpen), errors.Is(err, ErrPortBusy):
		return KindPortOpenFailure
	case errors.Is(err, ErrTransportIO):
		return KindTransportIOFailure
	case errors.Is(err, ErrHandshakeTimeout):
		return KindHandshakeTimeout
	case errors.Is(err, ErrDecode):
		return KindDecodeFailure
	default:
		return KindUnknown
	}
}
