package modem

import (
	"context"
	"log/slog"
	"time"

	"i4.energy/across/loractl/at"
)

// DefaultExecTimeout bounds Exec when no timeout is given.
const DefaultExecTimeout = 3 * time.Second

// CompletionFunc reports whether the lines collected so far form a complete
// response.
type CompletionFunc func(lines []string) bool

// GotLine completes on the first line.
func GotLine(lines []string) bool {
	return len(lines) >= 1
}

// GotLines completes once n lines have arrived.
func GotLines(n int) CompletionFunc {
	return func(lines []string) bool {
		return len(lines) >= n
	}
}

// UntilFinal completes on a final result code (OK, ERROR, +CME ERROR, ...).
func UntilFinal(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	return at.Classify(lines[len(lines)-1]) == at.TypeFinal
}

// Response holds the lines collected for one command.
type Response struct {
	Lines []string `json:"lines"`
	// TimedOut is true when the deadline passed before the completion
	// predicate was satisfied. It is not an error.
	TimedOut bool `json:"timed_out"`
}

// Dispatcher sends operator commands over an Active session and collects
// the replies.
type Dispatcher struct {
	session *Session
	logger  *slog.Logger
}

func NewDispatcher(s *Session) *Dispatcher {
	return &Dispatcher{
		session: s,
		logger:  s.logger.With("component", "dispatcher"),
	}
}

// Send frames cmd with the session's line terminator and writes it as one
// unit. Empty commands and commands with an embedded line break are
// rejected with ErrInvalidCommand.
//
// Every accepted command counts as transmitted even when the write fails;
// a write failure is fatal to the session.
func (d *Dispatcher) Send(ctx context.Context, cmd string) error {
	if err := d.session.checkActive(); err != nil {
		return err
	}
	if err := d.session.sendLine(ctx, cmd); err != nil {
		return err
	}
	d.logger.Debug("command sent", "command", cmd)
	return nil
}

// SendRaw writes p unframed, e.g. an escape marker typed by the operator.
// It does not change the session mode.
func (d *Dispatcher) SendRaw(ctx context.Context, p []byte) error {
	if err := d.session.checkActive(); err != nil {
		return err
	}
	if len(p) == 0 {
		return ErrInvalidCommand
	}
	if err := d.session.write(ctx, p); err != nil {
		return err
	}
	d.logger.Debug("raw bytes sent", "bytes", len(p))
	return nil
}

// AwaitResponse collects non-empty inbound lines until deadline has passed
// or done is satisfied. A nil done collects until the deadline.
//
// If the background reader is running its lines are used; the transport
// is never read by two goroutines. Only lines that arrive after the call
// are seen then: a reply that came in between a send and AwaitResponse
// went to Inbound alone. Use Exec to send and wait without that gap.
// Without the reader the transport is read directly: transient errors are
// counted and waiting continues, while a permanent failure aborts the wait
// and tears the session down.
func (d *Dispatcher) AwaitResponse(ctx context.Context, deadline time.Duration, done CompletionFunc) (Response, error) {
	if err := d.session.checkActive(); err != nil {
		return Response{}, err
	}
	return d.session.await(ctx, deadline, done, nil)
}

// Exec sends cmd and waits up to timeout for its final result code. The
// collector is armed before the command is written.
func (d *Dispatcher) Exec(ctx context.Context, cmd string, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if err := d.session.checkActive(); err != nil {
		return Response{}, err
	}
	if err := validateCommand(cmd); err != nil {
		return Response{}, err
	}
	d.logger.Debug("executing command", "command", cmd, "timeout", timeout)
	resp, err := d.session.await(ctx, timeout, UntilFinal, func() error {
		return d.session.sendLine(ctx, cmd)
	})
	if err != nil {
		return resp, err
	}
	if resp.TimedOut {
		d.logger.Warn("no final result code", "command", cmd, "timeout", timeout, "lines", len(resp.Lines))
	}
	return resp, nil
}

// Stats returns the session statistics.
func (d *Dispatcher) Stats() Statistics {
	return d.session.Stats()
}
