package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/loractl/at"
)

// DefaultBaudCandidates are tried in this order when no list is given.
var DefaultBaudCandidates = []int{115200, 57600, 38400, 19200, 9600}

const (
	DefaultProbeWindow = 2500 * time.Millisecond
	DefaultProbePoll   = 100 * time.Millisecond
)

// AcceptFunc decides whether the decoded reply to the probe command proves
// that the module is listening at the current baud rate.
type AcceptFunc func(reply string) bool

// NonEmptyReply accepts any reply that is not just whitespace.
func NonEmptyReply(reply string) bool {
	return strings.TrimSpace(reply) != ""
}

// ContainsReply accepts a reply that contains want.
func ContainsReply(want string) AcceptFunc {
	return func(reply string) bool {
		return strings.Contains(reply, want)
	}
}

// ProbeAttempt records what happened at one candidate rate.
type ProbeAttempt struct {
	BaudRate int
	// EscapeConfirmed is true when the escape marker got an answer.
	EscapeConfirmed bool
	// Reply is the decoded text received after the probe command.
	Reply    string
	Accepted bool
	Err      error
}

// ProbeResult describes the accepted candidate.
type ProbeResult struct {
	BaudRate int
	Reply    string
	Attempts []ProbeAttempt
	// Transport is the handle that produced the accepted reply. It is nil
	// unless the prober was created WithKeepOpen; the caller then owns it.
	// The port stays claimed until the handle is closed, directly or by a
	// Session that adopted it.
	Transport Transport
}

// Prober discovers the baud rate a module answers at by trying each
// candidate in turn.
type Prober struct {
	dialer       Dialer
	port         string
	readTimeout  time.Duration
	candidates   []int
	escape       *EscapeConfig
	probeCommand string
	terminator   string
	window       time.Duration
	poll         time.Duration
	accept       AcceptFunc
	keepOpen     bool
	logger       *slog.Logger

	mu       sync.Mutex
	stats    counters
	attempts []ProbeAttempt
}

// ProberOption configures a Prober.
type ProberOption func(*Prober) error

// WithCandidates sets the ordered list of baud rates to try.
func WithCandidates(bauds ...int) ProberOption {
	return func(p *Prober) error {
		if len(bauds) == 0 {
			return fmt.Errorf("%w: empty baud candidate list", ErrInvalidConfig)
		}
		for _, b := range bauds {
			if b <= 0 {
				return fmt.Errorf("%w: baud rate must be positive, got %d", ErrInvalidConfig, b)
			}
		}
		p.candidates = append([]int(nil), bauds...)
		return nil
	}
}

// WithProbeEscape runs e before the probe command at every candidate.
func WithProbeEscape(e EscapeConfig) ProberOption {
	return func(p *Prober) error {
		if err := e.validate(); err != nil {
			return err
		}
		p.escape = &e
		return nil
	}
}

// WithoutEscape sends the probe command without an escape first.
func WithoutEscape() ProberOption {
	return func(p *Prober) error {
		p.escape = nil
		return nil
	}
}

func WithProbeCommand(cmd string) ProberOption {
	return func(p *Prober) error {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("%w: empty probe command", ErrInvalidCommand)
		}
		p.probeCommand = cmd
		return nil
	}
}

// WithProbeWindow sets how long replies are collected after the probe.
func WithProbeWindow(d time.Duration) ProberOption {
	return func(p *Prober) error {
		if d <= 0 {
			return fmt.Errorf("%w: probe window must be positive", ErrInvalidConfig)
		}
		p.window = d
		return nil
	}
}

func WithProbePoll(d time.Duration) ProberOption {
	return func(p *Prober) error {
		p.poll = d
		return nil
	}
}

func WithProbeReadTimeout(d time.Duration) ProberOption {
	return func(p *Prober) error {
		p.readTimeout = d
		return nil
	}
}

func WithAcceptance(fn AcceptFunc) ProberOption {
	return func(p *Prober) error {
		if fn == nil {
			return fmt.Errorf("%w: nil acceptance predicate", ErrInvalidConfig)
		}
		p.accept = fn
		return nil
	}
}

// WithKeepOpen leaves the accepted transport open and returns it in the
// result, ready to be handed to a Session.
func WithKeepOpen() ProberOption {
	return func(p *Prober) error {
		p.keepOpen = true
		return nil
	}
}

func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) error {
		p.logger = l
		return nil
	}
}

// NewProber creates a Prober for port.
func NewProber(dialer Dialer, port string, opts ...ProberOption) (*Prober, error) {
	if dialer == nil {
		return nil, ErrNoDialer
	}
	if port == "" {
		return nil, fmt.Errorf("%w: serial port name is required", ErrInvalidConfig)
	}

	esc := ATEscape()
	p := &Prober{
		dialer:       dialer,
		port:         port,
		readTimeout:  DefaultReadTimeout,
		candidates:   append([]int(nil), DefaultBaudCandidates...),
		escape:       &esc,
		probeCommand: at.CmdVersion,
		terminator:   at.CRLF,
		window:       DefaultProbeWindow,
		poll:         DefaultProbePoll,
		accept:       NonEmptyReply,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	p.logger = p.logger.With("component", "prober", "port", port)

	return p, nil
}

// Candidates returns the baud rates in the order they are tried.
func (p *Prober) Candidates() []int {
	return append([]int(nil), p.candidates...)
}

// Attempts returns the attempts of the most recent pass.
func (p *Prober) Attempts() []ProbeAttempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProbeAttempt(nil), p.attempts...)
}

// Stats returns the prober's counters across all passes.
func (p *Prober) Stats() Statistics {
	return p.stats.snapshot()
}

// Probe tries every candidate once, in order, and stops at the first one
// whose reply satisfies the acceptance predicate. It returns an error
// wrapping ErrNoResponsiveBaud when none does.
//
// Every attempt starts from a fresh open and a buffer reset, so Probe can
// be repeated safely.
func (p *Prober) Probe(ctx context.Context) (*ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = nil
	if p.stats.snapshot().StartedAt.IsZero() {
		p.stats.start(time.Now())
	}

	release, err := claimPort(PortConfig{Port: p.port}, fmt.Sprintf("prober %p", p))
	if err != nil {
		return nil, err
	}
	handedOver := false
	defer func() {
		if !handedOver {
			release()
		}
	}()

	for _, baud := range p.candidates {
		attempt, t := p.try(ctx, baud)
		p.attempts = append(p.attempts, attempt)

		if attempt.Accepted {
			p.logger.Info("baud rate accepted", "baud", baud, "reply", attempt.Reply)
			result := &ProbeResult{
				BaudRate: baud,
				Reply:    attempt.Reply,
				Attempts: append([]ProbeAttempt(nil), p.attempts...),
			}
			if p.keepOpen {
				// The claim travels with the handle until it is closed.
				result.Transport = &heldTransport{Transport: t, port: p.port, release: release}
				handedOver = true
			} else {
				t.Close()
			}
			return result, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.Info("baud rate rejected", "baud", baud, "error", attempt.Err)
	}

	return nil, &OpError{
		Op:   "probe",
		Port: p.port,
		Err:  fmt.Errorf("%w: tried %v", ErrNoResponsiveBaud, p.candidates),
	}
}

// try runs one candidate. The transport is returned open only when the
// attempt was accepted.
func (p *Prober) try(ctx context.Context, baud int) (attempt ProbeAttempt, accepted Transport) {
	attempt.BaudRate = baud
	cfg := PortConfig{Port: p.port, BaudRate: baud, ReadTimeout: p.readTimeout}
	log := p.logger.With("baud", baud)

	log.Debug("opening port")
	t, err := p.dialer.Dial(ctx, cfg)
	if err != nil {
		p.stats.incErr()
		attempt.Err = err
		return attempt, nil
	}
	defer func() {
		if accepted == nil {
			t.Close()
		}
	}()

	if err := t.ResetInputBuffer(); err != nil {
		return p.failAttempt(attempt, cfg, err), nil
	}
	if err := t.ResetOutputBuffer(); err != nil {
		return p.failAttempt(attempt, cfg, err), nil
	}

	if p.escape != nil {
		res, err := Escape(ctx, t, *p.escape)
		switch {
		case errors.Is(err, ErrHandshakeTimeout):
			log.Debug("escape not confirmed", "escape", p.escape.Name)
		case err != nil:
			if ctx.Err() != nil {
				attempt.Err = err
				return attempt, nil
			}
			p.stats.incErr()
			attempt.Err = opError("escape", cfg, err, nil)
			return attempt, nil
		default:
			attempt.EscapeConfirmed = true
			p.countReply(res.Reply)
			log.Debug("escape confirmed", "escape", p.escape.Name)
		}
	}

	p.stats.incTx()
	if _, err := t.Write(at.Frame(p.probeCommand, p.terminator)); err != nil {
		return p.failAttempt(attempt, cfg, err), nil
	}
	if err := t.Flush(); err != nil {
		return p.failAttempt(attempt, cfg, err), nil
	}

	raw, err := collect(ctx, t, p.window, p.poll, false, func(error) { p.stats.incErr() })
	if err != nil {
		if ctx.Err() != nil {
			attempt.Err = err
			return attempt, nil
		}
		attempt = p.failAttempt(attempt, cfg, err)
	}

	attempt.Reply = p.countReply(raw)
	if attempt.Err == nil && p.accept(attempt.Reply) {
		attempt.Accepted = true
		return attempt, t
	}
	return attempt, nil
}

func (p *Prober) failAttempt(attempt ProbeAttempt, cfg PortConfig, err error) ProbeAttempt {
	p.stats.incErr()
	attempt.Err = opError("probe", cfg, ErrTransportIO, err)
	return attempt
}

// countReply decodes raw, counts its non-empty lines and returns the text.
func (p *Prober) countReply(raw []byte) string {
	text, malformed := at.DecodeString(raw)
	if malformed {
		p.stats.incErr()
	}

	var lines at.LineBuffer
	for _, line := range append(lines.Write(text), lines.Flush()) {
		if strings.TrimSpace(line) != "" {
			p.stats.incRx()
		}
	}
	return text
}
