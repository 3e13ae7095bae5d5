package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"i4.energy/across/loractl/at"
)

// State is the lifecycle state of a Session.
type State uint32

const (
	StateClosed State = iota
	StateOpening
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// canTransition reports whether the state machine allows from -> to.
func canTransition(from, to State) bool {
	switch from {
	case StateClosed:
		return to == StateOpening
	case StateOpening:
		return to == StateActive || to == StateClosing
	case StateActive:
		return to == StateClosing
	case StateClosing:
		return to == StateClosed
	}
	return false
}

// Chunk is a piece of decoded inbound text as it came off the wire. It is
// not aligned to line boundaries.
type Chunk struct {
	Text string
	Time time.Time
}

// Session owns one open Transport to a LoRa module. It tracks the module's
// mode and the traffic statistics, and runs the background reader that
// streams everything the module says to Inbound.
//
// A Session is created Active by Open and ends Closed, either through
// Close or because the transport failed. Commands are sent through a
// Dispatcher.
type Session struct {
	// config is the configuration the session was opened with
	config Config
	logger *slog.Logger
	// transport is exclusively owned by the session once Open succeeds
	transport Transport
	// release gives the port back to the process-wide registry
	release func()

	stateMu sync.Mutex
	state   State
	mode    atomic.Uint32

	stats counters

	// readMu is held by whoever reads the transport: the background
	// reader for its whole lifetime, or a direct AwaitResponse.
	readMu  sync.Mutex
	lines   at.LineBuffer
	decoder *at.Decoder

	// writeMu serialises writes; only the control flow writes.
	writeMu sync.Mutex

	// awaitMu serialises response collection.
	awaitMu sync.Mutex

	readerMu      sync.Mutex
	readerStarted bool
	readerDone    chan struct{}

	tapMu sync.Mutex
	tap   *lineTap

	inbound chan Chunk
	queue   *chunkQueue

	// ctx is cancelled at shutdown and stops the reader.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// lineTap hands complete lines from the background reader to an awaiting
// response collector.
type lineTap struct {
	lines chan string
	done  chan struct{}
}

// Open claims the configured port, opens (or adopts) the transport and
// runs the optional settle delay, escape and initial probe. It returns an
// Active session.
//
// Any failure while opening releases the transport and the port claim.
func Open(ctx context.Context, config Config) (*Session, error) {
	if config.dialer == nil && config.transport == nil {
		return nil, ErrNoDialer
	}
	config.setDefaults()

	s := &Session{
		config:     config,
		decoder:    at.NewDecoder(),
		readerDone: make(chan struct{}),
		inbound:    make(chan Chunk, config.inboundBuffer),
		queue:      newChunkQueue(),
		done:       make(chan struct{}),
	}
	s.logger = config.logger.With("component", "session", "port", config.port.Port, "baud", config.port.BaudRate)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.transition(StateOpening); err != nil {
		return nil, err
	}

	// A handed-over transport is owned from here on, even if Open fails.
	s.transport = config.transport

	if held, ok := s.transport.(*heldTransport); ok && held.port == config.port.Port {
		// The prober already holds the port for this handle.
		s.release = held.release
	} else {
		release, err := claimPort(config.port, fmt.Sprintf("session %p", s))
		if err != nil {
			s.shutdown(false)
			return nil, err
		}
		s.release = release
	}

	if s.transport == nil {
		t, err := config.dialer.Dial(ctx, config.port)
		if err != nil {
			s.shutdown(false)
			if ctx.Err() != nil || errors.Is(err, ErrPortOpen) || errors.Is(err, ErrPortBusy) {
				return nil, err
			}
			return nil, opError("open", config.port, ErrPortOpen, err)
		}
		s.transport = t
	}
	s.stats.start(time.Now())

	if err := s.handshake(ctx); err != nil {
		s.shutdown(false)
		if e := s.Err(); e != nil {
			return nil, e
		}
		return nil, err
	}

	if err := s.transition(StateActive); err != nil {
		s.shutdown(false)
		return nil, err
	}
	s.logger.Info("session active", "mode", s.Mode())
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	if s.config.settleDelay > 0 {
		s.logger.Debug("waiting for module to settle", "delay", s.config.settleDelay)
		if err := sleepCtx(ctx, s.config.settleDelay); err != nil {
			return err
		}
	}

	if s.config.escape != nil {
		_, err := s.escape(ctx, *s.config.escape)
		if err != nil && !errors.Is(err, ErrHandshakeTimeout) {
			return err
		}
	}

	if s.config.probeCommand == "" {
		return nil
	}
	resp, err := s.await(ctx, s.config.probeTimeout, GotLine, func() error {
		return s.sendLine(ctx, s.config.probeCommand)
	})
	if err != nil {
		return err
	}
	if len(resp.Lines) == 0 {
		s.logger.Warn("probe command unanswered", "command", s.config.probeCommand)
		return nil
	}
	s.mode.Store(uint32(ModeCommand))
	s.logger.Debug("probe answered", "command", s.config.probeCommand, "reply", resp.Lines)
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.logger.Debug("state changed", "from", from, "to", to)
	return nil
}

// Mode returns the mode the module is believed to be in.
func (s *Session) Mode() Mode {
	return Mode(s.mode.Load())
}

// Port returns the port settings of the session.
func (s *Session) Port() PortConfig {
	return s.config.port
}

// Stats returns a snapshot of the session counters. It is safe to call at
// any time, including after Close.
func (s *Session) Stats() Statistics {
	return s.stats.snapshot()
}

// Inbound returns the stream of decoded text chunks produced by the
// background reader. It is closed when the reader stops, or at shutdown
// if the reader was never started.
func (s *Session) Inbound() <-chan Chunk {
	return s.inbound
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the transport failure that tore the session down, or nil.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Wait blocks until the session is torn down and returns the failure that
// caused it, or nil after a plain Close.
func (s *Session) Wait() error {
	<-s.done
	return s.Err()
}

func (s *Session) checkActive() error {
	switch s.State() {
	case StateActive:
		return nil
	case StateClosing, StateClosed:
		return ErrAlreadyClosed
	default:
		return ErrNotActive
	}
}

func (s *Session) readerRunning() bool {
	s.readerMu.Lock()
	defer s.readerMu.Unlock()
	return s.readerStarted
}

// Escape runs the escape handshake on the session and records the target
// mode when it is confirmed. It is only allowed before Start; afterwards
// the mode is fixed and ErrReaderRunning is returned.
func (s *Session) Escape(ctx context.Context, cfg EscapeConfig) (EscapeResult, error) {
	if s.readerRunning() {
		return EscapeResult{}, ErrReaderRunning
	}
	if err := s.checkActive(); err != nil {
		return EscapeResult{}, err
	}
	return s.escape(ctx, cfg)
}

func (s *Session) escape(ctx context.Context, cfg EscapeConfig) (EscapeResult, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// The input buffer is reset by the handshake; drop the partial line too.
	s.lines.Flush()
	s.decoder.Flush()

	log := s.logger.With("escape", cfg.Name)
	log.Debug("sending escape marker")
	res, err := Escape(ctx, s.transport, cfg)
	if len(res.Reply) > 0 {
		s.countReply(res.Reply)
	}

	switch {
	case err == nil:
		s.mode.Store(uint32(cfg.Target))
		log.Info("escape confirmed", "mode", cfg.Target)
		return res, nil
	case errors.Is(err, ErrHandshakeTimeout):
		log.Warn("escape not confirmed")
		return res, opError("escape", s.config.port, err, nil)
	case ctx.Err() != nil:
		return res, err
	default:
		s.stats.incErr()
		e := opError("escape", s.config.port, err, nil)
		s.fail(e)
		return res, e
	}
}

// decodeFailed records an inbound read that needed replacement runes.
// Reading goes on with the replaced text.
func (s *Session) decodeFailed(n int) {
	s.stats.incErr()
	s.logger.Debug("replaced invalid UTF-8 in inbound data", "bytes", n, "error", ErrDecode)
}

// countReply counts the non-empty lines of a reply that is consumed whole.
func (s *Session) countReply(raw []byte) {
	text, malformed := at.DecodeString(raw)
	if malformed {
		s.decodeFailed(len(raw))
	}
	var lb at.LineBuffer
	for _, line := range append(lb.Write(text), lb.Flush()) {
		if strings.TrimSpace(line) != "" {
			s.stats.incRx()
		}
	}
}

// Start launches the background reader. From then on the reader is the
// only goroutine reading the transport: decoded text is streamed to
// Inbound and complete lines are handed to AwaitResponse.
//
// The reader stops when ctx is cancelled, the session is closed, or the
// transport fails. A transport failure tears the session down.
func (s *Session) Start(ctx context.Context) error {
	if err := s.checkActive(); err != nil {
		return err
	}

	s.readerMu.Lock()
	if s.readerStarted {
		s.readerMu.Unlock()
		return ErrReaderRunning
	}
	s.readerStarted = true
	s.readerMu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	go s.pump()
	go func() {
		defer close(s.readerDone)
		defer s.queue.close()
		defer stop()
		defer cancel()
		s.readLoop(rctx)
	}()

	s.logger.Debug("background reader started")
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := s.transport.Read(buf)
		if n > 0 {
			s.receive(ctx, buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats.incErr()
			s.fail(opError("read", s.config.port, ErrTransportIO, err))
			return
		}
		if n == 0 {
			if sleepCtx(ctx, s.config.idleBackoff) != nil {
				return
			}
		}
	}
}

func (s *Session) receive(ctx context.Context, p []byte) {
	now := time.Now()
	text, malformed := s.decoder.Decode(p)
	if malformed {
		s.decodeFailed(len(p))
	}
	if text == "" {
		return
	}

	s.queue.push(Chunk{Text: text, Time: now})

	for _, line := range s.lines.Write(text) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.stats.incRx()
		s.feedTap(ctx, line)
	}
}

func (s *Session) feedTap(ctx context.Context, line string) {
	s.tapMu.Lock()
	t := s.tap
	s.tapMu.Unlock()
	if t == nil {
		return
	}

	select {
	case t.lines <- line:
	case <-t.done:
	case <-ctx.Done():
	}
}

// pump forwards queued chunks to the inbound channel so that the reader
// never waits on a slow consumer.
func (s *Session) pump() {
	defer close(s.inbound)

	for {
		c, ok := s.queue.pop()
		if !ok {
			return
		}
		select {
		case s.inbound <- c:
		case <-s.done:
			// Nobody may be listening anymore; keep what fits.
			s.queue.unshift(c)
			for {
				c, ok := s.queue.tryPop()
				if !ok {
					return
				}
				select {
				case s.inbound <- c:
				default:
					return
				}
			}
		}
	}
}

// await collects non-empty lines until window elapses or done is
// satisfied. While the background reader runs, lines come from it;
// otherwise the transport is read directly.
//
// A non-nil send is called once the collector is in place, so that a
// fast reply cannot slip past it. The window starts after send.
func (s *Session) await(ctx context.Context, window time.Duration, done CompletionFunc, send func() error) (Response, error) {
	s.awaitMu.Lock()
	defer s.awaitMu.Unlock()

	if s.readerRunning() {
		return s.awaitTap(ctx, window, done, send)
	}
	return s.awaitDirect(ctx, window, done, send)
}

func (s *Session) awaitTap(ctx context.Context, window time.Duration, done CompletionFunc, send func() error) (Response, error) {
	t := &lineTap{lines: make(chan string), done: make(chan struct{})}
	s.tapMu.Lock()
	s.tap = t
	s.tapMu.Unlock()
	defer func() {
		s.tapMu.Lock()
		s.tap = nil
		s.tapMu.Unlock()
		close(t.done)
	}()

	if send != nil {
		if err := send(); err != nil {
			return Response{}, err
		}
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	var resp Response
	for {
		select {
		case line := <-t.lines:
			resp.Lines = append(resp.Lines, line)
			if done != nil && done(resp.Lines) {
				return resp, nil
			}
		case <-timer.C:
			resp.TimedOut = true
			return resp, nil
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-s.done:
			return resp, s.closedErr()
		}
	}
}

func (s *Session) awaitDirect(ctx context.Context, window time.Duration, done CompletionFunc, send func() error) (Response, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if send != nil {
		if err := send(); err != nil {
			return Response{}, err
		}
	}

	deadline := time.Now().Add(window)
	buf := make([]byte, 1024)

	var resp Response
	for {
		if err := ctx.Err(); err != nil {
			return resp, err
		}
		if s.isDone() {
			return resp, s.closedErr()
		}
		if time.Until(deadline) <= 0 {
			resp.TimedOut = true
			return resp, nil
		}

		n, err := s.transport.Read(buf)
		if n > 0 {
			text, malformed := s.decoder.Decode(buf[:n])
			if malformed {
				s.decodeFailed(n)
			}
			// Lines past completion are still counted, then dropped.
			complete := false
			for _, line := range s.lines.Write(text) {
				if strings.TrimSpace(line) == "" {
					continue
				}
				s.stats.incRx()
				if complete {
					continue
				}
				resp.Lines = append(resp.Lines, line)
				complete = done != nil && done(resp.Lines)
			}
			if complete {
				return resp, nil
			}
		}
		if err != nil {
			if s.isDone() {
				return resp, s.closedErr()
			}
			s.stats.incErr()
			if isPermanent(err) {
				e := opError("read", s.config.port, ErrTransportIO, err)
				s.fail(e)
				return resp, e
			}
			s.logger.Debug("transient read error", "error", err)
		}
		if n == 0 || err != nil {
			if err := sleepCtx(ctx, min(s.config.idleBackoff, time.Until(deadline))); err != nil {
				return resp, err
			}
		}
	}
}

// sendLine frames cmd with the session terminator and writes it.
func (s *Session) sendLine(ctx context.Context, cmd string) error {
	if err := validateCommand(cmd); err != nil {
		return err
	}
	return s.write(ctx, at.Frame(cmd, s.config.terminator))
}

// write sends p as one unit and flushes it. A failure is fatal to the
// session.
func (s *Session) write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stats.incTx()
	if _, err := s.transport.Write(p); err != nil {
		return s.writeFailed(err)
	}
	if err := s.transport.Flush(); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

func (s *Session) writeFailed(err error) error {
	s.stats.incErr()
	e := opError("write", s.config.port, ErrTransportIO, err)
	s.fail(e)
	return e
}

func validateCommand(cmd string) error {
	trimmed := strings.TrimRight(cmd, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	if strings.ContainsAny(trimmed, "\r\n") {
		return fmt.Errorf("%w: embedded line break in %q", ErrInvalidCommand, cmd)
	}
	return nil
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrAlreadyClosed
}

// fail records err as the cause of shutdown and tears the session down.
func (s *Session) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()

	s.logger.Error("session failed", "error", err)
	s.shutdown(false)
}

// Close stops the reader, closes the transport and releases the port. Only
// the first call does anything; later calls return nil.
func (s *Session) Close() error {
	return s.shutdown(true)
}

// shutdown tears the session down exactly once. With wait set it gives
// the reader one read timeout plus backoff to exit before the transport is
// closed. Only the call that performed the teardown sees the transport's
// close error.
func (s *Session) shutdown(wait bool) (err error) {
	s.closeOnce.Do(func() {
		if s.State() != StateClosed {
			if e := s.transition(StateClosing); e != nil {
				s.logger.Warn("forcing shutdown", "error", e)
			}
		}
		s.cancel()

		started := s.readerRunning()
		if wait && started {
			timer := time.NewTimer(s.config.port.ReadTimeout + s.config.idleBackoff)
			select {
			case <-s.readerDone:
			case <-timer.C:
				s.logger.Warn("background reader did not stop in time")
			}
			timer.Stop()
		}

		if s.transport != nil {
			err = s.transport.Close()
		}
		if s.release != nil {
			s.release()
		}

		s.readerMu.Lock()
		if !s.readerStarted {
			s.readerStarted = true
			close(s.readerDone)
			close(s.inbound)
		}
		s.readerMu.Unlock()

		s.mode.Store(uint32(ModeUnknown))
		s.stateMu.Lock()
		s.state = StateClosed
		s.stateMu.Unlock()
		close(s.done)

		st := s.stats.snapshot()
		s.logger.Info("session closed", "tx", st.Tx, "rx", st.Rx, "errors", st.Errors, "uptime", st.Uptime().Round(time.Millisecond))
	})
	return err
}

// chunkQueue is an unbounded FIFO between the reader and the pump.
type chunkQueue struct {
	mu     sync.Mutex
	items  []Chunk
	closed bool
	notify chan struct{}
}

func newChunkQueue() *chunkQueue {
	return &chunkQueue{notify: make(chan struct{}, 1)}
}

func (q *chunkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *chunkQueue) push(c Chunk) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.signal()
}

func (q *chunkQueue) unshift(c Chunk) {
	q.mu.Lock()
	q.items = append([]Chunk{c}, q.items...)
	q.mu.Unlock()
}

func (q *chunkQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// pop blocks until a chunk is available or the queue is closed and empty.
func (q *chunkQueue) pop() (Chunk, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			c := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return c, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Chunk{}, false
		}
		<-q.notify
	}
}

func (q *chunkQueue) tryPop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Chunk{}, false
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c, true
}
