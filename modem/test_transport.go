package modem

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// TestTransport is a test helper that simulates a LoRa module on the far
// end of a serial line. Reads block like a real port until data arrives,
// the read timeout passes (0, nil) or the transport is closed (io.EOF).
type TestTransport struct {
	mu          sync.Mutex
	rx          []byte
	writes      [][]byte
	readErr     error
	writeErr    error
	reply       func(written []byte) []byte
	replyDelay  time.Duration
	readTimeout time.Duration
	closeCount  int

	notify chan struct{}
	closed chan struct{}
}

// NewTestTransport creates a new test transport for testing.
// Exported for use in tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readTimeout: 10 * time.Millisecond,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

// SetReadTimeout changes how long an empty Read blocks.
func (t *TestTransport) SetReadTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = d
}

// OnWrite installs the simulated module: fn gets every write and returns
// what the module answers, if anything.
func (t *TestTransport) OnWrite(fn func(written []byte) []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reply = fn
}

// SetReplyDelay delays every answer produced by the OnWrite func.
func (t *TestTransport) SetReplyDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replyDelay = d
}

// SetReadError makes the next Read fail with err.
func (t *TestTransport) SetReadError(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	t.signal()
}

// SetWriteError makes every Write fail with err until it is cleared.
func (t *TestTransport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// SendData queues data to be read by the transport.
// This simulates receiving data from the module.
func (t *TestTransport) SendData(data string) {
	t.push([]byte(data))
}

// SendBytes is SendData for raw bytes.
func (t *TestTransport) SendBytes(data []byte) {
	t.push(data)
}

func (t *TestTransport) push(data []byte) {
	if t.IsClosed() {
		return
	}
	t.mu.Lock()
	t.rx = append(t.rx, data...)
	t.mu.Unlock()
	t.signal()
}

func (t *TestTransport) signal() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *TestTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	timeout := t.readTimeout
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if t.IsClosed() {
			return 0, io.EOF
		}

		t.mu.Lock()
		if t.readErr != nil {
			err := t.readErr
			t.readErr = nil
			t.mu.Unlock()
			return 0, err
		}
		if len(t.rx) > 0 {
			n := copy(p, t.rx)
			t.rx = t.rx[n:]
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-t.closed:
			return 0, io.EOF
		case <-timer.C:
			return 0, nil
		}
	}
}

func (t *TestTransport) Write(p []byte) (int, error) {
	if t.IsClosed() {
		return 0, io.ErrClosedPipe
	}

	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	written := append([]byte(nil), p...)
	t.writes = append(t.writes, written)
	reply, delay := t.reply, t.replyDelay
	t.mu.Unlock()

	if reply != nil {
		if answer := reply(written); len(answer) > 0 {
			if delay > 0 {
				time.AfterFunc(delay, func() { t.push(answer) })
			} else {
				t.push(answer)
			}
		}
	}
	return len(p), nil
}

func (t *TestTransport) Flush() error {
	return nil
}

func (t *TestTransport) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = nil
	return nil
}

func (t *TestTransport) ResetOutputBuffer() error {
	return nil
}

func (t *TestTransport) Buffered() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rx), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCount++
	if t.closeCount == 1 {
		close(t.closed)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (t *TestTransport) IsClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// CloseCount returns how many times Close was called.
func (t *TestTransport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCount
}

// Writes returns a copy of every write, in order.
func (t *TestTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// Written returns all writes concatenated.
func (t *TestTransport) Written() string {
	var sb strings.Builder
	for _, w := range t.Writes() {
		sb.Write(w)
	}
	return sb.String()
}

// ReplyTable returns an OnWrite func that answers a written line, without
// its terminator, with the matching entry of table.
func ReplyTable(table map[string]string) func([]byte) []byte {
	return func(written []byte) []byte {
		key := strings.TrimRight(string(written), "\r\n")
		if answer, ok := table[key]; ok {
			return []byte(answer)
		}
		return nil
	}
}

// TestDialer hands out TestTransports and records every dial.
type TestDialer struct {
	// NewTransport builds the simulated module for cfg. Returning an error
	// makes Dial fail.
	NewTransport func(cfg PortConfig) (*TestTransport, error)

	mu         sync.Mutex
	dialed     []int
	transports []*TestTransport
}

func (d *TestDialer) Dial(ctx context.Context, cfg PortConfig) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dialed = append(d.dialed, cfg.BaudRate)
	d.mu.Unlock()

	var t *TestTransport
	if d.NewTransport != nil {
		var err error
		if t, err = d.NewTransport(cfg); err != nil {
			return nil, err
		}
	} else {
		t = NewTestTransport()
	}

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

// Dialed returns the baud rates dialled, in order.
func (d *TestDialer) Dialed() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.dialed...)
}

// Transports returns every transport handed out, in order.
func (d *TestDialer) Transports() []*TestTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*TestTransport(nil), d.transports...)
}
