package modem

import (
	"sync/atomic"
	"time"
)

// Statistics is a point-in-time copy of a session's counters.
type Statistics struct {
	// Tx is the number of commands handed to the transport.
	Tx uint64 `json:"tx"`
	// Rx is the number of non-empty inbound lines decoded.
	Rx uint64 `json:"rx"`
	// Errors counts transport errors and malformed inbound reads.
	Errors uint64 `json:"errors"`
	// StartedAt is when the session (or probe pass) started.
	StartedAt time.Time `json:"started_at"`
}

// Uptime returns the time elapsed since StartedAt.
func (s Statistics) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// counters holds the live values behind Statistics. Only the owning
// session, dispatcher or prober mutates them.
type counters struct {
	tx        atomic.Uint64
	rx        atomic.Uint64
	errs      atomic.Uint64
	startedAt atomic.Int64
}

func (c *counters) start(t time.Time) {
	c.startedAt.Store(t.UnixNano())
}

func (c *counters) incTx() {
	c.tx.Add(1)
}

func (c *counters) incRx() {
	c.rx.Add(1)
}

func (c *counters) incErr() {
	c.errs.Add(1)
}

func (c *counters) snapshot() Statistics {
	s := Statistics{
		Tx:     c.tx.Load(),
		Rx:     c.rx.Load(),
		Errors: c.errs.Load(),
	}
	if ns := c.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns)
	}
	return s
}
