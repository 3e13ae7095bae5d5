package modem

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// owners records which ports are held by a session or a probe pass in
// this process. The OS does not always refuse a second open of the same
// tty, so ownership is enforced here.
var owners = xsync.NewMapOf[string, string]()

// claimPort marks port as owned by owner. It fails fast with ErrPortBusy
// when someone else holds it. The returned release func is idempotent.
func claimPort(cfg PortConfig, owner string) (release func(), err error) {
	if holder, loaded := owners.LoadOrStore(cfg.Port, owner); loaded {
		return nil, &OpError{Op: "claim", Port: cfg.Port, Baud: cfg.BaudRate, Err: portBusyError(holder)}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			owners.Compute(cfg.Port, func(holder string, loaded bool) (string, bool) {
				// Only drop the entry we created.
				return holder, !loaded || holder == owner
			})
		})
	}, nil
}

// PortInUse reports whether a session or probe in this process holds port.
func PortInUse(port string) bool {
	_, ok := owners.Load(port)
	return ok
}

type busyError struct {
	holder string
}

func portBusyError(holder string) error {
	return &busyError{holder: holder}
}

func (e *busyError) Error() string {
	return ErrPortBusy.Error() + " (held by " + e.holder + ")"
}

func (e *busyError) Unwrap() error {
	return ErrPortBusy
}

// heldTransport is a transport handed out together with the claim on its
// port. Closing it gives the port back.
type heldTransport struct {
	Transport
	port    string
	release func()
}

func (h *heldTransport) Close() error {
	err := h.Transport.Close()
	h.release()
	return err
}
