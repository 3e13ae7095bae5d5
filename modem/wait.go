package modem

import (
	"context"
	"time"
)

// sleepCtx pauses for d, returning early with the context error if ctx is
// done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// collect reads from t until window has elapsed, accumulating every byte.
// With untilData set it returns as soon as the first bytes arrive. Empty
// reads back off for poll so the loop never spins.
//
// Transient read errors are passed to onErr and reading continues;
// permanent errors end the collection and are returned.
func collect(ctx context.Context, t Transport, window, poll time.Duration, untilData bool, onErr func(error)) ([]byte, error) {
	deadline := time.Now().Add(window)
	chunk := make([]byte, 256)
	var buf []byte

	for {
		if err := ctx.Err(); err != nil {
			return buf, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf, nil
		}

		n, err := t.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if untilData {
				return buf, nil
			}
		}
		if err != nil {
			if isPermanent(err) {
				return buf, err
			}
			if onErr != nil {
				onErr(err)
			}
		}
		if n == 0 || err != nil {
			if err := sleepCtx(ctx, min(poll, time.Until(deadline))); err != nil {
				return buf, err
			}
		}
	}
}
