package modem

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/loractl/at"
)

// Mode is the state the module is believed to be in.
type Mode uint32

const (
	ModeUnknown Mode = iota
	ModeData
	ModeCommand
	ModeBootloader
)

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "data"
	case ModeCommand:
		return "command"
	case ModeBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// EscapeConfig describes one "guard time, marker, guard time, listen"
// handshake. The AT "+++" escape and the bootloader escape are two
// configurations of the same procedure.
type EscapeConfig struct {
	// Name is used in logs and errors.
	Name string
	// Marker is written to the wire verbatim.
	Marker []byte
	// Burst writes the whole marker at once. When false every byte is a
	// separate write followed by ByteDelay.
	Burst     bool
	ByteDelay time.Duration
	// GuardBefore and GuardAfter are the periods of line silence around
	// the marker.
	GuardBefore time.Duration
	GuardAfter  time.Duration
	// ReadWindow bounds how long to wait for a confirmation.
	ReadWindow time.Duration
	// PollInterval is the pause after an empty read.
	PollInterval time.Duration
	// Target is the mode a confirmed escape enters.
	Target Mode
}

func (e *EscapeConfig) validate() error {
	if len(e.Marker) == 0 {
		return fmt.Errorf("%w: escape marker is empty", ErrInvalidConfig)
	}
	if e.GuardBefore < 0 || e.GuardAfter < 0 || e.ByteDelay < 0 || e.ReadWindow < 0 {
		return fmt.Errorf("%w: escape durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ATEscape is the classic "+++" burst with one second of silence on
// either side.
func ATEscape() EscapeConfig {
	return EscapeConfig{
		Name:         "at-burst",
		Marker:       []byte(at.EscapeMarker),
		Burst:        true,
		GuardBefore:  time.Second,
		GuardAfter:   time.Second,
		ReadWindow:   time.Second,
		PollInterval: 100 * time.Millisecond,
		Target:       ModeCommand,
	}
}

// ATEscapeDiscrete sends "+++" one byte at a time, 200ms apart, inside two
// second guard times. Some modules only recognise the marker this way.
func ATEscapeDiscrete() EscapeConfig {
	return EscapeConfig{
		Name:         "at-discrete",
		Marker:       []byte(at.EscapeMarker),
		ByteDelay:    200 * time.Millisecond,
		GuardBefore:  2 * time.Second,
		GuardAfter:   2 * time.Second,
		ReadWindow:   time.Second,
		PollInterval: 100 * time.Millisecond,
		Target:       ModeCommand,
	}
}

// BootloaderEscape sends the 4-byte firmware update marker in one write.
func BootloaderEscape() EscapeConfig {
	return EscapeConfig{
		Name:         "bootloader",
		Marker:       append([]byte(nil), at.BootloaderMarker...),
		Burst:        true,
		GuardAfter:   time.Second,
		ReadWindow:   time.Second,
		PollInterval: 100 * time.Millisecond,
		Target:       ModeBootloader,
	}
}

// EscapeByName returns the preset called name: "burst", "discrete" or
// "bootloader".
func EscapeByName(name string) (EscapeConfig, bool) {
	switch name {
	case "burst", "at-burst":
		return ATEscape(), true
	case "discrete", "at-discrete":
		return ATEscapeDiscrete(), true
	case "bootloader", "boot":
		return BootloaderEscape(), true
	default:
		return EscapeConfig{}, false
	}
}

// EscapeResult is the outcome of one escape attempt.
type EscapeResult struct {
	// Confirmed is true when anything was received after the marker.
	Confirmed bool
	// Reply holds the raw bytes received in the read window.
	Reply []byte
}

// Escape runs the handshake described by cfg on t, which is believed to be
// in data mode.
//
// A silent module yields ErrHandshakeTimeout together with an unconfirmed
// result. That is not fatal; the caller should follow up with a probe
// command. Transport failures are wrapped in ErrTransportIO.
func Escape(ctx context.Context, t Transport, cfg EscapeConfig) (EscapeResult, error) {
	if err := cfg.validate(); err != nil {
		return EscapeResult{}, err
	}

	// Stale bytes would land next to the marker and spoil it.
	if err := t.ResetInputBuffer(); err != nil {
		return EscapeResult{}, fmt.Errorf("%w: reset input buffer: %w", ErrTransportIO, err)
	}
	if err := t.ResetOutputBuffer(); err != nil {
		return EscapeResult{}, fmt.Errorf("%w: reset output buffer: %w", ErrTransportIO, err)
	}

	if err := sleepCtx(ctx, cfg.GuardBefore); err != nil {
		return EscapeResult{}, err
	}

	if err := writeMarker(ctx, t, cfg); err != nil {
		return EscapeResult{}, err
	}

	if err := sleepCtx(ctx, cfg.GuardAfter); err != nil {
		return EscapeResult{}, err
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultIdleBackoff
	}
	reply, err := collect(ctx, t, cfg.ReadWindow, poll, true, nil)
	if err != nil {
		if ctx.Err() != nil {
			return EscapeResult{Reply: reply}, err
		}
		return EscapeResult{Reply: reply}, fmt.Errorf("%w: read escape reply: %w", ErrTransportIO, err)
	}
	if len(reply) == 0 {
		return EscapeResult{}, ErrHandshakeTimeout
	}
	return EscapeResult{Confirmed: true, Reply: reply}, nil
}

func writeMarker(ctx context.Context, t Transport, cfg EscapeConfig) error {
	if cfg.Burst {
		if _, err := t.Write(cfg.Marker); err != nil {
			return fmt.Errorf("%w: write %s marker: %w", ErrTransportIO, cfg.Name, err)
		}
		if err := t.Flush(); err != nil {
			return fmt.Errorf("%w: flush %s marker: %w", ErrTransportIO, cfg.Name, err)
		}
		return nil
	}

	for i, b := range cfg.Marker {
		if _, err := t.Write([]byte{b}); err != nil {
			return fmt.Errorf("%w: write %s marker byte %d: %w", ErrTransportIO, cfg.Name, i, err)
		}
		if err := t.Flush(); err != nil {
			return fmt.Errorf("%w: flush %s marker byte %d: %w", ErrTransportIO, cfg.Name, i, err)
		}
		if i < len(cfg.Marker)-1 {
			if err := sleepCtx(ctx, cfg.ByteDelay); err != nil {
				return err
			}
		}
	}
	return nil
}
