package modem

import (
	"fmt"
	"log/slog"
	"time"

	"i4.energy/across/loractl/at"
)

const (
	DefaultProbeTimeout  = 2 * time.Second
	DefaultIdleBackoff   = 50 * time.Millisecond
	DefaultInboundBuffer = 64
)

// validate checks c without changing it. Defaults are applied first by
// setDefaults.
func (c *Config) validate() error {
	if c.dialer == nil && c.transport == nil {
		return ErrNoDialer
	}
	if err := c.port.validate(); err != nil {
		return err
	}
	if c.escape != nil {
		if err := c.escape.validate(); err != nil {
			return err
		}
	}
	if c.inboundBuffer < 0 {
		return fmt.Errorf("%w: inbound buffer must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Config describes how a Session is opened and run. Build one with
// NewConfigBuilder.
type Config struct {
	dialer        Dialer
	transport     Transport
	port          PortConfig
	escape        *EscapeConfig
	probeCommand  string
	probeTimeout  time.Duration
	settleDelay   time.Duration
	idleBackoff   time.Duration
	inboundBuffer int
	terminator    string
	logger        *slog.Logger
}

func (c *Config) setDefaults() {
	if c.port.ReadTimeout == 0 {
		c.port.ReadTimeout = DefaultReadTimeout
	}
	if c.probeTimeout == 0 {
		c.probeTimeout = DefaultProbeTimeout
	}
	if c.idleBackoff == 0 {
		c.idleBackoff = DefaultIdleBackoff
	}
	if c.inboundBuffer == 0 {
		c.inboundBuffer = DefaultInboundBuffer
	}
	if c.terminator == "" {
		c.terminator = at.CRLF
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// Port returns the port configuration the session will use.
func (c Config) Port() PortConfig { return c.port }

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithDialer sets how the transport is opened.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithTransport hands an already open transport to the session, typically
// the one the baud prober accepted. The session takes ownership of it.
func (b *ConfigBuilder) WithTransport(t Transport) *ConfigBuilder {
	b.config.transport = t
	return b
}

func (b *ConfigBuilder) WithPort(name string, baud int) *ConfigBuilder {
	b.config.port.Port = name
	b.config.port.BaudRate = baud
	return b
}

func (b *ConfigBuilder) WithReadTimeout(d time.Duration) *ConfigBuilder {
	b.config.port.ReadTimeout = d
	return b
}

// WithEscape makes Open run the escape sequencer before the session goes
// active.
func (b *ConfigBuilder) WithEscape(e EscapeConfig) *ConfigBuilder {
	b.config.escape = &e
	return b
}

// WithProbe makes Open send cmd and wait up to timeout for a reply line.
// A reply confirms command mode; silence is logged and tolerated.
func (b *ConfigBuilder) WithProbe(cmd string, timeout time.Duration) *ConfigBuilder {
	b.config.probeCommand = cmd
	b.config.probeTimeout = timeout
	return b
}

// WithSettleDelay waits d after the port is opened before any traffic,
// giving boards that reset on open time to boot.
func (b *ConfigBuilder) WithSettleDelay(d time.Duration) *ConfigBuilder {
	b.config.settleDelay = d
	return b
}

// WithIdleBackoff sets how long readers pause after an empty read.
func (b *ConfigBuilder) WithIdleBackoff(d time.Duration) *ConfigBuilder {
	b.config.idleBackoff = d
	return b
}

// WithInboundBuffer sets the capacity of the inbound chunk channel.
func (b *ConfigBuilder) WithInboundBuffer(n int) *ConfigBuilder {
	b.config.inboundBuffer = n
	return b
}

// WithTerminator sets the line terminator appended to commands.
func (b *ConfigBuilder) WithTerminator(term string) *ConfigBuilder {
	b.config.terminator = term
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	cfg := b.config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
