package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/loractl/modem"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the HTTP control server listens on (e.g.
	// "127.0.0.1:8080"). Empty disables the server.
	BindAddress string
	// SerialPort is the path to the module's serial port (e.g. "/dev/ttyUSB0", "COM12")
	SerialPort string
	// BaudRate is the baud rate for serial communication with the module (e.g. 9600)
	BaudRate int
	// Command, when set, is sent once; the reply is printed and the program exits
	Command string
	// Scan runs the baud prober instead of opening a session
	Scan bool
	// List prints the serial ports present on this host and exits
	List bool
	// BaudCandidates is the ordered list of rates tried by Scan
	BaudCandidates []int
	// ProbeWindow is how long Scan listens for a reply at each candidate
	ProbeWindow time.Duration
	// EscapeMode selects the escape run before the session goes active:
	// "none", "burst", "discrete" or "bootloader". Empty means none for a
	// session and burst for a scan.
	EscapeMode string
	// Guard overrides the guard times of the selected escape when non-zero
	Guard time.Duration
	// Timeout bounds how long a command waits for its reply
	Timeout time.Duration
	// SettleDelay is waited after opening the port, before any traffic
	SettleDelay time.Duration
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string
	// LogFormat is "json" or "console"
	LogFormat string
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 9600
		c.BaudCandidates = append([]int(nil), modem.DefaultBaudCandidates...)
		c.ProbeWindow = modem.DefaultProbeWindow
		c.Timeout = 3 * time.Second
		c.SettleDelay = time.Second
		c.LogLevel = "info"
		c.LogFormat = "json"
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if bauds := os.Getenv("BAUD_CANDIDATES"); bauds != "" {
			list, err := parseBauds(bauds)
			if err != nil {
				return fmt.Errorf("BAUD_CANDIDATES: %w", err)
			}
			c.BaudCandidates = list
		}

		if mode := os.Getenv("ESCAPE_MODE"); mode != "" {
			c.EscapeMode = mode
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *flag.Flag) {
			if err != nil {
				return
			}
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "port":
				c.SerialPort = f.Value.String()
			case "baud":
				if b, e := strconv.Atoi(f.Value.String()); e == nil {
					c.BaudRate = b
				}
			case "cmd":
				c.Command = f.Value.String()
			case "scan":
				c.Scan = f.Value.String() == "true"
			case "list":
				c.List = f.Value.String() == "true"
			case "bauds":
				var list []int
				if list, err = parseBauds(f.Value.String()); err == nil {
					c.BaudCandidates = list
				}
			case "probe-window":
				c.ProbeWindow, err = time.ParseDuration(f.Value.String())
			case "escape":
				c.EscapeMode = f.Value.String()
			case "guard":
				c.Guard, err = time.ParseDuration(f.Value.String())
			case "timeout":
				c.Timeout, err = time.ParseDuration(f.Value.String())
			case "settle":
				c.SettleDelay, err = time.ParseDuration(f.Value.String())
			case "log-level":
				c.LogLevel = f.Value.String()
			case "log-format":
				c.LogFormat = f.Value.String()
			}
			if err != nil {
				err = fmt.Errorf("flag -%s: %w", f.Name, err)
			}
		})
		return err
	}
}

func (c *Config) validate() error {
	if c.SerialPort == "" && !c.List {
		return fmt.Errorf("serial port is required")
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("baud rate must be positive, got %d", c.BaudRate)
	}
	if c.Scan && len(c.BaudCandidates) == 0 {
		return fmt.Errorf("scan needs at least one baud candidate")
	}
	switch c.EscapeMode {
	case "", "none", "burst", "discrete", "bootloader":
	default:
		return fmt.Errorf("unknown escape mode %q (want none, burst, discrete or bootloader)", c.EscapeMode)
	}
	if c.Guard < 0 || c.Timeout < 0 || c.SettleDelay < 0 || c.ProbeWindow < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch c.LogFormat {
	case "", "json", "console":
	default:
		return fmt.Errorf("unknown log format %q (want json or console)", c.LogFormat)
	}
	return nil
}

// Escape returns the escape to run for a session, if any.
func (c *Config) Escape() (modem.EscapeConfig, bool) {
	if c.EscapeMode == "" || c.EscapeMode == "none" {
		return modem.EscapeConfig{}, false
	}
	return c.escapeFor(c.EscapeMode)
}

// ScanEscape returns the escape to run at every scan candidate. A scan
// escapes with the "+++" burst unless told otherwise.
func (c *Config) ScanEscape() (modem.EscapeConfig, bool) {
	switch c.EscapeMode {
	case "none":
		return modem.EscapeConfig{}, false
	case "":
		return c.escapeFor("burst")
	default:
		return c.escapeFor(c.EscapeMode)
	}
}

func (c *Config) escapeFor(name string) (modem.EscapeConfig, bool) {
	esc, ok := modem.EscapeByName(name)
	if !ok {
		return esc, false
	}
	if c.Guard > 0 {
		if esc.GuardBefore > 0 {
			esc.GuardBefore = c.Guard
		}
		esc.GuardAfter = c.Guard
	}
	return esc, true
}

// parseBauds parses a comma separated list such as "115200,57600,9600".
func parseBauds(s string) ([]int, error) {
	var bauds []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		b, err := strconv.Atoi(field)
		if err != nil || b <= 0 {
			return nil, fmt.Errorf("invalid baud rate %q", field)
		}
		bauds = append(bauds, b)
	}
	if len(bauds) == 0 {
		return nil, fmt.Errorf("empty baud rate list")
	}
	return bauds, nil
}
