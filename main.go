package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"i4.energy/across/loractl/at"
	"i4.energy/across/loractl/modem"
)

func main() {
	flag.String("port", "/dev/ttyUSB0", "Serial port the LoRa module is connected to")
	flag.Int("baud", 9600, "Baud rate for serial communication")
	flag.String("cmd", "", "Send one command, print the reply and exit")
	flag.Bool("scan", false, "Probe the baud candidates and report which one answers")
	flag.Bool("list", false, "List serial ports and exit")
	flag.String("bauds", "", "Comma separated baud candidates for -scan")
	flag.Duration("probe-window", modem.DefaultProbeWindow, "How long -scan listens at each baud candidate")
	flag.String("escape", "", "Escape before the session starts (none, burst, discrete, bootloader)")
	flag.Duration("guard", 0, "Override the escape guard time")
	flag.Duration("timeout", 3*time.Second, "How long to wait for a command reply")
	flag.Duration("settle", time.Second, "Delay after opening the port before any traffic")
	flag.String("bind-address", "", "Bind address for the HTTP control server (empty disables it)")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("log-format", "json", "Log format (json, console)")
	flag.Parse()

	config, err := LoadConfig(WithDefaults(), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(config.LogLevel, config.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())

	// Channel to listen for interrupt signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	a := &app{
		config:  config,
		logger:  logger,
		dialer:  modem.SerialDialer{},
		out:     &syncWriter{w: os.Stdout},
		console: newLinerConsole,
	}
	code := a.run(ctx)
	cancel()
	os.Exit(code)
}

// app wires configuration, the module session and the operator surfaces.
type app struct {
	config  *Config
	logger  *slog.Logger
	dialer  modem.Dialer
	out     io.Writer
	console func() (LineReader, error)
}

// run executes the selected mode and returns the process exit code.
func (a *app) run(ctx context.Context) int {
	switch {
	case a.config.List:
		return a.listPorts()
	case a.config.Scan:
		return a.scan(ctx)
	}

	s, err := a.open(ctx)
	if err != nil {
		a.logger.Error("Failed to open session", "error", err, "kind", modem.Kind(err))
		return 1
	}
	d := modem.NewDispatcher(s)

	if a.config.Command != "" {
		return a.oneShot(ctx, s, d)
	}
	return a.interactive(ctx, s, d)
}

func (a *app) listPorts() int {
	ports, err := modem.ListPorts()
	if err != nil {
		a.logger.Error("Failed to list serial ports", "error", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Fprintln(a.out, "no serial ports found")
	}
	for _, p := range ports {
		fmt.Fprintln(a.out, p)
	}
	return 0
}

func (a *app) open(ctx context.Context) (*modem.Session, error) {
	b := modem.NewConfigBuilder().
		WithDialer(a.dialer).
		WithPort(a.config.SerialPort, a.config.BaudRate).
		WithSettleDelay(a.config.SettleDelay).
		WithLogger(a.logger)
	if esc, ok := a.config.Escape(); ok {
		b.WithEscape(esc).WithProbe(at.CmdVersion, modem.DefaultProbeTimeout)
	}

	mc, err := b.Build()
	if err != nil {
		return nil, err
	}
	return modem.Open(ctx, mc)
}

func (a *app) scan(ctx context.Context) int {
	opts := []modem.ProberOption{
		modem.WithCandidates(a.config.BaudCandidates...),
		modem.WithProberLogger(a.logger),
	}
	if a.config.ProbeWindow > 0 {
		opts = append(opts, modem.WithProbeWindow(a.config.ProbeWindow))
	}
	if esc, ok := a.config.ScanEscape(); ok {
		opts = append(opts, modem.WithProbeEscape(esc))
	} else {
		opts = append(opts, modem.WithoutEscape())
	}

	p, err := modem.NewProber(a.dialer, a.config.SerialPort, opts...)
	if err != nil {
		a.logger.Error("Failed to create prober", "error", err)
		return 1
	}

	fmt.Fprintf(a.out, "scanning %s at %v\n", a.config.SerialPort, p.Candidates())
	res, err := p.Probe(ctx)
	for _, attempt := range p.Attempts() {
		switch {
		case attempt.Err != nil:
			fmt.Fprintf(a.out, "  %6d  error: %v\n", attempt.BaudRate, attempt.Err)
		case attempt.Accepted:
			fmt.Fprintf(a.out, "  %6d  %q (accepted)\n", attempt.BaudRate, attempt.Reply)
		case attempt.Reply == "":
			fmt.Fprintf(a.out, "  %6d  no reply\n", attempt.BaudRate)
		default:
			fmt.Fprintf(a.out, "  %6d  %q\n", attempt.BaudRate, attempt.Reply)
		}
	}
	if err != nil {
		a.logger.Error("Baud scan failed", "error", err, "kind", modem.Kind(err))
		return 1
	}

	fmt.Fprintf(a.out, "module answers at %d baud\n", res.BaudRate)
	return 0
}

// oneShot sends the configured command, prints whatever arrives before the
// timeout and exits.
func (a *app) oneShot(ctx context.Context, s *modem.Session, d *modem.Dispatcher) int {
	defer s.Close()

	if err := d.Send(ctx, a.config.Command); err != nil {
		a.logger.Error("Failed to send command", "error", err)
		return 1
	}
	fmt.Fprintf(a.out, "%s [TX] %s\n", stamp(time.Now()), a.config.Command)

	resp, err := d.AwaitResponse(ctx, a.config.Timeout, nil)
	for _, line := range resp.Lines {
		fmt.Fprintf(a.out, "%s [RX] %s\n", stamp(time.Now()), line)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Failed to read reply", "error", err)
		return 1
	}
	if len(resp.Lines) == 0 {
		fmt.Fprintln(a.out, "no reply")
	}
	printStats(a.out, s.Stats())
	return 0
}

// interactive streams everything the module says while the operator types
// commands, until /exit, end of input, an interrupt or a transport fault.
// With the HTTP server enabled, end of input does not end the session.
func (a *app) interactive(ctx context.Context, s *modem.Session, d *modem.Dispatcher) int {
	defer s.Close()

	if err := s.Start(ctx); err != nil {
		a.logger.Error("Failed to start reader", "error", err)
		return 1
	}

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		printInbound(a.out, s.Inbound())
	}()

	var httpServer *http.Server
	if a.config.BindAddress != "" {
		httpServer = &http.Server{
			Addr: a.config.BindAddress,
			Handler: &Server{
				Logger:  a.logger.With("component", "server"),
				Modem:   d,
				Timeout: a.config.Timeout,
			},
		}
		go func() {
			a.logger.Info("Starting HTTP server", "address", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	con, err := a.console()
	if err != nil {
		a.logger.Error("Failed to start console", "error", err)
		return 1
	}
	consoleDone := make(chan error, 1)
	go func() {
		consoleDone <- a.repl(ctx, con, s, d)
	}()

	code := 0
wait:
	for {
		select {
		case err := <-consoleDone:
			consoleDone = nil
			if errors.Is(err, io.EOF) && httpServer != nil {
				a.logger.Info("Console closed, serving HTTP until interrupted")
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				a.logger.Error("Console failed", "error", err)
			}
			break wait
		case <-s.Done():
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	con.Close()

	if err := s.Err(); err != nil {
		a.logger.Error("Session lost", "error", err, "kind", modem.Kind(err))
		code = 1
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("Closing HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to gracefully shutdown server", "error", err)
		}
	}

	a.logger.Info("Closing module session")
	if err := s.Close(); err != nil {
		a.logger.Error("Failed to close session", "error", err)
	}
	<-printerDone
	printStats(a.out, s.Stats())
	return code
}
