package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"
	"i4.energy/across/loractl/at"
	"i4.energy/across/loractl/modem"
)

// LineReader supplies operator input one line at a time. ReadLine returns
// io.EOF when the operator is done (Ctrl-D, Ctrl-C or end of input).
type LineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// directives are handled locally instead of being sent to the module.
var directives = []string{"/plus", "/boot", "/stats", "/exit", "/help"}

const historyFile = ".loractl_history"

// linerConsole is the interactive LineReader with line editing and history.
type linerConsole struct {
	state       *liner.State
	historyPath string
}

func newLinerConsole() (LineReader, error) {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) (c []string) {
		for _, d := range directives {
			if strings.HasPrefix(d, strings.ToLower(line)) {
				c = append(c, d)
			}
		}
		return
	})

	con := &linerConsole{state: state}
	if home, err := os.UserHomeDir(); err == nil {
		con.historyPath = filepath.Join(home, historyFile)
		if f, err := os.Open(con.historyPath); err == nil {
			state.ReadHistory(f)
			f.Close()
		}
	}
	return con, nil
}

func (c *linerConsole) ReadLine(prompt string) (string, error) {
	line, err := c.state.Prompt(prompt)
	if errors.Is(err, liner.ErrPromptAborted) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		c.state.AppendHistory(line)
	}
	return line, nil
}

func (c *linerConsole) Close() error {
	if c.historyPath != "" {
		if f, err := os.Create(c.historyPath); err == nil {
			c.state.WriteHistory(f)
			f.Close()
		}
	}
	return c.state.Close()
}

// syncWriter serialises output from the RX printer and the console.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func stamp(t time.Time) string {
	return "[" + t.Format(time.TimeOnly) + "]"
}

// printInbound prints the inbound stream line by line, each line stamped
// with the time its last chunk arrived, until the stream is closed.
func printInbound(out io.Writer, inbound <-chan modem.Chunk) {
	var lines at.LineBuffer
	var last time.Time
	for c := range inbound {
		last = c.Time
		for _, line := range lines.Write(c.Text) {
			if strings.TrimSpace(line) == "" {
				continue
			}
			fmt.Fprintf(out, "%s [RX] %s\n", stamp(c.Time), line)
		}
	}
	if rest := lines.Flush(); strings.TrimSpace(rest) != "" {
		fmt.Fprintf(out, "%s [RX] %s\n", stamp(last), rest)
	}
}

func printStats(out io.Writer, st modem.Statistics) {
	fmt.Fprintf(out, "uptime %s, tx %d, rx %d, errors %d\n",
		st.Uptime().Round(time.Second), st.Tx, st.Rx, st.Errors)
}

// repl reads operator input and sends it to the module until /exit or the
// end of input. It returns nil for /exit and io.EOF at the end of input.
func (a *app) repl(ctx context.Context, con LineReader, s *modem.Session, d *modem.Dispatcher) error {
	fmt.Fprintln(a.out, "Connected. Type AT commands, /help for directives, Ctrl-D to quit.")
	for {
		input, err := con.ReadLine("> ")
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch strings.ToLower(input) {
		case "/exit", "/quit":
			return nil
		case "/help":
			fmt.Fprintln(a.out, "  /plus   send the +++ escape marker")
			fmt.Fprintln(a.out, "  /boot   send the bootloader marker")
			fmt.Fprintln(a.out, "  /stats  print statistics")
			fmt.Fprintln(a.out, "  /exit   close the session and quit")
			continue
		case "/stats":
			printStats(a.out, s.Stats())
			continue
		case "/plus":
			err = d.SendRaw(ctx, []byte(at.EscapeMarker))
			input = at.EscapeMarker
		case "/boot":
			err = d.SendRaw(ctx, at.BootloaderMarker)
			input = fmt.Sprintf("% X", at.BootloaderMarker)
		default:
			err = d.Send(ctx, input)
		}

		switch {
		case errors.Is(err, modem.ErrInvalidCommand):
			fmt.Fprintf(a.out, "rejected: %v\n", err)
		case err != nil:
			return err
		default:
			fmt.Fprintf(a.out, "%s [TX] %s\n", stamp(time.Now()), input)
		}
	}
}
