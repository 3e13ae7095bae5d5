package at_test

import (
	"bufio"
	"strings"
	"testing"

	"i4.energy/across/loractl/at"
)

func TestSplitter(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "Version query response",
			input:    "AT+VER\r\nOK VER 1.2\r\n",
			expected: []string{"AT+VER", "OK VER 1.2"},
		},
		{
			name:     "Bare LF line endings",
			input:    "AT+VER\nVER 1.2\nOK\n",
			expected: []string{"AT+VER", "VER 1.2", "OK"},
		},
		{
			name:     "Mixed CRLF and LF",
			input:    "+RSSI: -87\r\nOK\n",
			expected: []string{"+RSSI: -87", "OK"},
		},
		{
			name:     "Command with error",
			input:    "AT+BOGUS\r\n+ERR: 2\r\n",
			expected: []string{"AT+BOGUS", "+ERR: 2"},
		},
		{
			name:     "Empty lines handling",
			input:    "\r\n\r\nAT\r\nOK\r\n\r\n",
			expected: []string{"", "", "AT", "OK", ""},
		},
		{
			name:     "Telemetry interleaved with reply",
			input:    "T:23.5,H:41\r\nAT+VER\r\nVER 1.2\r\nT:23.6,H:41\r\nOK\r\n",
			expected: []string{"T:23.5,H:41", "AT+VER", "VER 1.2", "T:23.6,H:41", "OK"},
		},
		// EOF scenarios - testing atEOF functionality
		{
			name:     "Incomplete reply at EOF",
			input:    "AT+VER\r\nOK VER 1.2",
			expected: []string{"AT+VER", "OK VER 1.2"},
		},
		{
			name:     "Command without terminator at EOF",
			input:    "AT+VER",
			expected: []string{"AT+VER"},
		},
		{
			name:     "Dangling CR at EOF",
			input:    "OK\r",
			expected: []string{"OK"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tokens []string
			scanner := bufio.NewScanner(strings.NewReader(tt.input))
			scanner.Split(at.Splitter)

			for scanner.Scan() {
				tokens = append(tokens, scanner.Text())
			}

			if err := scanner.Err(); err != nil {
				t.Fatalf("Scanner error: %v", err)
			}

			if len(tokens) != len(tt.expected) {
				t.Fatalf("Expected %d tokens, got %d.\nExpected: %v\nGot: %v",
					len(tt.expected), len(tokens), tt.expected, tokens)
			}

			for i, expected := range tt.expected {
				if tokens[i] != expected {
					t.Errorf("Token %d: expected %q, got %q", i, expected, tokens[i])
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected at.ResponseType
	}{
		// Final responses
		{name: "OK response", input: "OK", expected: at.TypeFinal},
		{name: "ERROR response", input: "ERROR", expected: at.TypeFinal},
		{name: "ERROR with code", input: "ERROR:4", expected: at.TypeFinal},
		{name: "Short error", input: "+ERR: 2", expected: at.TypeFinal},
		{name: "CME Error", input: "+CME ERROR: 30", expected: at.TypeFinal},
		{name: "CMS Error", input: "+CMS ERROR: 500", expected: at.TypeFinal},
		{name: "OK with version", input: "OK VER 1.2", expected: at.TypeFinal},

		// Echo
		{name: "Version query echo", input: "AT+VER", expected: at.TypeEcho},
		{name: "Lower case echo", input: "at+ver", expected: at.TypeEcho},

		// Data responses
		{name: "OK prefix without space", input: "OKAY", expected: at.TypeData},
		{name: "Version line", input: "VER 1.2", expected: at.TypeData},
		{name: "Signal report", input: "+RSSI: -87", expected: at.TypeData},
		{name: "Telemetry", input: "T:23.5,H:41", expected: at.TypeData},
		{name: "Single character", input: "A", expected: at.TypeData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := at.Classify(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %v, got %v for input %q", tt.expected, result, tt.input)
			}
		})
	}
}

func TestLineBuffer(t *testing.T) {
	t.Run("Assembles lines across chunks", func(t *testing.T) {
		var b at.LineBuffer

		if lines := b.Write("OK V"); len(lines) != 0 {
			t.Fatalf("expected no complete lines, got %q", lines)
		}
		if b.Len() != 4 {
			t.Errorf("expected 4 pending bytes, got %d", b.Len())
		}

		lines := b.Write("ER 1.2\r")
		if len(lines) != 0 {
			t.Fatalf("CR alone must not terminate a line, got %q", lines)
		}

		lines = b.Write("\nOK\r\nT:2")
		want := []string{"OK VER 1.2", "OK"}
		if strings.Join(lines, "|") != strings.Join(want, "|") {
			t.Errorf("expected %q, got %q", want, lines)
		}

		if rest := b.Flush(); rest != "T:2" {
			t.Errorf("expected remainder %q, got %q", "T:2", rest)
		}
		if b.Len() != 0 {
			t.Errorf("expected empty buffer after flush, got %d bytes", b.Len())
		}
	})

	t.Run("Flush on empty buffer", func(t *testing.T) {
		var b at.LineBuffer
		if rest := b.Flush(); rest != "" {
			t.Errorf("expected empty remainder, got %q", rest)
		}
	})
}

func TestFrame(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "AT+VER", want: "AT+VER\r\n"},
		{in: "AT+VER\r\n", want: "AT+VER\r\n"},
		{in: "AT+VER\n", want: "AT+VER\r\n"},
		{in: "+++", want: "+++\r\n"},
	}

	for _, tt := range tests {
		if got := string(at.Frame(tt.in, at.CRLF)); got != tt.want {
			t.Errorf("Frame(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
