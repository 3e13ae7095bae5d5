package at

const (
	// Line framing
	CRLF = "\r\n"
	LF   = "\n"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	ErrShort = "+ERR"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Commands
	CmdPrefix  = "AT"
	CmdVersion = "AT+VER"

	// EscapeMarker requests command mode from a transparent data link.
	EscapeMarker = "+++"
)

// BootloaderMarker asks the module to leave transparent mode for its
// firmware update loader. It is not text and is written as-is.
var BootloaderMarker = []byte{0xFF, 0x55, 0xAA, 0x5A}

type ResponseType int

const (
	TypeData  ResponseType = iota // Anything that is not a result code or echo
	TypeFinal                     // OK, ERROR, +ERR...
	TypeEcho                      // Command echoed back by the module
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeEcho:
		return "echo"
	default:
		return "data"
	}
}
