// Package at holds the line-level vocabulary of the modem protocol:
// result codes, unsolicited result code prefixes and the tokenizer used
// to split the serial byte stream into lines.
package at

const (
	// Terminal Control
	CRLF = "\r\n"

	// Response Codes
	OK        = "OK"
	ERROR     = "ERROR"
	NoCarrier = "NO CARRIER"
	CmeError  = "+CME ERROR:"
	CmsError  = "+CMS ERROR:"

	// URCs (Unsolicited Result Codes) the LE910C4 emits on the
	// management port outside of command context.
	UrcRing      = "RING"
	UrcNetReg    = "+CREG:"
	UrcGprsReg   = "+CGREG:"
	UrcSimStatus = "#QSS:"
)

type ResponseType int

const (
	TypeFinal ResponseType = iota // OK, ERROR, +CME ERROR
	TypeURC                       // Asynchronous notifications
	TypeData                      // Intermediate command output ($GPSACP: ...)
)
