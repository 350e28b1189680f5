package modem

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a handle
	// that has already been closed.
	ErrClosed = errors.New("modem handle closed")

	// ErrTimeout is returned when no terminal result line arrived within
	// the command budget. This is expected under flaky hardware and is
	// consumed by retry policy at the caller, never fatal to the driver.
	ErrTimeout = errors.New("no terminal response within timeout")
)

// IOError wraps a transport-level failure. It is the only error class
// that requires the handle to be torn down and rebuilt.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsIO reports whether err is (or wraps) a transport-level failure.
func IsIO(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) || errors.Is(err, ErrClosed)
}

// ProtocolError indicates the modem replied with something that does not
// match the expected response grammar for the issued command.
type ProtocolError struct {
	Cmd  string
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unexpected reply to %q: %q", e.Cmd, e.Line)
}

// DeviceError indicates the modem explicitly reported a command failure.
// Code carries the numeric CME/CMS cause, or -1 for a bare ERROR.
type DeviceError struct {
	Cmd  string
	Code int
}

func (e *DeviceError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("%q failed: ERROR", e.Cmd)
	}
	return fmt.Sprintf("%q failed: error code %d", e.Cmd, e.Code)
}
