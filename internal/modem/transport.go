package modem

import (
	"io"

	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to the
// modem's management port. Typical implementations are serial ports and
// in-memory fakes used for testing. A Transport carries no protocol
// semantics, it is pure byte exchange.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to the modem. It abstracts how the connection
// is created so the daemon can rebuild the handle after transport faults
// and the tests can substitute fakes.
type Dialer interface {
	Dial() (Transport, error)
}

// SerialDialer opens the management tty with go.bug.st/serial.
//
// No read timeout is configured on purpose: the handle's reader goroutine
// relies on blocking reads and is unblocked by Close.
type SerialDialer struct {
	Path string
	Baud int
}

func (d SerialDialer) Dial() (Transport, error) {
	port, err := serial.Open(d.Path, &serial.Mode{BaudRate: d.Baud})
	if err != nil {
		return nil, &IOError{Op: "open", Err: err}
	}

	return port, nil
}
