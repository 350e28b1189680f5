package modem

import (
	"io"
	"sync"
)

// TestTransport is a test helper that simulates a blocking transport
// using channels. The handle's reader goroutine continuously reads from
// the transport, so reads must block until data is available, like a
// real serial port would.
type TestTransport struct {
	mu       sync.Mutex
	readChan chan []byte
	written  []string
	closed   bool
}

// NewTestTransport creates a new fake transport for tests.
func NewTestTransport() *TestTransport {
	return &TestTransport{
		readChan: make(chan []byte, 32),
	}
}

func (t *TestTransport) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	t.written = append(t.written, string(p))
	return len(p), nil
}

func (t *TestTransport) Read(p []byte) (n int, err error) {
	data, ok := <-t.readChan
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (t *TestTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.readChan)
	return nil
}

// SendLine queues one CRLF-terminated line to be read from the
// transport, simulating modem output.
func (t *TestTransport) SendLine(line string) {
	t.SendData(line + "\r\n")
}

// SendData queues raw bytes to be read from the transport.
func (t *TestTransport) SendData(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- []byte(data)
	}
}

// Written returns the command lines written so far.
func (t *TestTransport) Written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.written))
	copy(out, t.written)
	return out
}
