package modem

import (
	"bufio"
	"io"
	"sync"

	"github.com/davidbonn/modems/internal/modem/at"
)

// Handle owns an open Transport. Exactly one component holds a Handle at
// a time; it is created when the daemon starts and destroyed on shutdown
// or on a fatal transport error.
//
// A single reader goroutine splits the incoming byte stream into lines
// and feeds them through Lines. The goroutine exits when the transport
// reports an error (delivered through ReadErr) or the handle is closed.
type Handle struct {
	mu        sync.Mutex
	transport Transport
	closed    bool

	lines   chan string
	readErr chan error
	done    chan struct{}
}

// NewHandle wraps an open transport and starts the reader.
func NewHandle(t Transport) *Handle {
	h := &Handle{
		transport: t,
		lines:     make(chan string, 32),
		readErr:   make(chan error, 1),
		done:      make(chan struct{}),
	}

	go h.readLoop()
	return h
}

func (h *Handle) readLoop() {
	scanner := bufio.NewScanner(h.transport)
	scanner.Split(at.Splitter)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		select {
		case h.lines <- line:
		case <-h.done:
			return
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}

	select {
	case h.readErr <- err:
	case <-h.done:
	}
}

// Lines delivers the response lines in arrival order.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// ReadErr delivers at most one transport read failure.
func (h *Handle) ReadErr() <-chan error {
	return h.readErr
}

// Send writes one command line, terminated per the modem's convention.
func (h *Handle) Send(cmd string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	if _, err := h.transport.Write([]byte(cmd + "\r")); err != nil {
		return &IOError{Op: "write", Err: err}
	}

	return nil
}

// Close releases the transport and stops the reader. Closing an already
// closed handle is a no-op, not an error.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true
	close(h.done)

	return h.transport.Close()
}
