package modem

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davidbonn/modems/internal/modem/at"
	"github.com/davidbonn/modems/pkg/log"
	"go.uber.org/zap"
)

// Status is the parsed outcome of a command exchange.
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Request describes one AT command. Immutable once constructed.
type Request struct {
	Cmd     string
	Timeout time.Duration // zero means the driver default
}

// Response carries the raw data lines received before the terminal
// result, the parsed status, and any unsolicited lines that interleaved
// with the exchange. Invariant: StatusTimeout implies Lines is empty.
type Response struct {
	Lines       []string
	Unsolicited []string
	Status      Status
}

// Line returns the first data line starting with prefix, with the prefix
// and surrounding whitespace removed.
func (r *Response) Line(prefix string) (string, bool) {
	for _, l := range r.Lines {
		if rest, ok := strings.CutPrefix(l, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// Driver exchanges commands with the modem over a Handle.
//
// The transport is not safe for interleaved exchanges, so Execute is
// serialized: one outstanding command per handle. All retry policy lives
// with the callers; the driver reports each failure exactly once.
type Driver struct {
	mu      sync.Mutex
	handle  *Handle
	timeout time.Duration
}

const DefaultTimeout = 10 * time.Second

func NewDriver(h *Handle, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Driver{handle: h, timeout: timeout}
}

// Handle exposes the underlying handle so the owner can close it.
func (d *Driver) Handle() *Handle {
	return d.handle
}

// Execute sends one command and collects lines until a terminal result
// code, the timeout, or a transport failure. Unsolicited result codes are
// collected separately and never treated as command completion.
func (d *Driver) Execute(ctx context.Context, req Request) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := &Response{}
	d.drainStale(resp)

	if err := d.handle.Send(req.Cmd); err != nil {
		return nil, err
	}

	for {
		select {
		case line := <-d.handle.Lines():
			// Command echo shows up when the port runs with ATE1,
			// which is the power-on default of this modem family.
			if line == req.Cmd {
				continue
			}

			switch at.Classify(line) {
			case at.TypeURC:
				resp.Unsolicited = append(resp.Unsolicited, line)
				log.Debug("unsolicited result code", zap.String("line", line))
			case at.TypeFinal:
				return d.finish(req, resp, line)
			default:
				resp.Lines = append(resp.Lines, line)
			}

		case err := <-d.handle.ReadErr():
			return nil, &IOError{Op: "read", Err: err}

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				log.Debug("command timed out", zap.String("cmd", req.Cmd))
				return &Response{Status: StatusTimeout, Unsolicited: resp.Unsolicited}, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func (d *Driver) finish(req Request, resp *Response, final string) (*Response, error) {
	if final == at.OK {
		resp.Status = StatusOK
		log.Debug("command completed", zap.String("cmd", req.Cmd), zap.Strings("lines", resp.Lines))
		return resp, nil
	}

	resp.Status = StatusError

	code := -1
	if rest, ok := strings.CutPrefix(final, at.CmeError); ok {
		code, _ = strconv.Atoi(strings.TrimSpace(rest))
	} else if rest, ok := strings.CutPrefix(final, at.CmsError); ok {
		code, _ = strconv.Atoi(strings.TrimSpace(rest))
	}

	log.Debug("command rejected", zap.String("cmd", req.Cmd), zap.String("final", final))
	return resp, &DeviceError{Cmd: req.Cmd, Code: code}
}

// drainStale consumes lines left over from a previous exchange, e.g.
// unsolicited codes that arrived while no command was in flight.
func (d *Driver) drainStale(resp *Response) {
	for {
		select {
		case line := <-d.handle.Lines():
			resp.Unsolicited = append(resp.Unsolicited, line)
			log.Debug("stale line flushed", zap.String("line", line))
		default:
			return
		}
	}
}

// Sync repeatedly sends "AT" until the modem answers OK, giving the
// firmware time to settle after attach or reboot. Transport failures
// abort immediately; timeouts and ERROR replies consume an attempt.
func (d *Driver) Sync(ctx context.Context, attempts int) error {
	for k := 0; k < attempts; k++ {
		_, err := d.Execute(ctx, Request{Cmd: "AT", Timeout: 2 * time.Second})
		if err == nil {
			return nil
		}
		if IsIO(err) || errors.Is(err, context.Canceled) {
			return err
		}

		log.Debug("modem not answering yet", zap.Int("attempt", k+1), zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return ErrTimeout
}
