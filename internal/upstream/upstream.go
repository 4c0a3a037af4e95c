// Package upstream implements the short-lived, per-request connection to a
// single upstream agent socket described in spec.md §4.2: dial, write one
// frame (or a short sequence of frames, each followed by its reply), read
// the reply, close. No pooling — the cost of reconnecting is
// negligible next to the human-interactive nature of signing, and pooling
// would complicate keeping session-bind and sign on the same transport.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/kradalby/agentmux/internal/agentwire"
)

// DefaultTimeout is the per-upstream request timeout from spec.md §5
// ("interactive bound").
const DefaultTimeout = 10 * time.Second

// Kind distinguishes the class of upstream failure.
type Kind int

const (
	KindConnect Kind = iota
	KindIO
	KindProtocol
)

// Error wraps an upstream failure with its Kind so callers (the session
// handler) can decide whether to skip-and-continue without string
// matching, per spec.md §7.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client issues one agent-protocol request against one upstream socket.
type Client struct {
	Path    string
	Timeout time.Duration
}

func New(path string) *Client {
	return &Client{Path: path, Timeout: DefaultTimeout}
}

// RoundTrip dials path, writes request, reads exactly one reply frame, and
// closes the connection.
func (c *Client) RoundTrip(ctx context.Context, request *agentwire.Frame) (*agentwire.Frame, error) {
	return c.Sequence(ctx, []*agentwire.Frame{request})
}

// Sequence writes each frame in order over the same connection and returns
// the reply to the *last* frame written, reading (and discarding replies
// to) every prior frame in order. This is how session-bind constraints are
// re-emitted as an EXTENSION message immediately before a SIGN_REQUEST on
// the same transport, per spec.md §4.6.
func (c *Client) Sequence(ctx context.Context, requests []*agentwire.Frame) (*agentwire.Frame, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("upstream: empty request sequence")
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Path: c.Path, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &Error{Kind: KindIO, Path: c.Path, Err: err}
	}

	var reply *agentwire.Frame
	for _, req := range requests {
		if err := agentwire.WriteFrame(conn, req); err != nil {
			return nil, &Error{Kind: KindIO, Path: c.Path, Err: err}
		}
		reply, err = agentwire.ReadFrame(conn, 0)
		if err != nil {
			if errors.Is(err, agentwire.ErrFraming) {
				return nil, &Error{Kind: KindProtocol, Path: c.Path, Err: err}
			}
			return nil, &Error{Kind: KindIO, Path: c.Path, Err: err}
		}
	}
	return reply, nil
}
