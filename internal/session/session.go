// Package session drives the per-connection protocol state machine of
// spec.md §4.6: one Session per accepted client, read→route→reply strictly
// sequential, fanning requests out to upstreams via a roster snapshot.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/kradalby/agentmux/internal/agentwire"
	"github.com/kradalby/agentmux/internal/logger"
	"github.com/kradalby/agentmux/internal/roster"
	"github.com/kradalby/agentmux/internal/upstream"
)

// Dialer abstracts upstream.Client.Sequence so tests can substitute fakes.
type Dialer interface {
	Sequence(ctx context.Context, requests []*agentwire.Frame) (*agentwire.Frame, error)
}

// DialerFor is overridable by tests; production code leaves it at its
// default, which opens a real upstream.Client per path.
var DialerFor = func(path string) Dialer { return upstream.New(path) }

// Session holds the per-connection state described in spec.md §3:
// recorded session-bind constraint blobs, propagated verbatim to every
// subsequent sign request on this connection.
type Session struct {
	roster      *roster.Roster
	maxFrame    uint32
	mu          sync.Mutex
	constraints [][]byte
}

func New(r *roster.Roster) *Session {
	return &Session{roster: r, maxFrame: agentwire.MaxFrameSize}
}

// Serve reads requests from conn until the peer closes it or a framing
// error occurs, replying to each in turn before reading the next — total
// per-connection ordering, per spec.md §5.
func (s *Session) Serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		req, err := agentwire.ReadFrame(conn, s.maxFrame)
		if err != nil {
			if !errors.Is(err, agentwire.ErrFraming) && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn("session: read error", "error", err)
			}
			return
		}

		reply := s.dispatch(ctx, req)
		if err := agentwire.WriteFrame(conn, reply); err != nil {
			logger.Warn("session: write error", "error", err)
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, req *agentwire.Frame) *agentwire.Frame {
	switch req.Type {
	case agentwire.MsgRequestIdentities:
		return s.handleRequestIdentities(ctx)
	case agentwire.MsgSignRequest:
		return s.handleSignRequest(ctx, req.Payload)
	case agentwire.MsgExtension:
		return s.handleExtension(ctx, req.Payload)
	case agentwire.MsgAddIdentity, agentwire.MsgRemoveIdentity, agentwire.MsgRemoveAllIdentities,
		agentwire.MsgAddIDConstrained, agentwire.MsgAddSmartcardKey, agentwire.MsgRemoveSmartcardKey,
		agentwire.MsgLock, agentwire.MsgUnlock:
		// Read-only multiplexer: mutation semantics across heterogeneous
		// upstreams are undefined, per spec.md §4.6.
		return failureFrame()
	default:
		return failureFrame()
	}
}

func (s *Session) handleRequestIdentities(ctx context.Context) *agentwire.Frame {
	entries := s.roster.Ordered()

	var all []agentwire.Identity
	for _, e := range entries {
		reply, err := DialerFor(e.Path).Sequence(ctx, []*agentwire.Frame{{Type: agentwire.MsgRequestIdentities}})
		if err != nil {
			logger.Debug("session: upstream REQUEST_IDENTITIES failed, skipping", "path", e.Path, "error", err)
			continue
		}
		if reply.Type != agentwire.MsgIdentitiesAnswer {
			continue
		}
		ids, err := agentwire.DecodeIdentitiesAnswer(reply.Payload)
		if err != nil {
			logger.Debug("session: upstream sent malformed identities answer, skipping", "path", e.Path, "error", err)
			continue
		}
		all = append(all, ids...)
	}

	return &agentwire.Frame{Type: agentwire.MsgIdentitiesAnswer, Payload: agentwire.EncodeIdentitiesAnswer(all)}
}

func (s *Session) handleSignRequest(ctx context.Context, payload []byte) *agentwire.Frame {
	if _, err := agentwire.DecodeSignRequest(payload); err != nil {
		return failureFrame()
	}

	entries := s.roster.Ordered()
	requests := s.signSequence(payload)

	for _, e := range entries {
		reply, err := DialerFor(e.Path).Sequence(ctx, requests)
		if err != nil {
			logger.Debug("session: upstream sign failed, trying next", "path", e.Path, "error", err)
			continue
		}
		if reply.Type == agentwire.MsgSignResponse {
			return reply
		}
		// FAILURE or anything unexpected: try the next upstream.
	}
	return failureFrame()
}

// signSequence builds the frames to send to one upstream for a sign
// request: every recorded session-bind constraint re-emitted as an
// EXTENSION immediately before the SIGN_REQUEST itself, per spec.md §4.6.
func (s *Session) signSequence(signPayload []byte) []*agentwire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := make([]*agentwire.Frame, 0, len(s.constraints)+1)
	for _, c := range s.constraints {
		frames = append(frames, &agentwire.Frame{Type: agentwire.MsgExtension, Payload: c})
	}
	frames = append(frames, &agentwire.Frame{Type: agentwire.MsgSignRequest, Payload: signPayload})
	return frames
}

func (s *Session) handleExtension(ctx context.Context, payload []byte) *agentwire.Frame {
	ext, err := agentwire.DecodeExtension(payload)
	if err != nil {
		return failureFrame()
	}

	switch ext.Name {
	case agentwire.ExtensionSessionBind:
		return s.handleSessionBind(ctx, payload)
	case agentwire.ExtensionQuery:
		return s.handleQuery(ctx)
	default:
		return &agentwire.Frame{Type: agentwire.MsgExtensionFailure}
	}
}

func (s *Session) handleSessionBind(ctx context.Context, rawExtension []byte) *agentwire.Frame {
	s.mu.Lock()
	s.constraints = append(s.constraints, append([]byte(nil), rawExtension...))
	s.mu.Unlock()

	entries := s.roster.Ordered()
	accepted := false
	for _, e := range entries {
		reply, err := DialerFor(e.Path).Sequence(ctx, []*agentwire.Frame{{Type: agentwire.MsgExtension, Payload: rawExtension}})
		if err != nil {
			logger.Debug("session: upstream session-bind forwarding failed", "path", e.Path, "error", err)
			continue
		}
		if reply.Type == agentwire.MsgSuccess {
			accepted = true
		}
	}
	if len(entries) > 0 && !accepted {
		return failureFrame()
	}
	return &agentwire.Frame{Type: agentwire.MsgSuccess}
}

func (s *Session) handleQuery(ctx context.Context) *agentwire.Frame {
	names := map[string]bool{agentwire.ExtensionSessionBind: true}

	entries := s.roster.Ordered()
	for _, e := range entries {
		reply, err := DialerFor(e.Path).Sequence(ctx, []*agentwire.Frame{{Type: agentwire.MsgExtension, Payload: agentwire.EncodeExtension(&agentwire.Extension{Name: agentwire.ExtensionQuery})}})
		if err != nil || reply.Type != agentwire.MsgSuccess {
			continue
		}
		supported, err := agentwire.DecodeStringSeq(reply.Payload)
		if err != nil {
			continue
		}
		for _, n := range supported {
			names[n] = true
		}
	}

	list := make([]string, 0, len(names))
	for n := range names {
		list = append(list, n)
	}
	return &agentwire.Frame{Type: agentwire.MsgSuccess, Payload: agentwire.EncodeStringSeq(list)}
}

func failureFrame() *agentwire.Frame {
	return &agentwire.Frame{Type: agentwire.MsgFailure}
}
