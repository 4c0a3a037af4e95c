package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/kradalby/agentmux/internal/agentwire"
	"github.com/kradalby/agentmux/internal/roster"
)

// fakeDialer answers every Sequence call from a per-path script of
// replies, and records the types it was asked to send.
type fakeDialer struct {
	replies []*agentwire.Frame // one per expected Sequence call
	calls   int
	seen    *[][]byte // records the Type of every frame in every call
}

func (f *fakeDialer) Sequence(ctx context.Context, requests []*agentwire.Frame) (*agentwire.Frame, error) {
	if f.seen != nil {
		var types []byte
		for _, r := range requests {
			types = append(types, r.Type)
		}
		*f.seen = append(*f.seen, types)
	}
	reply := f.replies[f.calls%len(f.replies)]
	f.calls++
	return reply, nil
}

func withFakeDialers(t *testing.T, byPath map[string]Dialer) {
	t.Helper()
	orig := DialerFor
	DialerFor = func(path string) Dialer {
		if d, ok := byPath[path]; ok {
			return d
		}
		t.Fatalf("no fake dialer registered for %s", path)
		return nil
	}
	t.Cleanup(func() { DialerFor = orig })
}

func identitiesReply(ids ...agentwire.Identity) *agentwire.Frame {
	return &agentwire.Frame{Type: agentwire.MsgIdentitiesAnswer, Payload: agentwire.EncodeIdentitiesAnswer(ids)}
}

func TestRequestIdentitiesEmptyRoster(t *testing.T) {
	s := New(roster.New())
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgRequestIdentities})
	if reply.Type != agentwire.MsgIdentitiesAnswer {
		t.Fatalf("Type = %d, want MsgIdentitiesAnswer", reply.Type)
	}
	ids, err := agentwire.DecodeIdentitiesAnswer(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("len(ids) = %d, want 0", len(ids))
	}
}

func TestRequestIdentitiesConcatenatesInOrder(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/u1", "/u2"})

	withFakeDialers(t, map[string]Dialer{
		"/u1": &fakeDialer{replies: []*agentwire.Frame{identitiesReply(
			agentwire.Identity{KeyBlob: []byte("k1")},
			agentwire.Identity{KeyBlob: []byte("k2")},
		)}},
		"/u2": &fakeDialer{replies: []*agentwire.Frame{identitiesReply(
			agentwire.Identity{KeyBlob: []byte("k3")},
		)}},
	})

	s := New(r)
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgRequestIdentities})
	ids, err := agentwire.DecodeIdentitiesAnswer(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"k1", "k2", "k3"}
	if len(ids) != len(want) {
		t.Fatalf("len(ids) = %d, want %d", len(ids), len(want))
	}
	for i, w := range want {
		if string(ids[i].KeyBlob) != w {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i].KeyBlob, w)
		}
	}
}

func TestRequestIdentitiesSkipsFailingUpstream(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/bad", "/good"})

	withFakeDialers(t, map[string]Dialer{
		"/bad":  &failDialer{},
		"/good": &fakeDialer{replies: []*agentwire.Frame{identitiesReply(agentwire.Identity{KeyBlob: []byte("ok")})}},
	})

	s := New(r)
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgRequestIdentities})
	ids, err := agentwire.DecodeIdentitiesAnswer(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || string(ids[0].KeyBlob) != "ok" {
		t.Fatalf("ids = %+v, want single ok entry", ids)
	}
}

type failDialer struct{}

func (failDialer) Sequence(ctx context.Context, requests []*agentwire.Frame) (*agentwire.Frame, error) {
	return nil, errTransport
}

var errTransport = &transportErr{}

type transportErr struct{}

func (*transportErr) Error() string { return "transport failure" }

func TestSignFallsBackToSecondUpstream(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/u1", "/u2"})

	withFakeDialers(t, map[string]Dialer{
		"/u1": &fakeDialer{replies: []*agentwire.Frame{{Type: agentwire.MsgFailure}}},
		"/u2": &fakeDialer{replies: []*agentwire.Frame{{Type: agentwire.MsgSignResponse, Payload: agentwire.EncodeSignResponse(&agentwire.SignResponse{Signature: []byte("sig")})}}},
	})

	s := New(r)
	signPayload := agentwire.EncodeSignRequest(&agentwire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")})
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgSignRequest, Payload: signPayload})
	if reply.Type != agentwire.MsgSignResponse {
		t.Fatalf("Type = %d, want MsgSignResponse", reply.Type)
	}
	sr, err := agentwire.DecodeSignResponse(reply.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(sr.Signature) != "sig" {
		t.Errorf("Signature = %q, want sig", sr.Signature)
	}
}

func TestSignAllUpstreamsFailReturnsFailure(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/u1"})
	withFakeDialers(t, map[string]Dialer{"/u1": &fakeDialer{replies: []*agentwire.Frame{{Type: agentwire.MsgFailure}}}})

	s := New(r)
	signPayload := agentwire.EncodeSignRequest(&agentwire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")})
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgSignRequest, Payload: signPayload})
	if reply.Type != agentwire.MsgFailure {
		t.Fatalf("Type = %d, want MsgFailure", reply.Type)
	}
}

func TestSessionBindReEmittedBeforeEverySign(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/u1"})

	var seen [][]byte
	fd := &fakeDialer{
		replies: []*agentwire.Frame{
			{Type: agentwire.MsgSuccess}, // reply to the session-bind extension call
			{Type: agentwire.MsgSignResponse, Payload: agentwire.EncodeSignResponse(&agentwire.SignResponse{Signature: []byte("s")})},
		},
		seen: &seen,
	}
	withFakeDialers(t, map[string]Dialer{"/u1": fd})

	s := New(r)
	bindPayload := agentwire.EncodeExtension(&agentwire.Extension{Name: agentwire.ExtensionSessionBind, Contents: []byte("blob")})
	bindReply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgExtension, Payload: bindPayload})
	if bindReply.Type != agentwire.MsgSuccess {
		t.Fatalf("session-bind reply = %d, want MsgSuccess", bindReply.Type)
	}

	signPayload := agentwire.EncodeSignRequest(&agentwire.SignRequest{KeyBlob: []byte("k"), Data: []byte("d")})
	signReply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgSignRequest, Payload: signPayload})
	if signReply.Type != agentwire.MsgSignResponse {
		t.Fatalf("sign reply = %d, want MsgSignResponse", signReply.Type)
	}

	// Second call (the sign attempt) must carry an EXTENSION immediately
	// before the SIGN_REQUEST, on the same upstream.
	if len(seen) != 2 {
		t.Fatalf("upstream saw %d calls, want 2", len(seen))
	}
	secondCall := seen[1]
	if len(secondCall) != 2 || secondCall[0] != agentwire.MsgExtension || secondCall[1] != agentwire.MsgSignRequest {
		t.Fatalf("second call types = %v, want [Extension SignRequest]", secondCall)
	}
}

func TestSessionBindFailsWhenNoUpstreamAccepts(t *testing.T) {
	r := roster.New()
	r.ReloadConfigured([]string{"/u1", "/u2"})

	withFakeDialers(t, map[string]Dialer{
		"/u1": &failDialer{},
		"/u2": &fakeDialer{replies: []*agentwire.Frame{{Type: agentwire.MsgFailure}}},
	})

	s := New(r)
	bindPayload := agentwire.EncodeExtension(&agentwire.Extension{Name: agentwire.ExtensionSessionBind, Contents: []byte("blob")})
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgExtension, Payload: bindPayload})
	if reply.Type != agentwire.MsgFailure {
		t.Fatalf("session-bind reply = %d, want MsgFailure", reply.Type)
	}
}

func TestSessionBindSucceedsWithEmptyRoster(t *testing.T) {
	s := New(roster.New())
	bindPayload := agentwire.EncodeExtension(&agentwire.Extension{Name: agentwire.ExtensionSessionBind, Contents: []byte("blob")})
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgExtension, Payload: bindPayload})
	if reply.Type != agentwire.MsgSuccess {
		t.Fatalf("session-bind reply = %d, want MsgSuccess", reply.Type)
	}
}

func TestMutatingCommandsAreRejected(t *testing.T) {
	s := New(roster.New())
	for _, typ := range []byte{
		agentwire.MsgAddIdentity, agentwire.MsgRemoveIdentity,
		agentwire.MsgRemoveAllIdentities, agentwire.MsgLock, agentwire.MsgUnlock,
	} {
		reply := s.dispatch(context.Background(), &agentwire.Frame{Type: typ})
		if reply.Type != agentwire.MsgFailure {
			t.Errorf("type %d reply = %d, want MsgFailure", typ, reply.Type)
		}
	}
}

func TestUnknownRequestTypeRepliesFailureNotClose(t *testing.T) {
	s := New(roster.New())
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: 200})
	if reply.Type != agentwire.MsgFailure {
		t.Fatalf("Type = %d, want MsgFailure", reply.Type)
	}
}

func TestUnknownExtensionRepliesExtensionFailure(t *testing.T) {
	s := New(roster.New())
	payload := agentwire.EncodeExtension(&agentwire.Extension{Name: "unknown@example.com"})
	reply := s.dispatch(context.Background(), &agentwire.Frame{Type: agentwire.MsgExtension, Payload: payload})
	if reply.Type != agentwire.MsgExtensionFailure {
		t.Fatalf("Type = %d, want MsgExtensionFailure", reply.Type)
	}
}

func TestServeRepliesInRequestOrder(t *testing.T) {
	r := roster.New()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	s := New(r)
	go s.Serve(context.Background(), serverConn)

	// Two REQUEST_IDENTITIES in a row on an empty roster: both should come
	// back as IDENTITIES_ANSWER, in order, synchronously.
	for i := 0; i < 2; i++ {
		if err := agentwire.WriteFrame(clientConn, &agentwire.Frame{Type: agentwire.MsgRequestIdentities}); err != nil {
			t.Fatal(err)
		}
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		reply, err := agentwire.ReadFrame(clientConn, 0)
		if err != nil {
			t.Fatal(err)
		}
		if reply.Type != agentwire.MsgIdentitiesAnswer {
			t.Fatalf("reply %d Type = %d, want MsgIdentitiesAnswer", i, reply.Type)
		}
	}
}
