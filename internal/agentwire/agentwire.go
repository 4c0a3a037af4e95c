// Package agentwire implements the SSH agent protocol wire codec: framing,
// message-type constants, and typed payload marshalling for the subset of
// messages the multiplexer understands. Unknown message types are preserved
// as opaque (type, payload) pairs rather than rejected, per spec.md §4.1.
package agentwire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// Message type octets, per the SSH agent protocol (draft-miller-ssh-agent).
const (
	MsgFailure                  byte = 5
	MsgSuccess                  byte = 6
	MsgRequestIdentities        byte = 11
	MsgIdentitiesAnswer         byte = 12
	MsgSignRequest              byte = 13
	MsgSignResponse             byte = 14
	MsgAddIdentity              byte = 17
	MsgRemoveIdentity           byte = 18
	MsgRemoveAllIdentities      byte = 19
	MsgAddSmartcardKey          byte = 20
	MsgRemoveSmartcardKey       byte = 21
	MsgLock                     byte = 22
	MsgUnlock                   byte = 23
	MsgAddIDConstrained         byte = 25
	MsgAddSmartcardKeyConstrain byte = 26
	MsgExtension                byte = 27
	MsgExtensionFailure         byte = 28
)

// SignFlagRSASHA2_256 and SignFlagRSASHA2_512 are the signature-flag bits
// defined by RFC 8332 for SIGN_REQUEST.
const (
	SignFlagRSASHA2_256 uint32 = 1 << 1
	SignFlagRSASHA2_512 uint32 = 1 << 2
)

// ExtensionSessionBind is the session-bind@openssh.com extension name.
const ExtensionSessionBind = "session-bind@openssh.com"

// ExtensionQuery is the reserved extension name used to enumerate supported
// extensions.
const ExtensionQuery = "query"

// MaxFrameSize is the default upper bound on a single message's length
// prefix, per spec.md §4.1's recommendation (256 KiB).
const MaxFrameSize = 256 * 1024

var (
	// ErrFraming is returned (wrapped) for any malformed frame: an
	// over-length prefix or a stream that ends mid-message.
	ErrFraming = errors.New("agentwire: framing error")
)

// Frame is a parsed (but not semantically validated) agent protocol message:
// a single type octet and its raw payload.
type Frame struct {
	Type    byte
	Payload []byte
}

// ReadFrame reads one length-prefixed frame from r. maxSize, if zero,
// defaults to MaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading length prefix: %v", ErrFraming, err)
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", ErrFraming)
	}
	if length > maxSize {
		return nil, fmt.Errorf("%w: frame length %d exceeds cap %d", ErrFraming, length, maxSize)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte body: %v", ErrFraming, length, err)
	}

	return &Frame{Type: body[0], Payload: body[1:]}, nil
}

// WriteFrame writes one length-prefixed frame to w as a single buffered
// write, so no partial frame is ever observable by the peer even if the
// underlying writer splits it across syscalls.
func WriteFrame(w io.Writer, f *Frame) error {
	buf := make([]byte, 4+1+len(f.Payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(f.Payload)))
	buf[4] = f.Type
	copy(buf[5:], f.Payload)

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(buf); err != nil {
		return err
	}
	return bw.Flush()
}

// Identity is one entry in an IDENTITIES_ANSWER.
type Identity struct {
	KeyBlob []byte
	Comment string
}

// DecodeIdentitiesAnswer parses an IDENTITIES_ANSWER payload.
func DecodeIdentitiesAnswer(payload []byte) ([]Identity, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: identities answer too short", ErrFraming)
	}
	count := binary.BigEndian.Uint32(payload[:4])
	rest := payload[4:]

	identities := make([]Identity, 0, count)
	for i := uint32(0); i < count; i++ {
		blob, tail, err := readString(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: identity %d key blob: %v", ErrFraming, i, err)
		}
		comment, tail2, err := readString(tail)
		if err != nil {
			return nil, fmt.Errorf("%w: identity %d comment: %v", ErrFraming, i, err)
		}
		identities = append(identities, Identity{KeyBlob: blob, Comment: string(comment)})
		rest = tail2
	}
	return identities, nil
}

// EncodeIdentitiesAnswer builds an IDENTITIES_ANSWER payload (the type
// octet is added separately by the caller via Frame.Type).
func EncodeIdentitiesAnswer(identities []Identity) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(identities)))
	for _, id := range identities {
		buf = appendString(buf, id.KeyBlob)
		buf = appendString(buf, []byte(id.Comment))
	}
	return buf
}

// SignRequest is a parsed SIGN_REQUEST payload.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

type signRequestWire struct {
	KeyBlob []byte `sshtype:"13"`
	Data    []byte
	Flags   uint32
}

// DecodeSignRequest parses a SIGN_REQUEST payload.
func DecodeSignRequest(payload []byte) (*SignRequest, error) {
	var w signRequestWire
	if err := ssh.Unmarshal(append([]byte{MsgSignRequest}, payload...), &w); err != nil {
		return nil, fmt.Errorf("%w: sign request: %v", ErrFraming, err)
	}
	return &SignRequest{KeyBlob: w.KeyBlob, Data: w.Data, Flags: w.Flags}, nil
}

// EncodeSignRequest builds a SIGN_REQUEST payload.
func EncodeSignRequest(req *SignRequest) []byte {
	w := signRequestWire{KeyBlob: req.KeyBlob, Data: req.Data, Flags: req.Flags}
	return ssh.Marshal(w)[1:] // strip the leading type octet; caller supplies it via Frame.Type
}

// SignResponse is a parsed SIGN_RESPONSE payload: a single opaque signature
// blob (itself a length-prefixed "format || signature" string per RFC4253).
type SignResponse struct {
	Signature []byte
}

func DecodeSignResponse(payload []byte) (*SignResponse, error) {
	sig, _, err := readString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: sign response: %v", ErrFraming, err)
	}
	return &SignResponse{Signature: sig}, nil
}

func EncodeSignResponse(resp *SignResponse) []byte {
	return appendString(nil, resp.Signature)
}

// Extension is a parsed EXTENSION request/message payload.
type Extension struct {
	Name     string
	Contents []byte
}

func DecodeExtension(payload []byte) (*Extension, error) {
	name, rest, err := readString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: extension name: %v", ErrFraming, err)
	}
	return &Extension{Name: string(name), Contents: rest}, nil
}

func EncodeExtension(ext *Extension) []byte {
	buf := appendString(nil, []byte(ext.Name))
	return append(buf, ext.Contents...)
}

// readString reads one RFC4251 length-prefixed string from data, returning
// it and the remaining bytes.
func readString(data []byte) (value, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	length := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(length) > uint64(len(data)) {
		return nil, nil, fmt.Errorf("string length %d exceeds remaining %d bytes", length, len(data))
	}
	return data[:length], data[length:], nil
}

// EncodeStringSeq concatenates a sequence of length-prefixed strings with
// no overall count prefix, the shape used by the "query" extension's
// successful reply payload (a bare list of supported extension names).
func EncodeStringSeq(values []string) []byte {
	var buf []byte
	for _, v := range values {
		buf = appendString(buf, []byte(v))
	}
	return buf
}

// DecodeStringSeq parses the inverse of EncodeStringSeq.
func DecodeStringSeq(payload []byte) ([]string, error) {
	var out []string
	for len(payload) > 0 {
		v, rest, err := readString(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: string sequence: %v", ErrFraming, err)
		}
		out = append(out, string(v))
		payload = rest
	}
	return out, nil
}

func appendString(buf, value []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(value)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, value...)
}
