package kephaslink

import (
	"encoding/base64"
	"fmt"
	"sync"
)

// Wire type tags. Each message type is identified on the wire by a single
// character carried next to its encoded payload.
const (
	// TypeString tags a message whose payload is the string itself.
	TypeString byte = 's'
	// TypeBytes tags a message whose payload is standard base64.
	TypeBytes byte = 'b'
)

// MaxEncodedLength is the maximum accepted length of a single encoded
// message payload. Larger payloads are rejected before decoding.
const MaxEncodedLength = 1 << 20 // 1MB

// Message is one unit of payload exchanged over a socket.
type Message interface {
	// Type returns the single-character wire tag for this message type.
	Type() byte

	// Encode returns the wire form of the payload.
	Encode() (string, error)
}

// StringMessage is a plain UTF-8 text message.
type StringMessage string

func (m StringMessage) Type() byte { return TypeString }

func (m StringMessage) Encode() (string, error) { return string(m), nil }

func (m StringMessage) String() string { return string(m) }

// BytesMessage is an arbitrary binary message, carried as base64 on the wire.
type BytesMessage []byte

func (m BytesMessage) Type() byte { return TypeBytes }

func (m BytesMessage) Encode() (string, error) {
	return base64.StdEncoding.EncodeToString(m), nil
}

// DecodeMessage decodes a single wire message from its type tag and encoded
// payload. Payloads longer than MaxEncodedLength are rejected with
// ErrMessageTooLarge; an unrecognized tag yields ErrUnknownMessageType.
func DecodeMessage(tag byte, encoded string) (Message, error) {
	if len(encoded) > MaxEncodedLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrMessageTooLarge, len(encoded), MaxEncodedLength)
	}
	switch tag {
	case TypeString:
		return StringMessage(encoded), nil
	case TypeBytes:
		b, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode bytes message: %w", err)
		}
		return BytesMessage(b), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, string(tag))
	}
}

// DefaultDecoder decodes the built-in message types. It never registers
// anything with the scratch.
var DefaultDecoder Decoder = defaultDecoder{}

type defaultDecoder struct{}

func (defaultDecoder) Decode(tag byte, encoded string, _ *Scratch) (Message, error) {
	return DecodeMessage(tag, encoded)
}

// Scratch collects release hooks for resources consumed while decoding a
// batch of inbound messages. Transports release the scratch after the
// asynchronous delivery of the batch completes, not when the request
// returns, so decoded messages may reference scratch-scoped resources.
type Scratch struct {
	mu       sync.Mutex
	released bool
	fns      []func()
}

// Defer registers a release hook. If the scratch has already been released
// the hook runs immediately.
func (s *Scratch) Defer(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.fns = append(s.fns, fn)
	s.mu.Unlock()
}

// Release runs the registered hooks in reverse registration order. It is
// idempotent.
func (s *Scratch) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
