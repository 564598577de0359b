// Package mcs implements the MCS framing used on the persistent connection to
// the delivery server: a version byte on the first frame, then repeated
// {tag byte, varint length, protobuf payload} units.
package mcs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/and161185/fcm-listener/internal/errs"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tag selects the protobuf schema of a frame payload.
type Tag uint8

const (
	TagHeartbeatPing     Tag = 0
	TagHeartbeatAck      Tag = 1
	TagLoginRequest      Tag = 2
	TagLoginResponse     Tag = 3
	TagClose             Tag = 4
	TagMessageStanza     Tag = 5
	TagPresenceStanza    Tag = 6
	TagIqStanza          Tag = 7
	TagDataMessageStanza Tag = 8
	TagBatchPresence     Tag = 9
	TagStreamErrorStanza Tag = 10
)

func (t Tag) String() string {
	switch t {
	case TagHeartbeatPing:
		return "heartbeat-ping"
	case TagHeartbeatAck:
		return "heartbeat-ack"
	case TagLoginRequest:
		return "login-request"
	case TagLoginResponse:
		return "login-response"
	case TagClose:
		return "close"
	case TagIqStanza:
		return "iq"
	case TagDataMessageStanza:
		return "data-message"
	case TagStreamErrorStanza:
		return "stream-error"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

const (
	// Version is the protocol version byte written before the first frame.
	Version byte = 41
	// legacyVersion is still accepted from the server.
	legacyVersion byte = 38

	// MaxPayloadLen bounds a single frame payload.
	MaxPayloadLen = 4 << 20

	maxLengthBytes = 5
)

// Frame is a single decoded protocol unit.
type Frame struct {
	Tag  Tag
	Body Message
}

// NewFrame wraps m into a frame.
func NewFrame(m Message) Frame { return Frame{Tag: m.Tag(), Body: m} }

// DecodeBody decodes payload according to tag. Unknown tags yield *Other.
func DecodeBody(tag Tag, payload []byte) (Message, error) {
	var m interface {
		Message
		Unmarshal([]byte) error
	}
	switch tag {
	case TagHeartbeatPing:
		m = &HeartbeatPing{}
	case TagHeartbeatAck:
		m = &HeartbeatAck{}
	case TagLoginRequest:
		m = &LoginRequest{}
	case TagLoginResponse:
		m = &LoginResponse{}
	case TagClose:
		m = &Close{}
	case TagIqStanza:
		m = &IqStanza{}
	case TagDataMessageStanza:
		m = &DataMessageStanza{}
	case TagStreamErrorStanza:
		m = &StreamErrorStanza{}
	default:
		return &Other{Kind: tag, Raw: append([]byte(nil), payload...)}, nil
	}
	if err := m.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return m, nil
}

// AppendFrame appends the tag-length-value encoding of m to b (no version byte).
func AppendFrame(b []byte, m Message) []byte {
	payload := m.Marshal()
	b = append(b, byte(m.Tag()))
	b = protowire.AppendVarint(b, uint64(len(payload)))
	return append(b, payload...)
}

// Decoder reads frames from a connection. It expects the version byte before
// the first frame. Not safe for concurrent use.
type Decoder struct {
	r           *bufio.Reader
	maxLen      int
	versionRead bool
	version     byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLen: MaxPayloadLen}
}

// Version returns the version byte announced by the peer, zero before the first frame.
func (d *Decoder) Version() byte { return d.version }

// Decode reads the next frame. It returns io.EOF only when the stream ends
// cleanly on a frame boundary; a stream that ends mid-frame yields ErrFraming.
func (d *Decoder) Decode() (Frame, error) {
	if !d.versionRead {
		v, err := d.r.ReadByte()
		if err != nil {
			return Frame{}, err
		}
		if v != Version && v != legacyVersion {
			return Frame{}, fmt.Errorf("%w: unsupported version %d", errs.ErrFraming, v)
		}
		d.version = v
		d.versionRead = true
	}

	tag, err := d.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	size, err := d.readLength()
	if err != nil {
		return Frame{}, err
	}
	if size > uint64(d.maxLen) {
		return Frame{}, fmt.Errorf("%w: %s payload length %d exceeds %d", errs.ErrFraming, Tag(tag), size, d.maxLen)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return Frame{}, truncated("payload", err)
	}
	body, err := DecodeBody(Tag(tag), payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Tag: Tag(tag), Body: body}, nil
}

// readLength reads the varint payload length. Lengths are at most 32 bits wide.
func (d *Decoder) readLength() (uint64, error) {
	var v uint64
	for i := 0; i < maxLengthBytes; i++ {
		c, err := d.r.ReadByte()
		if err != nil {
			return 0, truncated("length", err)
		}
		v |= uint64(c&0x7f) << (7 * i)
		if c < 0x80 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length varint longer than %d bytes", errs.ErrFraming, maxLengthBytes)
}

func truncated(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: stream ended inside frame %s: %w", errs.ErrFraming, what, io.ErrUnexpectedEOF)
	}
	return err
}

// Encoder writes frames, prefixing the first one with the version byte.
type Encoder struct {
	mu          sync.Mutex
	w           io.Writer
	versionSent bool
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes m as one frame in a single Write call.
func (e *Encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var b []byte
	if !e.versionSent {
		b = append(b, Version)
	}
	b = AppendFrame(b, m)
	if len(b) > MaxPayloadLen+16 {
		return fmt.Errorf("%w: outgoing %s too large", errs.ErrFraming, m.Tag())
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("%w: write %s: %v", errs.ErrNetwork, m.Tag(), err)
	}
	e.versionSent = true
	return nil
}

