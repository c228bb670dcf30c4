package protocol

import (
	"github.com/guestkit/guestkit/internal/errx"
)

// MessageHeader precedes every call and reply payload.
type MessageHeader struct {
	Prog           uint32
	Vers           uint32
	Proc           uint32
	Direction      uint32
	Serial         uint32
	Status         uint32
	ProgressHint   uint64
	OptargsBitmask uint64
}

// NewCallHeader builds the header for an outgoing request.
func NewCallHeader(proc, serial uint32, progressHint, optargsBitmask uint64) MessageHeader {
	return MessageHeader{
		Prog:           Program,
		Vers:           ProtocolVersion,
		Proc:           proc,
		Direction:      DirectionCall,
		Serial:         serial,
		Status:         StatusOK,
		ProgressHint:   progressHint,
		OptargsBitmask: optargsBitmask,
	}
}

func (h *MessageHeader) encode(e *xdrEncoder) {
	e.putUint32(h.Prog)
	e.putUint32(h.Vers)
	e.putUint32(h.Proc)
	e.putUint32(h.Direction)
	e.putUint32(h.Serial)
	e.putUint32(h.Status)
	e.putUint64(h.ProgressHint)
	e.putUint64(h.OptargsBitmask)
}

func (h *MessageHeader) decode(d *xdrDecoder) error {
	var err error
	if h.Prog, err = d.uint32(); err != nil {
		return err
	}
	if h.Vers, err = d.uint32(); err != nil {
		return err
	}
	if h.Proc, err = d.uint32(); err != nil {
		return err
	}
	if h.Direction, err = d.uint32(); err != nil {
		return err
	}
	if h.Serial, err = d.uint32(); err != nil {
		return err
	}
	if h.Status, err = d.uint32(); err != nil {
		return err
	}
	if h.ProgressHint, err = d.uint64(); err != nil {
		return err
	}
	if h.OptargsBitmask, err = d.uint64(); err != nil {
		return err
	}
	return nil
}

// MessageError is the structured payload of an error reply.
type MessageError struct {
	// Errno is the symbolic errno name ("ENOENT") or empty when the
	// failure has no meaningful errno.
	Errno   string
	Message string
}

const (
	maxErrnoLen   = 32
	maxMessageLen = 65536
)

func (m *MessageError) encode(e *xdrEncoder) {
	e.putString(m.Errno)
	e.putString(m.Message)
}

func (m *MessageError) decode(d *xdrDecoder) error {
	var err error
	if m.Errno, err = d.string(maxErrnoLen); err != nil {
		return err
	}
	if m.Message, err = d.string(maxMessageLen); err != nil {
		return err
	}
	return nil
}

// EncodeMessage frames a header plus pre-encoded payload for the wire:
// a 4-byte length followed by exactly header+payload, no padding in
// between and none after.
func EncodeMessage(hdr MessageHeader, payload []byte) ([]byte, error) {
	body := HeaderSize + len(payload)
	if body > MaxMessageSize {
		return nil, errx.With(ErrOversized, ": message length %d > maximum %d", body, MaxMessageSize)
	}
	var e xdrEncoder
	e.buf.Grow(FrameHeaderSize + body)
	e.putUint32(uint32(body))
	hdr.encode(&e)
	e.buf.Write(payload)
	return e.bytes(), nil
}

// DecodeMessage splits one unframed message body (the bytes after the
// length prefix) into its header and payload.
func DecodeMessage(body []byte) (MessageHeader, []byte, error) {
	var hdr MessageHeader
	d := newXDRDecoder(body)
	if err := hdr.decode(d); err != nil {
		return hdr, nil, err
	}
	return hdr, body[d.off:], nil
}

// DecodeMessageError parses the payload of an error reply.
func DecodeMessageError(payload []byte) (MessageError, error) {
	var me MessageError
	err := me.decode(newXDRDecoder(payload))
	return me, err
}

// EncodeMessageError renders an error payload; the daemon side uses
// this, and tests use it to fabricate daemon replies.
func EncodeMessageError(me MessageError) []byte {
	var e xdrEncoder
	me.encode(&e)
	return e.bytes()
}

// EncodeUint32 emits one XDR word. Used for the bare control flags and
// by tests building synthetic frames.
func EncodeUint32(v uint32) []byte {
	var e xdrEncoder
	e.putUint32(v)
	return e.bytes()
}

// DecodeUint32 reads one XDR word.
func DecodeUint32(b []byte) (uint32, error) {
	return newXDRDecoder(b).uint32()
}
