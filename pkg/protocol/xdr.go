package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/guestkit/guestkit/internal/errx"
)

// The daemon speaks classic XDR: 4-byte big-endian words, 8-byte
// hyper values, and opaque/string data padded to a 4-byte boundary.
// The encoder and decoder here implement exactly the subset the
// protocol uses; keeping them explicit keeps full control over
// padding and sizing, which the framing invariants depend on.

type xdrEncoder struct {
	buf bytes.Buffer
}

func (e *xdrEncoder) putUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *xdrEncoder) putUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *xdrEncoder) putOpaque(data []byte) {
	e.putUint32(uint32(len(data)))
	e.buf.Write(data)
	if pad := len(data) % 4; pad != 0 {
		e.buf.Write(make([]byte, 4-pad))
	}
}

func (e *xdrEncoder) putString(s string) {
	e.putOpaque([]byte(s))
}

func (e *xdrEncoder) bytes() []byte {
	return e.buf.Bytes()
}

type xdrDecoder struct {
	data []byte
	off  int
}

func newXDRDecoder(data []byte) *xdrDecoder {
	return &xdrDecoder{data: data}
}

func (d *xdrDecoder) uint32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, errx.With(ErrTruncated, ": need 4 bytes at offset %d of %d", d.off, len(d.data))
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *xdrDecoder) uint64() (uint64, error) {
	if d.off+8 > len(d.data) {
		return 0, errx.With(ErrTruncated, ": need 8 bytes at offset %d of %d", d.off, len(d.data))
	}
	v := binary.BigEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *xdrDecoder) opaque(maxLen uint32) ([]byte, error) {
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > maxLen {
		return nil, errx.With(ErrTruncated, ": opaque length %d exceeds maximum %d", n, maxLen)
	}
	padded := int(n+3) &^ 3
	if d.off+padded > len(d.data) {
		return nil, errx.With(ErrTruncated, ": opaque of %d bytes at offset %d of %d", n, d.off, len(d.data))
	}
	out := make([]byte, n)
	copy(out, d.data[d.off:d.off+int(n)])
	d.off += padded
	return out, nil
}

func (d *xdrDecoder) string(maxLen uint32) (string, error) {
	b, err := d.opaque(maxLen)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
