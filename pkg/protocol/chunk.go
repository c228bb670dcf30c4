package protocol

import (
	"github.com/guestkit/guestkit/internal/errx"
)

// Chunk is one unit of a chunked file transfer. A zero-length,
// non-cancelled chunk means end of transfer; a chunk with Cancel set
// aborts the transfer.
type Chunk struct {
	Cancel bool
	Data   []byte
}

// EncodeChunk frames a chunk for the wire, length prefix included.
func EncodeChunk(c Chunk) ([]byte, error) {
	if len(c.Data) > MaxChunkSize {
		return nil, errx.With(ErrOversized, ": chunk of %d bytes > maximum %d", len(c.Data), MaxChunkSize)
	}
	var e xdrEncoder
	cancel := uint32(0)
	if c.Cancel {
		cancel = 1
	}
	e.putUint32(cancel)
	e.putOpaque(c.Data)
	body := e.bytes()

	var framed xdrEncoder
	framed.buf.Grow(FrameHeaderSize + len(body))
	framed.putUint32(uint32(len(body)))
	framed.buf.Write(body)
	return framed.bytes(), nil
}

// DecodeChunk parses one unframed chunk body.
func DecodeChunk(body []byte) (Chunk, error) {
	d := newXDRDecoder(body)
	cancel, err := d.uint32()
	if err != nil {
		return Chunk{}, err
	}
	data, err := d.opaque(MaxChunkSize)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{Cancel: cancel != 0, Data: data}, nil
}
