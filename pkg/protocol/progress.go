package protocol

// Progress is the fixed-size notification the daemon interleaves with
// replies during long operations. Position counts up to Total in
// operation-defined units.
type Progress struct {
	Proc     uint32
	Serial   uint32
	Position uint64
	Total    uint64
}

// EncodeProgress renders the 24-byte progress body (without the
// ProgressFlag prefix).
func EncodeProgress(p Progress) []byte {
	var e xdrEncoder
	e.buf.Grow(ProgressMessageSize)
	e.putUint32(p.Proc)
	e.putUint32(p.Serial)
	e.putUint64(p.Position)
	e.putUint64(p.Total)
	return e.bytes()
}

// DecodeProgress parses a 24-byte progress body.
func DecodeProgress(body []byte) (Progress, error) {
	var p Progress
	d := newXDRDecoder(body)
	var err error
	if p.Proc, err = d.uint32(); err != nil {
		return p, err
	}
	if p.Serial, err = d.uint32(); err != nil {
		return p, err
	}
	if p.Position, err = d.uint64(); err != nil {
		return p, err
	}
	if p.Total, err = d.uint64(); err != nil {
		return p, err
	}
	return p, nil
}
