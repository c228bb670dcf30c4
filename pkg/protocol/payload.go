package protocol

import (
	"github.com/guestkit/guestkit/internal/errx"
)

// maxStringLen bounds any single string argument or return value.
const maxStringLen = MaxMessageSize

// EncodeString renders one XDR string payload.
func EncodeString(s string) []byte {
	var e xdrEncoder
	e.putString(s)
	return e.bytes()
}

// DecodeString parses one XDR string payload.
func DecodeString(b []byte) (string, error) {
	return newXDRDecoder(b).string(maxStringLen)
}

// EncodeStringList renders an XDR array of strings: a count followed
// by each element.
func EncodeStringList(list []string) []byte {
	var e xdrEncoder
	e.putUint32(uint32(len(list)))
	for _, s := range list {
		e.putString(s)
	}
	return e.bytes()
}

// DecodeStringList parses an XDR array of strings.
func DecodeStringList(b []byte) ([]string, error) {
	d := newXDRDecoder(b)
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize/4 {
		return nil, errx.With(ErrOversized, ": string list of %d elements", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.string(maxStringLen)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
