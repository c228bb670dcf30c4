// Package protocol implements the wire format spoken between the
// library and the guest daemon: length-prefixed XDR-encoded messages,
// chunked file transfers, and the reserved control flags that stand in
// for a message length. All multi-byte fields are big-endian with
// fixed sizes; byte-for-byte compatibility with the daemon is required.
package protocol

const (
	// Program identifies guest daemon RPC traffic.
	Program = 0x2000f5f5
	// ProtocolVersion must match on both sides of the connection.
	ProtocolVersion = 4

	// MaxMessageSize bounds any single framed message. The reserved
	// flag values below are all far above this, which is what makes
	// them distinguishable from real lengths.
	MaxMessageSize = 4 * 1024 * 1024
	// MaxChunkSize bounds the payload of one file-transfer chunk.
	MaxChunkSize = 8192

	// LaunchFlag is sent by the daemon exactly once, when it has
	// finished booting and is ready for requests.
	LaunchFlag = 0xf5f55ff5
	// CancelFlag aborts an in-progress file transfer, in either
	// direction.
	CancelFlag = 0xffffeeee
	// ProgressFlag precedes a fixed-size progress notification, which
	// may be interleaved at any point while a reply is pending.
	ProgressFlag = 0xffff5555

	// SerialOrigin is the first request serial on a new handle. It is
	// deliberately a recognizable value so that serials stand out in
	// packet dumps.
	SerialOrigin = 0x00123400

	// ProgressMessageSize is the wire size of a progress notification.
	ProgressMessageSize = 24

	// FrameHeaderSize is the length prefix preceding every message.
	FrameHeaderSize = 4

	// HeaderSize is the encoded size of MessageHeader.
	HeaderSize = 40
)

// Direction of a message.
const (
	DirectionCall  = 0
	DirectionReply = 1
)

// Status of a reply.
const (
	StatusOK    = 0
	StatusError = 1
)

// IsControlFlag reports whether a decoded length prefix is one of the
// reserved control values rather than a real message length.
func IsControlFlag(n uint32) bool {
	return n == LaunchFlag || n == CancelFlag || n == ProgressFlag
}
