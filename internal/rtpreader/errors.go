package rtpreader

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by [ParseError]. Use errors.Is to tell a
// structurally broken packet apart from one using a packetization mode
// this package does not implement.
var (
	ErrMalformedPacket        = errors.New("rtpreader: malformed packet")
	ErrUnsupportedPacketType  = errors.New("rtpreader: unsupported packet type")
	ErrUnsupportedCodec       = errors.New("rtpreader: unsupported codec")
	ErrUnsupportedPacketizing = errors.New("rtpreader: unsupported packetization mode")
)

// ParseError reports a packet that could not be depacketized. Nothing from
// the offending packet reaches the output, and the access unit being
// assembled when it arrived is discarded.
type ParseError struct {
	Codec  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("rtpreader: %s %s: %v", e.Codec, e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedPacketType, fmt.Sprintf(format, args...))
}
