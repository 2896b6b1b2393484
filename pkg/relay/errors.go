package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedFrame is a structured frame that could not be decoded. It
	// is reported as a notice and never ends the session.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnsupportedFrame is a frame the sub-protocol cannot carry, such as
	// input on a log stream.
	ErrUnsupportedFrame = errors.New("frame not supported by sub-protocol")
)

// ChannelError is a transport failure after a channel attempt started.
type ChannelError struct {
	Op  string // "dial", "read"
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
