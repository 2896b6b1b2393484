// Package relay is the client side of an interactive container session: it
// trades a ticket for a websocket channel to an exec shell or a log stream,
// relays frames between that channel and a terminal surface, and keeps the
// channel's lifetime tied to the surface that owns it.
package relay

import "fmt"

// FrameKind discriminates Frame.
type FrameKind int

const (
	FrameOutput FrameKind = iota + 1
	FrameInput
	FrameResize
	FrameNotice
	// FrameSignal carries a lifecycle signal of the structured sub-protocol
	// ("connected", "disconnected"). It is consumed by the session and never
	// rendered.
	FrameSignal
)

func (k FrameKind) String() string {
	switch k {
	case FrameOutput:
		return "output"
	case FrameInput:
		return "input"
	case FrameResize:
		return "resize"
	case FrameNotice:
		return "notice"
	case FrameSignal:
		return "signal"
	default:
		return fmt.Sprintf("frame(%d)", int(k))
	}
}

// NoticeKind classifies an out-of-band notice.
type NoticeKind string

const (
	NoticeInfo  NoticeKind = "info"
	NoticeError NoticeKind = "error"
	NoticeClose NoticeKind = "close"
)

// Notice is a human-readable message for the rendering surface.
type Notice struct {
	Kind    NoticeKind
	Message string
}

func (n Notice) String() string {
	return fmt.Sprintf("%s: %s", n.Kind, n.Message)
}

// Signal names carried by FrameSignal.
const (
	SignalConnected    = "connected"
	SignalDisconnected = "disconnected"
)

// Frame is one decoded unit of session communication.
type Frame struct {
	Kind   FrameKind
	Data   []byte // Output, Input
	Rows   uint16 // Resize
	Cols   uint16 // Resize
	Notice Notice // Notice
	Signal string // Signal
}

// Output builds an output frame.
func Output(p []byte) Frame { return Frame{Kind: FrameOutput, Data: p} }

// Input builds an input frame.
func Input(p []byte) Frame { return Frame{Kind: FrameInput, Data: p} }

// Resize builds a terminal resize frame.
func Resize(rows, cols uint16) Frame { return Frame{Kind: FrameResize, Rows: rows, Cols: cols} }

// ControlNotice builds a notice frame.
func ControlNotice(kind NoticeKind, message string) Frame {
	return Frame{Kind: FrameNotice, Notice: Notice{Kind: kind, Message: message}}
}

// SignalFrame builds a lifecycle signal frame.
func SignalFrame(name string) Frame { return Frame{Kind: FrameSignal, Signal: name} }
