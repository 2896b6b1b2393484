package relay

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/opensandbox/podrelay/pkg/types"
)

// Codec translates between websocket messages and Frames for one
// sub-protocol. messageType is websocket.TextMessage or websocket.BinaryMessage.
type Codec interface {
	Name() string
	Decode(messageType int, payload []byte) Frame
	Encode(f Frame) (messageType int, payload []byte, err error)
}

// CodecFor selects the sub-protocol for an action: exec is raw passthrough,
// logs is the structured JSON envelope.
func CodecFor(action types.Action) Codec {
	if action == types.ActionLogs {
		return structuredCodec{}
	}
	return rawCodec{}
}

// rawCodec passes terminal bytes through untouched. Input goes out as binary
// messages and resize as a JSON text message, so the message type tells the
// far end control from data.
type rawCodec struct{}

func (rawCodec) Name() string { return "raw" }

func (rawCodec) Decode(_ int, payload []byte) Frame {
	return Output(payload)
}

func (rawCodec) Encode(f Frame) (int, []byte, error) {
	switch f.Kind {
	case FrameInput:
		return websocket.BinaryMessage, f.Data, nil
	case FrameResize:
		b, err := json.Marshal(types.ResizeMessage{Type: types.ResizeType, Cols: f.Cols, Rows: f.Rows})
		if err != nil {
			return 0, nil, fmt.Errorf("marshal resize: %w", err)
		}
		return websocket.TextMessage, b, nil
	default:
		return 0, nil, fmt.Errorf("%w: %s on raw", ErrUnsupportedFrame, f.Kind)
	}
}

// structuredCodec speaks {type, data} envelopes. It is receive-only.
type structuredCodec struct{}

func (structuredCodec) Name() string { return "structured" }

func (structuredCodec) Decode(_ int, payload []byte) Frame {
	var env types.LogEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ControlNotice(NoticeError, ErrMalformedFrame.Error())
	}
	switch env.Type {
	case types.LogTypeLog:
		return Output([]byte(env.Data))
	case types.LogTypeError:
		return ControlNotice(NoticeError, env.Data)
	case types.LogTypeClose:
		return ControlNotice(NoticeClose, env.Data)
	case types.LogTypeConnected:
		return SignalFrame(SignalConnected)
	case types.LogTypeDisconnected:
		return SignalFrame(SignalDisconnected)
	default:
		return ControlNotice(NoticeError, ErrMalformedFrame.Error())
	}
}

func (structuredCodec) Encode(f Frame) (int, []byte, error) {
	return 0, nil, fmt.Errorf("%w: %s on structured", ErrUnsupportedFrame, f.Kind)
}
