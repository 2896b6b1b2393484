package types

// Websocket paths for each action.
const (
	ExecPath   = "/ws/exec"
	LogsPath   = "/ws/logs"
	TicketPath = "/api/v1/ws/ticket"
)

// ResizeMessage is the control frame for resizing an exec terminal. It travels
// as a websocket text message; terminal input travels as binary messages.
type ResizeMessage struct {
	Type string `json:"type"` // "resize"
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ResizeType is the ResizeMessage type discriminator.
const ResizeType = "resize"

// LogEnvelope is every message of the log streaming sub-protocol.
type LogEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// LogEnvelope types.
const (
	LogTypeLog          = "log"
	LogTypeError        = "error"
	LogTypeClose        = "close"
	LogTypeConnected    = "connected"
	LogTypeDisconnected = "disconnected"
)
