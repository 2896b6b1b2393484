// Package backend runs the container side of relay sessions: an interactive
// exec stream or a log stream for one container.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrUnsupported is returned by backends that cannot serve an action.
var ErrUnsupported = errors.New("not supported by this backend")

// ErrNotFound is returned when the pod or container does not exist.
var ErrNotFound = errors.New("not found")

// Target addresses one container.
type Target struct {
	Cluster   string
	Namespace string
	Pod       string
	Container string // empty selects the pod's first container
}

// TerminalSize is a TTY geometry.
type TerminalSize struct {
	Rows uint16
	Cols uint16
}

// ExecRequest is an interactive TTY exec. Stdout receives stdout and stderr
// merged, as a TTY does. Resize delivers geometry changes until it is closed.
type ExecRequest struct {
	Target
	Command []string
	Stdin   io.Reader
	Stdout  io.Writer
	Resize  <-chan TerminalSize
}

// LogRequest selects a container log stream.
type LogRequest struct {
	Target
	Follow       bool
	TailLines    int64 // <= 0 means all lines
	Timestamps   bool
	SinceSeconds *int64
}

// Backend runs sessions against containers.
type Backend interface {
	// Exec runs the command until it exits, stdin ends or ctx is done.
	Exec(ctx context.Context, req ExecRequest) error
	// Logs opens a log stream. The caller closes it.
	Logs(ctx context.Context, req LogRequest) (io.ReadCloser, error)
}
