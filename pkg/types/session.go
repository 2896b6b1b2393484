package types

import (
	"fmt"
	"strings"
	"time"
)

// Action selects what a relay session opens against a container.
type Action string

const (
	ActionExec Action = "exec"
	ActionLogs Action = "logs"
)

// DefaultExecCommand is used when an exec intent names no command.
const DefaultExecCommand = "/bin/sh"

// Log defaults applied when a logs intent leaves them unset.
const (
	DefaultTailLines int64 = 100
)

// LogOptions tune a log streaming session.
type LogOptions struct {
	Follow       bool   `json:"follow"`
	TailLines    int64  `json:"tailLines"`
	Timestamps   bool   `json:"timestamps"`
	SinceSeconds *int64 `json:"sinceSeconds,omitempty"`
}

// SessionIntent describes what a session opens. It is a value type: callers
// pass copies around and nothing mutates it after the session is created.
type SessionIntent struct {
	Action        Action     `json:"action"`
	Cluster       string     `json:"cluster"`
	Namespace     string     `json:"namespace"`
	PodName       string     `json:"podName"`
	ContainerName string     `json:"containerName,omitempty"`
	Command       string     `json:"command,omitempty"` // exec only, default /bin/sh
	Logs          LogOptions `json:"logs"`              // logs only
}

// ExecIntent builds an exec intent with the default shell.
func ExecIntent(cluster, namespace, pod, container string) SessionIntent {
	return SessionIntent{
		Action:        ActionExec,
		Cluster:       cluster,
		Namespace:     namespace,
		PodName:       pod,
		ContainerName: container,
		Command:       DefaultExecCommand,
	}
}

// LogsIntent builds a log streaming intent.
func LogsIntent(cluster, namespace, pod, container string, opts LogOptions) SessionIntent {
	return SessionIntent{
		Action:        ActionLogs,
		Cluster:       cluster,
		Namespace:     namespace,
		PodName:       pod,
		ContainerName: container,
		Logs:          opts,
	}
}

// Validate checks the fields the ticket endpoint requires.
func (i SessionIntent) Validate() error {
	switch i.Action {
	case ActionExec, ActionLogs:
	default:
		return fmt.Errorf("unsupported action %q", i.Action)
	}
	if strings.TrimSpace(i.Namespace) == "" || strings.TrimSpace(i.PodName) == "" {
		return fmt.Errorf("namespace and pod name are required")
	}
	return nil
}

// String is used in log lines.
func (i SessionIntent) String() string {
	target := i.Namespace + "/" + i.PodName
	if i.ContainerName != "" {
		target += ":" + i.ContainerName
	}
	cluster := i.Cluster
	if cluster == "" {
		cluster = "-"
	}
	return fmt.Sprintf("%s %s@%s", i.Action, target, cluster)
}

// Ticket is a short-lived, single-use credential for one channel open.
type Ticket struct {
	Value     string
	ExpiresAt time.Time
}

// TicketRequest is the body of POST /api/v1/ws/ticket. Cluster has no
// omitempty: the server must always see it, even when empty.
type TicketRequest struct {
	Action    string `json:"action"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Container string `json:"container"`
	Cluster   string `json:"cluster"`
}

// TicketResponse is returned by the ticket endpoint.
type TicketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewTicketRequest maps an intent onto the ticket request body.
func NewTicketRequest(i SessionIntent) TicketRequest {
	return TicketRequest{
		Action:    string(i.Action),
		Namespace: i.Namespace,
		Name:      i.PodName,
		Container: i.ContainerName,
		Cluster:   i.Cluster,
	}
}
