package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensandbox/podrelay/pkg/types"
)

const (
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
	closeWait        = time.Second
)

// Listener receives channel lifecycle notifications: OnReady, then any number
// of OnFrame, then exactly one of OnClosed or OnError. Notifications for one
// channel arrive from a single goroutine, in transport order.
type Listener interface {
	OnReady()
	OnFrame(f Frame)
	OnClosed(reason string)
	OnError(err error)
}

// Channel is an open (or opening) duplex connection to a container.
type Channel interface {
	// Send encodes and writes one frame. It reports false instead of failing
	// when the channel is not open or the frame cannot be carried.
	Send(f Frame) bool
	// Close ends the channel. It is idempotent. No notification starts after
	// Close returns; one already running on the channel's goroutine may still
	// finish, so listeners shared across channels must tolerate a late call.
	// Close from inside a callback suppresses every later notification.
	Close() error
}

// Connector opens channels. Open returns immediately; readiness is reported
// through the listener, never synchronously from within Open.
type Connector interface {
	Open(ctx context.Context, ticket types.Ticket, intent types.SessionIntent, l Listener) Channel
}

// WSConnector opens websocket channels against a podrelay server.
type WSConnector struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header
}

// NewWSConnector creates a connector for the server at baseURL (http or https).
// The Origin header is set to baseURL so the server's origin check passes.
func NewWSConnector(baseURL string) *WSConnector {
	baseURL = strings.TrimRight(baseURL, "/")
	header := http.Header{}
	header.Set("Origin", baseURL)
	return &WSConnector{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		header: header,
	}
}

// Open starts dialing on a new goroutine and returns the channel handle.
func (c *WSConnector) Open(ctx context.Context, ticket types.Ticket, intent types.SessionIntent, l Listener) Channel {
	ctx, cancel := context.WithCancel(ctx)
	ch := &wsChannel{
		codec:    CodecFor(intent.Action),
		listener: l,
		cancel:   cancel,
	}

	target, err := ChannelURL(c.baseURL, ticket, intent)
	if err != nil {
		go ch.notify(func() { l.OnError(&ChannelError{Op: "dial", Err: err}) })
		return ch
	}

	go ch.run(ctx, c.dialer, target, c.header.Clone())
	return ch
}

// ChannelURL builds the websocket address for a ticket and intent.
func ChannelURL(baseURL string, ticket types.Ticket, intent types.SessionIntent) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	q := url.Values{}
	q.Set("ticket", ticket.Value)
	q.Set("namespace", intent.Namespace)
	q.Set("name", intent.PodName)
	q.Set("container", intent.ContainerName)
	q.Set("cluster", intent.Cluster)

	switch intent.Action {
	case types.ActionExec:
		u.Path = strings.TrimRight(u.Path, "/") + types.ExecPath
		command := intent.Command
		if command == "" {
			command = types.DefaultExecCommand
		}
		q.Set("command", command)
	case types.ActionLogs:
		u.Path = strings.TrimRight(u.Path, "/") + types.LogsPath
		q.Set("follow", strconv.FormatBool(intent.Logs.Follow))
		q.Set("tailLines", strconv.FormatInt(intent.Logs.TailLines, 10))
		q.Set("timestamps", strconv.FormatBool(intent.Logs.Timestamps))
		if intent.Logs.SinceSeconds != nil {
			q.Set("sinceSeconds", strconv.FormatInt(*intent.Logs.SinceSeconds, 10))
		}
	default:
		return "", fmt.Errorf("unsupported action %q", intent.Action)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	codec    Codec
	listener Listener
	cancel   context.CancelFunc

	mu     sync.Mutex // guards conn, open, closed
	conn   *websocket.Conn
	open   bool
	closed bool

	writeMu sync.Mutex // gorilla allows one concurrent writer
}

func (c *wsChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// notify runs fn unless the channel was closed. The listener may call back
// into the session, which may call Close, so fn runs without c.mu held.
func (c *wsChannel) notify(fn func()) bool {
	if c.isClosed() {
		return false
	}
	fn()
	return true
}

func (c *wsChannel) run(ctx context.Context, dialer *websocket.Dialer, target string, header http.Header) {
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.notify(func() { c.listener.OnError(&ChannelError{Op: "dial", Err: err}) })
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.open = true
	c.mu.Unlock()

	if !c.notify(c.listener.OnReady) {
		return
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.closed
			c.open = false
			c.mu.Unlock()
			if local {
				return
			}
			conn.Close()

			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && (closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				c.notify(func() { c.listener.OnClosed(closeReason(closeErr)) })
				return
			}
			c.notify(func() { c.listener.OnError(&ChannelError{Op: "read", Err: err}) })
			return
		}
		f := c.codec.Decode(messageType, payload)
		if !c.notify(func() { c.listener.OnFrame(f) }) {
			return
		}
	}
}

func closeReason(err *websocket.CloseError) string {
	if err.Text != "" {
		return err.Text
	}
	if err.Code == websocket.CloseGoingAway {
		return "server going away"
	}
	return "closed by server"
}

func (c *wsChannel) Send(f Frame) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.open && !c.closed
	c.mu.Unlock()
	if !ok {
		return false
	}

	messageType, payload, err := c.codec.Encode(f)
	if err != nil {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(messageType, payload); err != nil {
		log.Printf("relay: write %s frame: %v", f.Kind, err)
		return false
	}
	return true
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	return conn.Close()
}
