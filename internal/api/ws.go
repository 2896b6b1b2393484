package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/opensandbox/podrelay/internal/audit"
	"github.com/opensandbox/podrelay/internal/backend"
	"github.com/opensandbox/podrelay/internal/metrics"
	"github.com/opensandbox/podrelay/internal/ticket"
	"github.com/opensandbox/podrelay/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	// Origin is checked by wsAuthMiddleware before the upgrade.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsConn serializes writes to a websocket. Control frames go through
// WriteControl, which gorilla allows concurrently.
type wsConn struct {
	conn   *websocket.Conn
	action types.Action
	mu     sync.Mutex
}

func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsConn) writeEnvelope(typ, data string) error {
	msg, err := json.Marshal(types.LogEnvelope{Type: typ, Data: data})
	if err != nil {
		return err
	}
	return w.write(websocket.TextMessage, msg)
}

// Write sends p as one binary message. It makes wsConn the exec stdout.
func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.write(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	metrics.RelayBytesTotal.WithLabelValues(string(w.action), "out").Add(float64(len(p)))
	return len(p), nil
}

func (w *wsConn) closeNormal(reason string) {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
}

// keepalive pings until ctx ends. A failed ping ends the session.
func (w *wsConn) keepalive(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

// readLoop hands every data message to fn until the peer goes away or fn
// returns false. Pongs extend the read deadline.
func (w *wsConn) readLoop(fn func(messageType int, msg []byte) bool) {
	_ = w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, msg, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("api: %s websocket read: %v", w.action, err)
			}
			return
		}
		if !fn(mt, msg) {
			return
		}
	}
}

// targetFor builds the backend target from a consumed ticket. A container
// omitted at issue may still be chosen on the query.
func targetFor(c echo.Context, rec ticket.Record) backend.Target {
	cluster := rec.Cluster
	if cluster == "" {
		cluster = requestCluster(c)
	}
	container := rec.Container
	if container == "" {
		container = c.QueryParam("container")
	}
	return backend.Target{
		Cluster:   cluster,
		Namespace: rec.Namespace,
		Pod:       rec.Name,
		Container: container,
	}
}

func (s *Server) sessionEvent(typ string, rec ticket.Record, target backend.Target, c echo.Context) audit.Event {
	return audit.Event{
		Type:      typ,
		Username:  rec.Username,
		Action:    string(rec.Action),
		Cluster:   target.Cluster,
		Namespace: target.Namespace,
		Name:      target.Pod,
		Container: target.Container,
		RemoteIP:  c.RealIP(),
	}
}

// parseResize reports whether a text message is a resize control frame.
func parseResize(msg []byte) (backend.TerminalSize, bool) {
	var rm types.ResizeMessage
	if err := json.Unmarshal(msg, &rm); err != nil || rm.Type != types.ResizeType {
		return backend.TerminalSize{}, false
	}
	if rm.Rows == 0 || rm.Cols == 0 {
		return backend.TerminalSize{}, false
	}
	return backend.TerminalSize{Rows: rm.Rows, Cols: rm.Cols}, true
}

// pushSize replaces any pending size; only the latest matters.
func pushSize(ch chan backend.TerminalSize, size backend.TerminalSize) {
	for {
		select {
		case ch <- size:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// execCommand splits the requested command. Empty and the default shell
// return nil so the backend runs its own shell.
func execCommand(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 || (len(fields) == 1 && fields[0] == types.DefaultExecCommand) {
		return nil
	}
	return fields
}

func (s *Server) execWebSocket(c echo.Context) error {
	rec, ok := getTicket(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "ticket is required"})
	}
	target := targetFor(c, rec)
	command := execCommand(c.QueryParam("command"))

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	conn := &wsConn{conn: ws, action: types.ActionExec}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finish := metrics.TrackSession(string(types.ActionExec), target.Cluster)
	s.audit.Record(s.sessionEvent(audit.TypeSessionOpened, rec, target, c))
	start := time.Now()
	log.Printf("api: exec %s/%s (%s) on %s by %s", target.Namespace, target.Pod, target.Container, target.Cluster, rec.Username)

	stdinR, stdinW := io.Pipe()
	resize := make(chan backend.TerminalSize, 1)

	go conn.keepalive(ctx, cancel)
	go func() {
		defer cancel()
		defer stdinW.Close()
		conn.readLoop(func(mt int, msg []byte) bool {
			if mt == websocket.TextMessage {
				if size, ok := parseResize(msg); ok {
					pushSize(resize, size)
					return true
				}
			}
			metrics.RelayBytesTotal.WithLabelValues(string(types.ActionExec), "in").Add(float64(len(msg)))
			_, err := stdinW.Write(msg)
			return err == nil
		})
	}()

	err = s.backend.Exec(ctx, backend.ExecRequest{
		Target:  target,
		Command: command,
		Stdin:   stdinR,
		Stdout:  conn,
		Resize:  resize,
	})
	stdinR.Close()

	result := "ok"
	if err != nil && ctx.Err() == nil {
		result = "error"
		log.Printf("api: exec %s/%s: %v", target.Namespace, target.Pod, err)
		_ = conn.write(websocket.TextMessage, []byte(fmt.Sprintf("\r\nSession ended: %v\r\n", err)))
	}
	conn.closeNormal("")

	finish(result)
	ev := s.sessionEvent(audit.TypeSessionClosed, rec, target, c)
	ev.Result = result
	ev.Duration = time.Since(start).Seconds()
	s.audit.Record(ev)
	return nil
}

// logRequest reads the log options from the query. follow defaults to true.
// tailLines defaults to 100 when absent or invalid; 0 means the whole log.
func logRequest(c echo.Context, target backend.Target) backend.LogRequest {
	req := backend.LogRequest{
		Target:    target,
		Follow:    true,
		TailLines: types.DefaultTailLines,
	}
	if v, err := strconv.ParseBool(c.QueryParam("follow")); err == nil {
		req.Follow = v
	}
	if v, err := strconv.ParseInt(c.QueryParam("tailLines"), 10, 64); err == nil && v >= 0 {
		req.TailLines = v
	}
	if v, err := strconv.ParseBool(c.QueryParam("timestamps")); err == nil {
		req.Timestamps = v
	}
	if v, err := strconv.ParseInt(c.QueryParam("sinceSeconds"), 10, 64); err == nil && v > 0 {
		req.SinceSeconds = &v
	}
	return req
}

func (s *Server) logsWebSocket(c echo.Context) error {
	rec, ok := getTicket(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "ticket is required"})
	}
	target := targetFor(c, rec)
	req := logRequest(c, target)

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	conn := &wsConn{conn: ws, action: types.ActionLogs}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finish := metrics.TrackSession(string(types.ActionLogs), target.Cluster)
	s.audit.Record(s.sessionEvent(audit.TypeSessionOpened, rec, target, c))
	start := time.Now()

	go conn.keepalive(ctx, cancel)
	go func() {
		defer cancel()
		conn.readLoop(func(int, []byte) bool { return true })
	}()

	result := s.streamLogs(ctx, conn, req)
	conn.closeNormal("")

	finish(result)
	ev := s.sessionEvent(audit.TypeSessionClosed, rec, target, c)
	ev.Result = result
	ev.Duration = time.Since(start).Seconds()
	s.audit.Record(ev)
	return nil
}

// streamLogs relays one log line per envelope, newline included, and reports
// the session result. Lines have no length limit.
func (s *Server) streamLogs(ctx context.Context, conn *wsConn, req backend.LogRequest) string {
	stream, err := s.backend.Logs(ctx, req)
	if err != nil {
		msg := "Failed to get logs: " + err.Error()
		if errors.Is(err, backend.ErrNotFound) {
			msg = "Pod not found"
		}
		_ = conn.writeEnvelope(types.LogTypeError, msg)
		return "error"
	}
	// Closing the stream unblocks the reader when the client leaves.
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()
	defer stream.Close()

	if err := conn.writeEnvelope(types.LogTypeConnected, req.Namespace+"/"+req.Pod); err != nil {
		return "ok"
	}

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			if werr := conn.writeEnvelope(types.LogTypeLog, line); werr != nil {
				return "ok"
			}
			metrics.RelayBytesTotal.WithLabelValues(string(types.ActionLogs), "out").Add(float64(len(line)))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return "ok"
			}
			_ = conn.writeEnvelope(types.LogTypeError, "Error reading logs: "+err.Error())
			return "error"
		}
	}
	if ctx.Err() != nil {
		return "ok"
	}
	_ = conn.writeEnvelope(types.LogTypeClose, "Stream ended")
	return "ok"
}
