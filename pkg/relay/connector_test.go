package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensandbox/podrelay/pkg/types"
)

type listenerEvent struct {
	kind   string // ready, frame, closed, error
	frame  Frame
	reason string
	err    error
}

type recordingListener struct {
	events chan listenerEvent
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan listenerEvent, 64)}
}

func (l *recordingListener) OnReady()        { l.events <- listenerEvent{kind: "ready"} }
func (l *recordingListener) OnFrame(f Frame) { l.events <- listenerEvent{kind: "frame", frame: f} }
func (l *recordingListener) OnClosed(reason string) {
	l.events <- listenerEvent{kind: "closed", reason: reason}
}
func (l *recordingListener) OnError(err error) { l.events <- listenerEvent{kind: "error", err: err} }

func (l *recordingListener) next(t *testing.T) listenerEvent {
	t.Helper()
	select {
	case e := <-l.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener event")
		return listenerEvent{}
	}
}

func (l *recordingListener) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-l.events:
		t.Fatalf("unexpected listener event %+v", e)
	case <-time.After(d):
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsMessage struct {
	messageType int
	payload     []byte
}

// wsServer upgrades every request, records the query and inbound messages,
// and runs script against the connection.
func wsServer(t *testing.T, script func(conn *websocket.Conn)) (*httptest.Server, chan url.Values, chan wsMessage) {
	t.Helper()
	queries := make(chan url.Values, 4)
	inbound := make(chan wsMessage, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for {
				mt, p, err := conn.ReadMessage()
				if err != nil {
					close(inbound)
					return
				}
				inbound <- wsMessage{mt, p}
			}
		}()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, queries, inbound
}

func TestChannelURL(t *testing.T) {
	ticket := types.Ticket{Value: "abc"}

	got, err := ChannelURL("https://relay.example.com/", ticket, execIntent)
	if err != nil {
		t.Fatalf("ChannelURL: %v", err)
	}
	u, _ := url.Parse(got)
	if u.Scheme != "wss" || u.Path != types.ExecPath {
		t.Errorf("exec URL = %s", got)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"ticket": "abc", "namespace": "demo", "name": "web-0",
		"container": "app", "cluster": "default", "command": "/bin/sh",
	} {
		if q.Get(key) != want {
			t.Errorf("query %s = %q, want %q", key, q.Get(key), want)
		}
	}

	since := int64(60)
	logs := types.LogsIntent("", "demo", "web-0", "", types.LogOptions{Follow: true, TailLines: 100, SinceSeconds: &since})
	got, err = ChannelURL("http://localhost:8080", ticket, logs)
	if err != nil {
		t.Fatalf("ChannelURL: %v", err)
	}
	u, _ = url.Parse(got)
	q = u.Query()
	if u.Scheme != "ws" || u.Path != types.LogsPath {
		t.Errorf("logs URL = %s", got)
	}
	if q.Get("follow") != "true" || q.Get("tailLines") != "100" || q.Get("timestamps") != "false" || q.Get("sinceSeconds") != "60" {
		t.Errorf("logs query = %v", q)
	}
	if q.Has("command") {
		t.Error("logs URL should not carry a command")
	}

	if _, err := ChannelURL("ftp://x", ticket, execIntent); err == nil {
		t.Error("expected error for ftp scheme")
	}
}

func TestWSConnector_ExecRoundTrip(t *testing.T) {
	srv, queries, inbound := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("$ "))
		time.Sleep(200 * time.Millisecond)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
		time.Sleep(50 * time.Millisecond)
	})

	l := newRecordingListener()
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, execIntent, l)
	defer ch.Close()

	if e := l.next(t); e.kind != "ready" {
		t.Fatalf("first event = %+v, want ready", e)
	}
	q := <-queries
	if q.Get("ticket") != "t1" || q.Get("name") != "web-0" {
		t.Errorf("server saw query %v", q)
	}

	if e := l.next(t); e.kind != "frame" || e.frame.Kind != FrameOutput || string(e.frame.Data) != "$ " {
		t.Fatalf("second event = %+v, want output", e)
	}

	if !ch.Send(Input([]byte("ls\r"))) {
		t.Fatal("Send(input) = false")
	}
	if !ch.Send(Resize(40, 120)) {
		t.Fatal("Send(resize) = false")
	}

	msg := <-inbound
	if msg.messageType != websocket.BinaryMessage || string(msg.payload) != "ls\r" {
		t.Errorf("input arrived as (%d, %q)", msg.messageType, msg.payload)
	}
	msg = <-inbound
	var resize types.ResizeMessage
	if msg.messageType != websocket.TextMessage || json.Unmarshal(msg.payload, &resize) != nil {
		t.Fatalf("resize arrived as (%d, %q)", msg.messageType, msg.payload)
	}
	if resize.Rows != 40 || resize.Cols != 120 {
		t.Errorf("resize = %+v", resize)
	}

	e := l.next(t)
	if e.kind != "closed" || e.reason != "session ended" {
		t.Fatalf("final event = %+v, want closed", e)
	}
	if ch.Send(Input([]byte("late"))) {
		t.Error("Send after remote close = true")
	}
}

func TestWSConnector_LogsEnvelopes(t *testing.T) {
	srv, _, _ := wsServer(t, func(conn *websocket.Conn) {
		for _, env := range []types.LogEnvelope{
			{Type: types.LogTypeLog, Data: "line1\n"},
			{Type: types.LogTypeClose, Data: "stream ended"},
		} {
			_ = conn.WriteJSON(env)
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{broken"))
		time.Sleep(100 * time.Millisecond)
	})

	l := newRecordingListener()
	intent := types.LogsIntent("", "demo", "web-0", "", types.LogOptions{Follow: true})
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, intent, l)
	defer ch.Close()

	if e := l.next(t); e.kind != "ready" {
		t.Fatalf("first event = %+v", e)
	}
	if e := l.next(t); e.frame.Kind != FrameOutput || string(e.frame.Data) != "line1\n" {
		t.Errorf("log frame = %+v", e)
	}
	if e := l.next(t); e.frame.Notice != (Notice{Kind: NoticeClose, Message: "stream ended"}) {
		t.Errorf("close frame = %+v", e)
	}
	if e := l.next(t); e.frame.Notice != (Notice{Kind: NoticeError, Message: "malformed frame"}) {
		t.Errorf("malformed frame = %+v", e)
	}
	if ch.Send(Input([]byte("x"))) {
		t.Error("logs channel accepted input")
	}
}

func TestWSConnector_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid or expired ticket"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	l := newRecordingListener()
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "used"}, execIntent, l)
	defer ch.Close()

	e := l.next(t)
	if e.kind != "error" {
		t.Fatalf("event = %+v, want error", e)
	}
	var chErr *ChannelError
	if !errors.As(e.err, &chErr) || chErr.Op != "dial" {
		t.Errorf("error = %v, want dial ChannelError", e.err)
	}
	if !strings.Contains(e.err.Error(), "401") {
		t.Errorf("error %q does not carry the status", e.err)
	}
}

func TestWSConnector_AbnormalClose(t *testing.T) {
	srv, _, _ := wsServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})

	l := newRecordingListener()
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, execIntent, l)
	defer ch.Close()

	if e := l.next(t); e.kind != "ready" {
		t.Fatalf("first event = %+v", e)
	}
	if e := l.next(t); e.kind != "error" {
		t.Fatalf("event = %+v, want error", e)
	}
}

func TestWSConnector_LocalCloseIsSilent(t *testing.T) {
	var once sync.Once
	hold := make(chan struct{})
	srv, _, inbound := wsServer(t, func(conn *websocket.Conn) {
		<-hold
	})
	defer once.Do(func() { close(hold) })

	l := newRecordingListener()
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, execIntent, l)
	if e := l.next(t); e.kind != "ready" {
		t.Fatalf("first event = %+v", e)
	}

	if err := ch.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if ch.Send(Input([]byte("x"))) {
		t.Error("Send after Close = true")
	}

	// The server sees the close handshake.
	for range inbound {
	}
	l.quiet(t, 100*time.Millisecond)
	once.Do(func() { close(hold) })
}

func TestWSConnector_CloseDuringDial(t *testing.T) {
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	l := newRecordingListener()
	ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, execIntent, l)
	time.Sleep(50 * time.Millisecond)
	_ = ch.Close()
	l.quiet(t, 200*time.Millisecond)
}

// closingListener closes its channel from inside the first callback named by
// closeOn, the way a session tears down from within a notification.
type closingListener struct {
	*recordingListener
	closeOn string
	channel chan Channel
	once    sync.Once
}

func (l *closingListener) closeIf(kind string) {
	if kind != l.closeOn {
		return
	}
	l.once.Do(func() { _ = (<-l.channel).Close() })
}

func (l *closingListener) OnReady() {
	l.recordingListener.OnReady()
	l.closeIf("ready")
}

func (l *closingListener) OnFrame(f Frame) {
	l.recordingListener.OnFrame(f)
	l.closeIf("frame")
}

func TestWSConnector_CloseInsideCallback(t *testing.T) {
	for _, closeOn := range []string{"ready", "frame"} {
		t.Run(closeOn, func(t *testing.T) {
			srv, _, _ := wsServer(t, func(conn *websocket.Conn) {
				for i := 0; i < 20; i++ {
					if err := conn.WriteMessage(websocket.BinaryMessage, []byte("out")); err != nil {
						return
					}
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
					time.Now().Add(time.Second))
			})

			l := &closingListener{
				recordingListener: newRecordingListener(),
				closeOn:           closeOn,
				channel:           make(chan Channel, 1),
			}
			ch := NewWSConnector(srv.URL).Open(context.Background(), types.Ticket{Value: "t1"}, execIntent, l)
			l.channel <- ch

			if e := l.next(t); e.kind != "ready" {
				t.Fatalf("first event = %+v", e)
			}
			if closeOn == "frame" {
				if e := l.next(t); e.kind != "frame" {
					t.Fatalf("second event = %+v", e)
				}
			}
			l.quiet(t, 200*time.Millisecond)
			if ch.Send(Input([]byte("x"))) {
				t.Error("Send after Close = true")
			}
		})
	}
}
