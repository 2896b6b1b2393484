package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensandbox/podrelay/pkg/types"
)

// State is a session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAcquiringTicket
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringTicket:
		return "acquiring-ticket"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state waits for an explicit reconnect.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateError
}

const defaultTicketTimeout = 30 * time.Second

// TicketIssuer exchanges an intent for a single-use ticket.
// *client.Client implements it.
type TicketIssuer interface {
	AcquireTicket(ctx context.Context, intent types.SessionIntent) (types.Ticket, error)
}

// Deps are the collaborators a session needs.
type Deps struct {
	Issuer    TicketIssuer
	Connector Connector

	// OnStateChange, if set, runs on the session goroutine after every
	// transition. It must not block or call back into the session.
	OnStateChange func(from, to State)

	// TicketTimeout bounds one ticket request. Default 30s.
	TicketTimeout time.Duration
}

func (d Deps) validate() error {
	if d.Issuer == nil {
		return fmt.Errorf("relay: ticket issuer is required")
	}
	if d.Connector == nil {
		return fmt.Errorf("relay: connector is required")
	}
	return nil
}

// Session binds one intent to at most one ticket and one channel at a time.
//
// A single goroutine owns all session state. Public methods and channel
// notifications are funneled into it, so transitions never interleave.
// Notifications and ticket responses are tagged with the attempt that
// produced them; anything from an older attempt, or arriving after Dispose,
// is ignored.
type Session struct {
	id      string
	intent  types.SessionIntent
	deps    Deps
	adapter *Adapter

	ops  chan func()
	done chan struct{}
	stop sync.Once

	// Owned by the session goroutine.
	state     State
	attempt   uint64
	ticket    *types.Ticket
	channel   Channel
	cancelReq context.CancelFunc
	retryable bool
}

// NewSession creates an idle session. Dispose must be called to release it.
func NewSession(intent types.SessionIntent, deps Deps, adapter *Adapter) (*Session, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if adapter == nil {
		adapter = NewAdapter(nil)
	}
	s := &Session{
		id:      uuid.New().String()[:8],
		intent:  intent,
		deps:    deps,
		adapter: adapter,
		ops:     make(chan func()),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.done:
			return
		}
	}
}

// call runs fn on the session goroutine and waits for it. It reports false
// if the session is already disposed.
func (s *Session) call(fn func()) bool {
	finished := make(chan struct{})
	select {
	case s.ops <- func() {
		defer close(finished)
		fn()
	}:
	case <-s.done:
		return false
	}
	<-finished
	return true
}

// post queues fn from a helper goroutine; dropped after Dispose.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.done:
	}
}

// ID is a short identifier used in log lines.
func (s *Session) ID() string { return s.id }

// Intent returns the session's intent.
func (s *Session) Intent() types.SessionIntent { return s.intent }

// State returns the current state; Idle once disposed.
func (s *Session) State() State {
	state := StateIdle
	s.call(func() { state = s.state })
	return state
}

// Retryable reports whether Reconnect would start a new attempt.
func (s *Session) Retryable() bool {
	var retryable bool
	s.call(func() { retryable = s.retryable })
	return retryable
}

// Open starts the first attempt. It is a no-op unless the session is Idle.
func (s *Session) Open() {
	s.call(func() {
		if s.state != StateIdle {
			return
		}
		s.startAttempt()
	})
}

// Reconnect starts a fresh attempt, with a new ticket and a new channel,
// from Disconnected or Error. It is a no-op in any other state.
func (s *Session) Reconnect() {
	s.call(func() {
		if !s.state.Terminal() {
			return
		}
		s.transition(StateReconnecting)
		s.startAttempt()
	})
}

// SendInput writes keystrokes to the channel. Input outside Connected is
// dropped and false is returned.
func (s *Session) SendInput(p []byte) bool {
	return s.send(Input(p))
}

// Resize sends a terminal geometry change. Dropped outside Connected.
func (s *Session) Resize(rows, cols uint16) bool {
	return s.send(Resize(rows, cols))
}

func (s *Session) send(f Frame) bool {
	var sent bool
	s.call(func() {
		if s.state != StateConnected || s.channel == nil {
			return
		}
		sent = s.channel.Send(f)
	})
	return sent
}

// Dispose closes the channel if any, abandons any in-flight ticket request
// and stops the session. It is safe from any state and idempotent.
func (s *Session) Dispose() {
	s.call(func() {
		s.attempt++
		if s.cancelReq != nil {
			s.cancelReq()
			s.cancelReq = nil
		}
		s.closeChannel()
		s.ticket = nil
		s.retryable = false
		s.transition(StateIdle)
		s.stop.Do(func() { close(s.done) })
		log.Printf("relay: session %s: disposed", s.id)
	})
}

func (s *Session) startAttempt() {
	s.attempt++
	attempt := s.attempt
	s.ticket = nil
	s.retryable = false
	s.transition(StateAcquiringTicket)

	timeout := s.deps.TicketTimeout
	if timeout <= 0 {
		timeout = defaultTicketTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	s.cancelReq = cancel

	intent := s.intent
	issuer := s.deps.Issuer
	go func() {
		ticket, err := issuer.AcquireTicket(ctx, intent)
		s.post(func() { s.handleTicket(attempt, ticket, err) })
	}()
}

func (s *Session) handleTicket(attempt uint64, ticket types.Ticket, err error) {
	if attempt != s.attempt || s.state != StateAcquiringTicket {
		return
	}
	if s.cancelReq != nil {
		s.cancelReq()
		s.cancelReq = nil
	}
	if err != nil {
		log.Printf("relay: session %s: %s: %v", s.id, s.intent, err)
		s.settle(StateError, NoticeError, err.Error())
		return
	}

	s.ticket = &ticket
	s.transition(StateConnecting)
	s.channel = s.deps.Connector.Open(context.Background(), ticket, s.intent, &attemptListener{session: s, attempt: attempt})
}

func (s *Session) handleReady(attempt uint64) {
	if attempt != s.attempt || s.state != StateConnecting {
		return
	}
	// The ticket is spent once the channel is up.
	s.ticket = nil
	s.transition(StateConnected)
	s.adapter.notify(NoticeInfo, fmt.Sprintf("connected to %s", s.target()))
}

func (s *Session) handleFrame(attempt uint64, f Frame) {
	if attempt != s.attempt || s.state != StateConnected {
		return
	}
	switch f.Kind {
	case FrameOutput:
		s.adapter.deliver(f)
	case FrameNotice:
		s.adapter.deliver(f)
		if f.Notice.Kind == NoticeClose {
			s.settle(StateDisconnected, "", "")
		}
	case FrameSignal:
		if f.Signal == SignalDisconnected {
			s.settle(StateDisconnected, NoticeClose, "remote side disconnected")
		}
	}
}

func (s *Session) handleClosed(attempt uint64, reason string) {
	if attempt != s.attempt || (s.state != StateConnecting && s.state != StateConnected) {
		return
	}
	s.settle(StateDisconnected, NoticeClose, fmt.Sprintf("connection closed: %s", reason))
}

func (s *Session) handleError(attempt uint64, err error) {
	if attempt != s.attempt || (s.state != StateConnecting && s.state != StateConnected) {
		return
	}
	log.Printf("relay: session %s: %s: %v", s.id, s.intent, err)
	s.settle(StateError, NoticeError, err.Error())
}

// settle ends the current attempt in Disconnected or Error. A non-empty kind
// renders a notice before the transition.
func (s *Session) settle(to State, kind NoticeKind, message string) {
	s.closeChannel()
	s.ticket = nil
	s.retryable = true
	if kind != "" {
		s.adapter.notify(kind, message)
	}
	s.transition(to)
}

func (s *Session) closeChannel() {
	if s.channel == nil {
		return
	}
	ch := s.channel
	s.channel = nil
	if err := ch.Close(); err != nil {
		log.Printf("relay: session %s: close channel: %v", s.id, err)
	}
}

func (s *Session) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	log.Printf("relay: session %s: %s -> %s", s.id, from, to)
	if s.deps.OnStateChange != nil {
		s.deps.OnStateChange(from, to)
	}
}

func (s *Session) target() string {
	target := s.intent.Namespace + "/" + s.intent.PodName
	if s.intent.ContainerName != "" {
		target += " (" + s.intent.ContainerName + ")"
	}
	return target
}

// attemptListener tags channel notifications with the attempt that opened
// the channel.
type attemptListener struct {
	session *Session
	attempt uint64
}

func (l *attemptListener) OnReady() {
	l.session.post(func() { l.session.handleReady(l.attempt) })
}

func (l *attemptListener) OnFrame(f Frame) {
	l.session.post(func() { l.session.handleFrame(l.attempt, f) })
}

func (l *attemptListener) OnClosed(reason string) {
	l.session.post(func() { l.session.handleClosed(l.attempt, reason) })
}

func (l *attemptListener) OnError(err error) {
	l.session.post(func() { l.session.handleError(l.attempt, err) })
}
