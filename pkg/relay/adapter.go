package relay

import "sync"

// Surface renders session output. Methods are called from the session's
// goroutine in arrival order and must not call back into the session.
type Surface interface {
	WriteOutput(p []byte)
	ShowNotice(n Notice)
}

// InputSink accepts surface input. Session implements it.
type InputSink interface {
	SendInput(p []byte) bool
	Resize(rows, cols uint16) bool
}

// Adapter relays frames between a session and a surface. Detaching it stops
// relaying in both directions but leaves the channel alone; disposing the
// session leaves the adapter alone.
type Adapter struct {
	mu      sync.RWMutex
	surface Surface
	sink    InputSink
}

// NewAdapter creates an adapter attached to surface.
func NewAdapter(surface Surface) *Adapter {
	return &Adapter{surface: surface}
}

// Attach sets the surface that receives output.
func (a *Adapter) Attach(surface Surface) {
	a.mu.Lock()
	a.surface = surface
	a.mu.Unlock()
}

// Bind sets where surface input is forwarded.
func (a *Adapter) Bind(sink InputSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

// Detach drops both the surface and the input sink.
func (a *Adapter) Detach() {
	a.mu.Lock()
	a.surface = nil
	a.sink = nil
	a.mu.Unlock()
}

// Attached reports whether a surface is attached.
func (a *Adapter) Attached() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.surface != nil
}

// Input forwards keystrokes. It reports false when detached or when the
// session dropped the input because it is not connected.
func (a *Adapter) Input(p []byte) bool {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return false
	}
	return sink.SendInput(p)
}

// Resize forwards a terminal geometry change.
func (a *Adapter) Resize(rows, cols uint16) bool {
	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return false
	}
	return sink.Resize(rows, cols)
}

func (a *Adapter) deliver(f Frame) {
	a.mu.RLock()
	surface := a.surface
	a.mu.RUnlock()
	if surface == nil {
		return
	}
	switch f.Kind {
	case FrameOutput:
		surface.WriteOutput(f.Data)
	case FrameNotice:
		surface.ShowNotice(f.Notice)
	}
}

func (a *Adapter) notify(kind NoticeKind, message string) {
	a.deliver(ControlNotice(kind, message))
}
