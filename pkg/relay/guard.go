package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensandbox/podrelay/pkg/types"
)

// Guard ties one session to the lifetime of a surface. Everything a mounted
// surface acquires (the session, its channel and the adapter binding) is
// released by Release or by cancellation of the mount context.
type Guard struct {
	deps    Deps
	adapter *Adapter

	mu       sync.Mutex
	session  *Session
	released bool
	stop     func() bool
}

// Mount starts a session for intent and attaches surface to it. The guard
// releases itself when ctx is done.
func Mount(ctx context.Context, deps Deps, intent types.SessionIntent, surface Surface) (*Guard, error) {
	if err := intent.Validate(); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	g := &Guard{
		deps:    deps,
		adapter: NewAdapter(surface),
	}
	if err := g.start(intent); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.stop = context.AfterFunc(ctx, g.Release)
	g.mu.Unlock()
	return g, nil
}

// Run mounts a guard, calls fn and releases the guard on every exit path,
// including a panic in fn.
func Run(ctx context.Context, deps Deps, intent types.SessionIntent, surface Surface, fn func(ctx context.Context, g *Guard) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, err := Mount(ctx, deps, intent, surface)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx, g)
}

func (g *Guard) start(intent types.SessionIntent) error {
	s, err := NewSession(intent, g.deps, g.adapter)
	if err != nil {
		return err
	}
	g.adapter.Bind(s)
	g.session = s
	s.Open()
	return nil
}

// Session returns the current session, or nil after Release.
func (g *Guard) Session() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Adapter returns the guard's adapter.
func (g *Guard) Adapter() *Adapter { return g.adapter }

// Switch disposes the current session and starts a new one for intent on the
// same surface. The old channel is closed before the new ticket is requested.
func (g *Guard) Switch(intent types.SessionIntent) error {
	if err := intent.Validate(); err != nil {
		return fmt.Errorf("switch: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return fmt.Errorf("switch: guard released")
	}
	if g.session != nil {
		g.adapter.Bind(nil)
		g.session.Dispose()
		g.session = nil
	}
	return g.start(intent)
}

// Reconnect asks the current session for a fresh attempt.
func (g *Guard) Reconnect() {
	if s := g.Session(); s != nil {
		s.Reconnect()
	}
}

// Input forwards keystrokes from the surface.
func (g *Guard) Input(p []byte) bool { return g.adapter.Input(p) }

// Resize forwards a surface geometry change.
func (g *Guard) Resize(rows, cols uint16) bool { return g.adapter.Resize(rows, cols) }

// Release detaches the surface and disposes the session. It is idempotent and
// safe to call concurrently with context cancellation.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	s := g.session
	g.session = nil
	stop := g.stop
	g.mu.Unlock()

	if stop != nil {
		stop()
	}
	g.adapter.Detach()
	if s != nil {
		s.Dispose()
	}
}

// Released reports whether Release has run.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}
