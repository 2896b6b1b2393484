package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/opensandbox/podrelay/pkg/types"
)

func TestMount_ReleaseDisposesSession(t *testing.T) {
	h := newHarness()
	surface := &recordingSurface{}

	g, err := Mount(context.Background(), h.deps(), execIntent, surface)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	s := g.Session()
	ch := h.channel(t, 0)
	ch.listener.OnReady()

	if !g.Input([]byte("ls\r")) {
		t.Error("input through the guard was dropped while connected")
	}

	g.Release()
	g.Release()

	if !g.Released() {
		t.Error("guard not marked released")
	}
	if g.Session() != nil {
		t.Error("session still attached after release")
	}
	if ch.closeCount() != 1 {
		t.Errorf("channel closed %d times, want 1", ch.closeCount())
	}
	if s.State() != StateIdle {
		t.Errorf("session state = %s, want idle", s.State())
	}
	if g.Adapter().Attached() {
		t.Error("surface still attached after release")
	}
	if g.Input([]byte("x")) {
		t.Error("input accepted after release")
	}
}

func TestMount_ContextCancelReleases(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())

	g, err := Mount(ctx, h.deps(), execIntent, &recordingSurface{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	ch := h.channel(t, 0)
	ch.listener.OnReady()

	cancel()
	eventually(t, g.Released, "guard release on cancel")
	eventually(t, func() bool { return ch.closeCount() == 1 }, "channel close")
}

func TestMount_RejectsInvalidIntent(t *testing.T) {
	h := newHarness()
	bad := types.ExecIntent("default", "", "web-0", "")
	if _, err := Mount(context.Background(), h.deps(), bad, &recordingSurface{}); err == nil {
		t.Fatal("expected error for intent without namespace")
	}
	if n := h.ticketCalls(); n != 0 {
		t.Errorf("ticket requests = %d, want 0", n)
	}
}

func TestGuard_SwitchTearsDownFirst(t *testing.T) {
	h := newHarness()
	surface := &recordingSurface{}
	g, err := Mount(context.Background(), h.deps(), execIntent, surface)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer g.Release()

	first := h.channel(t, 0)
	first.listener.OnReady()
	old := g.Session()

	next := types.LogsIntent("default", "demo", "web-1", "", types.LogOptions{Follow: true})
	if err := g.Switch(next); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	second := h.channel(t, 1)

	if old.State() != StateIdle {
		t.Errorf("old session state = %s, want idle", old.State())
	}
	if second.intent.PodName != "web-1" || second.intent.Action != types.ActionLogs {
		t.Errorf("second channel intent = %+v", second.intent)
	}

	want := []string{"ticket 1", "open t1", "close t1", "ticket 2", "open t2"}
	if got := h.eventLog(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	// Stale frames from the first channel never reach the surface.
	first.listener.OnFrame(Output([]byte("old")))
	second.listener.OnReady()
	second.listener.OnFrame(Output([]byte("new")))
	eventually(t, func() bool { return surface.text() == "new" }, "output from new session")
}

func TestGuard_SwitchAfterRelease(t *testing.T) {
	h := newHarness()
	g, err := Mount(context.Background(), h.deps(), execIntent, &recordingSurface{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	g.Release()
	if err := g.Switch(execIntent); err == nil {
		t.Fatal("expected error switching a released guard")
	}
}

func TestRun_ReleasesOnError(t *testing.T) {
	h := newHarness()
	boom := errors.New("boom")
	var inside *Guard

	err := Run(context.Background(), h.deps(), execIntent, &recordingSurface{}, func(ctx context.Context, g *Guard) error {
		inside = g
		ch := h.channel(t, 0)
		ch.listener.OnReady()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if !inside.Released() {
		t.Error("guard not released after Run returned")
	}
	if ch := h.channel(t, 0); ch.closeCount() != 1 {
		t.Errorf("channel closed %d times, want 1", ch.closeCount())
	}
}

func TestRun_ReleasesOnPanic(t *testing.T) {
	h := newHarness()
	var inside *Guard

	func() {
		defer func() { _ = recover() }()
		_ = Run(context.Background(), h.deps(), execIntent, &recordingSurface{}, func(ctx context.Context, g *Guard) error {
			inside = g
			panic("surface crashed")
		})
	}()

	if inside == nil || !inside.Released() {
		t.Fatal("guard not released after panic")
	}
}

func TestGuard_ReconnectAfterDisconnect(t *testing.T) {
	h := newHarness()
	g, err := Mount(context.Background(), h.deps(), execIntent, &recordingSurface{})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	defer g.Release()

	first := h.channel(t, 0)
	first.listener.OnReady()
	first.listener.OnClosed("bye")

	g.Reconnect()
	second := h.channel(t, 1)
	if second.ticket.Value != "t2" {
		t.Errorf("reconnect ticket = %q, want t2", second.ticket.Value)
	}
}
