package audit

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestStamp(t *testing.T) {
	e := stamp(Event{Type: TypeSessionOpened})
	if e.ID == "" {
		t.Error("expected generated ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e = stamp(Event{ID: "keep", Timestamp: fixed})
	if e.ID != "keep" || !e.Timestamp.Equal(fixed) {
		t.Errorf("stamp overwrote fields: %+v", e)
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(Event{Type: TypeSessionClosed}); got != "podrelay.audit.session.closed" {
		t.Errorf("Subject = %s", got)
	}
}

func TestPublisher(t *testing.T) {
	url := os.Getenv("PODRELAY_TEST_NATS_URL")
	if url == "" {
		t.Skip("PODRELAY_TEST_NATS_URL not set")
	}

	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync(subjectPrefix + ">")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p, err := NewPublisher(url)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	p.Start()
	p.Record(Event{Type: TypeTicketIssued, Username: "alice", Namespace: "demo", Name: "web-0"})
	p.Stop()

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("no audit message: %v", err)
	}
	var e Event
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Type != TypeTicketIssued || e.Username != "alice" {
		t.Errorf("unexpected event %+v", e)
	}
}
