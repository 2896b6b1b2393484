// Package audit records relay session activity. Events go to NATS JetStream
// when configured and are otherwise dropped.
package audit

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types.
const (
	TypeTicketIssued  = "ticket.issued"
	TypeSessionOpened = "session.opened"
	TypeSessionClosed = "session.closed"
)

const (
	streamName    = "PODRELAY_AUDIT"
	subjectPrefix = "podrelay.audit."
	queueSize     = 1024
)

// Event is the JSON payload published for each audited action.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Cluster   string    `json:"cluster"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	Container string    `json:"container,omitempty"`
	RemoteIP  string    `json:"remote_ip,omitempty"`
	Result    string    `json:"result,omitempty"`
	Duration  float64   `json:"duration_seconds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Recorder accepts audit events. Record must not block the caller.
type Recorder interface {
	Record(e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Publisher publishes events to NATS JetStream from a background goroutine.
type Publisher struct {
	nc    *nats.Conn
	js    nats.JetStreamContext
	queue chan Event
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPublisher connects to NATS and ensures the audit stream exists.
func NewPublisher(natsURL string) (*Publisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("podrelay-server"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   30 * 24 * time.Hour,
	})
	if err != nil {
		// Stream may already exist
		log.Printf("audit: stream setup: %v", err)
	}

	return &Publisher{
		nc:    nc,
		js:    js,
		queue: make(chan Event, queueSize),
		stop:  make(chan struct{}),
	}, nil
}

// Start begins publishing queued events.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case e := <-p.queue:
				p.publish(e)
			case <-p.stop:
				// Final flush
				for {
					select {
					case e := <-p.queue:
						p.publish(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop flushes queued events and closes the NATS connection.
func (p *Publisher) Stop() {
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		p.nc.Close()
	})
}

// Record queues e. Events are dropped when the queue is full.
func (p *Publisher) Record(e Event) {
	e = stamp(e)
	select {
	case p.queue <- e:
	default:
		log.Printf("audit: queue full, dropping %s event %s", e.Type, e.ID)
	}
}

func (p *Publisher) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("audit: marshal %s: %v", e.Type, err)
		return
	}
	if _, err := p.js.Publish(Subject(e), data); err != nil {
		log.Printf("audit: publish %s event %s: %v", e.Type, e.ID, err)
	}
}

// Subject is the NATS subject for e, e.g. podrelay.audit.session.opened.
func Subject(e Event) string {
	return subjectPrefix + e.Type
}

func stamp(e Event) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
