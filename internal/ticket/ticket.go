// Package ticket issues and redeems the single-use tickets that authorize a
// websocket upgrade. A ticket is bound to one user, one action and one
// container target, lives for a short TTL and can be consumed exactly once.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensandbox/podrelay/pkg/types"
)

// DefaultTTL is how long an unredeemed ticket stays valid.
const DefaultTTL = 30 * time.Second

// Expired tickets are kept this long past expiry so redemption can report
// ErrExpired rather than ErrInvalid.
const expiredGrace = 5 * time.Minute

var (
	ErrMissing = errors.New("ticket is required")
	ErrInvalid = errors.New("ticket invalid or consumed")
	ErrExpired = errors.New("ticket expired")
)

// Record is what a ticket authorizes.
type Record struct {
	Value     string       `json:"value"`
	Username  string       `json:"username"`
	Role      string       `json:"role"`
	Action    types.Action `json:"action"`
	Namespace string       `json:"namespace"`
	Name      string       `json:"name"`
	Container string       `json:"container"`
	Cluster   string       `json:"cluster"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

// Store holds issued tickets. Take must remove the ticket atomically so that
// concurrent redemptions of one value succeed at most once.
type Store interface {
	Put(ctx context.Context, rec Record, keep time.Duration) error
	Take(ctx context.Context, value string) (Record, bool, error)
	Close() error
}

// Issuer mints and redeems tickets against a Store.
type Issuer struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// NewIssuer creates an issuer. A non-positive ttl means DefaultTTL.
func NewIssuer(store Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{store: store, ttl: ttl, now: time.Now}
}

// TTL returns the ticket lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a ticket for rec. Value and ExpiresAt are filled in.
func (i *Issuer) Issue(ctx context.Context, rec Record) (Record, error) {
	value, err := randomToken(32)
	if err != nil {
		return Record{}, fmt.Errorf("generate ticket: %w", err)
	}
	rec.Value = value
	rec.ExpiresAt = i.now().Add(i.ttl)

	if err := i.store.Put(ctx, rec, i.ttl+expiredGrace); err != nil {
		return Record{}, fmt.Errorf("store ticket: %w", err)
	}
	return rec, nil
}

// Consume redeems a ticket. It succeeds at most once per ticket.
func (i *Issuer) Consume(ctx context.Context, value string) (Record, error) {
	if strings.TrimSpace(value) == "" {
		return Record{}, ErrMissing
	}
	rec, ok, err := i.store.Take(ctx, value)
	if err != nil {
		return Record{}, fmt.Errorf("redeem ticket: %w", err)
	}
	if !ok {
		return Record{}, ErrInvalid
	}
	if i.now().After(rec.ExpiresAt) {
		return Record{}, ErrExpired
	}
	return rec, nil
}

// Close releases the underlying store.
func (i *Issuer) Close() error {
	return i.store.Close()
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
