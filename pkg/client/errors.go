package client

import (
	"errors"
	"fmt"
)

// ErrNoTicket is returned when the server answers 2xx without a ticket.
var ErrNoTicket = errors.New("response carried no ticket")

// TicketError reports a failed ticket request: transport failure, non-2xx
// status, or an unusable body. StatusCode is 0 when no response arrived.
type TicketError struct {
	StatusCode int
	Err        error
}

func (e *TicketError) Error() string {
	return fmt.Sprintf("ticket request failed: %v", e.Err)
}

func (e *TicketError) Unwrap() error {
	return e.Err
}
