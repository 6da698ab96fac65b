// Package transport defines the boundary to the remote messaging service.
// The bot core only depends on the Transport and Handle interfaces; the
// production implementation speaks JSON frames over a websocket.
package transport

import (
	"context"
	"encoding/json"
)

// EventType identifies an inbound transport event.
type EventType string

const (
	// EventPairingChallenge carries a pairing code the operator must
	// approve before the credentials become valid.
	EventPairingChallenge EventType = "pairing-challenge"

	// EventOpen signals the session is authenticated and live.
	EventOpen EventType = "open"

	// EventClose signals the session dropped. Recoverable tells the
	// lifecycle manager whether a reconnect may succeed.
	EventClose EventType = "close"

	// EventMessage carries an inbound user message.
	EventMessage EventType = "message"
)

// Event is an inbound transport event. Fields are populated depending on
// Type; unused fields are zero.
type Event struct {
	Type EventType

	// Pairing challenge
	Challenge string

	// Close
	Reason      string
	Recoverable bool

	// Message
	Channel string
	From    string
	Payload json.RawMessage
}

// Credentials is the opaque credential blob negotiated with the remote
// service, plus a revision counter for write-through persistence.
type Credentials struct {
	Blob     []byte `json:"blob"`
	Revision int64  `json:"revision"`
}

// IsZero reports whether the bundle has never been paired.
func (c Credentials) IsZero() bool {
	return len(c.Blob) == 0
}

// Handle is a live transport session. A Handle is single-use: once its
// event channel closes the handle is dead and must be released.
type Handle interface {
	// Send delivers a payload to a channel. It fails once the
	// underlying session is gone.
	Send(ctx context.Context, channel string, payload []byte) error

	// Events returns the inbound event stream. The channel is closed
	// after a close event has been delivered.
	Events() <-chan Event

	// Close releases the session. Safe to call more than once.
	Close() error
}

// Transport establishes sessions against the remote messaging service.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) (Handle, error)
}
