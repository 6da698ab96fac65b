// Package session implements the per-(channel, user) interaction state
// container: an authoritative in-process hot cache with TTL expiry and
// per-channel capacity limits, mirrored to a durable store for
// cold-start recovery.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCapacityExceeded is returned by Set when the channel already
	// holds the configured number of live sessions and the
	// (channel, user) pair is new.
	ErrCapacityExceeded = errors.New("session: channel capacity exceeded")

	// ErrUnknownKind is returned by Set for a kind with no registered
	// payload schema.
	ErrUnknownKind = errors.New("session: unknown session kind")
)

// Key uniquely identifies a session.
type Key struct {
	Channel string
	User    string
}

func (k Key) String() string {
	return k.Channel + "/" + k.User
}

// Record is a session as held in the hot cache and mirrored to the
// durable store. Payload is the owning command's working data, typed
// per Kind and validated at the write boundary.
type Record struct {
	Key         Key             `json:"-"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	LastTouched time.Time       `json:"last_touched"`
}

// ExpiredAt reports whether the record is past the TTL at now.
func (r *Record) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastTouched) > ttl
}

// PayloadValidator checks a kind's payload at the write boundary.
type PayloadValidator func(payload json.RawMessage) error

// KindRegistry maps session kinds to their payload validators. Writes
// for unregistered kinds are rejected.
type KindRegistry struct {
	validators map[string]PayloadValidator
}

// NewKindRegistry creates an empty registry.
func NewKindRegistry() *KindRegistry {
	return &KindRegistry{validators: make(map[string]PayloadValidator)}
}

// Register adds a kind. A nil validator accepts any payload.
func (r *KindRegistry) Register(kind string, v PayloadValidator) {
	if v == nil {
		v = func(json.RawMessage) error { return nil }
	}
	r.validators[kind] = v
}

// Validate checks a payload against its kind's schema.
func (r *KindRegistry) Validate(kind string, payload json.RawMessage) error {
	v, ok := r.validators[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return v(payload)
}
