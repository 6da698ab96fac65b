// Package ledger implements race-free accounting for finite resources:
// redeemable codes, per-user entitlements and per-(user, command) usage
// windows. All contended mutation goes through a single atomic
// conditional update in the backing store, so correctness holds across
// processes without any in-process locking.
package ledger

import (
	"errors"
	"time"
)

// Entry kinds. The kind is informational; all kinds share the same
// consumption semantics.
const (
	KindCode        = "code"
	KindEntitlement = "entitlement"
	KindWindow      = "window"
)

var (
	// ErrNoMatch is returned by Store.ConsumeIf when the entry exists
	// but the consume condition did not hold, or the entry is absent.
	// The caller classifies it for user messaging only.
	ErrNoMatch = errors.New("ledger: no matching entry")

	// ErrNotFound is returned by Store.Get for an absent entry.
	ErrNotFound = errors.New("ledger: entry not found")
)

// Entry is a finite, atomically consumable resource record.
type Entry struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Active      bool       `json:"active"`
	MaxUses     int64      `json:"max_uses"` // 0 means unlimited
	CurrentUses int64      `json:"current_uses"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastUsedBy  string     `json:"last_used_by,omitempty"`
}

// Exhausted reports whether the entry has no uses left.
func (e *Entry) Exhausted() bool {
	return e.MaxUses > 0 && e.CurrentUses >= e.MaxUses
}

// Expired reports whether the entry's validity window has passed.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}
