package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome classifies a consume result for user messaging. Only
// OutcomeConsumed means the counter moved; the others are normal
// negative results, not errors.
type Outcome int

const (
	OutcomeConsumed Outcome = iota
	OutcomeNotFound
	OutcomeInactive
	OutcomeExpired
	OutcomeExhausted
)

// String returns the outcome label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeConsumed:
		return "consumed"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeInactive:
		return "inactive"
	case OutcomeExpired:
		return "expired"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// WindowDecision is the answer to a cooldown check.
type WindowDecision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// OutcomeCounter observes consume outcomes; wired to a prometheus
// counter vec in production.
type OutcomeCounter interface {
	ObserveConsume(outcome string)
}

// Accountant enforces usage limits on top of a ledger Store. It holds
// no locks of its own: atomicity is delegated to the store's
// conditional update, so it stays correct across processes sharing the
// same backend.
type Accountant struct {
	store   Store
	logger  *zap.Logger
	counter OutcomeCounter
}

// AccountantConfig configures an Accountant.
type AccountantConfig struct {
	Store   Store
	Logger  *zap.Logger
	Counter OutcomeCounter
}

// NewAccountant creates an Accountant.
func NewAccountant(config *AccountantConfig) (*Accountant, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("ledger store is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Accountant{
		store:   config.Store,
		logger:  config.Logger,
		counter: config.Counter,
	}, nil
}

// Consume atomically redeems one use of an entry for userID. A failed
// condition is classified with one follow-up read purely for user
// messaging; the decision itself was already made by the atomic update.
func (a *Accountant) Consume(ctx context.Context, id, userID string) (Outcome, *Entry, error) {
	now := time.Now()

	entry, err := a.store.ConsumeIf(ctx, id, now, userID)
	if err == nil {
		// An entry that just hit its cap is retired so the sweep
		// can collect it.
		if entry.Exhausted() {
			if err := a.store.Deactivate(ctx, id); err != nil {
				a.logger.Warn("failed to deactivate exhausted entry",
					zap.String("id", id), zap.Error(err))
			}
		}

		a.observe(OutcomeConsumed)
		a.logger.Info("ledger entry consumed",
			zap.String("id", id),
			zap.String("user_id", userID),
			zap.Int64("current_uses", entry.CurrentUses),
			zap.Int64("max_uses", entry.MaxUses))
		return OutcomeConsumed, entry, nil
	}

	if err != ErrNoMatch {
		return 0, nil, fmt.Errorf("failed to consume %s: %w", id, err)
	}

	outcome := a.classify(ctx, id, now)
	a.observe(outcome)
	a.logger.Debug("ledger consume rejected",
		zap.String("id", id),
		zap.String("user_id", userID),
		zap.String("outcome", outcome.String()))
	return outcome, nil, nil
}

// Grant upserts a per-user entitlement. duration <= 0 grants
// permanently. Administrator-driven, so plain upsert semantics are
// enough.
func (a *Accountant) Grant(ctx context.Context, userID string, duration time.Duration, grantedBy string) (*Entry, error) {
	now := time.Now()

	entry := &Entry{
		ID:        GrantID(userID),
		Kind:      KindEntitlement,
		Active:    true,
		MaxUses:   0,
		CreatedBy: grantedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if duration > 0 {
		expires := now.Add(duration)
		entry.ExpiresAt = &expires
	}

	if err := a.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to grant %s: %w", userID, err)
	}

	a.logger.Info("entitlement granted",
		zap.String("user_id", userID),
		zap.String("granted_by", grantedBy),
		zap.Duration("duration", duration))
	return entry, nil
}

// HasGrant reports whether the user holds a live entitlement.
func (a *Accountant) HasGrant(ctx context.Context, userID string) (bool, error) {
	entry, err := a.store.Get(ctx, GrantID(userID))
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entry.Active && !entry.Expired(time.Now()), nil
}

// CheckWindow enforces a fixed usage window of limit uses per window
// for a (user, command) pair. Windows are keyed by epoch, so two
// concurrent first uses contend on the same conditional update instead
// of racing a read-then-write.
func (a *Accountant) CheckWindow(ctx context.Context, userID, commandID string, limit int64, window time.Duration) (WindowDecision, error) {
	if limit <= 0 || window <= 0 {
		return WindowDecision{Allowed: true}, nil
	}

	now := time.Now()
	epoch := now.Unix() / int64(window.Seconds())
	windowEnd := time.Unix((epoch+1)*int64(window.Seconds()), 0)
	id := windowID(userID, commandID, epoch)

	fresh := &Entry{
		ID:        id,
		Kind:      KindWindow,
		Active:    true,
		MaxUses:   limit,
		ExpiresAt: &windowEnd,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.InsertIfAbsent(ctx, fresh); err != nil {
		return WindowDecision{}, fmt.Errorf("failed to open usage window: %w", err)
	}

	_, err := a.store.ConsumeIf(ctx, id, now, userID)
	if err == ErrNoMatch {
		return WindowDecision{
			Allowed:    false,
			Reason:     fmt.Sprintf("command %s limited to %d uses per %s", commandID, limit, window),
			RetryAfter: windowEnd.Sub(now),
		}, nil
	}
	if err != nil {
		return WindowDecision{}, fmt.Errorf("failed to check usage window: %w", err)
	}
	return WindowDecision{Allowed: true}, nil
}

// MintCode creates a redeemable code with the given cap and validity.
// maxUses 0 means unlimited, ttl <= 0 means no expiry.
func (a *Accountant) MintCode(ctx context.Context, maxUses int64, ttl time.Duration, createdBy string) (*Entry, error) {
	now := time.Now()

	entry := &Entry{
		ID:        "code:" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Kind:      KindCode,
		Active:    true,
		MaxUses:   maxUses,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}

	if err := a.store.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to mint code: %w", err)
	}

	a.logger.Info("code minted",
		zap.String("id", entry.ID),
		zap.Int64("max_uses", maxUses),
		zap.String("created_by", createdBy))
	return entry, nil
}

// Revoke deactivates an entry explicitly.
func (a *Accountant) Revoke(ctx context.Context, id string) error {
	if err := a.store.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("failed to revoke %s: %w", id, err)
	}
	a.logger.Info("ledger entry revoked", zap.String("id", id))
	return nil
}

// Sweep hard-expires stale entries. Run periodically while connected.
func (a *Accountant) Sweep(ctx context.Context) (int, error) {
	removed, err := a.store.DeleteStale(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep ledger: %w", err)
	}
	if removed > 0 {
		a.logger.Info("stale ledger entries removed", zap.Int("count", removed))
	}
	return removed, nil
}

// classify reads the entry once to name the reason the condition
// failed.
func (a *Accountant) classify(ctx context.Context, id string, now time.Time) Outcome {
	entry, err := a.store.Get(ctx, id)
	if err != nil {
		return OutcomeNotFound
	}
	// An exhausted entry may also have been auto-deactivated; report
	// it as exhausted, not revoked.
	switch {
	case entry.Exhausted():
		return OutcomeExhausted
	case !entry.Active:
		return OutcomeInactive
	case entry.Expired(now):
		return OutcomeExpired
	default:
		return OutcomeExhausted
	}
}

func (a *Accountant) observe(o Outcome) {
	if a.counter != nil {
		a.counter.ObserveConsume(o.String())
	}
}

// GrantID is the ledger id of a user's entitlement entry.
func GrantID(userID string) string {
	return "grant:" + userID
}

func windowID(userID, commandID string, epoch int64) string {
	return fmt.Sprintf("window:%s:%s:%d", userID, commandID, epoch)
}
