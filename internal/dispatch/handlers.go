package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwire/chatwire/internal/ledger"
)

// RedeemHandler consumes a redeemable code and grants the user an
// entitlement when the code is valid.
type RedeemHandler struct {
	// GrantDuration is the entitlement length granted per redeemed
	// code; zero grants permanently.
	GrantDuration time.Duration
}

func (h *RedeemHandler) Name() string { return "redeem" }

// Cooldown throttles brute-force guessing of codes.
func (h *RedeemHandler) Cooldown() (int64, time.Duration) {
	return 5, time.Minute
}

func (h *RedeemHandler) Handle(ctx context.Context, cmd *Context) error {
	if len(cmd.Args) != 1 {
		return cmd.Reply(ctx, "Usage: /redeem <code>")
	}
	code := cmd.Args[0]

	outcome, _, err := cmd.Ledger.Consume(ctx, code, cmd.User)
	if err != nil {
		return err
	}

	switch outcome {
	case ledger.OutcomeConsumed:
		if _, err := cmd.Ledger.Grant(ctx, cmd.User, h.GrantDuration, "redeem:"+code); err != nil {
			return err
		}
		return cmd.Reply(ctx, "Code accepted. Access granted.")
	case ledger.OutcomeExpired:
		return cmd.Reply(ctx, "That code has expired.")
	case ledger.OutcomeExhausted:
		return cmd.Reply(ctx, "That code has already been fully redeemed.")
	default:
		return cmd.Reply(ctx, "Invalid code.")
	}
}

// StatusHandler reports connection and session state.
type StatusHandler struct {
	// PhaseFunc returns the current lifecycle phase label.
	PhaseFunc func() string
}

func (h *StatusHandler) Name() string { return "status" }

func (h *StatusHandler) Cooldown() (int64, time.Duration) {
	return 10, time.Minute
}

func (h *StatusHandler) Handle(ctx context.Context, cmd *Context) error {
	granted, err := cmd.Ledger.HasGrant(ctx, cmd.User)
	if err != nil {
		return err
	}

	access := "no access"
	if granted {
		access = "access granted"
	}

	phase := "unknown"
	if h.PhaseFunc != nil {
		phase = h.PhaseFunc()
	}

	return cmd.Reply(ctx, fmt.Sprintf("Connection: %s. Sessions in this channel: %d. You have %s.",
		phase, cmd.Sessions.ChannelCount(cmd.Channel), access))
}

// CancelHandler clears the caller's active session.
type CancelHandler struct{}

func (h *CancelHandler) Name() string { return "cancel" }

func (h *CancelHandler) Cooldown() (int64, time.Duration) {
	return 0, 0
}

func (h *CancelHandler) Handle(ctx context.Context, cmd *Context) error {
	if _, ok := cmd.Sessions.Get(cmd.Channel, cmd.User); !ok {
		return cmd.Reply(ctx, "Nothing to cancel.")
	}
	cmd.Sessions.Clear(ctx, cmd.Channel, cmd.User)
	return cmd.Reply(ctx, "Session cancelled.")
}
