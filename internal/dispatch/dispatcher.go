// Package dispatch routes inbound transport events to per-command
// handlers. Each event runs in its own goroutine; ordering for a
// single (channel, user) pair is whatever the transport delivers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatwire/chatwire/internal/ledger"
	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/session"
	"github.com/chatwire/chatwire/internal/transport"
)

// Sender delivers outbound payloads. Implemented by the lifecycle
// manager in production.
type Sender interface {
	Send(ctx context.Context, channel string, payload []byte) error
}

// messageBody is the inbound and outbound message payload format.
type messageBody struct {
	Text string `json:"text"`
}

// Context carries everything a command handler may touch.
type Context struct {
	Channel string
	User    string
	Args    []string

	Sessions *session.Manager
	Ledger   *ledger.Accountant

	reply func(ctx context.Context, text string) error
}

// Reply sends a text reply to the originating channel, throttled by
// the dispatcher's outbound limiter.
func (c *Context) Reply(ctx context.Context, text string) error {
	return c.reply(ctx, text)
}

// Handler is a command implementation.
type Handler interface {
	// Name is the command verb, without the prefix.
	Name() string

	// Cooldown returns the per-user usage limit for this command;
	// limit 0 disables the check.
	Cooldown() (limit int64, window time.Duration)

	// Handle runs the command.
	Handle(ctx context.Context, cmd *Context) error
}

// Dispatcher routes message events to handlers and enforces per-user
// usage windows before a handler runs.
type Dispatcher struct {
	sessions *session.Manager
	ledger   *ledger.Accountant
	sender   Sender
	logger   *zap.Logger
	mx       *metrics.Metrics
	limiter  *rate.Limiter
	prefix   string

	handlers map[string]Handler
	wg       sync.WaitGroup
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Sessions *session.Manager
	Ledger   *ledger.Accountant
	Sender   Sender
	Logger   *zap.Logger
	Metrics  *metrics.Metrics

	// Prefix marks command messages; defaults to "/".
	Prefix string

	// SendRate and SendBurst throttle outbound replies so a busy
	// channel cannot flood the broker. Zero values disable the
	// throttle.
	SendRate  float64
	SendBurst int
}

// NewDispatcher creates a dispatcher with no handlers registered.
func NewDispatcher(config *DispatcherConfig) (*Dispatcher, error) {
	if config.Sessions == nil || config.Ledger == nil || config.Sender == nil {
		return nil, fmt.Errorf("sessions, ledger and sender are required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Prefix == "" {
		config.Prefix = "/"
	}

	limit := rate.Inf
	if config.SendRate > 0 {
		limit = rate.Limit(config.SendRate)
	}
	burst := config.SendBurst
	if burst <= 0 {
		burst = 1
	}

	return &Dispatcher{
		sessions: config.Sessions,
		ledger:   config.Ledger,
		sender:   config.Sender,
		logger:   config.Logger,
		mx:       config.Metrics,
		limiter:  rate.NewLimiter(limit, burst),
		prefix:   config.Prefix,
		handlers: make(map[string]Handler),
	}, nil
}

// Register adds a handler. Later registrations with the same name win.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[strings.ToLower(h.Name())] = h
}

// HandleEvent is the lifecycle manager's event sink. Message events
// spawn a worker goroutine; everything else is counted and dropped
// here.
func (d *Dispatcher) HandleEvent(ev transport.Event) {
	if d.mx != nil {
		d.mx.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
	}

	if ev.Type != transport.EventMessage {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(ev)
	}()
}

// Wait blocks until all in-flight handlers have finished. Used during
// shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			if d.mx != nil {
				d.mx.HandlerPanics.Inc()
			}
			d.logger.Error("handler panic recovered",
				zap.String("channel", ev.Channel),
				zap.String("user", ev.From),
				zap.Any("panic", r))
		}
	}()

	var body messageBody
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		d.logger.Debug("undecodable message payload",
			zap.String("channel", ev.Channel), zap.Error(err))
		return
	}

	text := strings.TrimSpace(body.Text)
	if !strings.HasPrefix(text, d.prefix) {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(text, d.prefix))
	if len(fields) == 0 {
		return
	}
	verb := strings.ToLower(fields[0])

	handler, ok := d.handlers[verb]
	if !ok {
		d.logger.Debug("unknown command",
			zap.String("command", verb),
			zap.String("user", ev.From))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := &Context{
		Channel:  ev.Channel,
		User:     ev.From,
		Args:     fields[1:],
		Sessions: d.sessions,
		Ledger:   d.ledger,
		reply:    d.replyTo(ev.Channel),
	}

	if limit, window := handler.Cooldown(); limit > 0 {
		decision, err := d.ledger.CheckWindow(ctx, ev.From, verb, limit, window)
		if err != nil {
			d.logger.Error("cooldown check failed",
				zap.String("command", verb), zap.Error(err))
			return
		}
		if !decision.Allowed {
			cmd.Reply(ctx, fmt.Sprintf("Slow down: try again in %s.",
				decision.RetryAfter.Round(time.Second)))
			return
		}
	}

	start := time.Now()
	err := handler.Handle(ctx, cmd)
	if d.mx != nil {
		d.mx.DispatchDuration.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		d.logger.Error("command failed",
			zap.String("command", verb),
			zap.String("channel", ev.Channel),
			zap.String("user", ev.From),
			zap.Error(err))
	}
}

func (d *Dispatcher) replyTo(channel string) func(ctx context.Context, text string) error {
	return func(ctx context.Context, text string) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}

		payload, err := json.Marshal(messageBody{Text: text})
		if err != nil {
			return err
		}
		return d.sender.Send(ctx, channel, payload)
	}
}
