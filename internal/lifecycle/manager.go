// Package lifecycle owns the transport session: it establishes and
// repairs the connection, persists credentials write-through, retries
// recoverable drops with bounded exponential backoff, and tears the
// credentials down on a terminal disconnect.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/metrics"
	"github.com/chatwire/chatwire/internal/transport"
)

// Phase is the connection lifecycle phase.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseAuthenticating
	PhaseConnected
	PhaseReconnecting
	PhaseLoggedOut
)

// String returns the phase label.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "DISCONNECTED"
	case PhaseAuthenticating:
		return "AUTHENTICATING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseReconnecting:
		return "RECONNECTING"
	case PhaseLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotConnected is returned by Send when no live handle exists.
	// Callers must surface back-pressure instead of queueing sends
	// while the manager reconnects.
	ErrNotConnected = errors.New("lifecycle: not connected")
)

// Backoff computes the reconnect delay schedule.
type Backoff struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	GrowthFactor float64
	MaxDelay     time.Duration
}

// DefaultBackoff is the default retry budget: five attempts, 3s base,
// x1.5 growth, 60s cap.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  5,
		BaseDelay:    3 * time.Second,
		GrowthFactor: 1.5,
		MaxDelay:     60 * time.Second,
	}
}

// Delay returns min(base * growth^(attempt-1), cap) for attempt >= 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.BaseDelay) * math.Pow(b.GrowthFactor, float64(attempt-1)))
	if d > b.MaxDelay {
		return b.MaxDelay
	}
	return d
}

// Job is a background task dependent on a live connection. Jobs start
// exactly once per successful connection and stop when it drops.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// EventSink receives non-lifecycle transport events (messages, pairing
// challenges) from the manager's event pump.
type EventSink func(ev transport.Event)

// Manager is the connection lifecycle manager. At most one live
// transport handle exists at a time; a new connect attempt releases
// any existing handle first.
type Manager struct {
	transport transport.Transport
	creds     CredentialStore
	logger    *zap.Logger
	mx        *metrics.Metrics
	backoff   Backoff

	mu         sync.Mutex
	phase      Phase
	handle     transport.Handle
	bundle     transport.Credentials
	attempts   int
	generation uint64
	retryTimer *time.Timer

	jobs       []Job
	jobsCancel context.CancelFunc
	jobsWG     sync.WaitGroup

	sink EventSink
}

// ManagerConfig configures a lifecycle Manager.
type ManagerConfig struct {
	Transport   transport.Transport
	Credentials CredentialStore
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Backoff     Backoff
}

// NewManager creates a lifecycle manager in the Disconnected phase.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Credentials == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Backoff.MaxAttempts == 0 {
		config.Backoff = DefaultBackoff()
	}

	return &Manager{
		transport: config.Transport,
		creds:     config.Credentials,
		logger:    config.Logger,
		mx:        config.Metrics,
		backoff:   config.Backoff,
		phase:     PhaseDisconnected,
	}, nil
}

// RegisterJob adds a connection-dependent background job. Must be
// called before Start.
func (m *Manager) RegisterJob(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
}

// OnEvent sets the sink for message and pairing events. Must be called
// before Start.
func (m *Manager) OnEvent(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Start opens a new transport session. It is idempotent: any pending
// reconnect timer is invalidated and any existing handle is released
// first, so a manual Start supersedes a scheduled one. A connect
// failure counts as a recoverable drop and is retried with backoff.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.handle != nil {
		m.handle.Close()
		m.handle = nil
	}
	// Starting from LoggedOut is a fresh provisioning run.
	if m.phase == PhaseLoggedOut {
		m.attempts = 0
	}
	m.transition(PhaseAuthenticating, "start requested")
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	bundle, err := m.creds.Load(ctx)
	if err == ErrNoCredentials {
		m.logger.Info("no persisted credentials, pairing required")
		bundle = transport.Credentials{}
	} else if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	handle, err := m.transport.Connect(ctx, bundle)
	if err != nil {
		m.logger.Warn("connect failed", zap.Error(err))
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.generation {
			return nil
		}
		m.scheduleRetryLocked(err.Error())
		return nil
	}

	m.mu.Lock()
	if gen != m.generation {
		// A newer Start won the race; drop this handle.
		m.mu.Unlock()
		handle.Close()
		return nil
	}
	m.handle = handle
	m.bundle = bundle
	m.mu.Unlock()

	go m.pump(handle, gen)
	return nil
}

// Send forwards a payload to the live transport handle.
func (m *Manager) Send(ctx context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	handle := m.handle
	phase := m.phase
	m.mu.Unlock()

	if handle == nil || phase != PhaseConnected {
		return ErrNotConnected
	}
	return handle.Send(ctx, channel, payload)
}

// Stop releases the transport session and all background jobs without
// touching the persisted credentials. Used for process shutdown.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.generation++
	handle := m.handle
	m.handle = nil
	m.stopJobsLocked()
	m.transition(PhaseDisconnected, "shutdown")
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
	m.jobsWG.Wait()
}

// Logout performs an explicit terminal disconnect: the session is
// closed and the persisted credentials are wiped.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.generation++
	m.terminalLocked("explicit logout")
	m.mu.Unlock()
}

// pump consumes the handle's event stream. Events from a superseded
// handle generation are ignored so a stale pump cannot disturb the
// state machine.
func (m *Manager) pump(handle transport.Handle, gen uint64) {
	for ev := range handle.Events() {
		switch ev.Type {
		case transport.EventOpen:
			m.onOpen(gen)
			m.forward(ev)
		case transport.EventClose:
			m.onClose(gen, ev.Reason, ev.Recoverable)
			return
		case transport.EventPairingChallenge:
			m.logger.Info("pairing challenge received",
				zap.String("challenge", ev.Challenge))
			m.forward(ev)
		case transport.EventMessage:
			m.forward(ev)
		}
	}

	// Stream ended without a close event; treat as a recoverable drop.
	m.onClose(gen, "event stream ended", true)
}

func (m *Manager) forward(ev transport.Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (m *Manager) onOpen(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	m.attempts = 0
	m.transition(PhaseConnected, "transport open")

	// Credentials are persisted write-through on every update.
	m.bundle.Revision++
	bundle := m.bundle
	m.startJobsLocked()
	m.mu.Unlock()

	if m.mx != nil {
		m.mx.ConnectionsOpened.Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.creds.Save(ctx, bundle); err != nil {
		if m.mx != nil {
			m.mx.StoragePartialFailures.WithLabelValues("credentials_save").Inc()
		}
		m.logger.Error("failed to persist credentials", zap.Error(err))
	}
}

func (m *Manager) onClose(gen uint64, reason string, recoverable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}

	if m.mx != nil {
		m.mx.ConnectionsDropped.WithLabelValues(fmt.Sprintf("%t", recoverable)).Inc()
	}

	m.handle = nil
	m.stopJobsLocked()
	m.transition(PhaseDisconnected, reason)

	if !recoverable {
		m.terminalLocked(reason)
		return
	}
	m.scheduleRetryLocked(reason)
}

// scheduleRetryLocked counts an attempt and arms the reconnect timer,
// or escalates to terminal when the budget is exhausted. Caller holds
// m.mu.
func (m *Manager) scheduleRetryLocked(reason string) {
	m.attempts++
	if m.attempts > m.backoff.MaxAttempts {
		m.logger.Error("reconnect budget exhausted",
			zap.Int("attempts", m.attempts-1),
			zap.String("reason", reason))
		m.terminalLocked("retry budget exhausted")
		return
	}

	delay := m.backoff.Delay(m.attempts)
	m.transition(PhaseReconnecting, reason)

	if m.mx != nil {
		m.mx.ReconnectAttempts.Inc()
	}
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay))

	m.retryTimer = time.AfterFunc(delay, func() {
		if err := m.Start(context.Background()); err != nil {
			m.logger.Error("scheduled reconnect failed", zap.Error(err))
		}
	})
}

// terminalLocked wipes credentials and parks the manager in LoggedOut.
// Recovery requires a fresh pairing via a manual Start. Caller holds
// m.mu.
func (m *Manager) terminalLocked(reason string) {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	handle := m.handle
	m.handle = nil
	m.stopJobsLocked()
	m.bundle = transport.Credentials{}
	m.transition(PhaseLoggedOut, reason)

	if m.mx != nil {
		m.mx.TerminalLogouts.Inc()
	}

	if handle != nil {
		go handle.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	go func() {
		defer cancel()
		if err := m.creds.Wipe(ctx); err != nil {
			m.logger.Error("failed to wipe credentials", zap.Error(err))
		}
	}()
}

// startJobsLocked launches the background jobs unless they already
// run. Caller holds m.mu.
func (m *Manager) startJobsLocked() {
	if m.jobsCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.jobsCancel = cancel

	for _, job := range m.jobs {
		job := job
		m.jobsWG.Add(1)
		go func() {
			defer m.jobsWG.Done()

			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			m.logger.Debug("background job started", zap.String("job", job.Name))
			for {
				select {
				case <-ticker.C:
					job.Run(ctx)
				case <-ctx.Done():
					m.logger.Debug("background job stopped", zap.String("job", job.Name))
					return
				}
			}
		}()
	}
}

// stopJobsLocked cancels the background jobs. Caller holds m.mu.
func (m *Manager) stopJobsLocked() {
	if m.jobsCancel != nil {
		m.jobsCancel()
		m.jobsCancel = nil
	}
}

// transition records a phase change with its reason. Caller holds m.mu.
func (m *Manager) transition(next Phase, reason string) {
	if m.phase == next {
		return
	}
	m.logger.Info("lifecycle transition",
		zap.String("from", m.phase.String()),
		zap.String("to", next.String()),
		zap.String("reason", reason))
	m.phase = next

	if m.mx != nil {
		m.mx.LifecyclePhase.Set(float64(next))
	}
}
