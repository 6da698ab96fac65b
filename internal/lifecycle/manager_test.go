package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chatwire/chatwire/internal/transport"
)

// fakeHandle is a scriptable transport session for lifecycle tests.
type fakeHandle struct {
	mu     sync.Mutex
	events chan transport.Event
	sent   [][]byte
	once   sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan transport.Event, 8)}
}

func (h *fakeHandle) Send(ctx context.Context, channel string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, payload)
	return nil
}

func (h *fakeHandle) Events() <-chan transport.Event { return h.events }

func (h *fakeHandle) Close() error {
	h.once.Do(func() { close(h.events) })
	return nil
}

func (h *fakeHandle) emit(ev transport.Event) { h.events <- ev }

func (h *fakeHandle) open() { h.emit(transport.Event{Type: transport.EventOpen}) }

func (h *fakeHandle) drop(reason string, recoverable bool) {
	h.emit(transport.Event{Type: transport.EventClose, Reason: reason, Recoverable: recoverable})
	h.Close()
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

// fakeTransport hands out fake handles and can be told to fail the next
// N connect attempts.
type fakeTransport struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	failures int
	connects int
}

func (tr *fakeTransport) Connect(ctx context.Context, creds transport.Credentials) (transport.Handle, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.connects++
	if tr.failures > 0 {
		tr.failures--
		return nil, fmt.Errorf("broker unreachable")
	}

	h := newFakeHandle()
	tr.handles = append(tr.handles, h)
	return h, nil
}

func (tr *fakeTransport) setFailures(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.failures = n
}

func (tr *fakeTransport) connectCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.connects
}

func (tr *fakeTransport) handleCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.handles)
}

func (tr *fakeTransport) handle(i int) *fakeHandle {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.handles[i]
}

func newTestLifecycle(t *testing.T, tr *fakeTransport, backoff Backoff) (*Manager, *MemoryCredentialStore) {
	creds := NewMemoryCredentialStore()
	manager, err := NewManager(&ManagerConfig{
		Transport:   tr,
		Credentials: creds,
		Logger:      zaptest.NewLogger(t),
		Backoff:     backoff,
	})
	require.NoError(t, err)
	return manager, creds
}

func fastBackoff() Backoff {
	return Backoff{
		MaxAttempts:  3,
		BaseDelay:    5 * time.Millisecond,
		GrowthFactor: 1.5,
		MaxDelay:     50 * time.Millisecond,
	}
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Phase() == want },
		2*time.Second, 2*time.Millisecond,
		"expected phase %s, last seen %s", want, m.Phase())
}

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()

	expected := []time.Duration{
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
		15187500 * time.Microsecond,
	}
	for i, want := range expected {
		assert.Equal(t, want, b.Delay(i+1), "attempt %d", i+1)
	}

	// Past the cap the delay is clamped.
	assert.Equal(t, b.MaxDelay, b.Delay(20))

	// Attempt 0 is treated as the first.
	assert.Equal(t, b.BaseDelay, b.Delay(0))
}

func TestManagerConnectAndOpen(t *testing.T) {
	tr := &fakeTransport{}
	manager, creds := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()

	require.NoError(t, manager.Start(context.Background()))
	require.Equal(t, 1, tr.handleCount())

	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)
	assert.Equal(t, 0, manager.Attempts())

	// The bundle revision was bumped and written through.
	require.Eventually(t, func() bool {
		bundle, err := creds.Load(context.Background())
		return err == nil && bundle.Revision == 1
	}, time.Second, 2*time.Millisecond)
}

func TestManagerSendRequiresConnection(t *testing.T) {
	tr := &fakeTransport{}
	manager, _ := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()
	ctx := context.Background()

	assert.ErrorIs(t, manager.Send(ctx, "room-1", []byte("hi")), ErrNotConnected)

	require.NoError(t, manager.Start(ctx))
	// Connected in the state machine only after the open event.
	assert.ErrorIs(t, manager.Send(ctx, "room-1", []byte("hi")), ErrNotConnected)

	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)

	require.NoError(t, manager.Send(ctx, "room-1", []byte("hi")))
	assert.Equal(t, 1, tr.handle(0).sentCount())
}

func TestManagerRecoverableDropReconnects(t *testing.T) {
	tr := &fakeTransport{}
	manager, _ := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()

	require.NoError(t, manager.Start(context.Background()))
	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)

	tr.handle(0).drop("stream reset", true)

	require.Eventually(t, func() bool { return tr.handleCount() == 2 },
		2*time.Second, 2*time.Millisecond)
	tr.handle(1).open()
	waitPhase(t, manager, PhaseConnected)

	// A successful open resets the retry budget.
	assert.Equal(t, 0, manager.Attempts())
}

func TestManagerTerminalDropWipesCredentials(t *testing.T) {
	tr := &fakeTransport{}
	manager, creds := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx))
	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)

	tr.handle(0).drop("session revoked", false)
	waitPhase(t, manager, PhaseLoggedOut)

	require.Eventually(t, func() bool {
		_, err := creds.Load(ctx)
		return err == ErrNoCredentials
	}, time.Second, 2*time.Millisecond)

	// No reconnect is attempted from LoggedOut.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, tr.connectCount())
}

func TestManagerRetryBudgetExhausted(t *testing.T) {
	tr := &fakeTransport{}
	tr.setFailures(100)
	backoff := fastBackoff()
	backoff.MaxAttempts = 2
	manager, creds := newTestLifecycle(t, tr, backoff)
	defer manager.Stop()
	ctx := context.Background()

	require.NoError(t, creds.Save(ctx, transport.Credentials{Blob: []byte("paired"), Revision: 3}))
	require.NoError(t, manager.Start(ctx))
	waitPhase(t, manager, PhaseLoggedOut)

	// Initial attempt plus the two budgeted retries.
	assert.Equal(t, 3, tr.connectCount())

	require.Eventually(t, func() bool {
		_, err := creds.Load(ctx)
		return err == ErrNoCredentials
	}, time.Second, 2*time.Millisecond)
}

func TestManagerManualStartCancelsPendingRetry(t *testing.T) {
	tr := &fakeTransport{}
	tr.setFailures(1)
	backoff := fastBackoff()
	backoff.BaseDelay = time.Hour
	backoff.MaxDelay = time.Hour
	manager, _ := newTestLifecycle(t, tr, backoff)
	defer manager.Stop()
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx))
	require.Equal(t, PhaseReconnecting, manager.Phase())
	require.Equal(t, 1, tr.connectCount())

	// A manual Start supersedes the armed timer.
	require.NoError(t, manager.Start(ctx))
	require.Equal(t, 2, tr.connectCount())
	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, tr.connectCount(), "cancelled timer must not connect again")
}

func TestManagerJobsFollowConnection(t *testing.T) {
	tr := &fakeTransport{}
	manager, _ := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()

	var runs atomic.Int64
	manager.RegisterJob(Job{
		Name:     "counter",
		Interval: 2 * time.Millisecond,
		Run:      func(ctx context.Context) { runs.Add(1) },
	})

	require.NoError(t, manager.Start(context.Background()))
	assert.Equal(t, int64(0), runs.Load(), "jobs must not run before the session opens")

	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)
	require.Eventually(t, func() bool { return runs.Load() >= 2 },
		time.Second, 2*time.Millisecond)

	tr.handle(0).drop("session revoked", false)
	waitPhase(t, manager, PhaseLoggedOut)

	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.LessOrEqual(t, runs.Load(), stopped+1, "jobs must stop when the connection drops")
}

func TestManagerStopKeepsCredentials(t *testing.T) {
	tr := &fakeTransport{}
	manager, creds := newTestLifecycle(t, tr, fastBackoff())
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx))
	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)
	require.Eventually(t, func() bool {
		_, err := creds.Load(ctx)
		return err == nil
	}, time.Second, 2*time.Millisecond)

	manager.Stop()
	assert.Equal(t, PhaseDisconnected, manager.Phase())

	bundle, err := creds.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), bundle.Revision, "shutdown must not wipe credentials")
}

func TestManagerLogout(t *testing.T) {
	tr := &fakeTransport{}
	manager, creds := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()
	ctx := context.Background()

	require.NoError(t, manager.Start(ctx))
	tr.handle(0).open()
	waitPhase(t, manager, PhaseConnected)

	manager.Logout()
	assert.Equal(t, PhaseLoggedOut, manager.Phase())

	require.Eventually(t, func() bool {
		_, err := creds.Load(ctx)
		return err == ErrNoCredentials
	}, time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, manager.Send(ctx, "room-1", []byte("hi")), ErrNotConnected)
}

func TestManagerForwardsEvents(t *testing.T) {
	tr := &fakeTransport{}
	manager, _ := newTestLifecycle(t, tr, fastBackoff())
	defer manager.Stop()

	var mu sync.Mutex
	var seen []transport.EventType
	manager.OnEvent(func(ev transport.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	require.NoError(t, manager.Start(context.Background()))
	h := tr.handle(0)
	h.emit(transport.Event{Type: transport.EventPairingChallenge, Challenge: "1234-5678"})
	h.open()
	h.emit(transport.Event{Type: transport.EventMessage, Channel: "room-1", From: "alice"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 2*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []transport.EventType{
		transport.EventPairingChallenge,
		transport.EventOpen,
		transport.EventMessage,
	}, seen)
}
