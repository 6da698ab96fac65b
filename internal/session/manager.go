package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/metrics"
)

const (
	// DefaultTTL is how long an untouched session stays live.
	DefaultTTL = time.Hour

	// DefaultChannelCap is the per-channel live session limit.
	DefaultChannelCap = 20
)

// Manager is the dual-tier session store. The hot cache is
// authoritative for liveness decisions (expiry, capacity) within the
// process; the durable store is a write-through mirror used for
// cold-start recovery. A durable write failure is logged and counted
// but never fails the call.
type Manager struct {
	store  Store
	logger *zap.Logger
	mx     *metrics.Metrics
	kinds  *KindRegistry

	ttl        time.Duration
	channelCap int

	mu      sync.RWMutex
	hot     map[Key]*Record
	perChan map[string]int
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	Store      Store
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Kinds      *KindRegistry
	TTL        time.Duration
	ChannelCap int
}

// NewManager creates a session manager. Call WarmUp once at startup to
// load the durable mirror into the hot cache.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Kinds == nil {
		config.Kinds = NewKindRegistry()
	}
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	if config.ChannelCap == 0 {
		config.ChannelCap = DefaultChannelCap
	}

	return &Manager{
		store:      config.Store,
		logger:     config.Logger,
		mx:         config.Metrics,
		kinds:      config.Kinds,
		ttl:        config.TTL,
		channelCap: config.ChannelCap,
		hot:        make(map[Key]*Record),
		perChan:    make(map[string]int),
	}, nil
}

// WarmUp bulk-loads non-expired durable records into the hot cache.
// Records past the TTL or beyond a channel's cap are skipped.
func (m *Manager) WarmUp(ctx context.Context) error {
	since := time.Now().Add(-m.ttl)

	records, err := m.store.LoadActive(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to warm up session cache: %w", err)
	}

	m.mu.Lock()
	loaded := 0
	for _, record := range records {
		if m.perChan[record.Key.Channel] >= m.channelCap {
			continue
		}
		m.hot[record.Key] = record
		m.perChan[record.Key.Channel]++
		loaded++
	}
	m.mu.Unlock()

	m.setActiveGauge()
	m.logger.Info("session cache warmed up",
		zap.Int("loaded", loaded),
		zap.Int("scanned", len(records)))
	return nil
}

// Get returns the session for (channel, user) if present and not
// expired. An entry found to be expired is removed as a side effect
// and reported as absent.
func (m *Manager) Get(channel, user string) (*Record, bool) {
	key := Key{Channel: channel, User: user}
	now := time.Now()

	m.mu.Lock()
	record, ok := m.hot[key]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	if record.ExpiredAt(now, m.ttl) {
		m.removeLocked(key)
		m.mu.Unlock()

		m.observeExpired(1)
		m.deleteDurable([]Key{key})
		return nil, false
	}
	copied := *record
	m.mu.Unlock()

	return &copied, true
}

// Set creates or overwrites the session for (channel, user). A new
// pair is rejected with ErrCapacityExceeded when the channel is at
// cap; overwrites of a live pair always pass. The hot cache write is
// authoritative; the durable write-through is best-effort.
func (m *Manager) Set(ctx context.Context, channel, user, kind string, payload []byte) error {
	if err := m.kinds.Validate(kind, payload); err != nil {
		return err
	}

	key := Key{Channel: channel, User: user}
	record := &Record{
		Key:         key,
		Kind:        kind,
		Payload:     payload,
		LastTouched: time.Now(),
	}

	m.mu.Lock()
	existing, exists := m.hot[key]
	// A pair whose entry has silently expired counts as new for the
	// capacity check.
	if exists && existing.ExpiredAt(record.LastTouched, m.ttl) {
		m.removeLocked(key)
		exists = false
	}
	if !exists && m.perChan[channel] >= m.channelCap {
		m.mu.Unlock()

		if m.mx != nil {
			m.mx.CapacityRejections.Inc()
		}
		m.logger.Warn("session write rejected by channel cap",
			zap.String("channel", channel),
			zap.String("user", user),
			zap.Int("cap", m.channelCap))
		return ErrCapacityExceeded
	}
	if !exists {
		m.perChan[channel]++
	}
	m.hot[key] = record
	m.mu.Unlock()

	m.setActiveGauge()
	if m.mx != nil {
		m.mx.SessionWrites.Inc()
	}

	if err := m.store.Upsert(ctx, record); err != nil {
		// The hot cache remains authoritative for the live
		// process; the mirror catches up on the next write or is
		// reconciled by the sweep.
		if m.mx != nil {
			m.mx.StoragePartialFailures.WithLabelValues("session_upsert").Inc()
		}
		m.logger.Error("session write-through failed",
			zap.String("key", key.String()),
			zap.Error(err))
	}
	return nil
}

// Clear removes the session for (channel, user). The durable delete is
// best-effort.
func (m *Manager) Clear(ctx context.Context, channel, user string) {
	key := Key{Channel: channel, User: user}

	m.mu.Lock()
	_, ok := m.hot[key]
	if ok {
		m.removeLocked(key)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	m.setActiveGauge()
	m.deleteDurable([]Key{key})
}

// SweepExpired removes every hot-cache entry past the TTL and issues a
// bulk durable delete for the same keys. Returns how many entries were
// swept.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := time.Now()

	m.mu.Lock()
	var expired []Key
	for key, record := range m.hot {
		if record.ExpiredAt(now, m.ttl) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		m.removeLocked(key)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}

	m.setActiveGauge()
	m.observeExpired(len(expired))
	m.deleteDurable(expired)

	m.logger.Info("expired sessions swept", zap.Int("count", len(expired)))
	return len(expired)
}

// Count returns the number of live sessions in the hot cache.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hot)
}

// ChannelCount returns the number of live sessions in one channel.
func (m *Manager) ChannelCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perChan[channel]
}

// removeLocked drops a key from the hot cache. Caller holds m.mu.
func (m *Manager) removeLocked(key Key) {
	if _, ok := m.hot[key]; !ok {
		return
	}
	delete(m.hot, key)
	if m.perChan[key.Channel] <= 1 {
		delete(m.perChan, key.Channel)
	} else {
		m.perChan[key.Channel]--
	}
}

// deleteDurable issues a best-effort delete against the durable store.
func (m *Manager) deleteDurable(keys []Key) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := m.store.Delete(ctx, keys); err != nil {
		if m.mx != nil {
			m.mx.StoragePartialFailures.WithLabelValues("session_delete").Inc()
		}
		m.logger.Error("session durable delete failed",
			zap.Int("keys", len(keys)),
			zap.Error(err))
	}
}

func (m *Manager) setActiveGauge() {
	if m.mx != nil {
		m.mx.SessionsActive.Set(float64(m.Count()))
	}
}

func (m *Manager) observeExpired(n int) {
	if m.mx != nil {
		m.mx.SessionExpirations.Add(float64(n))
	}
}
