package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/config"
	"github.com/rovshanmuradov/solana-dexfeed/internal/logger"
	"github.com/rovshanmuradov/solana-dexfeed/internal/metrics"
)

// DialFunc establishes the raw WebSocket transport. Swappable in tests.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

func gobwasDial(ctx context.Context, url string) (net.Conn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	return conn, err
}

// ManagerConfig carries the connection-lifecycle knobs.
type ManagerConfig struct {
	// PrimaryURL is dialed first; FallbackURLs follow in priority order.
	PrimaryURL   string
	FallbackURLs []string

	ConnectTimeout      time.Duration
	HealthCheckInterval time.Duration
	MaxReconnectTries   uint
	BreakerMaxFailures  uint32
	BreakerCooldown     time.Duration
}

// Manager maintains one transport per key: endpoint fallback with
// probing, health-checked reconnection with exponential backoff, a
// per-key circuit breaker, and subscription replay.
type Manager struct {
	cfg     ManagerConfig
	dial    DialFunc
	notify  NotifyFunc
	logger  *zap.Logger
	metrics *metrics.Collector

	mu       sync.Mutex
	conns    map[string]*Conn
	breakers map[string]*gobreaker.CircuitBreaker[*Conn]

	// keyLocks serializes reconnect-replay against explicit
	// subscription changes for the same key.
	keyLocks sync.Map // key -> *sync.Mutex
}

func NewManager(cfg ManagerConfig, notify NotifyFunc, collector *metrics.Collector, log *zap.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.MaxReconnectTries == 0 {
		cfg.MaxReconnectTries = 5
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = 3
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 2 * time.Minute
	}

	return &Manager{
		cfg:      cfg,
		dial:     gobwasDial,
		notify:   notify,
		logger:   log.Named("conn_manager"),
		metrics:  collector,
		conns:    make(map[string]*Conn),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Conn]),
	}
}

// SetDialFunc overrides the transport dialer.
func (m *Manager) SetDialFunc(dial DialFunc) { m.dial = dial }

// KeyLock returns the mutex serializing subscription mutations for key.
// Callers hold it across subscribe/unsubscribe so a concurrent
// reconnect replay cannot interleave.
func (m *Manager) KeyLock(key string) *sync.Mutex {
	lock, _ := m.keyLocks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// EnsureConnection returns the live transport for key, dialing one if
// needed. An open circuit breaker fails immediately without touching
// the network.
func (m *Manager) EnsureConnection(ctx context.Context, key string) (*Conn, error) {
	m.mu.Lock()
	if conn, ok := m.conns[key]; ok && conn.Alive() {
		m.mu.Unlock()
		return conn, nil
	}
	breaker := m.breakerLocked(key)
	m.mu.Unlock()

	conn, err := breaker.Execute(func() (*Conn, error) {
		return m.connect(ctx, key)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to establish connection for %s: %w", key, err)
	}

	m.mu.Lock()
	if old, ok := m.conns[key]; ok && old != conn {
		_ = old.Close()
	}
	m.conns[key] = conn
	m.mu.Unlock()

	m.updateActiveGauge()
	return conn, nil
}

func (m *Manager) breakerLocked(key string) *gobreaker.CircuitBreaker[*Conn] {
	breaker, ok := m.breakers[key]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker[*Conn](gobreaker.Settings{
			Name:    key,
			Timeout: m.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= m.cfg.BreakerMaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				m.logger.Warn("Circuit breaker state change",
					zap.String("key", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		m.breakers[key] = breaker
	}
	return breaker
}

// connect walks the endpoint tiers: primary first, then each fallback,
// probing every accepted transport with a ping round trip.
func (m *Manager) connect(ctx context.Context, key string) (*Conn, error) {
	type tierEndpoint struct {
		url  string
		tier string
	}

	endpoints := []tierEndpoint{{m.cfg.PrimaryURL, metrics.TierPrimary}}
	for _, u := range m.cfg.FallbackURLs {
		endpoints = append(endpoints, tierEndpoint{u, metrics.TierFallback})
	}

	var lastErr error
	for _, ep := range endpoints {
		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		transport, err := m.dial(dialCtx, ep.url)
		cancel()

		if err != nil {
			m.metrics.RecordConnectionAttempt(ep.tier, false)
			m.logger.Warn("Dial failed",
				zap.String("key", key),
				zap.String("tier", ep.tier),
				zap.String("endpoint", config.MaskURL(ep.url)),
				zap.Error(err))
			lastErr = err
			continue
		}

		if err := m.probe(transport); err != nil {
			m.metrics.RecordConnectionAttempt(ep.tier, false)
			m.logger.Warn("Probe failed",
				zap.String("key", key),
				zap.String("tier", ep.tier),
				zap.Error(err))
			_ = transport.Close()
			lastErr = err
			continue
		}

		m.metrics.RecordConnectionAttempt(ep.tier, true)
		m.logger.Info("Connection established",
			zap.String("key", key),
			zap.String("tier", ep.tier),
			zap.String("endpoint", config.MaskURL(ep.url)))
		connLog := logger.WithConnection(m.logger, key, config.MaskURL(ep.url))
		return newConn(key, ep.url, transport, m.notify, connLog), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return nil, lastErr
}

// probe performs a trivial round trip before accepting an endpoint: a
// ping control frame answered by a pong within the deadline.
func (m *Manager) probe(transport net.Conn) error {
	if err := wsutil.WriteClientMessage(transport, ws.OpPing, nil); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}

	if err := transport.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	defer transport.SetReadDeadline(time.Time{})

	for {
		frame, err := ws.ReadFrame(transport)
		if err != nil {
			return fmt.Errorf("probe read: %w", err)
		}
		frame = ws.UnmaskFrameInPlace(frame)
		if frame.Header.OpCode == ws.OpPong {
			return nil
		}
		// Data racing ahead of the pong is fine; the endpoint is alive.
		if !frame.Header.OpCode.IsControl() {
			return nil
		}
	}
}

// Run drives the background health check until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.checkHealth(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// checkHealth pings every open connection and schedules reconnection
// for the dead ones.
func (m *Manager) checkHealth(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]*Conn, len(m.conns))
	for key, conn := range m.conns {
		snapshot[key] = conn
	}
	m.mu.Unlock()

	for key, conn := range snapshot {
		if conn.Alive() {
			if err := conn.Ping(); err == nil {
				continue
			}
			conn.markBroken()
		}
		if conn.State() == StateClosing {
			continue
		}

		m.logger.Warn("Unhealthy connection, reconnecting", zap.String("key", key))
		if err := m.Reconnect(ctx, key); err != nil {
			m.logger.Error("Reconnection failed",
				zap.String("key", key),
				zap.Error(err))
		}
	}
}

// Reconnect re-dials a key with exponential backoff and replays every
// subscription that was live on the old transport. The key lock keeps
// replay atomic with respect to concurrent subscription changes.
func (m *Manager) Reconnect(ctx context.Context, key string) error {
	lock := m.KeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	old, ok := m.conns[key]
	breaker := m.breakerLocked(key)
	m.mu.Unlock()

	var replay []Subscription
	if ok {
		replay = old.Subscriptions()
		_ = old.Close()
	}

	// One correlation id covers the whole reconnect-replay cycle.
	op := logger.WithOperation(m.logger, "reconnect")

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second

	notifyRetry := func(err error, next time.Duration) {
		op.Info("Retrying connection",
			zap.String("key", key),
			zap.Duration("backoff", next),
			zap.Error(err))
	}

	conn, err := backoff.Retry(ctx, func() (*Conn, error) {
		c, err := breaker.Execute(func() (*Conn, error) {
			return m.connect(ctx, key)
		})
		if errors.Is(err, gobreaker.ErrOpenState) {
			// The breaker suppresses further attempts until its
			// cool-down; retrying inside this loop is pointless.
			return nil, backoff.Permanent(err)
		}
		return c, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(m.cfg.MaxReconnectTries),
		backoff.WithNotify(notifyRetry))
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", key, err)
	}

	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()
	m.updateActiveGauge()

	m.replaySubscriptions(ctx, conn, replay, op)
	return nil
}

// replaySubscriptions re-establishes the target set on a fresh
// transport. Subscription ids change; address/kind pairs do not.
func (m *Manager) replaySubscriptions(ctx context.Context, conn *Conn, subs []Subscription, log *zap.Logger) {
	for _, sub := range subs {
		var err error
		switch sub.Kind {
		case KindAccount:
			_, err = conn.SubscribeAccount(ctx, sub.Target, sub.DEXID)
		default:
			_, err = conn.SubscribeLogs(ctx, sub.Target, sub.DEXID, "processed", sub.Kind)
		}

		if err != nil {
			m.RecordSubscription(conn, false)
			log.Error("Failed to replay subscription",
				zap.String("key", conn.Key),
				zap.String("target", sub.Target),
				zap.String("kind", string(sub.Kind)),
				zap.Error(err))
			continue
		}
		m.RecordSubscription(conn, true)
		log.Info("Subscription replayed",
			zap.String("key", conn.Key),
			zap.String("target", sub.Target),
			zap.String("kind", string(sub.Kind)))
	}
}

// TierOf reports which endpoint tier a connection's endpoint belongs to.
func (m *Manager) TierOf(conn *Conn) string {
	if conn != nil && conn.Endpoint == m.cfg.PrimaryURL {
		return metrics.TierPrimary
	}
	return metrics.TierFallback
}

// RecordSubscription counts a subscribe/unsubscribe round trip against
// the connection's endpoint tier.
func (m *Manager) RecordSubscription(conn *Conn, success bool) {
	m.metrics.RecordSubscriptionAttempt(m.TierOf(conn), success)
}

// Connection returns the current transport for key without dialing.
func (m *Manager) Connection(key string) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[key]
	return conn, ok
}

// CloseAll tears down every transport.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	for key, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Error closing connection",
				zap.String("key", key),
				zap.Error(err))
		}
	}
	m.updateActiveGauge()
}

func (m *Manager) updateActiveGauge() {
	m.mu.Lock()
	count := 0
	for _, conn := range m.conns {
		if conn.Alive() {
			count++
		}
	}
	m.mu.Unlock()
	m.metrics.SetActiveConnections(count)
}
