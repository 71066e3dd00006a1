// Package gateway pools one broker client per user, built on demand from the
// credential vault.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-core/internal/vault"
	"signal-core/pkg/broker"
)

var (
	ErrBrokerUnhealthy = errors.New("broker client is unhealthy")
	ErrPoolFull        = errors.New("broker pool is full")
)

// CredentialSource loads a user's broker credentials.
type CredentialSource interface {
	Load(ctx context.Context, userID string) (vault.Credentials, error)
}

// cachedClient holds a client with metadata for lifecycle management.
type cachedClient struct {
	client    broker.Client
	userID    string
	broker    string
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// Config holds configuration for the Manager.
type Config struct {
	MaxSize          int           // LRU eviction beyond this many users
	IdleTimeout      time.Duration // idle clients are dropped after this long
	HealthInterval   time.Duration
	FailureThreshold int           // consecutive failures that open the circuit
	CircuitTimeout   time.Duration // how long an open circuit rejects calls
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   time.Minute,
	}
}

// Manager manages the per-user pool with LRU eviction, health checks and a
// simple circuit breaker.
type Manager struct {
	mu       sync.RWMutex
	clients  map[string]*cachedClient // userID -> client
	lruOrder []string                 // oldest first

	config  Config
	creds   CredentialSource
	factory Factory
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(creds CredentialSource, factory Factory, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	return &Manager{
		clients: make(map[string]*cachedClient),
		config:  cfg,
		creds:   creds,
		factory: factory,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	if m.config.IdleTimeout > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.IdleTimeout/2, m.cleanupIdle)
	}
	if m.config.HealthInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.HealthInterval, func() { m.healthCheckAll(ctx) })
	}
}

func (m *Manager) loop(ctx context.Context, every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop shuts down the background goroutines and empties the pool.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = make(map[string]*cachedClient)
	m.lruOrder = nil
}

// Get returns the cached client for userID, creating it from the vault when missing.
// While the circuit is open it fails fast with ErrBrokerUnhealthy.
func (m *Manager) Get(ctx context.Context, userID string) (broker.Client, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}

	m.mu.Lock()
	if cached, ok := m.clients[userID]; ok {
		if m.circuitOpenLocked(cached) {
			m.mu.Unlock()
			return nil, ErrBrokerUnhealthy
		}
		m.touchLRULocked(userID)
		c := cached.client
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	// Build outside the lock; the vault round-trip hits the database.
	creds, err := m.creds.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	client, err := m.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create broker client: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have won the race.
	if cached, ok := m.clients[userID]; ok {
		m.touchLRULocked(userID)
		return cached.client, nil
	}
	if len(m.clients) >= m.config.MaxSize && !m.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	now := time.Now()
	m.clients[userID] = &cachedClient{
		client:    client,
		userID:    userID,
		broker:    creds.Broker,
		createdAt: now,
		lastUsed:  now,
		healthyAt: now,
	}
	m.lruOrder = append(m.lruOrder, userID)
	m.logger.Info("broker client created", zap.String("user_id", userID), zap.String("broker", creds.Broker))
	return client, nil
}

// Invalidate drops the cached client so the next Get rebuilds it.
func (m *Manager) Invalidate(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[userID]; ok {
		delete(m.clients, userID)
		m.removeLRULocked(userID)
	}
}

// RecordFailure counts a failed broker call for userID.
func (m *Manager) RecordFailure(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		cached.failures++
		if cached.failures == m.config.FailureThreshold {
			m.logger.Warn("broker circuit opened",
				zap.String("user_id", userID),
				zap.String("broker", cached.broker),
				zap.Int("failures", cached.failures),
			)
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.clients[userID]; ok {
		cached.failures = 0
		cached.healthyAt = time.Now()
	}
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total          int            `json:"total"`
	MaxSize        int            `json:"max_size"`
	ByBroker       map[string]int `json:"by_broker"`
	UnhealthyCount int            `json:"unhealthy"`
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		Total:    len(m.clients),
		MaxSize:  m.config.MaxSize,
		ByBroker: make(map[string]int),
	}
	for _, cached := range m.clients {
		stats.ByBroker[cached.broker]++
		if cached.failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// circuitOpenLocked reports whether calls should be refused. After
// CircuitTimeout one caller is let through as a probe.
func (m *Manager) circuitOpenLocked(c *cachedClient) bool {
	if c.failures < m.config.FailureThreshold {
		return false
	}
	return time.Since(c.healthyAt) < m.config.CircuitTimeout
}

func (m *Manager) touchLRULocked(userID string) {
	if cached, ok := m.clients[userID]; ok {
		cached.lastUsed = time.Now()
	}
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, userID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(userID string) {
	for i, id := range m.lruOrder {
		if id == userID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}
	oldest := m.lruOrder[0]
	delete(m.clients, oldest)
	m.lruOrder = m.lruOrder[1:]
	m.logger.Debug("broker client evicted", zap.String("user_id", oldest))
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, cached := range m.clients {
		if now.Sub(cached.lastUsed) > m.config.IdleTimeout {
			delete(m.clients, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(ctx, id)
	}
}

func (m *Manager) healthCheck(ctx context.Context, userID string) {
	m.mu.RLock()
	cached, ok := m.clients[userID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	c := cached.client
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := c.Ping(ctx)
	cancel()

	if err != nil {
		m.logger.Warn("broker health check failed", zap.String("user_id", userID), zap.Error(err))
		m.RecordFailure(userID)
		return
	}
	m.RecordSuccess(userID)
}
