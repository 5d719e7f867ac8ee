// Package database manages SQL connection pools keyed by connection string.
// Each distinct connection string gets one lazily created *sql.DB that is
// prewarmed with a few idle connections and reused for the process lifetime.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/datagate-io/datagate/pkg/environments"
	"github.com/datagate-io/datagate/pkg/logger"
)

// DefaultDriver is the database/sql driver used for resolved environments.
const DefaultDriver = "sqlserver"

const (
	// prewarmCount is the number of idle connections opened per pool when
	// the pool is first created.
	prewarmCount = 3

	maxOpenConns    = 16
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 10 * time.Minute

	prewarmTimeout = 30 * time.Second
	pingTimeout    = 5 * time.Second
)

// Manager hands out one *sql.DB per connection string.
type Manager struct {
	driver string

	mu     sync.Mutex
	pools  map[string]*sql.DB
	closed bool
}

// NewManager creates a pool manager for the given database/sql driver name.
// An empty driver selects DefaultDriver. The driver must be registered by
// the caller's imports.
func NewManager(driver string) *Manager {
	if driver == "" {
		driver = DefaultDriver
	}
	return &Manager{
		driver: driver,
		pools:  make(map[string]*sql.DB),
	}
}

// Pool returns the pool for the connection string, creating and prewarming
// it on first use. Prewarm failures are logged but do not fail the call;
// queries against an unreachable database surface their own errors.
func (m *Manager) Pool(ctx context.Context, connectionString string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New("database manager is closed")
	}
	if db, ok := m.pools[connectionString]; ok {
		return db, nil
	}

	db, err := sql.Open(m.driver, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	m.pools[connectionString] = db

	key := environments.SanitizeConnectionString(connectionString)
	logger.Infof("Created database pool for %s", key)
	m.prewarm(ctx, db, key)

	return db, nil
}

// prewarm pings the database with exponential backoff, then opens and
// releases a few connections so the pool starts with warm idle handles.
func (m *Manager) prewarm(ctx context.Context, db *sql.DB, key string) {
	ctx, cancel := context.WithTimeout(ctx, prewarmTimeout)
	defer cancel()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second
	expBackoff.Reset()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(4),
		backoff.WithNotify(func(_ error, duration time.Duration) {
			logger.Debugf("Retrying database ping for %s after %v", key, duration)
		}),
	)
	if err != nil {
		logger.Warnf("Database pool %s is not reachable yet: %v", key, err)
		return
	}

	conns := make([]*sql.Conn, 0, prewarmCount)
	for i := 0; i < prewarmCount; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			logger.Warnf("Prewarming database pool %s stopped after %d connections: %v", key, i, err)
			break
		}
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			logger.Warnf("Failed to release prewarmed connection for %s: %v", key, err)
		}
	}
}

// PoolStatus is a point-in-time snapshot of one pool's connection counts.
type PoolStatus struct {
	// Key is the sanitized connection string; safe to log.
	Key       string
	Open      int
	InUse     int
	Idle      int
	WaitCount int64
}

// Status reports every pool's connection counts with sanitized keys.
func (m *Manager) Status() []PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]PoolStatus, 0, len(m.pools))
	for cs, db := range m.pools {
		stats := db.Stats()
		statuses = append(statuses, PoolStatus{
			Key:       environments.SanitizeConnectionString(cs),
			Open:      stats.OpenConnections,
			InUse:     stats.InUse,
			Idle:      stats.Idle,
			WaitCount: stats.WaitCount,
		})
	}
	return statuses
}

// LogStatusPeriodically logs every pool's active and idle counts on the
// given interval until the context is cancelled. Run it on its own
// goroutine.
func (m *Manager) LogStatusPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range m.Status() {
				logger.Infof("Database pool %s: open=%d in_use=%d idle=%d waits=%d",
					st.Key, st.Open, st.InUse, st.Idle, st.WaitCount)
			}
		}
	}
}

// HealthCheck pings every pool and returns one error per unreachable pool,
// keyed by the sanitized connection string.
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	m.mu.Lock()
	pools := make(map[string]*sql.DB, len(m.pools))
	for cs, db := range m.pools {
		pools[environments.SanitizeConnectionString(cs)] = db
	}
	m.mu.Unlock()

	results := make(map[string]error, len(pools))
	for key, db := range pools {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		results[key] = db.PingContext(pingCtx)
		cancel()
	}
	return results
}

// Close closes every pool. The manager rejects further Pool calls.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for cs, db := range m.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pool %s: %w", environments.SanitizeConnectionString(cs), err))
		}
	}
	m.pools = nil
	return errors.Join(errs...)
}
