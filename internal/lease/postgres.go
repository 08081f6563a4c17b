package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresLocker uses a session-level advisory lock held on a dedicated
// connection. The lock lives exactly as long as that connection.
type PostgresLocker struct {
	url    string
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

func NewPostgresLocker(databaseURL, key string, ttl time.Duration, logger *slog.Logger) *PostgresLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLocker{url: databaseURL, key: key, ttl: ttl, logger: logger}
}

func (p *PostgresLocker) TryAcquire(ctx context.Context) (Lease, error) {
	conn, err := pgx.Connect(ctx, p.url)
	if err != nil {
		return nil, fmt.Errorf("connect for lease: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, p.key).Scan(&ok); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Close(ctx)
		return nil, ErrHeld
	}

	l := &pgLease{conn: conn, key: p.key, mon: newMonitor()}
	go l.mon.refreshEvery(p.ttl/3, func() bool {
		pingCtx, cancel := context.WithTimeout(context.Background(), p.ttl/3)
		defer cancel()
		if err := l.ping(pingCtx); err != nil {
			p.logger.Error("lease connection lost", "key", p.key, "error", err)
			return false
		}
		return true
	})
	p.logger.Info("lease acquired", "backend", "postgres", "key", p.key)
	return l, nil
}

func (p *PostgresLocker) Close() error { return nil }

type pgLease struct {
	mu   sync.Mutex
	conn *pgx.Conn
	key  string
	mon  *monitor
}

func (l *pgLease) ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Ping(ctx)
}

func (l *pgLease) Lost() <-chan struct{} {
	return l.mon.lost
}

// Release unlocks and closes the connection. Closing alone would drop the
// lock too; the explicit unlock keeps the server log clean.
func (l *pgLease) Release(ctx context.Context) error {
	l.mon.halt()

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mon.closed || l.conn.IsClosed() {
		// The session is gone and took the lock with it.
		l.conn.Close(ctx)
		return nil
	}
	_, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key)
	if cerr := l.conn.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
