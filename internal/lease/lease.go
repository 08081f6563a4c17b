// Package lease keeps a single ingester writing to a database. A lease is
// taken before the scanner starts and watched for the lifetime of the
// process.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/pbsgestor/internal/apperr"
	"github.com/kiranshivaraju/pbsgestor/internal/config"
)

// ErrHeld is returned by TryAcquire when another process holds the lease.
var ErrHeld = errors.New("lease held by another process")

// Lease is a held single-writer lease.
type Lease interface {
	// Lost is closed once the lease can no longer be guaranteed.
	Lost() <-chan struct{}
	Release(ctx context.Context) error
}

// Locker takes leases on one key.
type Locker interface {
	TryAcquire(ctx context.Context) (Lease, error)
	Close() error
}

// New returns the Locker for the configured backend.
func New(cfg config.LeaseConfig, databaseURL string, logger *slog.Logger) (Locker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "postgres":
		return NewPostgresLocker(databaseURL, cfg.Key, cfg.TTL.Duration, logger), nil
	case "redis":
		r, err := NewRedisLocker(cfg.RedisURL, cfg.Key, cfg.TTL.Duration, logger)
		if err != nil {
			return nil, fmt.Errorf("%w: lease.redis_url: %w", apperr.ErrConfig, err)
		}
		return r, nil
	case "none", "":
		return NoopLocker{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown lease backend %q", apperr.ErrConfig, cfg.Backend)
	}
}

// Acquire retries TryAcquire with backoff until the lease is held, a
// non-contention error occurs or ctx is done.
func Acquire(ctx context.Context, locker Locker, maxWait time.Duration, logger *slog.Logger) (Lease, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	expo.MaxInterval = maxWait
	expo.MaxElapsedTime = 0

	var held Lease
	op := func() error {
		l, err := locker.TryAcquire(ctx)
		if errors.Is(err, ErrHeld) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		held = l
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Info("waiting for lease", "wait", wait, "reason", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(expo, ctx), notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrLeaseLost, err)
	}
	return held, nil
}

// Watch blocks until ctx is done (nil) or the lease is lost
// (apperr.ErrLeaseLost).
func Watch(ctx context.Context, l Lease) error {
	select {
	case <-ctx.Done():
		return nil
	case <-l.Lost():
		return apperr.ErrLeaseLost
	}
}

// NoopLocker always grants a lease that is never lost.
type NoopLocker struct{}

func (NoopLocker) TryAcquire(context.Context) (Lease, error) {
	return noopLease{}, nil
}

func (NoopLocker) Close() error { return nil }

type noopLease struct{}

func (noopLease) Lost() <-chan struct{}         { return nil }
func (noopLease) Release(context.Context) error { return nil }

// monitor closes lost at most once.
type monitor struct {
	lost   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func newMonitor() *monitor {
	return &monitor{
		lost: make(chan struct{}),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (m *monitor) markLost() {
	if !m.closed {
		m.closed = true
		close(m.lost)
	}
}

// refreshEvery runs check every interval until stopped or check reports
// that the lease is gone. Only the monitor goroutine calls markLost.
func (m *monitor) refreshEvery(interval time.Duration, check func() bool) {
	defer close(m.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			if !check() {
				m.markLost()
				return
			}
		}
	}
}

// halt stops the refresh goroutine and waits for it.
func (m *monitor) halt() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}
