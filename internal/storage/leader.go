package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Leader holds a Postgres session-level advisory lock. The lock lives on a
// single pinned connection, so it is only released by Release or by that
// connection dying.
type Leader struct {
	db  *sql.DB
	key int64
	log *zap.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

func NewLeader(db *sql.DB, key int64, log *zap.Logger) *Leader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Leader{db: db, key: key, log: log.Named("leader")}
}

// TryAcquire reports whether this process holds the lock, taking it if it
// is free. A broken pinned connection counts as lost leadership.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		l.log.Warn("leader connection lost", zap.Int64("lock_key", l.key))
		_ = l.conn.Close()
		l.conn = nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("storage: leader conn: %w", err)
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `select pg_try_advisory_lock($1)`, l.key).Scan(&ok); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("storage: advisory lock: %w", err)
	}
	if !ok {
		_ = conn.Close()
		return false, nil
	}
	l.conn = conn
	l.log.Info("leadership acquired", zap.Int64("lock_key", l.key))
	return true, nil
}

func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	defer func() {
		_ = l.conn.Close()
		l.conn = nil
	}()
	if _, err := l.conn.ExecContext(ctx, `select pg_advisory_unlock($1)`, l.key); err != nil {
		return fmt.Errorf("storage: advisory unlock: %w", err)
	}
	l.log.Info("leadership released", zap.Int64("lock_key", l.key))
	return nil
}
