package lock

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// PostgresLocker keeps leases as rows in processing_locks. An expired row is
// taken over by the next caller, so a crashed worker blocks a key for at
// most one TTL.
type PostgresLocker struct {
	DB *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{DB: db}
}

func (l *PostgresLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	var owner string
	err := l.DB.QueryRowContext(ctx, `
        INSERT INTO processing_locks (lock_key, owner, expires_at)
        VALUES ($1, $2, NOW() + $3::double precision * INTERVAL '1 millisecond')
        ON CONFLICT (lock_key) DO UPDATE
            SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
            WHERE processing_locks.expires_at < NOW()
        RETURNING owner
    `, key, token, ttl.Milliseconds()).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return token, owner == token, nil
}

func (l *PostgresLocker) Unlock(ctx context.Context, key, token string) error {
	_, err := l.DB.ExecContext(ctx, `DELETE FROM processing_locks WHERE lock_key=$1 AND owner=$2`, key, token)
	return err
}

var _ Locker = (*PostgresLocker)(nil)
