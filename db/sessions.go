package db

import (
	"context"
	"time"
)

func (db *DB) SaveSession(ctx context.Context, tokenHash string, payload []byte, expiresAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO sessions (token_hash, payload, expires_at) VALUES (?, ?, ?)",
		tokenHash, payload, toUnix(expiresAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) LoadSession(ctx context.Context, tokenHash string) ([]byte, time.Time, error) {
	var (
		payload []byte
		expires int64
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT payload, expires_at FROM sessions WHERE token_hash = ?", tokenHash,
	).Scan(&payload, &expires)
	if err != nil {
		return nil, time.Time{}, noRows(err)
	}
	return payload, fromUnix(expires), nil
}

func (db *DB) TouchSession(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE sessions SET expires_at = ? WHERE token_hash = ?", toUnix(expiresAt), tokenHash,
	)
	return err
}

// DeleteSession is a no-op when the session does not exist.
func (db *DB) DeleteSession(ctx context.Context, tokenHash string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE token_hash = ?", tokenHash)
	return err
}

func (db *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", toUnix(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
