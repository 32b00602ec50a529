package db

import (
	"context"
	"database/sql"

	"campus/models"
)

const userColumns = "id, username, email, display_name, password, created_at"

// CreateUser stores u. PasswordHash must already be hashed.
func (db *DB) CreateUser(ctx context.Context, u models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = db.now()
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (id, username, email, display_name, password, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.DisplayName, u.PasswordHash, toUnix(u.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) UserByID(ctx context.Context, id string) (models.User, error) {
	return db.userWhere(ctx, "id = ?", id)
}

func (db *DB) UserByEmail(ctx context.Context, email string) (models.User, error) {
	return db.userWhere(ctx, "email = ? COLLATE NOCASE", email)
}

func (db *DB) UserByUsername(ctx context.Context, username string) (models.User, error) {
	return db.userWhere(ctx, "username = ? COLLATE NOCASE", username)
}

func (db *DB) UserExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (db *DB) userWhere(ctx context.Context, where string, arg any) (models.User, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	return scanUser(row)
}

func scanUser(row *sql.Row) (models.User, error) {
	var (
		u       models.User
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.PasswordHash, &created); err != nil {
		return models.User{}, noRows(err)
	}
	u.CreatedAt = fromUnix(created)
	return u, nil
}
