package db

import (
	"context"
	"time"

	"campus/models"
)

const messageColumns = "id, channel_id, sender_id, sender_name, content, edited, created_at, updated_at"

func (db *DB) InsertMessage(ctx context.Context, m models.Message) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, sender_id, sender_name, content, edited, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChannelID, m.SenderID, m.SenderName, m.Content, m.Edited,
		toUnix(m.CreatedAt), toUnix(m.UpdatedAt),
	)
	return err
}

func (db *DB) MessageByID(ctx context.Context, id string) (models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	return scanMessage(row)
}

// UpdateMessageContent replaces the content and marks the message edited.
func (db *DB) UpdateMessageContent(ctx context.Context, id, content string, updatedAt time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET content = ?, edited = 1, updated_at = ? WHERE id = ?",
		content, toUnix(updatedAt), id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNoRows
	}

	return nil
}

// MessagesForChannel returns every message of the channel in creation order.
func (db *DB) MessagesForChannel(ctx context.Context, channelID string) ([]models.Message, error) {
	return db.queryMessages(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE channel_id = ? ORDER BY created_at ASC, seq ASC",
		channelID,
	)
}

// MessagesBefore returns up to limit messages older than the message with id
// before (newest page when before is empty), in creation order. ErrNoRows is
// returned when before is not a message of the channel.
func (db *DB) MessagesBefore(ctx context.Context, channelID, before string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
		SELECT * FROM messages WHERE channel_id = ?`
	args := []any{channelID}
	if before != "" {
		var cursor int64
		err := db.conn.QueryRowContext(ctx,
			"SELECT seq FROM messages WHERE id = ? AND channel_id = ?", before, channelID,
		).Scan(&cursor)
		if err != nil {
			return nil, noRows(err)
		}
		query += ` AND seq < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?
	) ORDER BY created_at ASC, seq ASC`
	args = append(args, limit)

	return db.queryMessages(ctx, query, args...)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(row scanner) (models.Message, error) {
	var (
		m                models.Message
		created, updated int64
	)
	if err := row.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Content, &m.Edited, &created, &updated); err != nil {
		return models.Message{}, noRows(err)
	}
	m.CreatedAt = fromUnix(created)
	m.UpdatedAt = fromUnix(updated)
	return m, nil
}
