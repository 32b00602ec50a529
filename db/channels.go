package db

import (
	"context"
	"database/sql"
	"sort"
	"strings"

	"campus/models"
)

const channelSelect = `SELECT c.id, c.kind, c.name, c.created_at,
	(SELECT GROUP_CONCAT(user_id, ',') FROM channel_participants WHERE channel_id = c.id)
	FROM channels c`

// CreateChannel stores ch with its participants. dmKey is empty for group
// channels; a second DM channel for the same key returns ErrDuplicate.
func (db *DB) CreateChannel(ctx context.Context, ch models.Channel, dmKey string) error {
	var key any
	if dmKey != "" {
		key = dmKey
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO channels (id, kind, name, dm_key, created_at) VALUES (?, ?, ?, ?, ?)",
			ch.ID, string(ch.Kind), ch.Name, key, toUnix(ch.CreatedAt),
		); err != nil {
			return err
		}
		for _, userID := range ch.Participants {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO channel_participants (channel_id, user_id) VALUES (?, ?)",
				ch.ID, userID,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (db *DB) ChannelByID(ctx context.Context, id string) (models.Channel, error) {
	return scanChannel(db.conn.QueryRowContext(ctx, channelSelect+" WHERE c.id = ?", id))
}

func (db *DB) ChannelByDMKey(ctx context.Context, dmKey string) (models.Channel, error) {
	return scanChannel(db.conn.QueryRowContext(ctx, channelSelect+" WHERE c.dm_key = ?", dmKey))
}

func (db *DB) ChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	rows, err := db.conn.QueryContext(ctx, channelSelect+`
		WHERE c.id IN (SELECT channel_id FROM channel_participants WHERE user_id = ?)
		ORDER BY c.created_at, c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

func (db *DB) IsParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM channel_participants WHERE channel_id = ? AND user_id = ?",
		channelID, userID,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (models.Channel, error) {
	var (
		ch           models.Channel
		kind         string
		created      int64
		participants sql.NullString
	)
	if err := row.Scan(&ch.ID, &kind, &ch.Name, &created, &participants); err != nil {
		return models.Channel{}, noRows(err)
	}
	ch.Kind = models.ChannelKind(kind)
	ch.CreatedAt = fromUnix(created)
	ch.Participants = []string{}
	if participants.Valid && participants.String != "" {
		ch.Participants = strings.Split(participants.String, ",")
		sort.Strings(ch.Participants)
	}
	return ch, nil
}
