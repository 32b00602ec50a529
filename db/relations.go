package db

import (
	"context"
	"database/sql"

	"campus/models"
)

// RelationState returns owner's state toward other, RelationNone when absent.
func (db *DB) RelationState(ctx context.Context, owner, other string) (models.RelationKind, error) {
	var kind string
	err := db.conn.QueryRowContext(ctx,
		"SELECT kind FROM relations WHERE owner = ? AND other = ?", owner, other,
	).Scan(&kind)
	if err == sql.ErrNoRows {
		return models.RelationNone, nil
	}
	if err != nil {
		return models.RelationNone, err
	}
	return models.RelationKind(kind), nil
}

// ApplyRelationChanges writes all changes in one transaction.
func (db *DB) ApplyRelationChanges(ctx context.Context, changes []models.RelationChange) error {
	now := toUnix(db.now())
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range changes {
			if c.Kind == models.RelationNone {
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM relations WHERE owner = ? AND other = ?", c.Owner, c.Other,
				); err != nil {
					return err
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO relations (owner, other, kind, created_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(owner, other) DO UPDATE SET kind = excluded.kind, created_at = excluded.created_at`,
				c.Owner, c.Other, string(c.Kind), now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// RelationsOf lists the users that owner holds in the given state, oldest first.
func (db *DB) RelationsOf(ctx context.Context, owner string, kind models.RelationKind) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT other FROM relations WHERE owner = ? AND kind = ? ORDER BY created_at, other",
		owner, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
