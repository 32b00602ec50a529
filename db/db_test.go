package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campus/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := New(path)
	require.NoError(t, err)
	require.NoError(t, database.CreateUser(context.Background(), models.User{
		ID: "u1", Username: "alice", Email: "alice@campus.test", PasswordHash: "x",
	}))
	require.NoError(t, database.Close())

	database, err = New(path)
	require.NoError(t, err)
	defer database.Close()

	assert.True(t, database.columnExists("users", "display_name"))
	assert.True(t, database.columnExists("messages", "updated_at"))
	assert.False(t, database.columnExists("users", "nope"))

	u, err := database.UserByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestUsers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := models.User{ID: "u1", Username: "alice", Email: "alice@campus.test", PasswordHash: "x"}
	require.NoError(t, database.CreateUser(ctx, u))
	assert.ErrorIs(t, database.CreateUser(ctx, models.User{ID: "u2", Username: "alice", Email: "other@campus.test"}), ErrDuplicate)
	assert.ErrorIs(t, database.CreateUser(ctx, models.User{ID: "u1", Username: "bob", Email: "bob@campus.test"}), ErrDuplicate)
	assert.ErrorIs(t, database.CreateUser(ctx, models.User{ID: "u3", Username: "Alice", Email: "third@campus.test"}), ErrDuplicate)
	assert.ErrorIs(t, database.CreateUser(ctx, models.User{ID: "u4", Username: "dora", Email: "ALICE@campus.test"}), ErrDuplicate)

	got, err := database.UserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = database.UserByEmail(ctx, "missing@campus.test")
	assert.ErrorIs(t, err, ErrNoRows)

	ok, err := database.UserExists(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = database.UserExists(ctx, "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessions(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, database.SaveSession(ctx, "live", []byte("a"), now.Add(time.Hour)))
	require.NoError(t, database.SaveSession(ctx, "stale", []byte("b"), now.Add(-time.Minute)))
	assert.ErrorIs(t, database.SaveSession(ctx, "live", []byte("c"), now), ErrDuplicate)

	payload, expires, err := database.LoadSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), payload)
	assert.True(t, expires.Equal(now.Add(time.Hour)))

	require.NoError(t, database.TouchSession(ctx, "live", now.Add(2*time.Hour)))
	_, expires, err = database.LoadSession(ctx, "live")
	require.NoError(t, err)
	assert.True(t, expires.Equal(now.Add(2*time.Hour)))

	n, err := database.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, _, err = database.LoadSession(ctx, "stale")
	assert.ErrorIs(t, err, ErrNoRows)

	require.NoError(t, database.DeleteSession(ctx, "live"))
	require.NoError(t, database.DeleteSession(ctx, "live"))
}

func TestRelations(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, database.ApplyRelationChanges(ctx, []models.RelationChange{
		{Owner: "a", Other: "b", Kind: models.RelationOutgoing},
		{Owner: "b", Other: "a", Kind: models.RelationIncoming},
	}))
	kind, err := database.RelationState(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, models.RelationIncoming, kind)

	require.NoError(t, database.ApplyRelationChanges(ctx, []models.RelationChange{
		{Owner: "a", Other: "b", Kind: models.RelationFriend},
		{Owner: "b", Other: "a", Kind: models.RelationNone},
	}))
	kind, err = database.RelationState(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, models.RelationNone, kind)

	friends, err := database.RelationsOf(ctx, "a", models.RelationFriend)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, friends)

	none, err := database.RelationsOf(ctx, "b", models.RelationFriend)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestChannelsAndMessages(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	dm := models.Channel{ID: "c1", Kind: models.ChannelDM, Participants: []string{"u2", "u1"}, CreatedAt: now}
	require.NoError(t, database.CreateChannel(ctx, dm, "u1:u2"))
	assert.ErrorIs(t, database.CreateChannel(ctx, models.Channel{ID: "c2", Kind: models.ChannelDM, CreatedAt: now}, "u1:u2"), ErrDuplicate)

	got, err := database.ChannelByDMKey(ctx, "u1:u2")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, []string{"u1", "u2"}, got.Participants)

	_, err = database.ChannelByID(ctx, "c2")
	assert.ErrorIs(t, err, ErrNoRows, "failed insert leaves nothing behind")

	ok, err := database.IsParticipant(ctx, "c1", "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	m := models.Message{ID: "m1", ChannelID: "c1", SenderID: "u1", SenderName: "alice", Content: "hi", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, database.InsertMessage(ctx, m))
	require.NoError(t, database.UpdateMessageContent(ctx, "m1", "hello", now.Add(time.Second)))

	stored, err := database.MessageByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assert.True(t, stored.Edited)
	assert.True(t, stored.UpdatedAt.Equal(now.Add(time.Second)))

	assert.ErrorIs(t, database.UpdateMessageContent(ctx, "m9", "x", now), ErrNoRows)
	require.NoError(t, database.DeleteMessage(ctx, "m1"))
	assert.ErrorIs(t, database.DeleteMessage(ctx, "m1"), ErrNoRows)

	group := models.Channel{ID: "c3", Kind: models.ChannelGroup, Name: "study", Participants: []string{"u1", "u3"}, CreatedAt: now}
	require.NoError(t, database.CreateChannel(ctx, group, ""))
	require.NoError(t, database.InsertMessage(ctx, models.Message{ID: "m2", ChannelID: "c3", SenderID: "u1", SenderName: "alice", Content: "x", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, database.InsertMessage(ctx, models.Message{ID: "m3", ChannelID: "c1", SenderID: "u1", SenderName: "alice", Content: "y", CreatedAt: now, UpdatedAt: now}))

	_, err = database.MessagesBefore(ctx, "c1", "m2", 10)
	assert.ErrorIs(t, err, ErrNoRows, "cursor from another channel")
	page, err := database.MessagesBefore(ctx, "c1", "m3", 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
