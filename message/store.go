// Package message persists channel messages and enforces that only the
// sender may edit or delete one.
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"campus/apperr"
	"campus/db"
	"campus/events"
	"campus/keylock"
	"campus/models"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

var (
	ErrEmptyContent  = apperr.New(apperr.KindInvalidInput, "message content must not be empty")
	ErrNoSuchChannel = apperr.New(apperr.KindNotFound, "channel not found")
	ErrNotFound      = apperr.New(apperr.KindNotFound, "message not found")
	ErrForbidden     = apperr.New(apperr.KindForbidden, "only the sender may change this message")
)

type Backend interface {
	ChannelByID(ctx context.Context, id string) (models.Channel, error)
	InsertMessage(ctx context.Context, m models.Message) error
	MessageByID(ctx context.Context, id string) (models.Message, error)
	UpdateMessageContent(ctx context.Context, id, content string, updatedAt time.Time) error
	DeleteMessage(ctx context.Context, id string) error
	MessagesForChannel(ctx context.Context, channelID string) ([]models.Message, error)
	MessagesBefore(ctx context.Context, channelID, before string, limit int) ([]models.Message, error)
}

// NameResolver supplies the display name stored with each new message.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type Store struct {
	backend Backend
	names   NameResolver
	bus     events.Publisher
	locks   *keylock.Locker
	logger  *slog.Logger
	now     func() time.Time
}

func NewStore(backend Backend, names NameResolver, bus events.Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		names:   names,
		bus:     bus,
		locks:   keylock.New(),
		logger:  logger,
		now:     time.Now,
	}
}

// Append stores a new message and publishes it. Callers check participancy.
func (s *Store) Append(ctx context.Context, channelID, senderID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}

	unlock := s.locks.Lock(channelID)
	defer unlock()

	if _, err := s.backend.ChannelByID(ctx, channelID); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return models.Message{}, ErrNoSuchChannel
		}
		return models.Message{}, fmt.Errorf("loading channel: %w", err)
	}

	name := senderID
	if s.names != nil {
		resolved, err := s.names.DisplayName(ctx, senderID)
		if err != nil {
			s.logger.Debug("sender name lookup failed", "user_id", senderID, "error", err)
		} else if resolved != "" {
			name = resolved
		}
	}

	now := s.now().UTC()
	m := models.Message{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		SenderID:   senderID,
		SenderName: name,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.backend.InsertMessage(ctx, m); err != nil {
		return models.Message{}, fmt.Errorf("inserting message: %w", err)
	}

	// Published under the channel lock so subscribers observe append order.
	if s.bus != nil {
		s.bus.Publish(ctx, events.MessageSent, m)
	}
	return m, nil
}

// Edit replaces the content of a message owned by by. The edited flag is set
// even when the content is unchanged.
func (s *Store) Edit(ctx context.Context, messageID, content, by string) (models.Message, error) {
	m, err := s.owned(ctx, messageID, by)
	if err != nil {
		return models.Message{}, err
	}
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyContent
	}

	now := s.now().UTC()
	if err := s.backend.UpdateMessageContent(ctx, messageID, content, now); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("updating message: %w", err)
	}

	m.Content = content
	m.Edited = true
	m.UpdatedAt = now
	return m, nil
}

func (s *Store) Remove(ctx context.Context, messageID, by string) error {
	if _, err := s.owned(ctx, messageID, by); err != nil {
		return err
	}
	if err := s.backend.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting message: %w", err)
	}
	s.logger.Debug("message removed", "message_id", messageID, "by", by)
	return nil
}

func (s *Store) owned(ctx context.Context, messageID, by string) (models.Message, error) {
	m, err := s.backend.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("loading message: %w", err)
	}
	if m.SenderID != by {
		return models.Message{}, ErrForbidden
	}
	return m, nil
}

// Get returns a single message.
func (s *Store) Get(ctx context.Context, messageID string) (models.Message, error) {
	m, err := s.backend.MessageByID(ctx, messageID)
	if errors.Is(err, db.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return m, err
}

// List returns every message of the channel in ascending creation order.
func (s *Store) List(ctx context.Context, channelID string) ([]models.Message, error) {
	return s.backend.MessagesForChannel(ctx, channelID)
}

// History returns up to limit messages older than before, oldest first. An
// empty before returns the most recent page; a before that is not a message
// of the channel yields ErrNotFound.
func (s *Store) History(ctx context.Context, channelID, before string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	page, err := s.backend.MessagesBefore(ctx, channelID, before, limit)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	return page, err
}
