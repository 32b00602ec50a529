// Package channel owns channel existence and participancy. DM channels are
// unique per unordered pair of users; IsParticipant is the authorization
// primitive every message operation goes through.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"campus/apperr"
	"campus/db"
	"campus/keylock"
	"campus/models"
)

var (
	ErrSelfDM           = apperr.New(apperr.KindInvalidInput, "cannot open a direct channel with yourself")
	ErrTooFewMembers    = apperr.New(apperr.KindInvalidInput, "a group channel needs at least two participants")
	ErrNoSuchChannel    = apperr.New(apperr.KindNotFound, "channel not found")
	ErrMissingUserID    = apperr.New(apperr.KindInvalidInput, "user identifier is required")
	errDedupUnconverged = errors.New("dm channel lookup did not converge")
)

type Store interface {
	CreateChannel(ctx context.Context, ch models.Channel, dmKey string) error
	ChannelByID(ctx context.Context, id string) (models.Channel, error)
	ChannelByDMKey(ctx context.Context, dmKey string) (models.Channel, error)
	ChannelsForUser(ctx context.Context, userID string) ([]models.Channel, error)
	IsParticipant(ctx context.Context, channelID, userID string) (bool, error)
}

type Directory struct {
	store  Store
	locks  *keylock.Locker
	logger *slog.Logger
	now    func() time.Time
}

func NewDirectory(store Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, locks: keylock.New(), logger: logger, now: time.Now}
}

// DMKey is the dedup key of the direct channel between a and b.
func DMKey(a, b string) string {
	return keylock.PairKey(a, b)
}

// GetOrCreateDM returns the direct channel between a and b, creating it on
// first use. Concurrent callers for the same pair receive the same channel.
func (d *Directory) GetOrCreateDM(ctx context.Context, a, b string) (models.Channel, error) {
	if a == "" || b == "" {
		return models.Channel{}, ErrMissingUserID
	}
	if a == b {
		return models.Channel{}, ErrSelfDM
	}
	key := DMKey(a, b)

	unlock := d.locks.Lock(key)
	defer unlock()

	// A unique-constraint loss means another writer created it first; look
	// it up again.
	for attempt := 0; attempt < 3; attempt++ {
		ch, err := d.store.ChannelByDMKey(ctx, key)
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, db.ErrNoRows) {
			return models.Channel{}, fmt.Errorf("looking up dm channel: %w", err)
		}

		participants := []string{a, b}
		sort.Strings(participants)
		ch = models.Channel{
			ID:           uuid.NewString(),
			Kind:         models.ChannelDM,
			Participants: participants,
			CreatedAt:    d.now().UTC(),
		}
		err = d.store.CreateChannel(ctx, ch, key)
		if err == nil {
			d.logger.Info("dm channel created", "channel_id", ch.ID, "participants", participants)
			return ch, nil
		}
		if !errors.Is(err, db.ErrDuplicate) {
			return models.Channel{}, fmt.Errorf("creating dm channel: %w", err)
		}
	}
	return models.Channel{}, errDedupUnconverged
}

// CreateGroup creates a group channel containing creator and participants.
func (d *Directory) CreateGroup(ctx context.Context, creator, name string, participants []string) (models.Channel, error) {
	if creator == "" {
		return models.Channel{}, ErrMissingUserID
	}
	seen := map[string]bool{creator: true}
	members := []string{creator}
	for _, p := range participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		members = append(members, p)
	}
	if len(members) < 2 {
		return models.Channel{}, ErrTooFewMembers
	}
	sort.Strings(members)

	ch := models.Channel{
		ID:           uuid.NewString(),
		Kind:         models.ChannelGroup,
		Name:         strings.TrimSpace(name),
		Participants: members,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateChannel(ctx, ch, ""); err != nil {
		return models.Channel{}, fmt.Errorf("creating group channel: %w", err)
	}
	d.logger.Info("group channel created", "channel_id", ch.ID, "creator", creator, "members", len(members))
	return ch, nil
}

func (d *Directory) Get(ctx context.Context, channelID string) (models.Channel, error) {
	ch, err := d.store.ChannelByID(ctx, channelID)
	if errors.Is(err, db.ErrNoRows) {
		return models.Channel{}, ErrNoSuchChannel
	}
	return ch, err
}

func (d *Directory) IsParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	if channelID == "" || userID == "" {
		return false, nil
	}
	return d.store.IsParticipant(ctx, channelID, userID)
}

// ListForUser returns the user's channels, oldest first.
func (d *Directory) ListForUser(ctx context.Context, userID string) ([]models.Channel, error) {
	return d.store.ChannelsForUser(ctx, userID)
}
