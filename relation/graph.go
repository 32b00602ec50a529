// Package relation implements the friend/request/block state machine.
//
// Each user holds at most one state toward any other user (friend, incoming,
// outgoing, blocked). Every mutation reads both sides of the pair, validates
// the transition and writes both sides in one transaction while holding a lock
// on the unordered pair, so concurrent mutations of the same pair never
// interleave and disjoint pairs proceed in parallel.
package relation

import (
	"context"
	"fmt"
	"log/slog"

	"campus/apperr"
	"campus/events"
	"campus/keylock"
	"campus/models"
)

var (
	ErrInvalidTarget    = apperr.New(apperr.KindInvalidInput, "cannot send a friend request to yourself")
	ErrSelfBlock        = apperr.New(apperr.KindInvalidInput, "cannot block yourself")
	ErrUnknownUser      = apperr.New(apperr.KindNotFound, "user not found")
	ErrAlreadyFriends   = apperr.New(apperr.KindConflict, "already friends")
	ErrDuplicateRequest = apperr.New(apperr.KindConflict, "friend request already pending")
	ErrAlreadyBlocked   = apperr.New(apperr.KindConflict, "user is already blocked")
	ErrBlocked          = apperr.New(apperr.KindForbidden, "blocked")
	ErrNoSuchRequest    = apperr.New(apperr.KindNotFound, "no friend request from this user")
	ErrNotFriends       = apperr.New(apperr.KindNotFound, "not friends with this user")
	ErrNotBlocked       = apperr.New(apperr.KindNotFound, "user is not blocked")
)

type Store interface {
	RelationState(ctx context.Context, owner, other string) (models.RelationKind, error)
	ApplyRelationChanges(ctx context.Context, changes []models.RelationChange) error
	RelationsOf(ctx context.Context, owner string, kind models.RelationKind) ([]string, error)
}

// UserChecker reports whether a user id exists.
type UserChecker interface {
	UserExists(ctx context.Context, id string) (bool, error)
}

// FriendRequestSent is the payload of events.FriendRequestSent.
type FriendRequestSent struct {
	From string
	To   string
}

// FriendRequestAccepted is the payload of events.FriendRequestAccepted. By
// accepted the request that From had sent.
type FriendRequestAccepted struct {
	By   string
	From string
}

type Graph struct {
	store  Store
	users  UserChecker
	bus    events.Publisher
	locks  *keylock.Locker
	logger *slog.Logger
}

func NewGraph(store Store, users UserChecker, bus events.Publisher, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		store:  store,
		users:  users,
		bus:    bus,
		locks:  keylock.New(),
		logger: logger,
	}
}

// pair is the state both users hold toward each other.
type pair struct {
	ab models.RelationKind // a toward b
	ba models.RelationKind // b toward a
}

// mutate runs fn under the pair lock with the current pair state. fn returns
// the changes to apply atomically.
func (g *Graph) mutate(ctx context.Context, a, b string, fn func(p pair) ([]models.RelationChange, error)) error {
	unlock := g.locks.Lock(keylock.PairKey(a, b))
	defer unlock()

	ab, err := g.store.RelationState(ctx, a, b)
	if err != nil {
		return fmt.Errorf("reading relation: %w", err)
	}
	ba, err := g.store.RelationState(ctx, b, a)
	if err != nil {
		return fmt.Errorf("reading relation: %w", err)
	}

	changes, err := fn(pair{ab: ab, ba: ba})
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}
	if err := g.store.ApplyRelationChanges(ctx, changes); err != nil {
		return fmt.Errorf("writing relation: %w", err)
	}
	return nil
}

func (g *Graph) requireUser(ctx context.Context, id string) error {
	if g.users == nil {
		return nil
	}
	ok, err := g.users.UserExists(ctx, id)
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}
	if !ok {
		return ErrUnknownUser
	}
	return nil
}

// SendRequest records a pending request from -> to and emits FriendRequestSent.
func (g *Graph) SendRequest(ctx context.Context, from, to string) error {
	if from == to {
		return ErrInvalidTarget
	}
	if err := g.requireUser(ctx, to); err != nil {
		return err
	}

	err := g.mutate(ctx, from, to, func(p pair) ([]models.RelationChange, error) {
		switch {
		case p.ab == models.RelationBlocked || p.ba == models.RelationBlocked:
			return nil, ErrBlocked
		case p.ab == models.RelationFriend:
			return nil, ErrAlreadyFriends
		case p.ab == models.RelationOutgoing, p.ab == models.RelationIncoming:
			return nil, ErrDuplicateRequest
		}
		return []models.RelationChange{
			{Owner: from, Other: to, Kind: models.RelationOutgoing},
			{Owner: to, Other: from, Kind: models.RelationIncoming},
		}, nil
	})
	if err != nil {
		return err
	}

	g.logger.Info("friend request sent", "from", from, "to", to)
	g.bus.Publish(ctx, events.FriendRequestSent, FriendRequestSent{From: from, To: to})
	return nil
}

// AcceptRequest turns the pending request from -> by into a friendship.
func (g *Graph) AcceptRequest(ctx context.Context, by, from string) error {
	err := g.mutate(ctx, by, from, func(p pair) ([]models.RelationChange, error) {
		if p.ab != models.RelationIncoming {
			return nil, ErrNoSuchRequest
		}
		return []models.RelationChange{
			{Owner: by, Other: from, Kind: models.RelationFriend},
			{Owner: from, Other: by, Kind: models.RelationFriend},
		}, nil
	})
	if err != nil {
		return err
	}

	g.logger.Info("friend request accepted", "by", by, "from", from)
	g.bus.Publish(ctx, events.FriendRequestAccepted, FriendRequestAccepted{By: by, From: from})
	return nil
}

// DenyRequest drops the pending request from -> by.
func (g *Graph) DenyRequest(ctx context.Context, by, from string) error {
	return g.mutate(ctx, by, from, func(p pair) ([]models.RelationChange, error) {
		if p.ab != models.RelationIncoming {
			return nil, ErrNoSuchRequest
		}
		return clearPair(by, from), nil
	})
}

// CancelRequest withdraws the pending request from -> to.
func (g *Graph) CancelRequest(ctx context.Context, from, to string) error {
	return g.mutate(ctx, from, to, func(p pair) ([]models.RelationChange, error) {
		if p.ab != models.RelationOutgoing {
			return nil, ErrNoSuchRequest
		}
		return clearPair(from, to), nil
	})
}

func (g *Graph) RemoveFriend(ctx context.Context, a, b string) error {
	return g.mutate(ctx, a, b, func(p pair) ([]models.RelationChange, error) {
		if p.ab != models.RelationFriend {
			return nil, ErrNotFriends
		}
		return clearPair(a, b), nil
	})
}

// Block clears any friendship or pending request between the pair and adds
// target to by's blocked set. A block target holds toward by is kept.
func (g *Graph) Block(ctx context.Context, by, target string) error {
	if by == target {
		return ErrSelfBlock
	}
	if err := g.requireUser(ctx, target); err != nil {
		return err
	}

	err := g.mutate(ctx, by, target, func(p pair) ([]models.RelationChange, error) {
		if p.ab == models.RelationBlocked {
			return nil, ErrAlreadyBlocked
		}
		changes := []models.RelationChange{{Owner: by, Other: target, Kind: models.RelationBlocked}}
		if p.ba != models.RelationBlocked && p.ba != models.RelationNone {
			changes = append(changes, models.RelationChange{Owner: target, Other: by, Kind: models.RelationNone})
		}
		return changes, nil
	})
	if err != nil {
		return err
	}

	g.logger.Info("user blocked", "by", by, "target", target)
	return nil
}

// Unblock removes the block entry only; no earlier state is restored.
func (g *Graph) Unblock(ctx context.Context, by, target string) error {
	return g.mutate(ctx, by, target, func(p pair) ([]models.RelationChange, error) {
		if p.ab != models.RelationBlocked {
			return nil, ErrNotBlocked
		}
		return []models.RelationChange{{Owner: by, Other: target, Kind: models.RelationNone}}, nil
	})
}

// IsBlockedEither reports whether a has blocked b or b has blocked a.
func (g *Graph) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	ab, err := g.store.RelationState(ctx, a, b)
	if err != nil {
		return false, err
	}
	if ab == models.RelationBlocked {
		return true, nil
	}
	ba, err := g.store.RelationState(ctx, b, a)
	if err != nil {
		return false, err
	}
	return ba == models.RelationBlocked, nil
}

func (g *Graph) Friends(ctx context.Context, userID string) ([]string, error) {
	return g.store.RelationsOf(ctx, userID, models.RelationFriend)
}

func (g *Graph) IncomingRequests(ctx context.Context, userID string) ([]string, error) {
	return g.store.RelationsOf(ctx, userID, models.RelationIncoming)
}

func (g *Graph) OutgoingRequests(ctx context.Context, userID string) ([]string, error) {
	return g.store.RelationsOf(ctx, userID, models.RelationOutgoing)
}

func (g *Graph) Blocked(ctx context.Context, userID string) ([]string, error) {
	return g.store.RelationsOf(ctx, userID, models.RelationBlocked)
}

// Record returns the full relationship record of userID.
func (g *Graph) Record(ctx context.Context, userID string) (models.Relationships, error) {
	rec := models.Relationships{UserID: userID}
	var err error
	if rec.Friends, err = g.Friends(ctx, userID); err != nil {
		return rec, err
	}
	if rec.IncomingRequests, err = g.IncomingRequests(ctx, userID); err != nil {
		return rec, err
	}
	if rec.OutgoingRequests, err = g.OutgoingRequests(ctx, userID); err != nil {
		return rec, err
	}
	if rec.Blocked, err = g.Blocked(ctx, userID); err != nil {
		return rec, err
	}
	return rec, nil
}

func clearPair(a, b string) []models.RelationChange {
	return []models.RelationChange{
		{Owner: a, Other: b, Kind: models.RelationNone},
		{Owner: b, Other: a, Kind: models.RelationNone},
	}
}
