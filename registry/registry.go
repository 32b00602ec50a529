// Package registry indexes live sockets by user and by joined channel room.
//
// A user may hold any number of sockets at once. Delivery is best effort: a
// socket whose Send fails is skipped and the remaining ones still receive the
// frame.
package registry

import (
	"log/slog"
	"sync"
)

// Socket is one live connection. Send must not block; implementations queue
// the frame and write it from their own goroutine, preserving call order.
type Socket interface {
	ID() string
	UserID() string
	Send(frame []byte) error
	Close(reason string)
}

type Stats struct {
	Sockets int `json:"sockets"`
	Users   int `json:"users"`
	Rooms   int `json:"rooms"`
}

type Registry struct {
	mu          sync.RWMutex
	sockets     map[string]Socket              // socket id -> socket
	userSockets map[string]map[string]Socket   // user id -> socket id -> socket
	rooms       map[string]map[string]Socket   // channel id -> socket id -> socket
	socketRooms map[string]map[string]struct{} // socket id -> channel ids
	logger      *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sockets:     make(map[string]Socket),
		userSockets: make(map[string]map[string]Socket),
		rooms:       make(map[string]map[string]Socket),
		socketRooms: make(map[string]map[string]struct{}),
		logger:      logger,
	}
}

// Register admits an authenticated socket. Registering the same socket twice
// is a no-op.
func (r *Registry) Register(s Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sockets[s.ID()]; ok {
		return
	}
	r.sockets[s.ID()] = s
	userSet := r.userSockets[s.UserID()]
	if userSet == nil {
		userSet = make(map[string]Socket)
		r.userSockets[s.UserID()] = userSet
	}
	userSet[s.ID()] = s
	r.socketRooms[s.ID()] = make(map[string]struct{})

	r.logger.Debug("socket registered", "socket_id", s.ID(), "user_id", s.UserID(), "user_sockets", len(userSet))
}

// Unregister drops the socket and all of its room memberships. Unknown
// sockets are ignored.
func (r *Registry) Unregister(s Socket) {
	r.mu.Lock()
	removed := r.removeLocked(s.ID())
	r.mu.Unlock()

	if removed {
		r.logger.Debug("socket unregistered", "socket_id", s.ID(), "user_id", s.UserID())
	}
}

func (r *Registry) removeLocked(socketID string) bool {
	s, ok := r.sockets[socketID]
	if !ok {
		return false
	}
	for channelID := range r.socketRooms[socketID] {
		r.leaveLocked(channelID, socketID)
	}
	delete(r.socketRooms, socketID)
	delete(r.sockets, socketID)

	if userSet := r.userSockets[s.UserID()]; userSet != nil {
		delete(userSet, socketID)
		if len(userSet) == 0 {
			delete(r.userSockets, s.UserID())
		}
	}
	return true
}

// JoinRoom subscribes a registered socket to a channel's deliveries. It
// reports false when the socket is not registered.
func (r *Registry) JoinRoom(s Socket, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	memberships, ok := r.socketRooms[s.ID()]
	if !ok {
		return false
	}
	room := r.rooms[channelID]
	if room == nil {
		room = make(map[string]Socket)
		r.rooms[channelID] = room
	}
	room[s.ID()] = s
	memberships[channelID] = struct{}{}
	return true
}

func (r *Registry) LeaveRoom(s Socket, channelID string) {
	r.mu.Lock()
	r.leaveLocked(channelID, s.ID())
	r.mu.Unlock()
}

func (r *Registry) leaveLocked(channelID, socketID string) {
	if room := r.rooms[channelID]; room != nil {
		delete(room, socketID)
		if len(room) == 0 {
			delete(r.rooms, channelID)
		}
	}
	if memberships := r.socketRooms[socketID]; memberships != nil {
		delete(memberships, channelID)
	}
}

// InRoom reports whether the socket has joined the channel room.
func (r *Registry) InRoom(s Socket, channelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[channelID][s.ID()]
	return ok
}

// DeliverToRoom sends frame to every socket joined to the channel and returns
// how many accepted it.
func (r *Registry) DeliverToRoom(channelID string, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendAll(r.rooms[channelID], frame)
}

// DeliverToUser sends frame to every socket of the user.
func (r *Registry) DeliverToUser(userID string, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendAll(r.userSockets[userID], frame)
}

func (r *Registry) sendAll(targets map[string]Socket, frame []byte) int {
	delivered := 0
	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			r.logger.Debug("socket send failed", "socket_id", s.ID(), "user_id", s.UserID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// IsOnline reports whether the user has at least one live socket.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userSockets[userID]) > 0
}

// CloseUser unregisters and closes every socket of the user and returns how
// many were closed.
func (r *Registry) CloseUser(userID, reason string) int {
	r.mu.Lock()
	var closing []Socket
	for id, s := range r.userSockets[userID] {
		closing = append(closing, s)
		r.removeLocked(id)
	}
	r.mu.Unlock()

	for _, s := range closing {
		s.Close(reason)
	}
	if len(closing) > 0 {
		r.logger.Info("closed user sockets", "user_id", userID, "count", len(closing), "reason", reason)
	}
	return len(closing)
}

// CloseAll closes every socket and empties the registry.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	closing := make([]Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		closing = append(closing, s)
	}
	r.sockets = make(map[string]Socket)
	r.userSockets = make(map[string]map[string]Socket)
	r.rooms = make(map[string]map[string]Socket)
	r.socketRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, s := range closing {
		s.Close(reason)
	}
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Sockets: len(r.sockets), Users: len(r.userSockets), Rooms: len(r.rooms)}
}
