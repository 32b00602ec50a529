// Package notify turns bus events into frames pushed to connected sockets.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"campus/events"
	"campus/models"
	"campus/protocol"
	"campus/relation"
)

const (
	friendRequestText   = "You have a new friend request."
	requestAcceptedText = "Your friend request was accepted."
)

type Subscriber interface {
	Subscribe(name, subscriber string, handler events.Handler)
}

type Deliverer interface {
	DeliverToRoom(channelID string, frame []byte) int
	DeliverToUser(userID string, frame []byte) int
}

// Register subscribes the socket delivery handlers. Call it once at startup.
func Register(bus Subscriber, sockets Deliverer, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	bus.Subscribe(events.MessageSent, "rooms", func(_ context.Context, ev events.Event) error {
		m, ok := ev.Payload.(models.Message)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		n := sockets.DeliverToRoom(m.ChannelID, protocol.MessageReceived(m))
		logger.Debug("message delivered", "channel_id", m.ChannelID, "message_id", m.ID, "sockets", n)
		return nil
	})

	bus.Subscribe(events.FriendRequestSent, "notifications", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(relation.FriendRequestSent)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		n := sockets.DeliverToUser(p.To, protocol.Notification(protocol.NotifyFriendRequest, p.From, friendRequestText))
		logger.Info("friend request notification sent", "from", p.From, "to", p.To, "sockets", n)
		return nil
	})

	bus.Subscribe(events.FriendRequestAccepted, "notifications", func(_ context.Context, ev events.Event) error {
		p, ok := ev.Payload.(relation.FriendRequestAccepted)
		if !ok {
			return fmt.Errorf("unexpected payload %T", ev.Payload)
		}
		n := sockets.DeliverToUser(p.From, protocol.Notification(protocol.NotifyFriendRequestAccepted, p.By, requestAcceptedText))
		logger.Info("friend request accepted notification sent", "from", p.By, "to", p.From, "sockets", n)
		return nil
	})
}
