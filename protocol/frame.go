// Package protocol defines the JSON frames exchanged over the socket gateway
// and the line format of the local control socket.
//
// Every socket frame is an envelope {"type": ..., "data": {...}}.
package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"campus/models"
)

var (
	ErrInvalidFrame = errors.New("invalid frame")
	ErrUnknownFrame = errors.New("unknown frame type")
)

// Client to server.
const (
	TypeJoinChannel  = "joinChannel"
	TypeLeaveChannel = "leaveChannel"
	TypeSendMessage  = "sendMessage"
	TypePing         = "ping"
)

// Server to client.
const (
	TypeConnected       = "connected"
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeMessageReceived = "messageReceived"
	TypeNotification    = "notification"
	TypeError           = "error"
	TypePong            = "pong"
	TypeBye             = "bye"
)

// Notification kinds.
const (
	NotifyFriendRequest         = "FRIEND_REQUEST"
	NotifyFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is a decoded client frame.
type Request struct {
	Type      string `json:"-"`
	ChannelID string `json:"channelId,omitempty"`
	Content   string `json:"content,omitempty"`
}

// ParseFrame decodes and validates one client frame.
func ParseFrame(raw []byte) (Request, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return Request{}, ErrInvalidFrame
	}

	var req Request
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return Request{}, ErrInvalidFrame
		}
	}
	req.Type = env.Type
	req.ChannelID = strings.TrimSpace(req.ChannelID)

	switch req.Type {
	case TypePing:
	case TypeJoinChannel, TypeLeaveChannel:
		if req.ChannelID == "" {
			return Request{}, ErrInvalidFrame
		}
	case TypeSendMessage:
		if req.ChannelID == "" {
			return Request{}, ErrInvalidFrame
		}
	default:
		return Request{}, ErrUnknownFrame
	}
	return req, nil
}

// Encode builds a frame of the given type around data.
func Encode(frameType string, data any) []byte {
	env := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: frameType, Data: data}

	b, err := json.Marshal(env)
	if err != nil {
		// Only reachable with an unencodable payload.
		b, _ = json.Marshal(struct {
			Type string `json:"type"`
			Data any    `json:"data"`
		}{Type: TypeError, Data: map[string]string{"reason": "encoding failed"}})
	}
	return b
}

func Connected(userID string) []byte {
	return Encode(TypeConnected, map[string]string{"userId": userID})
}

func Joined(channelID string) []byte {
	return Encode(TypeJoined, map[string]string{"channelId": channelID})
}

func Left(channelID string) []byte {
	return Encode(TypeLeft, map[string]string{"channelId": channelID})
}

func MessageReceived(m models.Message) []byte {
	return Encode(TypeMessageReceived, map[string]any{"message": m})
}

// Notice is the payload of a notification frame.
type Notice struct {
	Type       string `json:"type"`
	FromUserID string `json:"fromUserId"`
	Message    string `json:"message"`
}

func Notification(kind, fromUserID, message string) []byte {
	return Encode(TypeNotification, Notice{Type: kind, FromUserID: fromUserID, Message: message})
}

func Error(reason string) []byte {
	return Encode(TypeError, map[string]string{"reason": reason})
}

func Pong() []byte {
	return Encode(TypePong, nil)
}

// Bye tells the client the server is closing the socket. A zero until means
// no expected return time.
func Bye(reason string, until time.Time) []byte {
	data := map[string]string{"reason": reason}
	if !until.IsZero() {
		data["until"] = until.UTC().Format(time.RFC3339)
	}
	return Encode(TypeBye, data)
}
