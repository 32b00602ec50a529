package server

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"campus/protocol"
)

var (
	errSocketClosed = errors.New("socket closed")
	errBufferFull   = errors.New("socket send buffer full")
)

// wsSocket queues outbound frames on a buffered channel drained by a single
// write goroutine, so frames reach the peer in Send order.
type wsSocket struct {
	id     string
	userID string
	ws     *websocket.Conn

	writeWait  time.Duration
	pingPeriod time.Duration
	bye        func(reason string) []byte

	mu      sync.Mutex
	send    chan []byte
	closing bool
	reason  string
	done    chan struct{}
}

func newSocket(userID string, ws *websocket.Conn, buffer int, writeWait, pingPeriod time.Duration, bye func(string) []byte) *wsSocket {
	return &wsSocket{
		id:         uuid.NewString(),
		userID:     userID,
		ws:         ws,
		writeWait:  writeWait,
		pingPeriod: pingPeriod,
		bye:        bye,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
	}
}

func (c *wsSocket) ID() string     { return c.id }
func (c *wsSocket) UserID() string { return c.userID }

// Send enqueues frame without blocking. A full buffer closes the socket.
func (c *wsSocket) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return errSocketClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked("slow consumer")
		return errBufferFull
	}
}

// Close flushes queued frames, sends bye with reason (when non-empty) and
// closes the connection.
func (c *wsSocket) Close(reason string) {
	c.mu.Lock()
	c.closeLocked(reason)
	c.mu.Unlock()
}

func (c *wsSocket) closeLocked(reason string) {
	if c.closing {
		return
	}
	c.closing = true
	c.reason = reason
	close(c.send)
}

func (c *wsSocket) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.finish()
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsSocket) finish() {
	c.mu.Lock()
	reason := c.reason
	c.mu.Unlock()

	if reason != "" && c.bye != nil {
		_ = c.write(websocket.TextMessage, c.bye(reason))
	}
	deadline := time.Now().Add(c.writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
}

func (c *wsSocket) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}

func (s *Server) byeFrame(reason string) []byte {
	return protocol.Bye(reason, s.returnTime())
}
