package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"campus/apperr"
	"campus/protocol"
)

const maxFrameSize = 64 << 10

// handleSocket authenticates the handshake before upgrading. Requests without
// a live session are refused with 401 and never upgraded.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.HandshakeTimeout)
	sess, err := s.deps.Sessions.Resolve(ctx, s.deps.Cookies.Token(r))
	cancel()
	if err != nil {
		s.logger.Debug("socket handshake rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, s.logger, apperr.ErrUnauthenticated)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("socket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	pingPeriod := s.config.ReadTimeout * 9 / 10
	sock := newSocket(sess.UserID, ws, s.config.SendBuffer, s.config.WriteTimeout, pingPeriod, s.byeFrame)
	go sock.writeLoop()
	s.deps.Registry.Register(sock)
	_ = sock.Send(protocol.Connected(sess.UserID))
	s.logger.Info("socket connected", "socket_id", sock.ID(), "user_id", sock.UserID(), "remote", r.RemoteAddr)

	s.readLoop(sock)

	s.deps.Registry.Unregister(sock)
	sock.Close("")
	<-sock.done
	s.logger.Info("socket disconnected", "socket_id", sock.ID(), "user_id", sock.UserID())
}

func (s *Server) readLoop(sock *wsSocket) {
	ws := sock.ws
	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("socket read failed", "socket_id", sock.ID(), "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		if kind != websocket.TextMessage {
			_ = sock.Send(protocol.Error(protocol.ErrInvalidFrame.Error()))
			continue
		}

		req, err := protocol.ParseFrame(raw)
		if err != nil {
			_ = sock.Send(protocol.Error(err.Error()))
			continue
		}
		s.handleFrame(sock, req)
	}
}

func (s *Server) handleFrame(sock *wsSocket, req protocol.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.WriteTimeout)
	defer cancel()

	switch req.Type {
	case protocol.TypePing:
		_ = sock.Send(protocol.Pong())

	case protocol.TypeJoinChannel:
		if err := s.authorizeChannel(ctx, req.ChannelID, sock.UserID()); err != nil {
			_ = sock.Send(protocol.Error(s.reason(err)))
			return
		}
		if s.deps.Registry.JoinRoom(sock, req.ChannelID) {
			_ = sock.Send(protocol.Joined(req.ChannelID))
		}

	case protocol.TypeLeaveChannel:
		s.deps.Registry.LeaveRoom(sock, req.ChannelID)
		_ = sock.Send(protocol.Left(req.ChannelID))

	case protocol.TypeSendMessage:
		if _, err := s.postMessage(ctx, req.ChannelID, sock.UserID(), req.Content); err != nil {
			_ = sock.Send(protocol.Error(s.reason(err)))
		}
	}
}

// reason is the client-facing text of err; internal failures are logged and
// reported generically.
func (s *Server) reason(err error) string {
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Kind() != apperr.KindInternal {
		return appErr.Error()
	}
	s.logger.Error("request failed", "error", err)
	return "internal error"
}
