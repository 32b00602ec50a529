package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"campus/apperr"
	"campus/channel"
	"campus/message"
	"campus/models"
	"campus/relation"
	"campus/users"
)

type ctxKey int

const userIDKey ctxKey = iota

var errBadBody = apperr.New(apperr.KindInvalidInput, "invalid request body")

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/signup", s.handleSignup).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/auth/exists", s.handleExists).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.requireSession)
	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	authed.HandleFunc("/friends", s.handleRelationships).Methods(http.MethodGet)
	authed.HandleFunc("/friends/{action}", s.handleFriendAction).Methods(http.MethodPost)
	authed.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)
	authed.HandleFunc("/channels/dm", s.handleOpenDM).Methods(http.MethodPost)
	authed.HandleFunc("/channels/group", s.handleCreateGroup).Methods(http.MethodPost)
	authed.HandleFunc("/channels/{channelId}/messages", s.handleListMessages).Methods(http.MethodGet)
	authed.HandleFunc("/channels/{channelId}/messages", s.handlePostMessage).Methods(http.MethodPost)
	authed.HandleFunc("/messages/{messageId}", s.handleEditMessage).Methods(http.MethodPatch)
	authed.HandleFunc("/messages/{messageId}", s.handleDeleteMessage).Methods(http.MethodDelete)

	return r
}

// Request bodies and query strings may carry credentials, so only the route
// is logged.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.deps.Sessions.Resolve(r.Context(), s.deps.Cookies.Token(r))
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		s.deps.Cookies.Refresh(w, r)
		ctx := context.WithValue(r.Context(), userIDKey, sess.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.deps.Storage != nil {
		if err := s.deps.Storage.Ping(r.Context()); err != nil {
			s.logger.Warn("storage ping failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "sockets": s.deps.Registry.Stats().Sockets})
}

type userView struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

func viewOf(u models.User) userView {
	return userView{ID: u.ID, Username: u.Username, Email: u.Email, DisplayName: u.Name(), CreatedAt: u.CreatedAt}
}

type authResponse struct {
	Message string   `json:"message"`
	User    userView `json:"user"`
	Token   string   `json:"token"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req users.SignupRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.deps.Users.Signup(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.startSession(w, r, u, http.StatusCreated, "Signup successful")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	u, err := s.deps.Users.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.startSession(w, r, u, http.StatusOK, "Login successful")
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, u models.User, status int, message string) {
	token, _, err := s.deps.Sessions.Create(r.Context(), u.ID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.deps.Cookies.Set(w, token); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.logger.Info("session started", "user_id", u.ID)
	writeJSON(w, status, authResponse{Message: message, User: viewOf(u), Token: token})
}

// handleLogout destroys the session and closes every socket of its user.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID := currentUser(r)
	if err := s.deps.Sessions.Destroy(r.Context(), s.deps.Cookies.Token(r)); err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.deps.Cookies.Clear(w)
	closed := s.deps.Registry.CloseUser(userID, "logout")
	s.logger.Info("session ended", "user_id", userID, "sockets_closed", closed)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Resolve(r.Context(), s.deps.Cookies.Token(r))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"message": "No active session."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Active session found.", "userId": sess.UserID})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier string `json:"identifier"`
	}
	if !decode(w, r, &req) {
		return
	}
	ok, err := s.deps.Users.Exists(r.Context(), req.Identifier)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": ok})
}

func (s *Server) handleRelationships(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Relations.Record(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type targetRequest struct {
	UserID string `json:"userId"`
}

// resolveTarget maps an id, email or username to a user id.
func (s *Server) resolveTarget(ctx context.Context, identifier string) (string, error) {
	u, err := s.deps.Users.ResolveIdentity(ctx, users.AnyIdentifier(identifier))
	if errors.Is(err, users.ErrUserNotFound) {
		return "", relation.ErrUnknownUser
	}
	return u.ID, err
}

func (s *Server) handleFriendAction(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	me := currentUser(r)

	target, err := s.resolveTarget(ctx, req.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	g := s.deps.Relations
	switch mux.Vars(r)["action"] {
	case "request":
		err = g.SendRequest(ctx, me, target)
	case "accept":
		err = g.AcceptRequest(ctx, me, target)
	case "deny":
		err = g.DenyRequest(ctx, me, target)
	case "cancel":
		err = g.CancelRequest(ctx, me, target)
	case "remove":
		err = g.RemoveFriend(ctx, me, target)
	case "block":
		err = g.Block(ctx, me, target)
	case "unblock":
		err = g.Unblock(ctx, me, target)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown action"})
		return
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	rec, err := g.Record(ctx, me)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.deps.Channels.ListForUser(r.Context(), currentUser(r))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleOpenDM(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	me := currentUser(r)

	target, err := s.resolveTarget(ctx, req.UserID)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	blocked, err := s.deps.Relations.IsBlockedEither(ctx, me, target)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if blocked {
		writeError(w, s.logger, apperr.ErrNotAllowed)
		return
	}

	ch, err := s.deps.Channels.GetOrCreateDM(ctx, me, target)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Participants []string `json:"participants"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()

	ids := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		id, err := s.resolveTarget(ctx, p)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		ids = append(ids, id)
	}

	ch, err := s.deps.Channels.CreateGroup(ctx, currentUser(r), req.Name, ids)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

// authorizeChannel answers "not allowed" alike for a missing channel and for
// one the user does not belong to.
func (s *Server) authorizeChannel(ctx context.Context, channelID, userID string) error {
	ok, err := s.deps.Channels.IsParticipant(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrNotAllowed
	}
	return nil
}

// postMessage is the shared send path of the REST API and the socket
// gateway. Direct channels refuse messages while either side blocks the
// other.
func (s *Server) postMessage(ctx context.Context, channelID, senderID, content string) (models.Message, error) {
	ch, err := s.deps.Channels.Get(ctx, channelID)
	if errors.Is(err, channel.ErrNoSuchChannel) {
		return models.Message{}, apperr.ErrNotAllowed
	}
	if err != nil {
		return models.Message{}, err
	}
	if !ch.HasParticipant(senderID) {
		return models.Message{}, apperr.ErrNotAllowed
	}
	if ch.Kind == models.ChannelDM {
		for _, other := range ch.Participants {
			if other == senderID {
				continue
			}
			blocked, err := s.deps.Relations.IsBlockedEither(ctx, senderID, other)
			if err != nil {
				return models.Message{}, err
			}
			if blocked {
				return models.Message{}, apperr.ErrNotAllowed
			}
		}
	}
	return s.deps.Messages.Append(ctx, channelID, senderID, content)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channelID := mux.Vars(r)["channelId"]
	if err := s.authorizeChannel(ctx, channelID, currentUser(r)); err != nil {
		writeError(w, s.logger, err)
		return
	}

	var (
		messages []models.Message
		err      error
	)
	q := r.URL.Query()
	if q.Has("before") || q.Has("limit") {
		limit, _ := strconv.Atoi(q.Get("limit"))
		messages, err = s.deps.Messages.History(ctx, channelID, q.Get("before"), limit)
		err = hideMessage(err)
	} else {
		messages, err = s.deps.Messages.List(ctx, channelID)
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.postMessage(r.Context(), mux.Vars(r)["channelId"], currentUser(r), req.Content)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &req) {
		return
	}
	m, err := s.deps.Messages.Edit(r.Context(), mux.Vars(r)["messageId"], req.Content, currentUser(r))
	if err != nil {
		writeError(w, s.logger, hideMessage(err))
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Messages.Remove(r.Context(), mux.Vars(r)["messageId"], currentUser(r)); err != nil {
		writeError(w, s.logger, hideMessage(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// hideMessage reports a missing message and someone else's message alike.
func hideMessage(err error) error {
	if errors.Is(err, message.ErrNotFound) || errors.Is(err, message.ErrForbidden) {
		return apperr.ErrNotAllowed
	}
	return err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": errBadBody.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind() == apperr.KindInternal {
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, statusFor(appErr.Kind()), map[string]string{"error": appErr.Error()})
}
