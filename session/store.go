// Package session issues and resolves the opaque tokens that authenticate
// HTTP requests and socket handshakes.
//
// Tokens are 32 random bytes, base64url-encoded. Only a BLAKE2b-256 digest of
// the token is persisted; the session payload is sealed with an Encryptor.
// Every resolve failure collapses to ErrUnauthenticated so callers cannot
// distinguish a forged token from an expired one.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"campus/apperr"
	"campus/models"
)

var ErrUnauthenticated = apperr.ErrUnauthenticated

const tokenBytes = 32

// Backend persists sealed session payloads keyed by token digest.
type Backend interface {
	SaveSession(ctx context.Context, tokenHash string, payload []byte, expiresAt time.Time) error
	LoadSession(ctx context.Context, tokenHash string) ([]byte, time.Time, error)
	TouchSession(ctx context.Context, tokenHash string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, tokenHash string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

type Options struct {
	TTL time.Duration
	// Sliding extends the expiry on every successful Resolve.
	Sliding bool
	Logger  *slog.Logger
	Now     func() time.Time
}

type Store struct {
	backend   Backend
	encryptor Encryptor
	ttl       time.Duration
	sliding   bool
	logger    *slog.Logger
	now       func() time.Time
}

func NewStore(backend Backend, encryptor Encryptor, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		backend:   backend,
		encryptor: encryptor,
		ttl:       opts.TTL,
		sliding:   opts.Sliding,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Create issues a new session for userID and returns its token.
func (s *Store) Create(ctx context.Context, userID string) (string, models.Session, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", models.Session{}, fmt.Errorf("generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now().UTC()
	sess := models.Session{UserID: userID, CreatedAt: now, ExpiresAt: now.Add(s.ttl)}

	plain, err := json.Marshal(sess)
	if err != nil {
		return "", models.Session{}, fmt.Errorf("encoding session: %w", err)
	}
	sealed, err := s.encryptor.Encrypt(plain)
	if err != nil {
		return "", models.Session{}, fmt.Errorf("sealing session: %w", err)
	}

	if err := s.backend.SaveSession(ctx, digest(token), sealed, sess.ExpiresAt); err != nil {
		return "", models.Session{}, fmt.Errorf("saving session: %w", err)
	}

	s.logger.Debug("session created", "user_id", userID, "expires_at", sess.ExpiresAt)
	return token, sess, nil
}

// Resolve returns the session for token or ErrUnauthenticated.
func (s *Store) Resolve(ctx context.Context, token string) (models.Session, error) {
	sess, err := s.resolve(ctx, token)
	if err != nil {
		s.logger.Debug("session rejected", "error", err)
		return models.Session{}, ErrUnauthenticated
	}
	return sess, nil
}

func (s *Store) resolve(ctx context.Context, token string) (models.Session, error) {
	if !wellFormed(token) {
		return models.Session{}, errors.New("malformed token")
	}
	key := digest(token)

	sealed, expiresAt, err := s.backend.LoadSession(ctx, key)
	if err != nil {
		return models.Session{}, fmt.Errorf("loading session: %w", err)
	}

	now := s.now().UTC()
	if !now.Before(expiresAt) {
		if err := s.backend.DeleteSession(ctx, key); err != nil {
			s.logger.Warn("failed to delete expired session", "error", err)
		}
		return models.Session{}, errors.New("session expired")
	}

	plain, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return models.Session{}, fmt.Errorf("opening session: %w", err)
	}

	var sess models.Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return models.Session{}, fmt.Errorf("decoding session: %w", err)
	}
	if sess.UserID == "" {
		return models.Session{}, errors.New("session without user")
	}
	sess.ExpiresAt = expiresAt

	if s.sliding {
		sess.ExpiresAt = now.Add(s.ttl)
		if err := s.backend.TouchSession(ctx, key, sess.ExpiresAt); err != nil {
			s.logger.Warn("failed to refresh session expiry", "error", err)
			sess.ExpiresAt = expiresAt
		}
	}

	return sess, nil
}

// Destroy removes the session. Unknown or malformed tokens are not an error.
func (s *Store) Destroy(ctx context.Context, token string) error {
	if !wellFormed(token) {
		return nil
	}
	if err := s.backend.DeleteSession(ctx, digest(token)); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// PurgeExpired deletes every expired session and returns how many were removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.backend.DeleteExpiredSessions(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging sessions: %w", err)
	}
	return n, nil
}

func wellFormed(token string) bool {
	if token == "" {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	return err == nil && len(raw) == tokenBytes
}

func digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
