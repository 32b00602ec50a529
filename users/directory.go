// Package users resolves user identities and runs the signup and login flows.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"campus/apperr"
	"campus/db"
	"campus/models"
)

var (
	ErrUserNotFound       = apperr.New(apperr.KindNotFound, "user not found")
	ErrInvalidCredentials = apperr.New(apperr.KindUnauthenticated, "invalid credentials")
	ErrUserExists         = apperr.New(apperr.KindConflict, "user already exists")
	ErrInvalidEmail       = apperr.New(apperr.KindInvalidInput, "invalid email address")
	ErrInvalidUsername    = apperr.New(apperr.KindInvalidInput, "username must be 3-32 letters, digits, '.', '_' or '-'")
	ErrWeakPassword       = apperr.New(apperr.KindInvalidInput, "password must be at least 8 characters")
	ErrPasswordTooLong    = apperr.New(apperr.KindInvalidInput, "password is too long")
)

const minPasswordLength = 8

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,32}$`)

// Kind names the field an identifier is matched against.
type Kind int

const (
	KindID Kind = iota
	KindEmail
	KindUsername
)

type Identifier struct {
	Kind  Kind
	Value string
}

// AnyIdentifier expands a free-form identifier into every kind, id first.
func AnyIdentifier(value string) []Identifier {
	value = strings.TrimSpace(value)
	return []Identifier{
		{Kind: KindID, Value: value},
		{Kind: KindEmail, Value: value},
		{Kind: KindUsername, Value: value},
	}
}

type Store interface {
	CreateUser(ctx context.Context, u models.User) error
	UserByID(ctx context.Context, id string) (models.User, error)
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByUsername(ctx context.Context, username string) (models.User, error)
}

type Directory struct {
	store  Store
	hasher PasswordHasher
	logger *slog.Logger
	now    func() time.Time
}

func NewDirectory(store Store, hasher PasswordHasher, logger *slog.Logger) *Directory {
	if hasher == nil {
		hasher = Bcrypt{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, hasher: hasher, logger: logger, now: time.Now}
}

// ResolveIdentity tries each candidate in order and returns the first match.
func (d *Directory) ResolveIdentity(ctx context.Context, candidates []Identifier) (models.User, error) {
	for _, c := range candidates {
		if c.Value == "" {
			continue
		}

		var (
			u   models.User
			err error
		)
		switch c.Kind {
		case KindID:
			u, err = d.store.UserByID(ctx, c.Value)
		case KindEmail:
			if !strings.Contains(c.Value, "@") {
				continue
			}
			u, err = d.store.UserByEmail(ctx, c.Value)
		case KindUsername:
			u, err = d.store.UserByUsername(ctx, c.Value)
		default:
			continue
		}

		if err == nil {
			return u, nil
		}
		if !errors.Is(err, db.ErrNoRows) {
			return models.User{}, fmt.Errorf("resolving identity: %w", err)
		}
	}
	return models.User{}, ErrUserNotFound
}

// DisplayName returns the name shown next to the user's messages.
func (d *Directory) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := d.ResolveIdentity(ctx, []Identifier{{Kind: KindID, Value: userID}})
	if err != nil {
		return "", err
	}
	return u.Name(), nil
}

// Exists reports whether any user matches identifier.
func (d *Directory) Exists(ctx context.Context, identifier string) (bool, error) {
	_, err := d.ResolveIdentity(ctx, AnyIdentifier(identifier))
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

type SignupRequest struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
}

func (d *Directory) Signup(ctx context.Context, req SignupRequest) (models.User, error) {
	email := strings.TrimSpace(req.Email)
	username := strings.TrimSpace(req.Username)

	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return models.User{}, ErrInvalidEmail
	}
	if !usernamePattern.MatchString(username) {
		return models.User{}, ErrInvalidUsername
	}
	if len(req.Password) < minPasswordLength {
		return models.User{}, ErrWeakPassword
	}

	hash, err := d.hasher.Hash(req.Password)
	if err != nil {
		return models.User{}, err
	}

	u := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: hash,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return models.User{}, ErrUserExists
		}
		return models.User{}, fmt.Errorf("creating user: %w", err)
	}

	d.logger.Info("user registered", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// Login checks password against the user matching identifier, which may be
// an id, an email or a username.
func (d *Directory) Login(ctx context.Context, identifier, password string) (models.User, error) {
	if strings.TrimSpace(identifier) == "" || password == "" {
		return models.User{}, ErrInvalidCredentials
	}

	u, err := d.ResolveIdentity(ctx, AnyIdentifier(identifier))
	if errors.Is(err, ErrUserNotFound) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}

	if !d.hasher.Verify(u.PasswordHash, password) {
		d.logger.Debug("password mismatch", "user_id", u.ID)
		return models.User{}, ErrInvalidCredentials
	}
	return u, nil
}
