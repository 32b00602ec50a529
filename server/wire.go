package server

import (
	"log/slog"
	"time"

	"campus/channel"
	"campus/db"
	"campus/events"
	"campus/message"
	"campus/notify"
	"campus/registry"
	"campus/relation"
	"campus/session"
	"campus/users"
)

// Options configures Build.
type Options struct {
	Server Config

	SessionSecret  string
	SessionTTL     time.Duration
	SessionSliding bool

	CookieName    string
	CookieHashKey []byte
	CookieSecure  bool

	// Hasher defaults to bcrypt at the default cost.
	Hasher users.PasswordHasher
	Logger *slog.Logger
}

// Build assembles every component on top of database and returns a server
// ready to Start.
func Build(database *db.DB, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CookieName == "" {
		opts.CookieName = "campus_session"
	}
	if len(opts.CookieHashKey) == 0 {
		opts.CookieHashKey = []byte(opts.SessionSecret)
	}

	aead, err := session.NewAEAD(opts.SessionSecret)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger.With("component", "events"))
	sockets := registry.New(logger.With("component", "registry"))
	notify.Register(bus, sockets, logger.With("component", "notify"))

	directory := users.NewDirectory(database, opts.Hasher, logger.With("component", "users"))
	sessions := session.NewStore(database, aead, session.Options{
		TTL:     opts.SessionTTL,
		Sliding: opts.SessionSliding,
		Logger:  logger.With("component", "session"),
	})

	deps := Deps{
		Users:     directory,
		Sessions:  sessions,
		Cookies:   session.NewCookieCodec(opts.CookieName, opts.CookieHashKey, opts.CookieSecure, ttlOrDefault(opts.SessionTTL), opts.SessionSliding),
		Relations: relation.NewGraph(database, database, bus, logger.With("component", "relation")),
		Channels:  channel.NewDirectory(database, logger.With("component", "channel")),
		Messages:  message.NewStore(database, directory, bus, logger.With("component", "message")),
		Registry:  sockets,
		Bus:       bus,
		Storage:   database,
		Logger:    logger,
	}
	return New(opts.Server, deps), nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
