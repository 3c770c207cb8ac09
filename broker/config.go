package broker

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/flowmq/flowmq/hook"
	"github.com/flowmq/flowmq/pkg/logger"
	"github.com/flowmq/flowmq/session"
)

// SessionBackend selects which session.Store implementation a Config builds.
type SessionBackend int

const (
	// SessionBackendMemory keeps sessions in process memory only; the
	// default, and the only backend that needs no external resource.
	SessionBackendMemory SessionBackend = iota
	// SessionBackendPebble persists sessions to an on-disk Pebble database
	// at Config.PebblePath, so a broker restart can resume session state.
	SessionBackendPebble
	// SessionBackendRedis shares session state across broker processes
	// through a Redis server at Config.RedisAddr.
	SessionBackendRedis
)

// Config configures one broker instance: its listen address, the bounded
// worker pool that serves connection handlers, and the pluggable policies
// (authentication, session persistence) a deployment swaps in.
type Config struct {
	ID   string
	IP   string
	Port int

	// MaximumThreads bounds the connection-handler worker pool. The accept
	// loop admits up to MaximumThreads*2 connections into the pipeline
	// (MaximumThreads running, the rest queued); beyond that, new
	// connections receive CONNACK(ServerBusy) and are closed.
	MaximumThreads int

	LogPath string

	// WebSocketAddr, if non-empty, also serves the same protocol over
	// golang.org/x/net/websocket at this address with WebSocketPath.
	WebSocketAddr string
	WebSocketPath string

	AcceptTimeout  time.Duration
	MaxConnections int

	// DefaultKeepAlive is substituted when a CONNECT requests keep_alive=0.
	DefaultKeepAlive uint16

	Authenticator hook.Authenticator

	// SessionBackend chooses which store NewSessionStore builds. Leave at
	// its zero value (SessionBackendMemory) unless PebblePath or RedisAddr
	// is also set. SessionStore, if already set, takes precedence over
	// SessionBackend entirely (see NewSessionStore).
	SessionBackend SessionBackend
	PebblePath     string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// SessionStore overrides SessionBackend with a caller-constructed
	// store. Most callers leave this nil and let NewSessionStore build one
	// from SessionBackend instead.
	SessionStore session.Store
	Logger       logger.Logger

	MaxPacketSize uint32
}

// DefaultConfig returns sane defaults for id/ip/port; callers override the
// rest as needed. SessionStore is left nil: New builds it from
// SessionBackend (memory, by default) via NewSessionStore.
func DefaultConfig(id, ip string, port int) *Config {
	return &Config{
		ID:               id,
		IP:               ip,
		Port:             port,
		MaximumThreads:   64,
		LogPath:          "",
		AcceptTimeout:    5 * time.Second,
		MaxConnections:   10000,
		DefaultKeepAlive: 60,
		Authenticator:    hook.AllowAll,
		SessionBackend:   SessionBackendMemory,
		MaxPacketSize:    268435455,
	}
}

// NewSessionStore builds the session.Store named by cfg.SessionStore /
// SessionBackend. An explicit SessionStore always wins; otherwise the
// backend selector picks memory (default), Pebble (on-disk, keyed on
// PebblePath), or Redis (shared, keyed on RedisAddr).
func NewSessionStore(cfg *Config) (session.Store, error) {
	if cfg.SessionStore != nil {
		return cfg.SessionStore, nil
	}

	switch cfg.SessionBackend {
	case SessionBackendMemory:
		return session.NewMemoryStore(), nil
	case SessionBackendPebble:
		if cfg.PebblePath == "" {
			return nil, errors.New("broker: PebblePath required for SessionBackendPebble")
		}
		store, err := session.NewPebbleStore(session.PebbleStoreConfig{Path: cfg.PebblePath})
		if err != nil {
			return nil, errors.Wrap(err, "broker: open pebble session store")
		}
		return store, nil
	case SessionBackendRedis:
		if cfg.RedisAddr == "" {
			return nil, errors.New("broker: RedisAddr required for SessionBackendRedis")
		}
		store, err := session.NewRedisStore(session.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, errors.Wrap(err, "broker: connect redis session store")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("broker: unknown session backend %d", cfg.SessionBackend)
	}
}
