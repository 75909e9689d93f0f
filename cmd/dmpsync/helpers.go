package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dmp-portal/dmpsync"
	"github.com/prometheus/client_golang/prometheus"
)

// session is everything a command needs, built from the config file.
type session struct {
	cfg       *Config
	identity  dmpsync.Identity
	cache     *dmpsync.RequestCache
	client    *dmpsync.Client
	snapshots dmpsync.SnapshotStore
	closers   []func() error
}

func (s *session) Close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			slog.Warn("closing session", "error", err)
		}
	}
}

func loadSession(ctx context.Context) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token; run 'dmpsync init <token>' first")
	}
	cacheCfg, err := cacheConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, identity: identityOf(cfg)}
	s.cache = dmpsync.NewRequestCache(cacheCfg)

	opts := []dmpsync.ClientOption{
		dmpsync.WithCredentials(credentialsOf(cfg)),
		dmpsync.WithRequestCache(s.cache),
		dmpsync.WithLogger(slog.Default()),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, dmpsync.WithBaseURL(cfg.Default.BaseURL))
	}
	s.client = dmpsync.NewClient(opts...)

	if cfg.Default.SnapshotDB != "" {
		store, err := dmpsync.OpenSQLiteSnapshotStore(ctx, cfg.Default.SnapshotDB)
		if err != nil {
			return nil, err
		}
		s.snapshots = store
		s.closers = append(s.closers, store.Close)
	}
	return s, nil
}

// credentialsOf prefers DMPSYNC_TOKEN over the stored token.
func credentialsOf(cfg *Config) dmpsync.CredentialProvider {
	return dmpsync.CredentialChain(dmpsync.EnvCredential("DMPSYNC_TOKEN"), dmpsync.StaticCredential(cfg.Auth.Token))
}

func identityOf(cfg *Config) dmpsync.Identity {
	return dmpsync.Identity{
		UserID:   cfg.Auth.UserID,
		UserType: dmpsync.SenderType(valueOrDefault(cfg.Auth.UserType, string(dmpsync.SenderPatient))),
		Role:     cfg.Auth.Role,
	}
}

func cacheConfig(cfg *Config) (dmpsync.CacheConfig, error) {
	var out dmpsync.CacheConfig
	if cfg.Cache.Timeout != "" {
		d, err := time.ParseDuration(cfg.Cache.Timeout)
		if err != nil {
			return out, fmt.Errorf("cache.timeout: %w", err)
		}
		out.DefaultTimeout = d
	}
	if cfg.Cache.Cooldown != "" {
		d, err := time.ParseDuration(cfg.Cache.Cooldown)
		if err != nil {
			return out, fmt.Errorf("cache.cooldown: %w", err)
		}
		out.DefaultCooldown = d
	}
	return out, nil
}

func newMessenger(s *session, reg prometheus.Registerer) (*dmpsync.Messenger, error) {
	if s.cfg.Default.SocketURL == "" {
		return nil, fmt.Errorf("no socket URL; run 'dmpsync config set default.socket_url <url>'")
	}
	cacheCfg, err := cacheConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	return dmpsync.NewMessenger(dmpsync.MessengerConfig{
		BaseURL:     s.cfg.Default.BaseURL,
		SocketURL:   s.cfg.Default.SocketURL,
		Identity:    s.identity,
		Credentials: credentialsOf(s.cfg),
		Cache:       cacheCfg,
		Snapshots:   s.snapshots,
		Registerer:  reg,
		Logger:      slog.Default(),
	})
}

// parseTarget accepts "<conversationId>" or "<contextType>/<contextId>".
func parseTarget(arg string) dmpsync.Target {
	if typ, id, ok := strings.Cut(arg, "/"); ok {
		return dmpsync.Target{Context: dmpsync.ContextRef{Type: typ, ID: id}}
	}
	return dmpsync.Target{ConversationID: arg}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m dmpsync.Message) {
	at := "--"
	if !m.Timestamp.IsZero() {
		at = m.Timestamp.Local().Format("2006-01-02 15:04")
	}
	fmt.Printf("[%s] %s %s (%s): %s\n", at, m.SenderType, m.SenderID, m.Status, m.Content)
}

func printStale(w *dmpsync.StaleDataWarning) {
	if w != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", w)
	}
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}
