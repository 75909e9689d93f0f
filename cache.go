package dmpsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ============================================================================
// Options
// ============================================================================

// Operation is the fetch wrapped by RequestCache.
type Operation func(ctx context.Context) (any, error)

// CacheOptions controls one Execute call.
//
// The zero value does not read or write entries; it still de-duplicates
// in-flight calls and honours the default cooldown. A zero CacheTimeout or
// Cooldown takes the cache default; a negative Cooldown disables it.
type CacheOptions struct {
	UseCache     bool
	ForceRefresh bool
	CacheTimeout time.Duration
	Cooldown     time.Duration
}

// CacheConfig configures a RequestCache.
type CacheConfig struct {
	DefaultTimeout  time.Duration
	DefaultCooldown time.Duration
	// MaxEntryAge bounds how long Sweep keeps an entry around as a stale fallback.
	MaxEntryAge     time.Duration
	JanitorInterval time.Duration
	Clock           func() time.Time
	Logger          *slog.Logger
	Metrics         *Metrics
}

func (c *CacheConfig) defaults() {
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultCooldown == 0 {
		c.DefaultCooldown = time.Second
	}
	if c.MaxEntryAge == 0 {
		c.MaxEntryAge = 10 * time.Minute
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CacheSource says where an Execute result came from.
type CacheSource string

const (
	SourceNetwork CacheSource = "network"
	SourceCache   CacheSource = "cache"
	SourceShared  CacheSource = "shared"
	SourceStale   CacheSource = "stale"
)

// CacheResult is the outcome of Execute. Warning is set when Source is SourceStale.
type CacheResult struct {
	Value   any
	Source  CacheSource
	Warning *StaleDataWarning
}

// CacheKey builds the canonical key for a path and its parameters. Parameters
// are sorted, so logically identical requests collide on the same key.
func CacheKey(path string, params map[string]string) string {
	if len(params) == 0 {
		return path
	}
	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return path + "?" + v.Encode()
}

// ============================================================================
// RequestCache
// ============================================================================

type cacheEntry struct {
	data      any
	timestamp time.Time
}

type inflight struct {
	done     chan struct{}
	result   CacheResult
	err      error
	detached bool
}

func (f *inflight) wait(ctx context.Context) (CacheResult, error) {
	select {
	case <-f.done:
		res := f.result
		if res.Source == SourceNetwork {
			res.Source = SourceShared
		}
		return res, f.err
	case <-ctx.Done():
		return CacheResult{}, ctx.Err()
	}
}

// RequestCache de-duplicates concurrent calls per key, serves fresh entries,
// suppresses request storms with a per-key cooldown, and falls back to stale
// entries when the wrapped operation fails.
type RequestCache struct {
	cfg CacheConfig

	mu          sync.Mutex
	entries     map[string]cacheEntry
	pending     map[string]*inflight
	cooldowns   map[string]time.Time
	maxCooldown time.Duration

	janitorMu sync.Mutex
	janitor   *cron.Cron
}

// NewRequestCache creates an empty cache.
func NewRequestCache(cfg CacheConfig) *RequestCache {
	cfg.defaults()
	return &RequestCache{
		cfg:       cfg,
		entries:   make(map[string]cacheEntry),
		pending:   make(map[string]*inflight),
		cooldowns: make(map[string]time.Time),
	}
}

func (c *RequestCache) resolve(opts CacheOptions) CacheOptions {
	if opts.CacheTimeout == 0 {
		opts.CacheTimeout = c.cfg.DefaultTimeout
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = c.cfg.DefaultCooldown
	}
	return opts
}

// Execute runs op under key according to opts. At most one op per key is in
// flight at any time; concurrent callers share its result.
func (c *RequestCache) Execute(ctx context.Context, key string, op Operation, opts CacheOptions) (CacheResult, error) {
	opts = c.resolve(opts)
	waited := false

	for {
		c.mu.Lock()
		now := c.cfg.Clock()

		if call, ok := c.pending[key]; ok {
			c.mu.Unlock()
			c.cfg.Metrics.cacheOutcome("shared")
			return call.wait(ctx)
		}

		entry, hasEntry := c.entries[key]
		readable := opts.UseCache && hasEntry && !opts.ForceRefresh
		if readable && now.Sub(entry.timestamp) <= opts.CacheTimeout {
			c.mu.Unlock()
			c.cfg.Metrics.cacheOutcome("hit")
			return CacheResult{Value: entry.data, Source: SourceCache}, nil
		}

		if last, ok := c.cooldowns[key]; ok && opts.Cooldown > 0 && !waited {
			if remaining := opts.Cooldown - now.Sub(last); remaining > 0 {
				if readable {
					c.mu.Unlock()
					c.cfg.Metrics.cacheOutcome("stale")
					return CacheResult{
						Value:   entry.data,
						Source:  SourceStale,
						Warning: &StaleDataWarning{Key: key, Age: now.Sub(entry.timestamp)},
					}, nil
				}
				c.mu.Unlock()
				c.cfg.Metrics.cacheOutcome("cooldown_wait")
				if err := sleepWithContext(ctx, remaining); err != nil {
					return CacheResult{}, err
				}
				waited = true
				continue
			}
		}

		call := &inflight{done: make(chan struct{})}
		c.pending[key] = call
		c.cooldowns[key] = now
		if opts.Cooldown > c.maxCooldown {
			c.maxCooldown = opts.Cooldown
		}
		c.mu.Unlock()

		c.cfg.Metrics.cacheOutcome("miss")
		// The shared call outlives the caller that started it; joiners only
		// see their own cancellation.
		go c.dispatch(context.WithoutCancel(ctx), key, call, op, opts)
		select {
		case <-call.done:
			return call.result, call.err
		case <-ctx.Done():
			return CacheResult{}, ctx.Err()
		}
	}
}

func (c *RequestCache) dispatch(ctx context.Context, key string, call *inflight, op Operation, opts CacheOptions) {
	defer close(call.done)

	value, err := invokeOperation(ctx, op)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] == call {
		delete(c.pending, key)
	}

	if err == nil {
		if opts.UseCache && !call.detached {
			c.entries[key] = cacheEntry{data: value, timestamp: c.cfg.Clock()}
		}
		call.result = CacheResult{Value: value, Source: SourceNetwork}
		return
	}

	if entry, ok := c.entries[key]; ok && opts.UseCache {
		warn := &StaleDataWarning{Key: key, Age: c.cfg.Clock().Sub(entry.timestamp), Cause: err}
		c.cfg.Logger.Warn("serving stale cache entry", "key", key, "age", warn.Age, "error", err)
		c.cfg.Metrics.cacheOutcome("stale")
		call.result = CacheResult{Value: entry.data, Source: SourceStale, Warning: warn}
		return
	}

	c.cfg.Metrics.cacheOutcome("error")
	call.err = err
}

func invokeOperation(ctx context.Context, op Operation) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cached operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

// Invalidate drops the entry and cooldown for key, and for every key having
// keyOrPrefix as a prefix. In-flight calls for those keys complete for their
// callers but no longer write back.
func (c *RequestCache) Invalidate(keyOrPrefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, keyOrPrefix) {
			delete(c.entries, k)
		}
	}
	for k := range c.cooldowns {
		if strings.HasPrefix(k, keyOrPrefix) {
			delete(c.cooldowns, k)
		}
	}
	for k, call := range c.pending {
		if strings.HasPrefix(k, keyOrPrefix) {
			call.detached = true
			delete(c.pending, k)
		}
	}
}

// Clear drops all entries, cooldowns and in-flight bookkeeping.
func (c *RequestCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.pending {
		call.detached = true
	}
	c.entries = make(map[string]cacheEntry)
	c.pending = make(map[string]*inflight)
	c.cooldowns = make(map[string]time.Time)
	c.maxCooldown = 0
}

// Len returns the number of cached entries.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep evicts entries older than MaxEntryAge and expired cooldown records.
func (c *RequestCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Clock()
	evicted := 0
	for k, e := range c.entries {
		if now.Sub(e.timestamp) > c.cfg.MaxEntryAge {
			delete(c.entries, k)
			evicted++
		}
	}
	for k, t := range c.cooldowns {
		if now.Sub(t) >= c.maxCooldown {
			delete(c.cooldowns, k)
		}
	}
	if evicted > 0 {
		c.cfg.Logger.Debug("cache sweep", "evicted", evicted, "remaining", len(c.entries))
	}
}

// StartJanitor runs Sweep every JanitorInterval until Stop is called.
func (c *RequestCache) StartJanitor() error {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.janitor != nil {
		return nil
	}
	j := cron.New()
	if _, err := j.AddFunc("@every "+c.cfg.JanitorInterval.String(), c.Sweep); err != nil {
		return fmt.Errorf("schedule cache janitor: %w", err)
	}
	j.Start()
	c.janitor = j
	return nil
}

// Stop halts the janitor, if running.
func (c *RequestCache) Stop() {
	c.janitorMu.Lock()
	defer c.janitorMu.Unlock()
	if c.janitor != nil {
		<-c.janitor.Stop().Done()
		c.janitor = nil
	}
}

// Fetch is the typed form of Execute. A nil cache runs op directly.
func Fetch[T any](ctx context.Context, c *RequestCache, key string, op func(context.Context) (T, error), opts CacheOptions) (T, *StaleDataWarning, error) {
	var zero T
	if c == nil {
		v, err := op(ctx)
		return v, nil, err
	}
	res, err := c.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts)
	if err != nil {
		return zero, nil, err
	}
	v, ok := res.Value.(T)
	if !ok {
		return zero, nil, fmt.Errorf("cache %s: cached value has type %T", key, res.Value)
	}
	return v, res.Warning, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
