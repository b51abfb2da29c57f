package settings

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xpress/internal/sessions"
)

// Snapshots is the local durable copy of raw settings rows.
type Snapshots interface {
	SaveSettings(ctx context.Context, sessionID string, values map[string]string) error
	LoadSettings(ctx context.Context, sessionID string) (map[string]string, bool, error)
}

// loadTimeout bounds a single store read made on behalf of all waiters.
const loadTimeout = 10 * time.Second

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithSnapshots(local Snapshots) Option {
	return func(r *Resolver) { r.local = local }
}

// Resolver answers "which settings apply to this session" with a fallback
// chain of stored value, application default and built-in constant.
type Resolver struct {
	store    Store
	local    Snapshots
	defaults Defaults
	ttl      time.Duration
	now      func() time.Time
	cache    *Cache

	obsMu     sync.Mutex
	observers map[int]func(sessionID string)
	nextObs   int
}

func NewResolver(store Store, defaults Defaults, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		defaults:  defaults,
		ttl:       DefaultCacheTTL,
		now:       time.Now,
		observers: make(map[int]func(string)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cache = NewCache(r.ttl, r.now)
	return r
}

// Resolve never fails; store errors degrade to the local snapshot or defaults.
// The store is read detached from ctx, since the result is shared with every
// other caller of the session.
func (r *Resolver) Resolve(ctx context.Context, sessionID string) Settings {
	return r.cache.Get(ctx, sessionID, func(ctx context.Context) (Settings, bool) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		values, ok := r.load(loadCtx, sessionID)
		return fromValues(values, r.defaults), ok
	})
}

// load reports false when the values come from a fallback.
func (r *Resolver) load(ctx context.Context, sessionID string) (map[string]string, bool) {
	values, err := r.store.Load(ctx, sessionID)
	if err == nil {
		if r.local != nil {
			if err := r.local.SaveSettings(ctx, sessionID, values); err != nil {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to refresh local settings snapshot")
			}
		}
		return values, true
	}
	log.Warn().Err(err).Str("session_id", sessionID).Msg("Settings store unavailable, using fallback")

	if r.local != nil {
		local, ok, lerr := r.local.LoadSettings(ctx, sessionID)
		if lerr != nil {
			log.Warn().Err(lerr).Str("session_id", sessionID).Msg("Local settings snapshot unreadable")
		} else if ok {
			return local, false
		}
	}
	return nil, false
}

// ModelConfig resolves the model, prompt and credential for one pane.
func (r *Resolver) ModelConfig(ctx context.Context, sessionID string, pane sessions.Pane) ModelConfig {
	return modelConfig(r.Resolve(ctx, sessionID), r.defaults, pane)
}

// Persist writes each provided field as its own upsert. Every field is
// attempted; when at least one was written the cached snapshot is dropped
// and observers are notified.
func (r *Resolver) Persist(ctx context.Context, sessionID string, patch Patch) error {
	values := patch.values()
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	written := 0
	for _, k := range keys {
		if err := r.store.Upsert(ctx, sessionID, k, values[k]); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
	}

	if written > 0 {
		r.Invalidate(sessionID)
		r.notify(sessionID)
	}

	return errors.Join(errs...)
}

func (r *Resolver) Invalidate(sessionID string) {
	r.cache.Invalidate(sessionID)
}

// OnChange registers fn to run after every Persist. The returned func
// unregisters it.
func (r *Resolver) OnChange(fn func(sessionID string)) (cancel func()) {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Resolver) notify(sessionID string) {
	r.obsMu.Lock()
	fns := make([]func(string), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.Unlock()

	for _, fn := range fns {
		fn(sessionID)
	}
}
