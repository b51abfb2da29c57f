package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpress/internal/sessions"
)

type countingStore struct {
	*InMemoryStore
	loads   atomic.Int32
	gate    chan struct{}
	failErr error

	upsertErr error
}

func (s *countingStore) Load(ctx context.Context, sessionID string) (map[string]string, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failErr != nil {
		return nil, s.failErr
	}
	return s.InMemoryStore.Load(ctx, sessionID)
}

func (s *countingStore) Upsert(ctx context.Context, sessionID, key, value string) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	return s.InMemoryStore.Upsert(ctx, sessionID, key, value)
}

type memSnapshots struct {
	mu   sync.Mutex
	rows map[string]map[string]string
}

func (m *memSnapshots) SaveSettings(ctx context.Context, sessionID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]map[string]string)
	}
	m.rows[sessionID] = cloneMap(values)
	return nil
}

func (m *memSnapshots) LoadSettings(ctx context.Context, sessionID string) (map[string]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.rows[sessionID]
	return cloneMap(v), ok, nil
}

func strPtr(s string) *string { return &s }

func TestFallbackChain(t *testing.T) {
	ctx := context.Background()

	t.Run("constants when nothing is configured", func(t *testing.T) {
		r := NewResolver(NewInMemoryStore(), Defaults{})
		mc := r.ModelConfig(ctx, "s1", sessions.PaneWriter)
		assert.Equal(t, DefaultWriterModel, mc.ModelID)
		assert.Equal(t, DefaultWriterPrompt, mc.SystemPrompt)
		assert.Equal(t, DefaultCanvasPrompt, mc.CanvasPrompt)
		assert.Empty(t, mc.Credential)

		research := r.ModelConfig(ctx, "s1", sessions.PaneResearch)
		assert.Equal(t, DefaultResearchModel, research.ModelID)
		assert.Empty(t, research.SystemPrompt)
	})

	t.Run("application defaults beat constants", func(t *testing.T) {
		r := NewResolver(NewInMemoryStore(), Defaults{ResearchModel: "gpt-4o", Credential: "sk-app"})
		mc := r.ModelConfig(ctx, "s1", sessions.PaneResearch)
		assert.Equal(t, "gpt-4o", mc.ModelID)
		assert.Equal(t, "sk-app", mc.Credential)
	})

	t.Run("session values beat defaults", func(t *testing.T) {
		store := NewInMemoryStore()
		r := NewResolver(store, Defaults{ResearchModel: "gpt-4o", Credential: "sk-app"})
		require.NoError(t, r.Persist(ctx, "s1", Patch{
			ResearchModel:   strPtr("o3-mini"),
			ResearchPrompts: map[string]string{"o3-mini": "be brief"},
			ModelTokens:     map[string]string{"o3-mini": "sk-session"},
		}))

		mc := r.ModelConfig(ctx, "s1", sessions.PaneResearch)
		assert.Equal(t, "o3-mini", mc.ModelID)
		assert.Equal(t, "be brief", mc.SystemPrompt)
		assert.Equal(t, "sk-session", mc.Credential)
	})

	t.Run("writer builtin prompt only for default writer model", func(t *testing.T) {
		r := NewResolver(NewInMemoryStore(), Defaults{})
		require.NoError(t, r.Persist(ctx, "s1", Patch{WriterModel: strPtr("gpt-4o")}))
		mc := r.ModelConfig(ctx, "s1", sessions.PaneWriter)
		assert.Equal(t, "gpt-4o", mc.ModelID)
		assert.Empty(t, mc.SystemPrompt)
	})

	t.Run("empty stored value is absent", func(t *testing.T) {
		r := NewResolver(NewInMemoryStore(), Defaults{})
		require.NoError(t, r.Persist(ctx, "s1", Patch{ResearchModel: strPtr("")}))
		assert.Equal(t, DefaultResearchModel, r.Resolve(ctx, "s1").ResearchModel)
	})
}

func TestCacheTTLAndInvalidate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	r := NewResolver(store, Defaults{}, WithTTL(time.Minute), WithClock(func() time.Time { return now }))

	r.Resolve(ctx, "s1")
	r.Resolve(ctx, "s1")
	assert.Equal(t, int32(1), store.loads.Load())

	now = now.Add(2 * time.Minute)
	r.Resolve(ctx, "s1")
	assert.Equal(t, int32(2), store.loads.Load())

	r.Invalidate("s1")
	r.Resolve(ctx, "s1")
	assert.Equal(t, int32(3), store.loads.Load())
}

func TestPersistInvalidatesAndNotifies(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewInMemoryStore(), Defaults{})
	assert.Equal(t, DefaultResearchModel, r.Resolve(ctx, "s1").ResearchModel)

	var changed []string
	cancel := r.OnChange(func(sessionID string) { changed = append(changed, sessionID) })

	require.NoError(t, r.Persist(ctx, "s1", Patch{ResearchModel: strPtr("gpt-4o")}))
	assert.Equal(t, "gpt-4o", r.Resolve(ctx, "s1").ResearchModel)
	assert.Equal(t, []string{"s1"}, changed)

	cancel()
	require.NoError(t, r.Persist(ctx, "s1", Patch{ResearchModel: strPtr("o1")}))
	assert.Len(t, changed, 1)
}

func TestPersistFailureKeepsSnapshotAndObservers(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	r := NewResolver(store, Defaults{})
	r.Resolve(ctx, "s1")

	calls := 0
	defer r.OnChange(func(string) { calls++ })()

	store.upsertErr = errors.New("connection refused")
	err := r.Persist(ctx, "s1", Patch{ResearchModel: strPtr("gpt-4o"), WriterModel: strPtr("o1")})
	require.Error(t, err)
	assert.Zero(t, calls)

	r.Resolve(ctx, "s1")
	assert.Equal(t, int32(1), store.loads.Load(), "cached snapshot kept")

	store.upsertErr = nil
	require.NoError(t, r.Persist(ctx, "s1", Patch{ResearchModel: strPtr("gpt-4o")}))
	assert.Equal(t, 1, calls)
}

func TestCancelledCallerDoesNotPoisonCache(t *testing.T) {
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	r := NewResolver(store, Defaults{})
	require.NoError(t, r.Persist(context.Background(), "s1", Patch{ResearchModel: strPtr("claude-3")}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, "claude-3", r.Resolve(cancelled, "s1").ResearchModel)
	assert.Equal(t, "claude-3", r.Resolve(context.Background(), "s1").ResearchModel)
}

func TestDegradedResultExpiresQuickly(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := &countingStore{InMemoryStore: NewInMemoryStore(), failErr: errors.New("connection refused")}
	require.NoError(t, store.InMemoryStore.Upsert(ctx, "s1", KeyWriterModel, "gpt-4o"))
	r := NewResolver(store, Defaults{}, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	assert.Equal(t, DefaultWriterModel, r.Resolve(ctx, "s1").WriterModel)
	assert.Equal(t, DefaultWriterModel, r.Resolve(ctx, "s1").WriterModel)
	assert.Equal(t, int32(1), store.loads.Load())

	store.failErr = nil
	now = now.Add(DegradedCacheTTL + time.Second)
	assert.Equal(t, "gpt-4o", r.Resolve(ctx, "s1").WriterModel)

	now = now.Add(DegradedCacheTTL + time.Second)
	r.Resolve(ctx, "s1")
	assert.Equal(t, int32(2), store.loads.Load(), "healthy result held for the full TTL")
}

func TestConcurrentResolveFetchesOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{InMemoryStore: NewInMemoryStore(), gate: make(chan struct{})}
	r := NewResolver(store, Defaults{})

	var wg sync.WaitGroup
	results := make([]Settings, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Resolve(ctx, "s1")
		}(i)
	}

	require.Eventually(t, func() bool { return store.loads.Load() == 1 }, time.Second, time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.loads.Load())
	for _, s := range results {
		assert.Equal(t, DefaultResearchModel, s.ResearchModel)
	}
}

func TestStoreFailureUsesLocalSnapshot(t *testing.T) {
	ctx := context.Background()
	local := &memSnapshots{}
	store := &countingStore{InMemoryStore: NewInMemoryStore()}
	require.NoError(t, store.Upsert(ctx, "s1", KeyWriterModel, "gpt-4o"))

	r := NewResolver(store, Defaults{}, WithSnapshots(local))
	assert.Equal(t, "gpt-4o", r.Resolve(ctx, "s1").WriterModel)

	store.failErr = errors.New("connection refused")
	r.Invalidate("s1")
	assert.Equal(t, "gpt-4o", r.Resolve(ctx, "s1").WriterModel, "local snapshot")

	r.Invalidate("s2")
	assert.Equal(t, DefaultWriterModel, r.Resolve(ctx, "s2").WriterModel, "defaults")
}

func TestSealer(t *testing.T) {
	assert.Nil(t, NewSealer(" "))

	s := NewSealer("secret")
	sealed, err := s.Seal("sk-live-123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "sk-live")

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", plain)

	legacy, err := s.Open("sk-plain")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", legacy)

	_, err = NewSealer("other").Open(sealed)
	assert.ErrorIs(t, err, ErrUnsealable)
}

func TestRedacted(t *testing.T) {
	s := Settings{ModelTokens: map[string]string{"o1": "sk-1234567890"}}
	red := s.Redacted()
	assert.Equal(t, "sk-1*****7890", red.ModelTokens["o1"])
	assert.Equal(t, "sk-1234567890", s.ModelTokens["o1"])
}
