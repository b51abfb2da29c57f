package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpress/internal/localcache"
	"github.com/xpress/internal/sessions"
)

type failingStore struct {
	*sessions.InMemoryStore
	failAppend  bool
	failArchive bool
	failList    bool
}

var errStoreDown = errors.New("store down")

func (s *failingStore) AppendMessage(ctx context.Context, msg *sessions.Message) error {
	if s.failAppend {
		return errStoreDown
	}
	return s.InMemoryStore.AppendMessage(ctx, msg)
}

func (s *failingStore) ArchiveSession(ctx context.Context, id string) error {
	if s.failArchive {
		return errStoreDown
	}
	return s.InMemoryStore.ArchiveSession(ctx, id)
}

func (s *failingStore) ListSessions(ctx context.Context, userID string) ([]*sessions.Session, error) {
	if s.failList {
		return nil, errStoreDown
	}
	return s.InMemoryStore.ListSessions(ctx, userID)
}

func newLocal(t *testing.T) *localcache.Cache {
	t.Helper()
	c, err := localcache.Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLoadAllBootstrapsFirstSession(t *testing.T) {
	ctx := context.Background()
	r := New(sessions.NewInMemoryStore(), "u1")
	require.NoError(t, r.LoadAll(ctx))

	list := r.Sessions()
	require.Len(t, list, 1)
	assert.Equal(t, "Session 1", list[0].Label)

	sel, ok := r.Selected()
	require.True(t, ok)
	assert.Equal(t, list[0].ID, sel.ID)
}

func TestCreateLabelsAndSelectionRestore(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewInMemoryStore()
	local := newLocal(t)

	r := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, r.LoadAll(ctx))

	second, err := r.Create(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Session 2", second.Label)

	named, err := r.Create(ctx, "Launch email")
	require.NoError(t, err)
	assert.Equal(t, "Launch email", named.Label)

	require.NoError(t, r.Select(ctx, second.ID))

	restored := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, restored.LoadAll(ctx))
	sel, ok := restored.Selected()
	require.True(t, ok)
	assert.Equal(t, second.ID, sel.ID)
	assert.Len(t, restored.Sessions(), 3)
}

func TestRemoveFloorAndSelectionMove(t *testing.T) {
	ctx := context.Background()
	r := New(sessions.NewInMemoryStore(), "u1")
	require.NoError(t, r.LoadAll(ctx))
	first := r.Sessions()[0]

	assert.ErrorIs(t, r.Remove(ctx, first.ID), ErrLastSession)
	assert.Len(t, r.Sessions(), 1)

	second, err := r.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, r.Select(ctx, second.ID))

	require.NoError(t, r.Remove(ctx, second.ID))
	sel, ok := r.Selected()
	require.True(t, ok)
	assert.Equal(t, first.ID, sel.ID)

	assert.ErrorIs(t, r.Remove(ctx, "missing"), ErrSessionNotFound)
	assert.ErrorIs(t, r.Select(ctx, second.ID), ErrSessionNotFound)
}

type blockingArchiveStore struct {
	*sessions.InMemoryStore
	archives atomic.Int32
	entered  chan struct{}
	release  chan struct{}
}

func (s *blockingArchiveStore) ArchiveSession(ctx context.Context, id string) error {
	if s.archives.Add(1) == 1 {
		close(s.entered)
	}
	<-s.release
	return s.InMemoryStore.ArchiveSession(ctx, id)
}

func TestConcurrentRemoveKeepsOneSession(t *testing.T) {
	ctx := context.Background()
	store := &blockingArchiveStore{
		InMemoryStore: sessions.NewInMemoryStore(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	r := New(store, "u1")
	require.NoError(t, r.LoadAll(ctx))
	_, err := r.Create(ctx, "")
	require.NoError(t, err)
	list := r.Sessions()
	require.Len(t, list, 2)

	var wg sync.WaitGroup
	errs := make([]error, len(list))
	for i, s := range list {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = r.Remove(ctx, id)
		}(i, s.ID)
	}

	<-store.entered
	assert.Never(t, func() bool { return store.archives.Load() > 1 }, 50*time.Millisecond, time.Millisecond)
	close(store.release)
	wg.Wait()

	var removed, refused int
	for _, err := range errs {
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrLastSession):
			refused++
		}
	}
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, refused)

	remaining := r.Sessions()
	require.Len(t, remaining, 1)
	sel, ok := r.Selected()
	require.True(t, ok)
	assert.Equal(t, remaining[0].ID, sel.ID)

	stored, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestRemoveStoreFailureKeepsMirror(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{InMemoryStore: sessions.NewInMemoryStore()}
	r := New(store, "u1")
	require.NoError(t, r.LoadAll(ctx))
	second, err := r.Create(ctx, "")
	require.NoError(t, err)

	store.failArchive = true
	assert.ErrorIs(t, r.Remove(ctx, second.ID), errStoreDown)
	assert.Len(t, r.Sessions(), 2)
}

func TestAppendMessageWriteThrough(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{InMemoryStore: sessions.NewInMemoryStore()}
	r := New(store, "u1")
	require.NoError(t, r.LoadAll(ctx))
	sid := r.Sessions()[0].ID

	thread, err := r.Thread(ctx, sid, sessions.PaneResearch)
	require.NoError(t, err)
	assert.Empty(t, thread)

	msg := &sessions.Message{ID: "m1", SessionID: sid, Pane: sessions.PaneResearch, Role: sessions.RoleUser, Sender: sessions.CurrentUser(), Content: "hi"}
	require.NoError(t, r.AppendMessage(ctx, msg))
	require.NoError(t, r.AppendMessage(ctx, msg))

	thread, err = r.Thread(ctx, sid, sessions.PaneResearch)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "hi", thread[0].Content)

	store.failAppend = true
	err = r.AppendMessage(ctx, &sessions.Message{ID: "m2", SessionID: sid, Pane: sessions.PaneResearch, Role: sessions.RoleUser, Content: "lost"})
	assert.ErrorIs(t, err, errStoreDown)

	thread, err = r.Thread(ctx, sid, sessions.PaneResearch)
	require.NoError(t, err)
	assert.Len(t, thread, 1, "mirror is not patched when the store fails")

	writer, err := r.Thread(ctx, sid, sessions.PaneWriter)
	require.NoError(t, err)
	assert.Empty(t, writer)
}

func TestPatchPlacesLateMessageInOrder(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewInMemoryStore()
	r := New(store, "u1")
	require.NoError(t, r.LoadAll(ctx))
	sid := r.Sessions()[0].ID
	asked := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	reply := &sessions.Message{ID: "a1", SessionID: sid, Pane: sessions.PaneResearch, Role: sessions.RoleAssistant, Sender: sessions.UserSender(sessions.UserInfo{FullName: "Session 1"}), Content: "answer", CreatedAt: asked.Add(time.Second)}
	late := &sessions.Message{ID: "u1", SessionID: sid, Pane: sessions.PaneResearch, Role: sessions.RoleUser, Sender: sessions.CurrentUser(), Content: "question", CreatedAt: asked}

	assert.False(t, r.Patch(late), "unloaded threads are left to the store")

	_, err := r.Thread(ctx, sid, sessions.PaneResearch)
	require.NoError(t, err)
	require.NoError(t, r.AppendMessage(ctx, reply))

	require.NoError(t, store.AppendMessage(ctx, late))
	assert.True(t, r.Patch(late))
	assert.False(t, r.Patch(late))

	thread, err := r.Thread(ctx, sid, sessions.PaneResearch)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	assert.Equal(t, "u1", thread[0].ID)
	assert.Equal(t, "a1", thread[1].ID)
}

func TestDraftsPreferLocalCache(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewInMemoryStore()
	local := newLocal(t)

	r := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, r.LoadAll(ctx))
	sid := r.Sessions()[0].ID

	require.NoError(t, r.SaveDraft(ctx, sid, "remote and local"))
	require.NoError(t, local.SaveDraft(ctx, sid, "newer local"))

	restored := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, restored.LoadAll(ctx))
	assert.Equal(t, "newer local", restored.Draft(sid))
}

func TestLoadAllFallsBackToLocalSnapshot(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{InMemoryStore: sessions.NewInMemoryStore()}
	local := newLocal(t)

	r := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, r.LoadAll(ctx))
	want := r.Sessions()

	store.failList = true
	offline := New(store, "u1", WithLocalMirror(local))
	require.NoError(t, offline.LoadAll(ctx))
	require.Len(t, offline.Sessions(), 1)
	assert.Equal(t, want[0].ID, offline.Sessions()[0].ID)

	noCache := New(store, "u2")
	assert.ErrorIs(t, noCache.LoadAll(ctx), errStoreDown)
}
