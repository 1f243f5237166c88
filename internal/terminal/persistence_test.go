package terminal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDestroyer records Destroy calls.
type fakeDestroyer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDestroyer) Destroy(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionID)
	return nil
}

func (f *fakeDestroyer) destroyed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestOrphanExpiry(t *testing.T) {
	store := &fakeDestroyer{}

	var mu sync.Mutex
	var expired []string
	p := NewPersistence(store, 50*time.Millisecond, func(sessionID string) {
		mu.Lock()
		expired = append(expired, sessionID)
		mu.Unlock()
	}, zap.NewNop())

	p.Orphan("s1", "/home/user")
	assert.True(t, p.IsOrphaned("s1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Destroy ran exactly once, onExpire fired exactly once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{"s1"}, store.destroyed())
	mu.Lock()
	assert.Equal(t, []string{"s1"}, expired)
	mu.Unlock()
	assert.False(t, p.IsOrphaned("s1"))
}

func TestReclaimPreventsExpiry(t *testing.T) {
	store := &fakeDestroyer{}

	expireFired := false
	p := NewPersistence(store, 50*time.Millisecond, func(string) {
		expireFired = true
	}, zap.NewNop())

	p.Orphan("s1", "/work")

	rec := p.Reclaim("s1")
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "/work", rec.LastCwd)
	assert.False(t, p.IsOrphaned("s1"))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, store.destroyed(), "reclaim prevents the destroy")
	assert.False(t, expireFired, "reclaim prevents the expiry callback")
}

func TestReclaimUnknownReturnsNil(t *testing.T) {
	p := NewPersistence(&fakeDestroyer{}, time.Minute, nil, zap.NewNop())
	assert.Nil(t, p.Reclaim("never-orphaned"))
}

func TestOrphanIdempotent(t *testing.T) {
	store := &fakeDestroyer{}
	p := NewPersistence(store, time.Minute, nil, zap.NewNop())

	p.Orphan("s1", "/first")
	p.Orphan("s1", "/second")

	rec := p.Reclaim("s1")
	require.NotNil(t, rec)
	assert.Equal(t, "/first", rec.LastCwd, "repeated orphan keeps the first-recorded cwd")
}

func TestHandleOrphanedExitCancelsTimer(t *testing.T) {
	store := &fakeDestroyer{}
	p := NewPersistence(store, 50*time.Millisecond, nil, zap.NewNop())

	p.Orphan("s1", "/home")
	p.HandleOrphanedExit("s1")
	assert.False(t, p.IsOrphaned("s1"))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, store.destroyed(), "destroy must not run after an orphaned exit")
}

func TestDestroyAll(t *testing.T) {
	store := &fakeDestroyer{}
	p := NewPersistence(store, time.Minute, nil, zap.NewNop())

	p.Orphan("a", "/a")
	p.Orphan("b", "/b")

	p.DestroyAll()

	assert.ElementsMatch(t, []string{"a", "b"}, store.destroyed())
	assert.False(t, p.IsOrphaned("a"))
	assert.False(t, p.IsOrphaned("b"))
}
