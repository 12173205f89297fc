package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetwork/cacheengine/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestFileStore(t *testing.T, dir string, clock *fakeClock, compression bool) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileConfig{Directory: dir, Compression: compression, Clock: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// indexedPath returns the file currently holding key
func indexedPath(t *testing.T, s *FileStore, key string) string {
	t.Helper()
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.index[key]
	require.True(t, ok, "key %q is not indexed", key)
	return filepath.Join(s.dir, item.FileName)
}

func cacheFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.cache"))
	require.NoError(t, err)
	return files
}

func TestFileStore_SetGet(t *testing.T) {
	for _, compression := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "gzip"}[compression], func(t *testing.T) {
			s := newTestFileStore(t, t.TempDir(), newFakeClock(), compression)
			ctx := context.Background()

			payload := []byte(`{"warehouses":["w1","w2"]}`)
			require.NoError(t, s.Set(ctx, "warehouses:all", payload, time.Minute))

			got, ok, err := s.Get(ctx, "warehouses:all")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, payload, got)

			_, ok, err = s.Get(ctx, "warehouses:active")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	s := newTestFileStore(t, t.TempDir(), clock, false)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "short", []byte("a"), 10*time.Second))
	require.NoError(t, s.Set(ctx, "long", []byte("b"), time.Hour))

	clock.Advance(10 * time.Second)
	_, ok, _ := s.Get(ctx, "short")
	assert.True(t, ok, "live at exactly ttl")

	clock.Advance(time.Second)
	_, ok, _ = s.Get(ctx, "short")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Set(ctx, "short", []byte("c"), time.Second))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Cleanup())
	assert.Equal(t, 1, s.Len())
}

func TestFileStore_RemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, newFakeClock(), false)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user:1", []byte("alice"), time.Minute))
	path := indexedPath(t, s, "user:1")
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "user:1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, s.Remove(ctx, "user:1"))
}

func TestFileStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, newFakeClock(), false)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "config:theme", []byte("dark"), time.Minute))
	require.NoError(t, os.WriteFile(indexedPath(t, s, "config:theme"), []byte("tampered"), 0600))

	_, ok, err := s.Get(ctx, "config:theme")
	assert.False(t, ok)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageCorrupt))
	assert.Equal(t, 0, s.Len(), "corrupt entry is dropped")
}

func TestFileStore_OverwriteReplacesFile(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, newFakeClock(), false)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "user:1", []byte("alice"), time.Minute))
	first := indexedPath(t, s, "user:1")
	require.NoError(t, s.Set(ctx, "user:1", []byte("alice v2"), time.Minute))

	assert.NotEqual(t, first, indexedPath(t, s, "user:1"))
	_, err := os.Stat(first)
	assert.True(t, os.IsNotExist(err), "the replaced file is removed")
	assert.Len(t, cacheFiles(t, dir), 1)

	got, ok, err := s.Get(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice v2", string(got))
}

func TestFileStore_StaleReadKeepsNewerValue(t *testing.T) {
	s := newTestFileStore(t, t.TempDir(), newFakeClock(), false)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "warehouse:w1", []byte("north"), time.Minute))
	s.mu.RLock()
	stale := s.index["warehouse:w1"]
	s.mu.RUnlock()
	require.NoError(t, s.Set(ctx, "warehouse:w1", []byte("north v2"), time.Minute))

	_, err := s.readFile(stale)
	require.Error(t, err, "the stale file is gone")
	assert.False(t, s.dropIf("warehouse:w1", stale))

	got, ok, err := s.Get(ctx, "warehouse:w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "north v2", string(got))
}

func TestFileStore_ConcurrentSetGet(t *testing.T) {
	dir := t.TempDir()
	s := newTestFileStore(t, dir, newFakeClock(), true)
	ctx := context.Background()

	payloads := map[string]bool{}
	for i := 0; i < 8; i++ {
		payloads[strings.Repeat(string(rune('a'+i)), 512)] = true
	}

	var wg sync.WaitGroup
	for p := range payloads {
		wg.Add(2)
		go func(p string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				assert.NoError(t, s.Set(ctx, "api:/vehicles", []byte(p), time.Minute))
			}
		}(p)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				got, ok, err := s.Get(ctx, "api:/vehicles")
				assert.NoError(t, err)
				if ok {
					assert.True(t, payloads[string(got)], "reads never see a partial value")
				}
			}
		}()
	}
	wg.Wait()

	_, ok, err := s.Get(ctx, "api:/vehicles")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, cacheFiles(t, dir), 1)
}

func TestFileStore_IndexSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ctx := context.Background()

	first, err := NewFileStore(FileConfig{Directory: dir, Compression: true, Clock: clock.Now})
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "dictionary:categories", []byte("fresh,frozen"), time.Hour))
	require.NoError(t, first.Set(ctx, "gone", []byte("x"), time.Hour))
	gone := indexedPath(t, first, "gone")
	require.NoError(t, first.Close())
	require.NoError(t, first.Close(), "close is idempotent")

	require.NoError(t, os.Remove(gone))

	second := newTestFileStore(t, dir, clock, true)
	assert.Equal(t, 1, second.Len(), "entries whose file vanished are skipped")
	got, ok, err := second.Get(ctx, "dictionary:categories")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh,frozen", string(got))
}

func TestFileStore_RequiresDirectory(t *testing.T) {
	_, err := NewFileStore(FileConfig{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))
}

func TestFileStore_RejectsEscapingIndexFile(t *testing.T) {
	_, err := NewFileStore(FileConfig{Directory: t.TempDir(), IndexFile: "../outside.json"})
	assert.Error(t, err)
}
