package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userQuery struct {
	ID   string
	Role string
}

func userKey(q userQuery) string {
	if q.Role != "" {
		return "users:role:" + q.Role
	}
	return "user:" + q.ID
}

func TestMemoizer_HitSkipsLoader(t *testing.T) {
	store := New[string](Options{Name: "user", Capacity: 10})
	var calls int32
	m := NewMemoizer(store, userKey, func(ctx context.Context, q userQuery) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "profile-" + q.ID, nil
	}, time.Minute)

	ctx := context.Background()
	first, err := m.Call(ctx, userQuery{ID: "42"})
	require.NoError(t, err)
	second, err := m.Call(ctx, userQuery{ID: "42"})
	require.NoError(t, err)

	assert.Equal(t, "profile-42", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, store.Has("user:42"))
}

func TestMemoizer_SingleFlight(t *testing.T) {
	store := New[string](Options{Name: "user", Capacity: 10})
	release := make(chan struct{})
	var calls int32

	m := NewMemoizer(store, userKey, func(ctx context.Context, q userQuery) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "driver-list", nil
	}, time.Minute)

	const callers = 20
	results := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Call(context.Background(), userQuery{Role: "driver"})
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "driver-list", results[i])
	}
}

func TestMemoizer_SharedFailureIsNotCached(t *testing.T) {
	store := New[string](Options{Name: "user", Capacity: 10})
	release := make(chan struct{})
	loadErr := errors.New("upstream unavailable")
	var calls int32
	var fail atomic.Bool
	fail.Store(true)

	m := NewMemoizer(store, userKey, func(ctx context.Context, q userQuery) (string, error) {
		atomic.AddInt32(&calls, 1)
		if fail.Load() {
			<-release
			return "", loadErr
		}
		return "recovered", nil
	}, time.Minute)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Call(context.Background(), userQuery{ID: "7"})
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, err := range errs {
		assert.ErrorIs(t, err, loadErr)
	}
	assert.False(t, store.Has("user:7"))

	fail.Store(false)
	got, err := m.Call(context.Background(), userQuery{ID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestMemoizer_TTL(t *testing.T) {
	clock := newFakeClock()
	store := New[int](Options{Name: "config", Capacity: 10, DefaultTTL: time.Hour, Clock: clock.Now})
	var calls int32

	m := NewMemoizer(store, func(name string) string { return "config:" + name },
		func(ctx context.Context, name string) (int, error) {
			return int(atomic.AddInt32(&calls, 1)), nil
		}, 10*time.Second)

	ctx := context.Background()

	v, err := m.Call(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(11 * time.Second)
	v, err = m.Call(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, 2, v, "memoizer ttl applies instead of the store default")

	v, err = m.Call(ctx, "locale", WithTTL(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	clock.Advance(30 * time.Second)
	v, err = m.Call(ctx, "locale")
	require.NoError(t, err)
	assert.Equal(t, 3, v, "per-call ttl overrides the memoizer ttl")
}

func TestMemoizer_InvalidKeyAlwaysLoads(t *testing.T) {
	store := New[string](Options{Name: "api", Capacity: 10})
	var calls int32

	m := NewMemoizer(store, func(string) string { return " " },
		func(ctx context.Context, arg string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return arg, nil
		}, 0)

	for i := 0; i < 3; i++ {
		got, err := m.Call(context.Background(), fmt.Sprint(i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), got)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, store.Size())
}

func TestMemoizer_WaiterCancellation(t *testing.T) {
	store := New[string](Options{Name: "api", Capacity: 10})
	release := make(chan struct{})
	started := make(chan struct{})

	m := NewMemoizer(store, func(k string) string { return k },
		func(ctx context.Context, k string) (string, error) {
			close(started)
			<-release
			return "slow", nil
		}, 0)

	leaderDone := make(chan error, 1)
	go func() {
		_, err := m.Call(context.Background(), "report")
		leaderDone <- err
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Call(ctx, "report")
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	require.NoError(t, <-leaderDone)

	got, ok := store.Get("report")
	require.True(t, ok)
	assert.Equal(t, "slow", got)
}

func TestMemoizer_Invalidate(t *testing.T) {
	store := New[string](Options{Name: "user", Capacity: 10})
	var calls int32
	m := NewMemoizer(store, userKey, func(ctx context.Context, q userQuery) (string, error) {
		return fmt.Sprintf("v%d", atomic.AddInt32(&calls, 1)), nil
	}, 0)

	ctx := context.Background()
	v, _ := m.Call(ctx, userQuery{ID: "1"})
	assert.Equal(t, "v1", v)

	assert.True(t, m.Invalidate(userQuery{ID: "1"}))
	m.Forget(userQuery{ID: "1"})

	v, _ = m.Call(ctx, userQuery{ID: "1"})
	assert.Equal(t, "v2", v)
	assert.Same(t, store, m.Store())
}
