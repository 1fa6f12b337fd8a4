package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMutualExclusion(t *testing.T, l Locker) {
	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "user:1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func testTimeout(t *testing.T, l Locker) {
	unlock, err := l.Lock(context.Background(), "guest:a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "guest:a")
	require.ErrorIs(t, err, ErrLockTimeout)

	// other keys are independent
	other, err := l.Lock(context.Background(), "guest:b")
	require.NoError(t, err)
	other()
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	testMutualExclusion(t, l)
	testTimeout(t, l)
	assert.Zero(t, l.Held(), "entries are dropped once released")
}

func TestLocalLocker_UnlockTwice(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	assert.NotPanics(t, unlock)

	again, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func setupRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, time.Second), mr
}

func TestRedisLocker(t *testing.T) {
	l, _ := setupRedisLocker(t)
	testMutualExclusion(t, l)
	testTimeout(t, l)
}

func TestRedisLocker_LeaseExpires(t *testing.T) {
	l, mr := setupRedisLocker(t)

	_, err := l.Lock(context.Background(), "user:crashed")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:cart:user:crashed"))

	mr.FastForward(2 * time.Second)
	unlock, err := l.Lock(context.Background(), "user:crashed")
	require.NoError(t, err)
	unlock()
	assert.False(t, mr.Exists("lock:cart:user:crashed"))
}

func TestRedisLocker_LiveHolderKeepsLease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	l := NewRedisLocker(client, 600*time.Millisecond)

	unlock, err := l.Lock(context.Background(), "user:slow-merge")
	require.NoError(t, err)

	// well past the lease in total, but never a full lease between renewals
	for i := 0; i < 6; i++ {
		time.Sleep(250 * time.Millisecond)
		mr.FastForward(250 * time.Millisecond)
	}
	require.True(t, mr.Exists("lock:cart:user:slow-merge"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "user:slow-merge")
	require.ErrorIs(t, err, ErrLockTimeout, "a second writer must wait for the slow holder")

	unlock()
	assert.False(t, mr.Exists("lock:cart:user:slow-merge"))

	// renewal stopped with the unlock
	next, err := l.Lock(context.Background(), "user:slow-merge")
	require.NoError(t, err)
	next()
}

func TestRedisLocker_UnlockDoesNotStealNewHolder(t *testing.T) {
	l, mr := setupRedisLocker(t)

	first, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second) // first holder's lease ran out

	second, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	first()
	assert.True(t, mr.Exists("lock:cart:k"), "stale holder must not release the new lease")
	second()
	assert.False(t, mr.Exists("lock:cart:k"))
}

func TestRedisLocker_StoreDown(t *testing.T) {
	l, mr := setupRedisLocker(t)
	mr.Close()

	_, err := l.Lock(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
}
