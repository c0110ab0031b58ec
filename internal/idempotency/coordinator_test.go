package idempotency

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelforge/panelforge/internal/store"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid mixed", "abc123-REQ-0001", false},
		{"valid minimum length", strings.Repeat("a", 8), false},
		{"valid maximum length", strings.Repeat("A1-", 42) + "zz", false},
		{"too short", "abc-123", true},
		{"too long", strings.Repeat("a", 129), true},
		{"contains space", "bad key bad key bad key", true},
		{"contains underscore", "abc_123-REQ-0001", true},
		{"contains slash", "abc/123-REQ-0001", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ValidateKey(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, string(key))
		})
	}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb, "test")
	return NewCoordinator(st, cfg, nil), mr
}

func TestAcquireFreshKey(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	key := Key("abc123-REQ-0001")

	acq, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, DecisionAcquired, acq.Decision)
	require.NotNil(t, acq.Lock)
	assert.NotEmpty(t, acq.Lock.Token())
}

func TestAcquireWhileLockedConflicts(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	key := Key("abc123-REQ-0002")

	first, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.Equal(t, DecisionAcquired, first.Decision)

	second, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, DecisionConflict, second.Decision)
	assert.Nil(t, second.Lock)
}

func TestConcurrentAcquireExactlyOneWinner(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	key := Key("abc123-REQ-0003")

	const callers = 16
	var wg sync.WaitGroup
	decisions := make(chan Decision, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := c.Acquire(ctx, key)
			if err == nil {
				decisions <- acq.Decision
			}
		}()
	}
	wg.Wait()
	close(decisions)

	acquired, conflicts := 0, 0
	for d := range decisions {
		switch d {
		case DecisionAcquired:
			acquired++
		case DecisionConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, acquired)
	assert.Equal(t, callers-1, conflicts)
}

func TestCompleteThenReplay(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	key := Key("abc123-REQ-0004")
	body := []byte(`{"panel_url":"https://cdn.example.com/p/1.png"}`)

	acq, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.Equal(t, DecisionAcquired, acq.Decision)
	require.NoError(t, acq.Lock.Complete(ctx, 200, body))

	// Replay determinism: repeated acquires return identical bytes.
	for i := 0; i < 100; i++ {
		replay, err := c.Acquire(ctx, key)
		require.NoError(t, err)
		require.Equal(t, DecisionReplay, replay.Decision)
		assert.Equal(t, 200, replay.ReplayStatus)
		assert.Equal(t, body, replay.ReplayBody)
	}
}

func TestReleaseMakesKeyFresh(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()
	key := Key("abc123-REQ-0005")

	acq, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, acq.Lock.Release(ctx))

	again, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, DecisionAcquired, again.Decision)
}

func TestLockExpiryUnblocksRetry(t *testing.T) {
	c, mr := newTestCoordinator(t, Config{LockTTL: time.Second})
	ctx := context.Background()
	key := Key("abc123-REQ-0006")

	_, err := c.Acquire(ctx, key)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	acq, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, DecisionAcquired, acq.Decision)
}

func TestStaleHolderCannotClobber(t *testing.T) {
	c, mr := newTestCoordinator(t, Config{LockTTL: time.Second})
	ctx := context.Background()
	key := Key("abc123-REQ-0007")

	stale, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.Equal(t, DecisionAcquired, stale.Decision)

	// The stale holder's lock expires and another request takes over.
	mr.FastForward(2 * time.Second)
	fresh, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.Equal(t, DecisionAcquired, fresh.Decision)

	assert.ErrorIs(t, stale.Lock.Complete(ctx, 200, []byte(`{}`)), ErrLockLost)
	assert.ErrorIs(t, stale.Lock.Release(ctx), ErrLockLost)

	// The fresh holder is unaffected.
	require.NoError(t, fresh.Lock.Complete(ctx, 200, []byte(`{"ok":true}`)))
}

func TestReplayWindowExpiry(t *testing.T) {
	c, mr := newTestCoordinator(t, Config{ReplayTTL: time.Hour})
	ctx := context.Background()
	key := Key("abc123-REQ-0008")

	acq, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	require.NoError(t, acq.Lock.Complete(ctx, 200, []byte(`{}`)))

	mr.FastForward(2 * time.Hour)

	again, err := c.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, DecisionAcquired, again.Decision)
}
