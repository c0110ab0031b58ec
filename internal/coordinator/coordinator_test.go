package coordinator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelforge/panelforge/internal/credit"
	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/idempotency"
	"github.com/panelforge/panelforge/internal/store"
	generrors "github.com/panelforge/panelforge/pkg/errors"
)

const testKey = "abc123-REQ-0001"

type fixture struct {
	coord  *Coordinator
	ledger *credit.Ledger
	st     *store.RedisStore
}

func newFixture(t *testing.T, capacity int64) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb, "test")

	idem := idempotency.NewCoordinator(st, idempotency.Config{}, nil)
	ledger := credit.NewLedger(st, credit.Config{Capacity: capacity, Window: time.Hour}, nil)
	exec := fallback.NewExecutor(nil)

	return &fixture{
		coord:  New(idem, ledger, exec, nil),
		ledger: ledger,
		st:     st,
	}
}

func okProfiles() []fallback.Profile {
	return []fallback.Profile{{Provider: "openai", Model: "gpt-image-1", Width: 1024, Height: 1024}}
}

func succeedAttempt(_ context.Context, p fallback.Profile) (*fallback.Artifact, error) {
	return &fallback.Artifact{URL: "https://cdn.example.com/p/1.png", Model: p.Model, Provider: p.Provider}, nil
}

func persistBody(body []byte) PersistFunc {
	return func(_ context.Context, _ *fallback.Result) ([]byte, error) {
		return body, nil
	}
}

func TestSuccessThenReplay(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	body := []byte(`{"panel_url":"https://cdn.example.com/p/1.png"}`)

	req := Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody(body),
	}

	out := f.coord.Execute(ctx, req)
	assert.Equal(t, OutcomeSucceeded, out.Kind)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, body, out.Body)
	assert.Equal(t, int64(0), out.Remaining)

	// Second identical-key request replays the exact response, no credit change.
	out2 := f.coord.Execute(ctx, req)
	assert.Equal(t, OutcomeReplayed, out2.Kind)
	assert.Equal(t, http.StatusOK, out2.Status)
	assert.Equal(t, body, out2.Body)

	status, err := f.ledger.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Remaining)
}

func TestInvalidKeyNoSideEffects(t *testing.T) {
	counting := &countingLockStore{}
	idem := idempotency.NewCoordinator(counting, idempotency.Config{}, nil)
	coord := New(idem, nil, fallback.NewExecutor(nil), nil)

	out := coord.Execute(context.Background(), Request{
		RawKey: "bad key",
		UserID: "u1",
	})
	assert.Equal(t, OutcomeRejectedInvalidKey, out.Kind)
	assert.Equal(t, http.StatusBadRequest, out.Status)
	assert.Equal(t, 0, counting.calls())
}

func TestQuotaExhausted(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Drain the single credit.
	res, err := f.ledger.Reserve(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	out := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeRejectedQuota, out.Kind)
	assert.Equal(t, http.StatusTooManyRequests, out.Status)
	assert.Equal(t, int64(0), out.Remaining)
	assert.False(t, out.ResetAt.IsZero())

	// The lock was released: a later request with restored credit succeeds.
	require.NoError(t, f.ledger.Refund(ctx, "u1"))
	out2 := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeSucceeded, out2.Kind)
}

func TestGenerationFailureRefundsAndReleases(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	out := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt: func(_ context.Context, p fallback.Profile) (*fallback.Artifact, error) {
			return nil, generrors.NewServiceUnavailableError(p.Provider, p.Model, "upstream 503: internal detail")
		},
		Persist: persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeFailedGeneration, out.Kind)
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	// Provider detail stays internal.
	assert.Empty(t, out.Body)

	// Credit netted zero.
	status, err := f.ledger.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Remaining)

	// A new key with the restored credit succeeds.
	out2 := f.coord.Execute(ctx, Request{
		RawKey:   "abc123-REQ-0002",
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{"ok":true}`)),
	})
	assert.Equal(t, OutcomeSucceeded, out2.Kind)
}

func TestPersistenceFailureKeepsCreditReleasesLock(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	out := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist: func(_ context.Context, _ *fallback.Result) ([]byte, error) {
			return nil, errors.New("object store unavailable")
		},
	})
	assert.Equal(t, OutcomeFailedPersistence, out.Kind)
	assert.Equal(t, http.StatusInternalServerError, out.Status)

	// Deliberate asymmetry: the provider did paid work, so the credit stays
	// spent even though persistence failed.
	status, err := f.ledger.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Remaining)

	// The lock was released: the same key can retry persistence.
	out2 := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{"ok":true}`)),
	})
	assert.Equal(t, OutcomeSucceeded, out2.Kind)
}

func TestUnmeteredBypassesLedger(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	// Drain the quota; an unmetered request must still succeed.
	res, err := f.ledger.Reserve(ctx, "u1")
	require.NoError(t, err)
	require.True(t, res.OK)

	out := f.coord.Execute(ctx, Request{
		RawKey:    testKey,
		UserID:    "u1",
		Unmetered: true,
		Profiles:  okProfiles(),
		Attempt:   succeedAttempt,
		Persist:   persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeSucceeded, out.Kind)

	// Ledger untouched by the unmetered request.
	status, err := f.ledger.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Remaining)
}

func TestCancellationStillCompensates(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())

	out := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt: func(_ context.Context, _ fallback.Profile) (*fallback.Artifact, error) {
			// Caller walks away mid-generation.
			cancel()
			return nil, context.Canceled
		},
		Persist: persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeFailedGeneration, out.Kind)

	// Neither the lock nor the credit leaked.
	status, err := f.ledger.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Remaining)

	out2 := f.coord.Execute(context.Background(), Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeSucceeded, out2.Kind)
}

func TestConcurrentDuplicatesOneWinner(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})

	var first Outcome
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = f.coord.Execute(ctx, Request{
			RawKey:   testKey,
			UserID:   "u1",
			Profiles: okProfiles(),
			Attempt: func(_ context.Context, p fallback.Profile) (*fallback.Artifact, error) {
				close(started)
				<-finish
				return succeedAttempt(ctx, p)
			},
			Persist: persistBody([]byte(`{}`)),
		})
	}()

	<-started
	// Duplicate submission while the original is in flight.
	dup := f.coord.Execute(ctx, Request{
		RawKey:   testKey,
		UserID:   "u1",
		Profiles: okProfiles(),
		Attempt:  succeedAttempt,
		Persist:  persistBody([]byte(`{}`)),
	})
	assert.Equal(t, OutcomeRejectedConflict, dup.Kind)
	assert.Equal(t, http.StatusConflict, dup.Status)

	close(finish)
	wg.Wait()
	assert.Equal(t, OutcomeSucceeded, first.Kind)
}

// countingLockStore verifies that invalid keys never reach the store.
type countingLockStore struct {
	mu sync.Mutex
	n  int
}

func (c *countingLockStore) bump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *countingLockStore) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *countingLockStore) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	c.bump()
	return true, nil
}

func (c *countingLockStore) Get(context.Context, string) ([]byte, error) {
	c.bump()
	return nil, nil
}

func (c *countingLockStore) CompareAndSwap(context.Context, string, []byte, []byte, time.Duration) (bool, error) {
	c.bump()
	return true, nil
}

func (c *countingLockStore) CompareAndDelete(context.Context, string, []byte) (bool, error) {
	c.bump()
	return true, nil
}
