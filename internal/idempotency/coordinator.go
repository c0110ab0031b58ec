// Package idempotency turns the shared coordination store into an
// at-most-once execution guarantee with response replay. A key moves
// absent -> locked -> completed, or back to absent when the holding request
// fails before its response is durable.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/panelforge/panelforge/internal/store"
)

// record is the persisted lifecycle state for one key. A locked record holds
// only the owner token; a completed record holds the cached response.
type record struct {
	State  string          `json:"state"`
	Owner  string          `json:"lock_owner,omitempty"`
	Status int             `json:"cached_status,omitempty"`
	Body   json.RawMessage `json:"cached_body,omitempty"`
}

const (
	stateLocked    = "locked"
	stateCompleted = "completed"
)

// ErrLockLost is returned by Complete or Release when the held lock no
// longer exists in the store, usually because its TTL elapsed and another
// request re-acquired the key. The caller must not touch the record further.
var ErrLockLost = errors.New("idempotency lock no longer held")

// Decision tags the outcome of an Acquire call.
type Decision int

const (
	// DecisionAcquired means this caller owns a fresh lock and must run the
	// request, then Complete or Release the lock.
	DecisionAcquired Decision = iota
	// DecisionReplay means the key already completed within the replay
	// window; the cached response must be returned verbatim.
	DecisionReplay
	// DecisionConflict means another request holds the lock right now.
	DecisionConflict
)

// Acquisition is the result of one Acquire call. Lock is non-nil only for
// DecisionAcquired; ReplayStatus/ReplayBody are set only for DecisionReplay.
type Acquisition struct {
	Decision     Decision
	Lock         *Lock
	ReplayStatus int
	ReplayBody   []byte
}

// Lock is a held idempotency lock. It retains the exact stored bytes so
// Complete and Release are owner-checked compare operations: a stale holder
// can never clobber a key that expired and was re-acquired.
type Lock struct {
	coordinator *Coordinator
	key         Key
	token       string
	raw         []byte
}

// Token returns the opaque owner token, for logging.
func (l *Lock) Token() string { return l.token }

// Coordinator mediates all idempotency-record access. No other component
// reads or writes these records.
type Coordinator struct {
	locks     store.LockStore
	lockTTL   time.Duration
	replayTTL time.Duration
	logger    *slog.Logger
}

// Config contains coordinator timing parameters.
type Config struct {
	// LockTTL bounds how long a crashed holder can block retries. It must
	// exceed the worst-case fallback-chain traversal time.
	LockTTL time.Duration
	// ReplayTTL is how long a completed response stays replayable.
	ReplayTTL time.Duration
}

// NewCoordinator creates an idempotency coordinator over the given lock store.
func NewCoordinator(locks store.LockStore, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 45 * time.Second
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		locks:     locks,
		lockTTL:   cfg.LockTTL,
		replayTTL: cfg.ReplayTTL,
		logger:    logger,
	}
}

// Acquire attempts the atomic absent -> locked transition for key. Exactly
// one concurrent caller observes DecisionAcquired; the store's set-if-absent
// primitive enforces this across process instances.
func (c *Coordinator) Acquire(ctx context.Context, key Key) (Acquisition, error) {
	token := uuid.NewString()
	raw, err := json.Marshal(record{State: stateLocked, Owner: token})
	if err != nil {
		return Acquisition{}, fmt.Errorf("marshal lock record: %w", err)
	}

	// Two rounds cover the race where the current holder's record vanishes
	// between our failed SetNX and the follow-up Get.
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := c.locks.SetIfAbsent(ctx, key.storeKey(), raw, c.lockTTL)
		if err != nil {
			return Acquisition{}, fmt.Errorf("acquire %q: %w", key, err)
		}
		if ok {
			return Acquisition{
				Decision: DecisionAcquired,
				Lock:     &Lock{coordinator: c, key: key, token: token, raw: raw},
			}, nil
		}

		current, err := c.locks.Get(ctx, key.storeKey())
		if err != nil {
			return Acquisition{}, fmt.Errorf("inspect %q: %w", key, err)
		}
		if current == nil {
			// Expired or released between the two calls; try once more.
			continue
		}

		var rec record
		if err := json.Unmarshal(current, &rec); err != nil {
			return Acquisition{}, fmt.Errorf("decode record for %q: %w", key, err)
		}
		switch rec.State {
		case stateCompleted:
			return Acquisition{
				Decision:     DecisionReplay,
				ReplayStatus: rec.Status,
				ReplayBody:   rec.Body,
			}, nil
		default:
			return Acquisition{Decision: DecisionConflict}, nil
		}
	}

	// Lost the re-acquire race as well; report it as an in-flight duplicate.
	return Acquisition{Decision: DecisionConflict}, nil
}

// Complete transitions locked -> completed and stores the response for
// replay. It must only be called after the caller's response is durable.
func (l *Lock) Complete(ctx context.Context, status int, body []byte) error {
	done, err := json.Marshal(record{
		State:  stateCompleted,
		Status: status,
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("marshal completed record: %w", err)
	}

	ok, err := l.coordinator.locks.CompareAndSwap(ctx, l.key.storeKey(), l.raw, done, l.coordinator.replayTTL)
	if err != nil {
		return fmt.Errorf("complete %q: %w", l.key, err)
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}

// Release transitions locked -> absent so a legitimate retry can run a
// fresh attempt. Called whenever the holding request fails before its
// response is durable.
func (l *Lock) Release(ctx context.Context) error {
	ok, err := l.coordinator.locks.CompareAndDelete(ctx, l.key.storeKey(), l.raw)
	if err != nil {
		return fmt.Errorf("release %q: %w", l.key, err)
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}
