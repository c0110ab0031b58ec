// Package credit enforces the rolling per-user generation quota. All state
// lives in the shared coordination store; reserve and refund ride its atomic
// windowed counter so concurrent requests for one user never lose updates.
package credit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panelforge/panelforge/internal/store"
)

// Reservation reports the ledger state after a reserve, refund, or status
// call. ResetAt is zero when no window is active for the user.
type Reservation struct {
	OK        bool
	Remaining int64
	ResetAt   time.Time
}

// Config contains ledger parameters.
type Config struct {
	// Capacity is the number of generations a user may run per window.
	Capacity int64
	// Window is the rolling reset interval.
	Window time.Duration
}

// Ledger meters usage per user identity. Users presenting their own provider
// credential bypass the ledger entirely; that decision belongs to the request
// coordinator, not to the ledger.
type Ledger struct {
	counters store.CounterStore
	capacity int64
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a credit ledger over the given counter store.
func NewLedger(counters store.CounterStore, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		counters: counters,
		capacity: cfg.Capacity,
		window:   cfg.Window,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the ledger clock. Tests use this to cross window
// boundaries deterministically.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func creditKey(userID string) string {
	return "credit:" + userID
}

// Reserve debits one credit for the user. An elapsed window is reset to full
// capacity before the debit. Returns OK=false with the reset instant when the
// user is out of credits.
func (l *Ledger) Reserve(ctx context.Context, userID string) (Reservation, error) {
	res, err := l.counters.Reserve(ctx, creditKey(userID), l.capacity, l.window, l.now())
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve credit for %s: %w", userID, err)
	}
	if !res.OK {
		l.logger.Debug("credit quota exhausted", "user_id", userID, "reset_at", res.ResetAt)
	}
	return Reservation{OK: res.OK, Remaining: res.Remaining, ResetAt: res.ResetAt}, nil
}

// Refund returns one credit, clamped at capacity. The caller guarantees at
// most one refund per successful reserve.
func (l *Ledger) Refund(ctx context.Context, userID string) error {
	_, err := l.counters.Refund(ctx, creditKey(userID), l.capacity, l.now())
	if err != nil {
		return fmt.Errorf("refund credit for %s: %w", userID, err)
	}
	return nil
}

// Status reads the user's remaining credits without side effects.
func (l *Ledger) Status(ctx context.Context, userID string) (Reservation, error) {
	res, err := l.counters.Status(ctx, creditKey(userID), l.capacity, l.now())
	if err != nil {
		return Reservation{}, fmt.Errorf("credit status for %s: %w", userID, err)
	}
	return Reservation{OK: true, Remaining: res.Remaining, ResetAt: res.ResetAt}, nil
}
