// Package coordinator sequences idempotency, credit accounting, and provider
// fallback around a single generation attempt. It owns the lifecycle of one
// idempotency record per request and guarantees that every failure before the
// response is durable runs the compensation path: refund if a credit was
// reserved, then release the lock.
package coordinator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/panelforge/panelforge/internal/credit"
	"github.com/panelforge/panelforge/internal/fallback"
	"github.com/panelforge/panelforge/internal/idempotency"
	"github.com/panelforge/panelforge/internal/metrics"
)

const tracerName = "panelforge"

// OutcomeKind tags the terminal state of one coordinated request.
type OutcomeKind int

const (
	// OutcomeSucceeded: artifact generated, persisted, and recorded for replay.
	OutcomeSucceeded OutcomeKind = iota
	// OutcomeReplayed: duplicate submission answered from the cached response.
	OutcomeReplayed
	// OutcomeRejectedInvalidKey: key failed validation; no side effects ran.
	OutcomeRejectedInvalidKey
	// OutcomeRejectedConflict: another request holds the key's lock.
	OutcomeRejectedConflict
	// OutcomeRejectedQuota: the user's credits are exhausted.
	OutcomeRejectedQuota
	// OutcomeFailedGeneration: the fallback chain produced no artifact;
	// any reserved credit was refunded and the lock released.
	OutcomeFailedGeneration
	// OutcomeFailedPersistence: generation succeeded but persistence failed;
	// the credit is deliberately NOT refunded (the provider did paid work)
	// while the lock is released so a retry can persist without re-billing.
	OutcomeFailedPersistence
)

// String returns the metric label for the outcome.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeRejectedInvalidKey:
		return "invalid_key"
	case OutcomeRejectedConflict:
		return "conflict"
	case OutcomeRejectedQuota:
		return "quota_exhausted"
	case OutcomeFailedGeneration:
		return "generation_failed"
	case OutcomeFailedPersistence:
		return "persistence_failed"
	default:
		return "unknown"
	}
}

// Outcome is the structured result handed back to the transport layer.
// Err carries internal diagnostics only; it must never reach a client.
type Outcome struct {
	Kind      OutcomeKind
	Status    int
	Body      []byte
	Remaining int64
	ResetAt   time.Time
	Err       error
}

// PersistFunc makes a generated artifact durable and returns the final
// response body. It is supplied by the caller; the coordinator only cares
// whether persistence succeeded before it completes the idempotency record.
type PersistFunc func(ctx context.Context, res *fallback.Result) ([]byte, error)

// Request is one inbound generation request after upstream validation.
type Request struct {
	RawKey string
	UserID string
	// Unmetered marks a request carrying a self-supplied provider
	// credential; the credit ledger is not consulted at all.
	Unmetered bool
	Profiles  []fallback.Profile
	Attempt   fallback.AttemptFunc
	Persist   PersistFunc
}

// Coordinator is the composition root over the idempotency coordinator,
// credit ledger, and fallback executor.
type Coordinator struct {
	idem    *idempotency.Coordinator
	credits *credit.Ledger
	exec    *fallback.Executor
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a request coordinator.
func New(idem *idempotency.Coordinator, credits *credit.Ledger, exec *fallback.Executor, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		idem:    idem,
		credits: credits,
		exec:    exec,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Execute runs the request state machine. Every return is a terminal state;
// callers handle each variant explicitly.
func (c *Coordinator) Execute(ctx context.Context, req Request) Outcome {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute",
		trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer span.End()

	out := c.execute(ctx, req)

	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	metrics.GenerationRequests.WithLabelValues(out.Kind.String()).Inc()
	if out.Err != nil {
		c.logger.Warn("generation request failed",
			"user_id", req.UserID,
			"outcome", out.Kind.String(),
			"error", out.Err,
		)
	}
	return out
}

func (c *Coordinator) execute(ctx context.Context, req Request) Outcome {
	key, err := idempotency.ValidateKey(req.RawKey)
	if err != nil {
		return Outcome{Kind: OutcomeRejectedInvalidKey, Status: http.StatusBadRequest, Err: err}
	}

	acq, err := c.idem.Acquire(ctx, key)
	if err != nil {
		return Outcome{Kind: OutcomeFailedGeneration, Status: http.StatusInternalServerError, Err: err}
	}

	switch acq.Decision {
	case idempotency.DecisionReplay:
		metrics.IdempotencyReplays.Inc()
		return Outcome{Kind: OutcomeReplayed, Status: acq.ReplayStatus, Body: acq.ReplayBody}
	case idempotency.DecisionConflict:
		metrics.IdempotencyConflicts.Inc()
		return Outcome{Kind: OutcomeRejectedConflict, Status: http.StatusConflict}
	}

	lock := acq.Lock

	// Compensation must run even when the caller's context is cancelled
	// mid-flight: a cancelled request may not leak a lock or a credit.
	cleanupCtx := context.WithoutCancel(ctx)

	var reserved bool
	var reservation credit.Reservation
	if !req.Unmetered {
		reservation, err = c.credits.Reserve(ctx, req.UserID)
		if err != nil {
			c.release(cleanupCtx, lock)
			return Outcome{Kind: OutcomeFailedGeneration, Status: http.StatusInternalServerError, Err: err}
		}
		if !reservation.OK {
			metrics.CreditReservations.WithLabelValues("rejected").Inc()
			c.release(cleanupCtx, lock)
			return Outcome{
				Kind:      OutcomeRejectedQuota,
				Status:    http.StatusTooManyRequests,
				Remaining: 0,
				ResetAt:   reservation.ResetAt,
			}
		}
		metrics.CreditReservations.WithLabelValues("granted").Inc()
		reserved = true
	}

	result, err := c.exec.Run(ctx, req.Profiles, c.instrumented(req.Attempt))
	if err != nil {
		if reserved {
			c.refund(cleanupCtx, req.UserID)
		}
		c.release(cleanupCtx, lock)
		return Outcome{Kind: OutcomeFailedGeneration, Status: http.StatusInternalServerError, Err: err}
	}

	body, err := req.Persist(ctx, result)
	if err != nil {
		// The provider already did the paid work, so the credit stays spent.
		// Releasing the lock lets a retry re-attempt persistence without
		// re-billing the provider.
		c.release(cleanupCtx, lock)
		return Outcome{Kind: OutcomeFailedPersistence, Status: http.StatusInternalServerError, Err: err}
	}

	if err := lock.Complete(cleanupCtx, http.StatusOK, body); err != nil {
		// The response is already durable; a lost lock only costs replay.
		c.logger.Warn("failed to record completed response",
			"user_id", req.UserID, "error", err)
	}

	return Outcome{
		Kind:      OutcomeSucceeded,
		Status:    http.StatusOK,
		Body:      body,
		Remaining: reservation.Remaining,
		ResetAt:   reservation.ResetAt,
	}
}

// instrumented wraps the attempt function with per-profile latency and
// result metrics.
func (c *Coordinator) instrumented(attempt fallback.AttemptFunc) fallback.AttemptFunc {
	return func(ctx context.Context, profile fallback.Profile) (*fallback.Artifact, error) {
		start := time.Now()
		artifact, err := attempt(ctx, profile)
		metrics.ProviderLatency.WithLabelValues(profile.Provider, profile.Model).
			Observe(time.Since(start).Seconds())

		result := "success"
		if err != nil {
			result = "failure"
		}
		metrics.FallbackAttempts.WithLabelValues(profile.Provider, profile.Model, result).Inc()
		return artifact, err
	}
}

func (c *Coordinator) refund(ctx context.Context, userID string) {
	if err := c.credits.Refund(ctx, userID); err != nil {
		c.logger.Error("credit refund failed", "user_id", userID, "error", err)
		return
	}
	metrics.CreditRefunds.Inc()
}

func (c *Coordinator) release(ctx context.Context, lock *idempotency.Lock) {
	if err := lock.Release(ctx); err != nil {
		c.logger.Warn("idempotency lock release failed", "error", err)
	}
}
