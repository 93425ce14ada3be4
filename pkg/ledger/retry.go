package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	retry "github.com/avast/retry-go/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gatewright/gatewright/pkg/attest"
)

// AlertFunc receives fatal escalations. Wire it to paging; the default logs
// at error level so an exhausted append never disappears silently.
type AlertFunc func(ctx context.Context, e *attest.Event, err error)

// RetryingAppender wraps a Ledger with bounded retry on transient storage
// failures. ErrStaleChain and ErrInvalidSignature are surfaced immediately:
// stale heads need a re-read by the caller, bad signatures never heal.
// When the retry budget is exhausted the failure is escalated through the
// alert hook and returned as an AppendFailure.
type RetryingAppender struct {
	ledger         *Ledger
	attempts       uint
	baseDelay      time.Duration
	attemptTimeout time.Duration
	alert          AlertFunc
	logger         *slog.Logger

	retriesCounter metric.Int64Counter
	fatalCounter   metric.Int64Counter
}

// NewRetryingAppender builds an appender with the given retry budget.
func NewRetryingAppender(l *Ledger, attempts uint, baseDelay, attemptTimeout time.Duration, alert AlertFunc) *RetryingAppender {
	logger := slog.Default().With("component", "ledger.appender")
	if alert == nil {
		alert = func(ctx context.Context, e *attest.Event, err error) {
			logger.ErrorContext(ctx, "FATAL: attestation event dropped after retry budget",
				"event_id", e.ID, "kind", e.Kind, "release_id", e.Keys.ReleaseID, "error", err)
		}
	}

	meter := otel.Meter("gatewright.ledger")
	retries, _ := meter.Int64Counter("gatewright.append.retries",
		metric.WithDescription("Append attempts retried on transient storage failure"))
	fatal, _ := meter.Int64Counter("gatewright.append.fatal",
		metric.WithDescription("Appends escalated to fatal after retry budget exhaustion"))

	return &RetryingAppender{
		ledger:         l,
		attempts:       attempts,
		baseDelay:      baseDelay,
		attemptTimeout: attemptTimeout,
		alert:          alert,
		logger:         logger,
		retriesCounter: retries,
		fatalCounter:   fatal,
	}
}

// Append writes e with retry. Each attempt runs under its own bounded
// timeout so a hung storage write surfaces as a retryable error instead of
// blocking indefinitely.
func (a *RetryingAppender) Append(ctx context.Context, e *attest.Event) (*attest.Event, error) {
	attempt := 0
	r := retry.New(
		retry.Attempts(a.attempts),
		retry.Delay(a.baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrStaleChain) && !errors.Is(err, ErrInvalidSignature)
		}),
		retry.OnRetry(func(n uint, err error) {
			a.retriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
			a.logger.WarnContext(ctx, "append retry", "attempt", n+1, "event_id", e.ID, "error", err)
		}),
	)
	err := r.Do(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, a.attemptTimeout)
		defer cancel()
		_, err := a.ledger.Append(attemptCtx, e)
		return err
	})
	if err == nil {
		return e, nil
	}
	if errors.Is(err, ErrStaleChain) || errors.Is(err, ErrInvalidSignature) {
		return nil, err
	}

	a.fatalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	failure := &AppendFailure{Attempts: attempt, Err: err}
	a.alert(ctx, e, failure)
	return nil, failure
}
