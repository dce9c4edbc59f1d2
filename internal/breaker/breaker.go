package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/metrics"
)

// Store holds one record per service. UpdateBreaker must apply fn as an
// atomic read-modify-write; fn may run more than once under contention and a
// non-nil error from fn aborts the write.
type Store interface {
	GetBreaker(ctx context.Context, serviceName string) (domain.CircuitBreakerState, error)
	UpdateBreaker(ctx context.Context, serviceName string, fn func(*domain.CircuitBreakerState) error) (domain.CircuitBreakerState, error)
	ListBreakers(ctx context.Context) ([]domain.CircuitBreakerState, error)
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Classifier reports whether err counts against the service's health.
type Classifier func(err error) bool

// DefaultClassifier counts everything except business rejections, invalid
// input and caller cancellation. Those show the service answered.
func DefaultClassifier(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var rejection *domain.RejectionError
	if errors.As(err, &rejection) {
		return rejection.Transient
	}
	var validation *domain.ValidationError
	return !errors.As(err, &validation)
}

type Breaker struct {
	Store    Store
	Config   Config
	Classify Classifier
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

func New(store Store, cfg Config, logger logrus.FieldLogger) *Breaker {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Breaker{
		Store:    store,
		Config:   cfg,
		Classify: DefaultClassifier,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs op unless the circuit for serviceName is open. It returns
// *domain.CircuitOpenError without calling op when short-circuited, and op's
// own error otherwise.
func (b *Breaker) Execute(ctx context.Context, serviceName string, op func(context.Context) error) error {
	if err := b.admit(ctx, serviceName); err != nil {
		return err
	}
	opErr := op(ctx)
	if err := b.record(ctx, serviceName, opErr); err != nil {
		b.Logger.WithField("service", serviceName).WithError(err).Error("record circuit breaker outcome failed")
	}
	return opErr
}

func (b *Breaker) admit(ctx context.Context, serviceName string) error {
	current, err := b.Store.GetBreaker(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("load circuit breaker %s: %w", serviceName, err)
	}
	if current.State == domain.BreakerClosed || current.State == "" {
		return nil
	}

	now := b.now()
	st, err := b.Store.UpdateBreaker(ctx, serviceName, func(st *domain.CircuitBreakerState) error {
		switch st.State {
		case domain.BreakerOpen:
			if retryAt := b.retryAt(st.OpenedAt); now.Before(retryAt) {
				return &domain.CircuitOpenError{ServiceName: serviceName, RetryAt: retryAt}
			}
			st.State = domain.BreakerHalfOpen
			st.SuccessCount = 0
			st.TrialStartedAt = &now
		case domain.BreakerHalfOpen:
			// One trial at a time; a trial that never reported back is
			// considered lost after Timeout.
			if st.TrialStartedAt != nil {
				if retryAt := b.retryAt(st.TrialStartedAt); now.Before(retryAt) {
					return &domain.CircuitOpenError{ServiceName: serviceName, RetryAt: retryAt}
				}
			}
			st.TrialStartedAt = &now
		default:
			return nil
		}
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	b.observe(st)
	return nil
}

func (b *Breaker) record(ctx context.Context, serviceName string, opErr error) error {
	classify := b.Classify
	if classify == nil {
		classify = DefaultClassifier
	}
	failed := opErr != nil && classify(opErr)
	now := b.now()

	before := domain.BreakerStatus("")
	st, err := b.Store.UpdateBreaker(ctx, serviceName, func(st *domain.CircuitBreakerState) error {
		before = st.State
		if failed {
			b.onFailure(st, now)
		} else {
			b.onSuccess(st)
		}
		st.UpdatedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	b.observe(st)
	if before != st.State {
		b.Logger.WithFields(logrus.Fields{
			"service":       serviceName,
			"from":          before,
			"to":            st.State,
			"failure_count": st.FailureCount,
		}).Warn("circuit breaker state changed")
	}
	return nil
}

func (b *Breaker) onFailure(st *domain.CircuitBreakerState, now time.Time) {
	st.FailureCount++
	st.LastFailureAt = &now
	switch st.State {
	case domain.BreakerHalfOpen:
		st.State = domain.BreakerOpen
		st.OpenedAt = &now
		st.SuccessCount = 0
		st.TrialStartedAt = nil
	case domain.BreakerOpen:
	default:
		st.State = domain.BreakerClosed
		if st.FailureCount >= b.Config.FailureThreshold {
			st.State = domain.BreakerOpen
			st.OpenedAt = &now
			st.SuccessCount = 0
		}
	}
}

func (b *Breaker) onSuccess(st *domain.CircuitBreakerState) {
	switch st.State {
	case domain.BreakerHalfOpen:
		st.SuccessCount++
		st.TrialStartedAt = nil
		if st.SuccessCount >= b.Config.SuccessThreshold {
			st.State = domain.BreakerClosed
			st.FailureCount = 0
			st.SuccessCount = 0
			st.OpenedAt = nil
		}
	case domain.BreakerOpen:
		// A call admitted before the circuit opened finished late; it does not
		// close the circuit.
	default:
		st.State = domain.BreakerClosed
		st.FailureCount = 0
	}
}

// IsOpen reports whether Execute would short-circuit right now.
func (b *Breaker) IsOpen(ctx context.Context, serviceName string) (bool, error) {
	st, err := b.Store.GetBreaker(ctx, serviceName)
	if err != nil {
		return false, err
	}
	now := b.now()
	switch st.State {
	case domain.BreakerOpen:
		return now.Before(b.retryAt(st.OpenedAt)), nil
	case domain.BreakerHalfOpen:
		return st.TrialStartedAt != nil && now.Before(b.retryAt(st.TrialStartedAt)), nil
	}
	return false, nil
}

func (b *Breaker) State(ctx context.Context, serviceName string) (domain.CircuitBreakerState, error) {
	return b.Store.GetBreaker(ctx, serviceName)
}

func (b *Breaker) List(ctx context.Context) ([]domain.CircuitBreakerState, error) {
	return b.Store.ListBreakers(ctx)
}

// Reset forces the circuit closed and clears its counters.
func (b *Breaker) Reset(ctx context.Context, serviceName string) (domain.CircuitBreakerState, error) {
	now := b.now()
	st, err := b.Store.UpdateBreaker(ctx, serviceName, func(st *domain.CircuitBreakerState) error {
		*st = domain.NewClosedBreaker(serviceName, now)
		return nil
	})
	if err != nil {
		return st, err
	}
	b.observe(st)
	b.Logger.WithField("service", serviceName).Info("circuit breaker reset")
	return st, nil
}

func (b *Breaker) retryAt(since *time.Time) time.Time {
	if since == nil {
		return time.Time{}
	}
	return since.Add(b.Config.Timeout)
}

func (b *Breaker) observe(st domain.CircuitBreakerState) {
	v := 0.0
	switch st.State {
	case domain.BreakerHalfOpen:
		v = 1
	case domain.BreakerOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(st.ServiceName).Set(v)
}

func (b *Breaker) now() time.Time {
	if b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now()
}
