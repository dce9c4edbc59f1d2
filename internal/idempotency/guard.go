package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/domain"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/metrics"
)

const defaultReservationTTL = 5 * time.Minute

// Store persists reservations. ReserveIdempotencyKey must be an atomic
// insert-if-absent: it either stores rec, including its ResultRef, as PENDING
// and returns reserved=true, or returns the existing record untouched.
type Store interface {
	ReserveIdempotencyKey(ctx context.Context, rec domain.IdempotencyRecord) (*domain.IdempotencyRecord, bool, error)
	ReacquireIdempotencyKey(ctx context.Context, tenantID, key string, staleBefore, now time.Time) (bool, error)
	CompleteIdempotencyKey(ctx context.Context, tenantID, key, resultRef string, result json.RawMessage, now time.Time) error
	FailIdempotencyKey(ctx context.Context, tenantID, key, resultRef string, now time.Time) error
	GetIdempotencyKey(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error)
}

// Outcome of CheckOrReserve. When IsNew is true the caller owns the key until
// it calls Complete or Fail. ResultRef is then set only on a takeover: it is
// the document an earlier holder reserved or created, and must be resumed
// rather than recreated.
type Outcome struct {
	IsNew     bool
	ResultRef string
	Result    json.RawMessage
}

type Guard struct {
	Store          Store
	Locker         Locker
	Logger         logrus.FieldLogger
	Now            func() time.Time
	ReservationTTL time.Duration
}

func NewGuard(store Store, locker Locker, logger logrus.FieldLogger) *Guard {
	if logger == nil {
		logger = logging.Discard()
	}
	if locker == nil {
		locker = NopLocker{}
	}
	return &Guard{
		Store:          store,
		Locker:         locker,
		Logger:         logger,
		Now:            func() time.Time { return time.Now().UTC() },
		ReservationTTL: defaultReservationTTL,
	}
}

// Lock serializes concurrent callers holding the same key. The returned
// release func is always non-nil.
func (g *Guard) Lock(ctx context.Context, tenantID, key string) (func(), error) {
	unlock, err := g.Locker.Lock(ctx, lockName(tenantID, key))
	if err != nil {
		return func() {}, err
	}
	return func() {
		if err := unlock(context.Background()); err != nil {
			g.Logger.WithFields(logrus.Fields{"tenant_id": tenantID, "idempotency_key": key}).
				WithError(err).Warn("release idempotency lock failed")
		}
	}, nil
}

// CheckOrReserve claims key for payload. resultRef names the document the
// caller is about to create; it is stored with the reservation so that
// whoever takes over a stale or failed reservation resumes that document.
func (g *Guard) CheckOrReserve(ctx context.Context, tenantID, key string, payload any, resultRef string) (Outcome, error) {
	if tenantID == "" || key == "" {
		return Outcome{}, &domain.ValidationError{Errors: []string{"idempotency: tenant_id and key are required"}}
	}
	hash, err := CanonicalHash(payload)
	if err != nil {
		return Outcome{}, &domain.ValidationError{Errors: []string{err.Error()}}
	}

	now := g.now()
	existing, reserved, err := g.Store.ReserveIdempotencyKey(ctx, domain.IdempotencyRecord{
		TenantID:      tenantID,
		Key:           key,
		CanonicalHash: hash,
		Status:        domain.IdempotencyPending,
		ResultRef:     resultRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if reserved {
		metrics.IdempotencyHits.WithLabelValues("new").Inc()
		return Outcome{IsNew: true}, nil
	}

	if existing.CanonicalHash != hash {
		metrics.IdempotencyHits.WithLabelValues("conflict").Inc()
		return Outcome{}, &domain.IdempotencyConflictError{TenantID: tenantID, Key: key}
	}

	switch existing.Status {
	case domain.IdempotencyCompleted:
		metrics.IdempotencyHits.WithLabelValues("cached").Inc()
		return Outcome{ResultRef: existing.ResultRef, Result: existing.Result}, nil
	case domain.IdempotencyFailed, domain.IdempotencyPending:
		ok, err := g.Store.ReacquireIdempotencyKey(ctx, tenantID, key, now.Add(-g.ttl()), now)
		if err != nil {
			return Outcome{}, fmt.Errorf("reacquire idempotency key: %w", err)
		}
		if ok {
			metrics.IdempotencyHits.WithLabelValues("resumed").Inc()
			g.Logger.WithFields(logrus.Fields{
				"tenant_id":       tenantID,
				"idempotency_key": key,
				"previous_status": existing.Status,
				"result_ref":      existing.ResultRef,
			}).Info("idempotency key reacquired")
			return Outcome{IsNew: true, ResultRef: existing.ResultRef}, nil
		}
	}
	metrics.IdempotencyHits.WithLabelValues("pending").Inc()
	return Outcome{}, &domain.IdempotencyPendingError{TenantID: tenantID, Key: key}
}

func (g *Guard) Complete(ctx context.Context, tenantID, key, resultRef string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal idempotent result: %w", err)
	}
	if err := g.Store.CompleteIdempotencyKey(ctx, tenantID, key, resultRef, raw, g.now()); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Fail releases the reservation for a later retry, remembering the document
// created so far.
func (g *Guard) Fail(ctx context.Context, tenantID, key, resultRef string) error {
	if err := g.Store.FailIdempotencyKey(ctx, tenantID, key, resultRef, g.now()); err != nil {
		return fmt.Errorf("fail idempotency key: %w", err)
	}
	return nil
}

func (g *Guard) Get(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, error) {
	return g.Store.GetIdempotencyKey(ctx, tenantID, key)
}

func (g *Guard) ttl() time.Duration {
	if g.ReservationTTL <= 0 {
		return defaultReservationTTL
	}
	return g.ReservationTTL
}

func (g *Guard) now() time.Time {
	if g.Now == nil {
		return time.Now().UTC()
	}
	return g.Now()
}

func lockName(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}
