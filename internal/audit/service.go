package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Audit is internal-only; callers treat logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogPaymentFailure records a billing session failing payment.
func (s *Service) LogPaymentFailure(ctx context.Context, streamSessionID, billingSessionID, message string) error {
	return s.Append(ctx, Event{
		Type:             EventTypePaymentFailure,
		StreamSessionID:  streamSessionID,
		BillingSessionID: billingSessionID,
		Message:          message,
	})
}

// LogRefund records a refund issued for a billing session.
func (s *Service) LogRefund(ctx context.Context, actorUserID, actorRole, billingSessionID, reason string) error {
	return s.Append(ctx, Event{
		Type:             EventTypeRefund,
		ActorUserID:      actorUserID,
		ActorRole:        actorRole,
		BillingSessionID: billingSessionID,
		Message:          reason,
	})
}
