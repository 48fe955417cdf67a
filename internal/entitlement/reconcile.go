package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent rejects a provider event that lacks what it needs to be
// applied. Nothing is written when it is returned.
var ErrMalformedEvent = errors.New("malformed subscription event")

// EventKind is the lifecycle change a provider event reports.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// SubscriptionEvent is a provider-neutral subscription lifecycle event.
type SubscriptionEvent struct {
	Kind        EventKind
	ExternalRef string
	// UserID and PlanID come from the provider-side metadata. They are
	// required only when the subscription is not yet known locally.
	UserID            uuid.UUID
	PlanID            uuid.UUID
	ProviderStatus    string
	CancelAtPeriodEnd bool
	PeriodStart       time.Time
	PeriodEnd         time.Time
}

// ReconcileResult describes what applying an event did.
type ReconcileResult struct {
	Subscription Subscription
	Revoked      int64
	// Ignored is set for unknown kinds and for deletions of subscriptions
	// that were never mirrored locally.
	Ignored bool
}

// MapProviderStatus maps a provider subscription status onto the local one.
// A subscription scheduled to cancel at period end is already CANCELLED.
func MapProviderStatus(status string, cancelAtPeriodEnd bool) SubscriptionStatus {
	switch {
	case status == "canceled" || status == "cancelled":
		return SubscriptionCancelled
	case status == "active" || status == "trialing":
		if cancelAtPeriodEnd {
			return SubscriptionCancelled
		}
		return SubscriptionActive
	default:
		return SubscriptionExpired
	}
}

// Reconcile mirrors one provider event into the local subscription record
// and revokes the user's offline grants when the subscription stops being
// active. It is idempotent under redelivery.
func (s *Service) Reconcile(ctx context.Context, ev SubscriptionEvent) (ReconcileResult, error) {
	if ev.ExternalRef == "" {
		return ReconcileResult{}, fmt.Errorf("%w: missing subscription reference", ErrMalformedEvent)
	}
	switch ev.Kind {
	case EventCreated, EventUpdated:
		return s.applyUpsert(ctx, ev)
	case EventDeleted:
		return s.applyDelete(ctx, ev)
	default:
		s.log.WithField("kind", ev.Kind).WithField("subscription", ev.ExternalRef).
			Info("ignoring unknown subscription event")
		return ReconcileResult{Ignored: true}, nil
	}
}

func (s *Service) applyUpsert(ctx context.Context, ev SubscriptionEvent) (ReconcileResult, error) {
	userID, err := s.eventOwner(ctx, ev)
	if err != nil {
		return ReconcileResult{}, err
	}

	now := s.clock.Now()
	var res ReconcileResult
	err = s.store.InUserTx(ctx, userID, func(q Queries) error {
		prev, err := q.SubscriptionByExternalRef(ctx, ev.ExternalRef)
		existed := err == nil
		if err != nil && !notFound(err) {
			return fmt.Errorf("subscription by ref: %w", err)
		}

		next := Subscription{
			ID:          uuid.New(),
			UserID:      userID,
			PlanID:      ev.PlanID,
			Status:      MapProviderStatus(ev.ProviderStatus, ev.CancelAtPeriodEnd),
			StartDate:   ev.PeriodStart,
			EndDate:     ev.PeriodEnd,
			ExternalRef: ev.ExternalRef,
			UpdatedAt:   now,
		}
		if existed {
			next.ID = prev.ID
			if next.PlanID == uuid.Nil {
				next.PlanID = prev.PlanID
			}
			if next.StartDate.IsZero() {
				next.StartDate = prev.StartDate
			}
			if next.EndDate.IsZero() {
				next.EndDate = prev.EndDate
			}
		}
		if next.PlanID == uuid.Nil {
			return fmt.Errorf("%w: missing plan id", ErrMalformedEvent)
		}
		if _, err := q.GetPlan(ctx, next.PlanID); err != nil {
			if notFound(err) {
				return fmt.Errorf("%w: unknown plan %s", ErrMalformedEvent, next.PlanID)
			}
			return fmt.Errorf("get plan: %w", err)
		}

		saved, err := q.UpsertSubscription(ctx, next)
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		res.Subscription = saved

		lostAccess := saved.Status != SubscriptionActive &&
			(!existed || prev.Status == SubscriptionActive)
		if lostAccess {
			n, err := q.RevokeUserDownloads(ctx, userID, now)
			if err != nil {
				return fmt.Errorf("revoke downloads: %w", err)
			}
			res.Revoked = n
		}
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	s.log.WithField("user_id", userID).
		WithField("subscription", ev.ExternalRef).
		WithField("status", res.Subscription.Status).
		WithField("revoked", res.Revoked).
		Info("subscription reconciled")
	return res, nil
}

func (s *Service) applyDelete(ctx context.Context, ev SubscriptionEvent) (ReconcileResult, error) {
	prev, err := s.store.SubscriptionByExternalRef(ctx, ev.ExternalRef)
	if notFound(err) {
		s.log.WithField("subscription", ev.ExternalRef).Warn("deleted event for unknown subscription")
		return ReconcileResult{Ignored: true}, nil
	}
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("subscription by ref: %w", err)
	}

	now := s.clock.Now()
	var res ReconcileResult
	err = s.store.InUserTx(ctx, prev.UserID, func(q Queries) error {
		cur, err := q.SubscriptionByExternalRef(ctx, ev.ExternalRef)
		if err != nil {
			return fmt.Errorf("subscription by ref: %w", err)
		}
		cur.Status = SubscriptionExpired
		cur.EndDate = now
		cur.UpdatedAt = now
		saved, err := q.UpsertSubscription(ctx, cur)
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		res.Subscription = saved
		n, err := q.RevokeUserDownloads(ctx, cur.UserID, now)
		if err != nil {
			return fmt.Errorf("revoke downloads: %w", err)
		}
		res.Revoked = n
		return nil
	})
	if err != nil {
		return ReconcileResult{}, err
	}

	s.log.WithField("user_id", prev.UserID).
		WithField("subscription", ev.ExternalRef).
		WithField("revoked", res.Revoked).
		Info("subscription deleted")
	return res, nil
}

// eventOwner resolves the local user an upsert applies to. A known
// subscription keeps its owner regardless of the event's metadata.
func (s *Service) eventOwner(ctx context.Context, ev SubscriptionEvent) (uuid.UUID, error) {
	prev, err := s.store.SubscriptionByExternalRef(ctx, ev.ExternalRef)
	switch {
	case err == nil:
		return prev.UserID, nil
	case !notFound(err):
		return uuid.Nil, fmt.Errorf("subscription by ref: %w", err)
	case ev.UserID == uuid.Nil:
		return uuid.Nil, fmt.Errorf("%w: missing user id", ErrMalformedEvent)
	}
	if _, err := s.store.GetUser(ctx, ev.UserID); err != nil {
		if notFound(err) {
			return uuid.Nil, fmt.Errorf("%w: unknown user %s", ErrMalformedEvent, ev.UserID)
		}
		return uuid.Nil, fmt.Errorf("get user: %w", err)
	}
	return ev.UserID, nil
}

// RevokeAllOfflineGrants revokes every non-terminal grant the user holds,
// regardless of expiry, and returns how many changed.
func (s *Service) RevokeAllOfflineGrants(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := s.store.RevokeUserDownloads(ctx, userID, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("revoke downloads: %w", err)
	}
	s.log.WithField("user_id", userID).WithField("revoked", n).Info("offline grants revoked")
	return n, nil
}
