// Package billing receives Stripe subscription lifecycle events and feeds
// them into the entitlement engine's reconciler.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"

	"github.com/yourflock/roost-entitlements/internal/entitlement"
)

// Metadata keys set on the Stripe subscription at checkout.
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
)

// Stripe event types that carry a subscription object.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var eventKinds = map[string]entitlement.EventKind{
	EventSubscriptionCreated: entitlement.EventCreated,
	EventSubscriptionUpdated: entitlement.EventUpdated,
	EventSubscriptionDeleted: entitlement.EventDeleted,
}

// KindOf returns the lifecycle kind for a Stripe event type, and false for
// types the service does not act on.
func KindOf(eventType string) (entitlement.EventKind, bool) {
	k, ok := eventKinds[eventType]
	return k, ok
}

// EventFromSubscription converts a Stripe subscription object into the
// provider-neutral event the reconciler consumes. Metadata ids that are
// present but not UUIDs make the event malformed.
func EventFromSubscription(kind entitlement.EventKind, sub *stripe.Subscription) (entitlement.SubscriptionEvent, error) {
	if sub == nil || sub.ID == "" {
		return entitlement.SubscriptionEvent{}, fmt.Errorf("%w: missing subscription object", entitlement.ErrMalformedEvent)
	}
	ev := entitlement.SubscriptionEvent{
		Kind:              kind,
		ExternalRef:       sub.ID,
		ProviderStatus:    string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodStart:       unixOrZero(sub.CurrentPeriodStart),
		PeriodEnd:         unixOrZero(sub.CurrentPeriodEnd),
	}
	var err error
	if ev.UserID, err = metadataUUID(sub.Metadata, MetadataUserID); err != nil {
		return entitlement.SubscriptionEvent{}, err
	}
	if ev.PlanID, err = metadataUUID(sub.Metadata, MetadataPlanID); err != nil {
		return entitlement.SubscriptionEvent{}, err
	}
	return ev, nil
}

// decodeSubscription unmarshals the object carried by a subscription event.
func decodeSubscription(event stripe.Event) (*stripe.Subscription, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event has no data object", entitlement.ErrMalformedEvent)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: unmarshal subscription: %v", entitlement.ErrMalformedEvent, err)
	}
	return &sub, nil
}

func metadataUUID(md map[string]string, key string) (uuid.UUID, error) {
	raw, ok := md[key]
	if !ok || raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: metadata %s is not a uuid", entitlement.ErrMalformedEvent, key)
	}
	return id, nil
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
