// client.go - Stripe API client used to re-read a subscription on demand.
package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/yourflock/roost-entitlements/internal/entitlement"
)

// Client wraps the Stripe API client.
type Client struct {
	sc *client.API
}

// NewClient initializes a Stripe client for key.
func NewClient(key string) (*Client, error) {
	if key == "" {
		return nil, fmt.Errorf("stripe not configured: set STRIPE_SECRET_KEY")
	}
	sc := &client.API{}
	sc.Init(key, nil)
	return &Client{sc: sc}, nil
}

// FetchSubscription reads subscription id from Stripe.
func (c *Client) FetchSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.sc.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

// Resync re-reads subscription id from Stripe and reconciles its current
// state, repairing a missed or failed webhook delivery.
func (c *Client) Resync(ctx context.Context, rec Reconciler, id string) (entitlement.ReconcileResult, error) {
	sub, err := c.FetchSubscription(ctx, id)
	if err != nil {
		return entitlement.ReconcileResult{}, err
	}
	ev, err := EventFromSubscription(entitlement.EventUpdated, sub)
	if err != nil {
		return entitlement.ReconcileResult{}, err
	}
	return rec.Reconcile(ctx, ev)
}

// SafePrefix returns the first 12 chars of a key for logging.
func SafePrefix(key string) string {
	if len(key) < 12 {
		return "***"
	}
	return key[:12]
}
