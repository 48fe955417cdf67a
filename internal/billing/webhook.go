// webhook.go - Stripe webhook receiver.
//
// POST /billing/webhook
//   Verifies the Stripe-Signature header, skips already-processed event ids,
//   and applies customer.subscription.{created,updated,deleted} through the
//   reconciler. Other event types are acknowledged and ignored.
//
// A store failure answers 500 without recording the event, so Stripe retries.
package billing

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/metrics"
	"github.com/yourflock/roost-entitlements/internal/telemetry"
)

// maxBodyBytes bounds a webhook body. Stripe events are small.
const maxBodyBytes = 65536

// ErrConfiguration is returned by NewWebhookHandler without a signing secret.
var ErrConfiguration = errors.New("billing: STRIPE_WEBHOOK_SECRET is not configured")

// Reconciler applies subscription events. *entitlement.Service satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, ev entitlement.SubscriptionEvent) (entitlement.ReconcileResult, error)
}

// EventLog records processed Stripe event ids.
type EventLog interface {
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
}

// WebhookHandler serves POST /billing/webhook.
type WebhookHandler struct {
	secret string
	rec    Reconciler
	events EventLog
	log    logrus.FieldLogger
	clock  clock.Clock
}

// NewWebhookHandler returns a handler verifying signatures with secret.
func NewWebhookHandler(secret string, rec Reconciler, events EventLog, log logrus.FieldLogger, clk clock.Clock) (*WebhookHandler, error) {
	if secret == "" {
		return nil, ErrConfiguration
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &WebhookHandler{secret: secret, rec: rec, events: events, log: log, clock: clk}, nil
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		auth.WriteError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.WithError(err).Warn("webhook signature verification failed")
		metrics.BillingEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		auth.WriteError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	eventType := string(event.Type)
	log := h.log.WithField("event_id", event.ID).WithField("event_type", eventType)
	ctx := r.Context()

	done, err := h.events.EventProcessed(ctx, event.ID)
	if err != nil {
		h.fail(w, log, eventType, err, "event lookup failed")
		return
	}
	if done {
		log.Info("webhook event already processed")
		metrics.BillingEvents.WithLabelValues(eventType, "duplicate").Inc()
		auth.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	kind, ok := KindOf(eventType)
	if !ok {
		log.Debug("unhandled stripe event type")
		metrics.BillingEvents.WithLabelValues(eventType, "ignored").Inc()
		auth.WriteJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	res, err := h.apply(ctx, kind, event)
	if errors.Is(err, entitlement.ErrMalformedEvent) {
		log.WithError(err).Warn("malformed subscription event")
		metrics.BillingEvents.WithLabelValues(eventType, "malformed").Inc()
		auth.WriteError(w, http.StatusBadRequest, "malformed_event", err.Error())
		return
	}
	if err != nil {
		h.fail(w, log, eventType, err, "reconcile failed")
		return
	}

	if err := h.events.MarkEventProcessed(ctx, event.ID, h.clock.Now()); err != nil {
		// Already applied; a redelivery reconciles to the same state.
		log.WithError(err).Warn("failed to record processed event")
	}

	status := "applied"
	if res.Ignored {
		status = "ignored"
	}
	metrics.BillingEvents.WithLabelValues(eventType, status).Inc()
	log.WithField("revoked", res.Revoked).Info("webhook event processed")
	auth.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  status,
		"revoked": res.Revoked,
	})
}

func (h *WebhookHandler) apply(ctx context.Context, kind entitlement.EventKind, event stripe.Event) (entitlement.ReconcileResult, error) {
	sub, err := decodeSubscription(event)
	if err != nil {
		return entitlement.ReconcileResult{}, err
	}
	ev, err := EventFromSubscription(kind, sub)
	if err != nil {
		return entitlement.ReconcileResult{}, err
	}
	return h.rec.Reconcile(ctx, ev)
}

func (h *WebhookHandler) fail(w http.ResponseWriter, log logrus.FieldLogger, eventType string, err error, msg string) {
	log.WithError(err).Error(msg)
	telemetry.CaptureError(err, map[string]string{"operation": "billing.webhook", "event_type": eventType})
	metrics.BillingEvents.WithLabelValues(eventType, "error").Inc()
	auth.WriteError(w, http.StatusInternalServerError, "server_error", "failed to process event")
}
