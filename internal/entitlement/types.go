// Package entitlement decides whether a user may stream or download content,
// and keeps offline grants consistent with the billing provider.
//
// Every decision is recomputed from durable records (see Store) on each call;
// the package holds no session state of its own.
package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus is the local mirror of the provider's subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

// DownloadStatus is the lifecycle state of an offline grant.
type DownloadStatus string

const (
	DownloadAuthorized DownloadStatus = "authorized"
	DownloadDownloaded DownloadStatus = "downloaded"
	DownloadExpired    DownloadStatus = "expired"
	DownloadRevoked    DownloadStatus = "revoked"
)

// Terminal reports whether no transition may leave s.
func (s DownloadStatus) Terminal() bool {
	return s == DownloadExpired || s == DownloadRevoked
}

// downloadTransitions lists every permitted status change. Terminal states
// have no outgoing edges.
var downloadTransitions = map[DownloadStatus][]DownloadStatus{
	DownloadAuthorized: {DownloadDownloaded, DownloadExpired, DownloadRevoked},
	DownloadDownloaded: {DownloadExpired, DownloadRevoked},
}

// CanTransition reports whether a download may move from one status to another.
func CanTransition(from, to DownloadStatus) bool {
	for _, s := range downloadTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// User is the subset of the account record this package reads.
type User struct {
	ID   uuid.UUID
	Role string
}

// Plan carries the limits a subscription grants.
type Plan struct {
	ID                  uuid.UUID
	Name                string
	PriceCents          int64
	BillingPeriod       string
	DeviceLimit         int
	OfflineAllowed      bool
	MaxOfflineDownloads int
	ExternalPriceRef    string
}

// Subscription links a user to a plan for a billing period.
type Subscription struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	PlanID      uuid.UUID
	Status      SubscriptionStatus
	StartDate   time.Time
	EndDate     time.Time
	ExternalRef string
	UpdatedAt   time.Time
}

// ActiveAt reports whether the subscription grants access at t.
func (s Subscription) ActiveAt(t time.Time) bool {
	return s.Status == SubscriptionActive && !s.EndDate.Before(t)
}

// Device is one app install registered to a user.
type Device struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	Platform     string    `json:"platform"`
	Identifier   string    `json:"device_identifier"`
	LastActiveAt time.Time `json:"last_active_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Download is one offline-viewing grant for (user, device, content).
type Download struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	DeviceID  uuid.UUID      `json:"device_id"`
	ContentID uuid.UUID      `json:"content_id"`
	Status    DownloadStatus `json:"status"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ActiveAt reports whether the grant is non-terminal and unexpired at t.
// A grant expiring exactly at t is still active; the sweeper only expires
// grants whose expiry is strictly in the past.
func (d Download) ActiveAt(t time.Time) bool {
	return !d.Status.Terminal() && !d.ExpiresAt.Before(t)
}

// Content is the catalog view of an episode. Locators are either object keys
// or absolute URLs.
type Content struct {
	ID                 uuid.UUID
	Published          bool
	AdaptiveLocator    string
	ProgressiveLocator string
}

// Grant is the result of a successful download authorization.
type Grant struct {
	Download       Download  `json:"download"`
	Token          string    `json:"token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

// PlaybackType describes how a stream locator should be played.
type PlaybackType string

const (
	PlaybackAdaptive    PlaybackType = "adaptive"
	PlaybackProgressive PlaybackType = "progressive"
)

// Stream is the result of a successful playback authorization.
type Stream struct {
	URL  string       `json:"url"`
	Type PlaybackType `json:"type"`
}
