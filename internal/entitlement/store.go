package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queries is the persistence surface the engine reads and writes. Lookups
// that match nothing return ErrRecordNotFound.
type Queries interface {
	GetUser(ctx context.Context, userID uuid.UUID) (User, error)
	GetPlan(ctx context.Context, planID uuid.UUID) (Plan, error)
	// ActiveSubscription returns the user's subscription with status active
	// and end date at or after now, together with its plan.
	ActiveSubscription(ctx context.Context, userID uuid.UUID, now time.Time) (Subscription, Plan, error)
	SubscriptionByExternalRef(ctx context.Context, ref string) (Subscription, error)
	// UpsertSubscription inserts or replaces the row keyed by ExternalRef.
	UpsertSubscription(ctx context.Context, s Subscription) (Subscription, error)

	GetDevice(ctx context.Context, deviceID uuid.UUID) (Device, error)
	DeviceByIdentifier(ctx context.Context, userID uuid.UUID, identifier string) (Device, error)
	ListDevices(ctx context.Context, userID uuid.UUID) ([]Device, error)
	CountDevices(ctx context.Context, userID uuid.UUID) (int, error)
	InsertDevice(ctx context.Context, d Device) error
	TouchDevice(ctx context.Context, deviceID uuid.UUID, platform string, at time.Time) error
	// DeleteDevice removes the device if it belongs to userID and reports
	// whether a row was deleted.
	DeleteDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)

	GetContent(ctx context.Context, contentID uuid.UUID) (Content, error)
	// RecordView upserts the (user, content) view-history entry.
	RecordView(ctx context.Context, userID, contentID uuid.UUID, at time.Time) error

	GetDownload(ctx context.Context, downloadID uuid.UUID) (Download, error)
	ListDownloads(ctx context.Context, userID uuid.UUID) ([]Download, error)
	// ActiveDownload returns the non-terminal, unexpired grant for the triple.
	ActiveDownload(ctx context.Context, userID, deviceID, contentID uuid.UUID, now time.Time) (Download, error)
	CountActiveDownloads(ctx context.Context, userID uuid.UUID, now time.Time) (int, error)
	InsertDownload(ctx context.Context, d Download) error
	// TransitionDownload moves a download from one status to another only if
	// it is still in from. It reports whether the row changed.
	TransitionDownload(ctx context.Context, downloadID uuid.UUID, from, to DownloadStatus, at time.Time) (bool, error)

	// RevokeUserDownloads sets every authorized or downloaded grant of the
	// user to revoked and returns the number of rows changed.
	RevokeUserDownloads(ctx context.Context, userID uuid.UUID, at time.Time) (int64, error)
	// ExpireDownloads sets every authorized or downloaded grant whose expiry
	// is before now to expired, in one conditional bulk update.
	ExpireDownloads(ctx context.Context, now time.Time) (int64, error)
	// RevokeOrphanedDownloads revokes every non-terminal grant owned by a
	// user with no active subscription at now, in one conditional bulk update.
	RevokeOrphanedDownloads(ctx context.Context, now time.Time) (int64, error)

	// EventProcessed reports whether a provider event id was already applied.
	EventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
}

// Store is Queries plus a per-user unit of work. Work run through InUserTx
// is atomic and serialised against every other InUserTx for the same user,
// which is what turns the device and download caps into hard limits.
type Store interface {
	Queries
	InUserTx(ctx context.Context, userID uuid.UUID, fn func(q Queries) error) error
}

// URLSigner turns a media locator into a URL a client can fetch.
type URLSigner interface {
	ResolveURL(ctx context.Context, locator string) (string, error)
}
