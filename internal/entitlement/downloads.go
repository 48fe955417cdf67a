package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/yourflock/roost-entitlements/internal/token"
)

// AuthorizeDownload grants the user offline access to contentID on deviceID
// and mints a download token for it.
//
// Checks run in this order: active subscription, offline-capable plan,
// device ownership, device count, content published. An existing active
// grant for the same (user, device, content) is then returned as is, with a
// fresh token, so a retry never trips the download limit. Only a new grant
// is checked against maxOfflineDownloads.
//
// The whole sequence runs inside one per-user unit of work, so concurrent
// calls cannot overshoot either limit.
func (s *Service) AuthorizeDownload(ctx context.Context, userID, contentID, deviceID uuid.UUID) (Grant, error) {
	now := s.clock.Now()
	var (
		dl      Download
		created bool
	)
	err := s.store.InUserTx(ctx, userID, func(q Queries) error {
		_, plan, err := q.ActiveSubscription(ctx, userID, now)
		if notFound(err) {
			return ErrSubscriptionRequired
		}
		if err != nil {
			return fmt.Errorf("active subscription: %w", err)
		}
		if !plan.OfflineAllowed {
			return ErrOfflineNotAllowed
		}

		dev, err := q.GetDevice(ctx, deviceID)
		if notFound(err) || (err == nil && dev.UserID != userID) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return fmt.Errorf("get device: %w", err)
		}

		devices, err := q.CountDevices(ctx, userID)
		if err != nil {
			return fmt.Errorf("count devices: %w", err)
		}
		if devices > plan.DeviceLimit {
			return deny(CodeDeviceLimitExceeded,
				"you have %d devices but your plan allows %d; remove a device to download", devices, plan.DeviceLimit)
		}

		content, err := q.GetContent(ctx, contentID)
		if notFound(err) || (err == nil && !content.Published) {
			return ErrContentUnavailable
		}
		if err != nil {
			return fmt.Errorf("get content: %w", err)
		}

		existing, err := q.ActiveDownload(ctx, userID, deviceID, contentID, now)
		if err == nil {
			dl = existing
			return nil
		}
		if !notFound(err) {
			return fmt.Errorf("active download: %w", err)
		}

		active, err := q.CountActiveDownloads(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("count downloads: %w", err)
		}
		if active >= plan.MaxOfflineDownloads {
			return deny(CodeDownloadLimitExceeded,
				"your plan allows %d offline downloads at a time", plan.MaxOfflineDownloads)
		}

		dl = Download{
			ID:        uuid.New(),
			UserID:    userID,
			DeviceID:  deviceID,
			ContentID: contentID,
			Status:    DownloadAuthorized,
			ExpiresAt: now.Add(s.offlineWindow),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := q.InsertDownload(ctx, dl); err != nil {
			return fmt.Errorf("insert download: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Grant{}, err
	}

	tok, claims, err := s.tokens.Issue(userID, deviceID, contentID)
	if err != nil {
		return Grant{}, fmt.Errorf("issue token: %w", err)
	}
	s.log.WithField("user_id", userID).
		WithField("download_id", dl.ID).
		WithField("created", created).
		Info("download authorized")
	return Grant{Download: dl, Token: tok, TokenExpiresAt: claims.ExpiresAt()}, nil
}

// MarkDownloadComplete records that the client finished fetching the media.
func (s *Service) MarkDownloadComplete(ctx context.Context, userID, downloadID uuid.UUID) (Download, error) {
	now := s.clock.Now()
	dl, err := s.store.GetDownload(ctx, downloadID)
	if notFound(err) || (err == nil && dl.UserID != userID) {
		return Download{}, deny(CodeNotFound, "download not found")
	}
	if err != nil {
		return Download{}, fmt.Errorf("get download: %w", err)
	}
	if dl.Status != DownloadAuthorized {
		return Download{}, deny(CodeInvalidState, "download is %s, not %s", dl.Status, DownloadAuthorized)
	}
	if dl.ExpiresAt.Before(now) {
		return Download{}, ErrExpired
	}

	ok, err := s.store.TransitionDownload(ctx, dl.ID, DownloadAuthorized, DownloadDownloaded, now)
	if err != nil {
		return Download{}, fmt.Errorf("transition download: %w", err)
	}
	if !ok {
		// Revoked or expired between the read and the write.
		return Download{}, deny(CodeInvalidState, "download is no longer %s", DownloadAuthorized)
	}
	dl.Status = DownloadDownloaded
	dl.UpdatedAt = now
	return dl, nil
}

// RedeemDownloadToken exchanges a download token for a fetchable media URL.
// Every precondition is re-checked against the store; the token alone never
// authorizes a fetch.
func (s *Service) RedeemDownloadToken(ctx context.Context, userID uuid.UUID, tok string, deviceID uuid.UUID) (string, error) {
	claims, err := s.tokens.VerifyForDevice(tok, deviceID)
	if err != nil {
		return "", invalidToken(err)
	}
	if claims.UserID != userID {
		return "", deny(CodeInvalidToken, "token was issued to a different user")
	}

	dev, err := s.store.GetDevice(ctx, deviceID)
	if notFound(err) || (err == nil && dev.UserID != userID) {
		return "", deny(CodeForbidden, "device is not registered to this account")
	}
	if err != nil {
		return "", fmt.Errorf("get device: %w", err)
	}

	now := s.clock.Now()
	if _, err := s.store.ActiveDownload(ctx, userID, deviceID, claims.EpisodeID, now); err != nil {
		if notFound(err) {
			return "", ErrNoActiveGrant
		}
		return "", fmt.Errorf("active download: %w", err)
	}

	content, err := s.store.GetContent(ctx, claims.EpisodeID)
	if notFound(err) || (err == nil && !content.Published) {
		return "", ErrContentUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("get content: %w", err)
	}

	locator := content.ProgressiveLocator
	if locator == "" {
		locator = content.AdaptiveLocator
	}
	if locator == "" {
		return "", deny(CodeNotFound, "content has no media")
	}
	url, err := s.signer.ResolveURL(ctx, locator)
	if err != nil {
		return "", fmt.Errorf("resolve media url: %w", err)
	}
	return url, nil
}

// ListDownloads returns every grant the user holds, newest first.
func (s *Service) ListDownloads(ctx context.Context, userID uuid.UUID) ([]Download, error) {
	dls, err := s.store.ListDownloads(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	return dls, nil
}

func invalidToken(err error) *Error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return deny(CodeInvalidToken, "download token has expired")
	case errors.Is(err, token.ErrDeviceMismatch):
		return deny(CodeInvalidToken, "download token was issued for a different device")
	default:
		return ErrInvalidToken
	}
}
