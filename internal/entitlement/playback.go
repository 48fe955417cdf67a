package entitlement

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
)

// AuthorizePlayback decides whether the user may start streaming contentID
// and returns where to stream it from. Users covered by the service's
// Exemptions skip the subscription check.
func (s *Service) AuthorizePlayback(ctx context.Context, userID, contentID uuid.UUID) (Stream, error) {
	now := s.clock.Now()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil && !notFound(err) {
		return Stream{}, fmt.Errorf("get user: %w", err)
	}
	if notFound(err) {
		user = User{ID: userID}
	}

	if !s.exempt.SubscriptionExempt(user) {
		if _, _, err := s.store.ActiveSubscription(ctx, userID, now); err != nil {
			if notFound(err) {
				return Stream{}, ErrSubscriptionRequired
			}
			return Stream{}, fmt.Errorf("active subscription: %w", err)
		}
	}

	content, err := s.store.GetContent(ctx, contentID)
	if notFound(err) {
		return Stream{}, deny(CodeNotFound, "content not found")
	}
	if err != nil {
		return Stream{}, fmt.Errorf("get content: %w", err)
	}
	locator := content.AdaptiveLocator
	if locator == "" {
		locator = content.ProgressiveLocator
	}
	if locator == "" {
		return Stream{}, deny(CodeNotFound, "content has no media")
	}
	if !content.Published {
		return Stream{}, ErrContentUnavailable
	}

	if err := s.store.RecordView(ctx, userID, contentID, now); err != nil {
		s.log.WithField("user_id", userID).WithField("content_id", contentID).
			WithError(err).Warn("record view failed")
	}

	resolved, err := s.signer.ResolveURL(ctx, locator)
	if err != nil {
		return Stream{}, fmt.Errorf("resolve media url: %w", err)
	}
	return Stream{URL: resolved, Type: PlaybackTypeOf(locator)}, nil
}

// PlaybackTypeOf infers the playback type from a locator's extension: HLS
// playlists and DASH manifests are adaptive, everything else progressive.
func PlaybackTypeOf(locator string) PlaybackType {
	p := locator
	if u, err := url.Parse(locator); err == nil && u.Path != "" {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".m3u8", ".mpd":
		return PlaybackAdaptive
	default:
		return PlaybackProgressive
	}
}
