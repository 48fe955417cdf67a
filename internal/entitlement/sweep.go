package entitlement

import (
	"context"
	"fmt"
)

// ExpireDownloads moves every authorized or downloaded grant whose expiry is
// in the past to expired. Running it again changes nothing.
func (s *Service) ExpireDownloads(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireDownloads(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("expire downloads: %w", err)
	}
	return n, nil
}

// RevokeForInactiveSubscriptions revokes every non-terminal grant whose
// owner has no active subscription. It backstops missed or reordered
// billing webhooks.
func (s *Service) RevokeForInactiveSubscriptions(ctx context.Context) (int64, error) {
	n, err := s.store.RevokeOrphanedDownloads(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("revoke orphaned downloads: %w", err)
	}
	return n, nil
}
