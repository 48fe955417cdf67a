package entitlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RegisterDevice registers a device for the user, or refreshes it when the
// identifier is already registered. The second result reports whether a new
// device was created.
//
// Registration requires an active subscription. A new device is refused once
// the user has as many devices as the plan allows; re-registering an existing
// identifier never counts against the limit.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, platform, identifier string) (Device, bool, error) {
	platform = strings.TrimSpace(platform)
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return Device{}, false, deny(CodeInvalidRequest, "device identifier is required")
	}
	if platform == "" {
		return Device{}, false, deny(CodeInvalidRequest, "platform is required")
	}

	now := s.clock.Now()
	var (
		dev     Device
		created bool
	)
	err := s.store.InUserTx(ctx, userID, func(q Queries) error {
		_, plan, err := q.ActiveSubscription(ctx, userID, now)
		if notFound(err) {
			return ErrNoActiveEntitlement
		}
		if err != nil {
			return fmt.Errorf("active subscription: %w", err)
		}

		existing, err := q.DeviceByIdentifier(ctx, userID, identifier)
		switch {
		case err == nil:
			if err := q.TouchDevice(ctx, existing.ID, platform, now); err != nil {
				return fmt.Errorf("touch device: %w", err)
			}
			existing.Platform = platform
			existing.LastActiveAt = now
			dev = existing
			return nil
		case !notFound(err):
			return fmt.Errorf("device by identifier: %w", err)
		}

		count, err := q.CountDevices(ctx, userID)
		if err != nil {
			return fmt.Errorf("count devices: %w", err)
		}
		if count >= plan.DeviceLimit {
			return deny(CodeDeviceLimitExceeded,
				"your plan allows %d devices; remove one before adding another", plan.DeviceLimit)
		}

		dev = Device{
			ID:           uuid.New(),
			UserID:       userID,
			Platform:     platform,
			Identifier:   identifier,
			LastActiveAt: now,
			CreatedAt:    now,
		}
		if err := q.InsertDevice(ctx, dev); err != nil {
			return fmt.Errorf("insert device: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return Device{}, false, err
	}

	s.log.WithField("user_id", userID).
		WithField("device_id", dev.ID).
		WithField("created", created).
		Info("device registered")
	return dev, created, nil
}

// RemoveDevice deletes one of the user's devices. Removing a device that does
// not exist, or belongs to someone else, is ErrNotFound.
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID uuid.UUID) error {
	deleted, err := s.store.DeleteDevice(ctx, userID, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if !deleted {
		return deny(CodeNotFound, "device not found")
	}
	s.log.WithField("user_id", userID).WithField("device_id", deviceID).Info("device removed")
	return nil
}

// ListDevices returns the user's devices, most recently active first.
func (s *Service) ListDevices(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	devices, err := s.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}
