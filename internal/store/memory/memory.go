// Package memory is an in-process entitlement.Store. It backs unit tests and
// local development; production uses the postgres package.
//
// InUserTx serialises work per user but does not roll back: writes made by
// a failing unit of work stay applied.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourflock/roost-entitlements/internal/entitlement"
)

type viewKey struct{ user, content uuid.UUID }

// Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	users     map[uuid.UUID]entitlement.User
	plans     map[uuid.UUID]entitlement.Plan
	subs      map[uuid.UUID]entitlement.Subscription
	devices   map[uuid.UUID]entitlement.Device
	content   map[uuid.UUID]entitlement.Content
	downloads map[uuid.UUID]entitlement.Download
	views     map[viewKey]time.Time
	events    map[string]time.Time
	faults    map[string]error

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

var _ entitlement.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[uuid.UUID]entitlement.User),
		plans:     make(map[uuid.UUID]entitlement.Plan),
		subs:      make(map[uuid.UUID]entitlement.Subscription),
		devices:   make(map[uuid.UUID]entitlement.Device),
		content:   make(map[uuid.UUID]entitlement.Content),
		downloads: make(map[uuid.UUID]entitlement.Download),
		views:     make(map[viewKey]time.Time),
		events:    make(map[string]time.Time),
		faults:    make(map[string]error),
		locks:     make(map[uuid.UUID]*sync.Mutex),
	}
}

// ─── seeding ────────────────────────────────────────────────────────────────

func (s *Store) PutUser(u entitlement.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutPlan(p entitlement.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

func (s *Store) PutSubscription(sub entitlement.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

func (s *Store) PutContent(c entitlement.Content) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[c.ID] = c
}

// PutDownload stores d as is, bypassing every check.
func (s *Store) PutDownload(d entitlement.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[d.ID] = d
}

// ViewedAt returns when the user last started playing contentID.
func (s *Store) ViewedAt(userID, contentID uuid.UUID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.views[viewKey{userID, contentID}]
	return t, ok
}

// FailOn makes the named method return err until cleared with a nil err.
// Method names match the Queries interface, e.g. "RecordView".
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *Store) fault(method string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults[method]
}

// ─── unit of work ───────────────────────────────────────────────────────────

func (s *Store) InUserTx(ctx context.Context, userID uuid.UUID, fn func(q entitlement.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.locksMu.Lock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(s)
}

// ─── users, plans, subscriptions ────────────────────────────────────────────

func (s *Store) GetUser(_ context.Context, userID uuid.UUID) (entitlement.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return entitlement.User{}, entitlement.ErrRecordNotFound
	}
	return u, nil
}

func (s *Store) GetPlan(_ context.Context, planID uuid.UUID) (entitlement.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[planID]
	if !ok {
		return entitlement.Plan{}, entitlement.ErrRecordNotFound
	}
	return p, nil
}

func (s *Store) ActiveSubscription(_ context.Context, userID uuid.UUID, now time.Time) (entitlement.Subscription, entitlement.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  entitlement.Subscription
		found bool
	)
	for _, sub := range s.subs {
		if sub.UserID != userID || !sub.ActiveAt(now) {
			continue
		}
		if !found || sub.EndDate.After(best.EndDate) {
			best, found = sub, true
		}
	}
	if !found {
		return entitlement.Subscription{}, entitlement.Plan{}, entitlement.ErrRecordNotFound
	}
	plan, ok := s.plans[best.PlanID]
	if !ok {
		return entitlement.Subscription{}, entitlement.Plan{}, entitlement.ErrRecordNotFound
	}
	return best, plan, nil
}

func (s *Store) SubscriptionByExternalRef(_ context.Context, ref string) (entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.ExternalRef == ref {
			return sub, nil
		}
	}
	return entitlement.Subscription{}, entitlement.ErrRecordNotFound
}

func (s *Store) UpsertSubscription(_ context.Context, sub entitlement.Subscription) (entitlement.Subscription, error) {
	if err := s.fault("UpsertSubscription"); err != nil {
		return entitlement.Subscription{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.subs {
		if cur.ExternalRef != "" && cur.ExternalRef == sub.ExternalRef {
			sub.ID = id
			break
		}
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.subs[sub.ID] = sub
	return sub, nil
}

// ─── devices ────────────────────────────────────────────────────────────────

func (s *Store) GetDevice(_ context.Context, deviceID uuid.UUID) (entitlement.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return entitlement.Device{}, entitlement.ErrRecordNotFound
	}
	return d, nil
}

func (s *Store) DeviceByIdentifier(_ context.Context, userID uuid.UUID, identifier string) (entitlement.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.UserID == userID && d.Identifier == identifier {
			return d, nil
		}
	}
	return entitlement.Device{}, entitlement.ErrRecordNotFound
}

func (s *Store) ListDevices(_ context.Context, userID uuid.UUID) ([]entitlement.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []entitlement.Device{}
	for _, d := range s.devices {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	return out, nil
}

func (s *Store) CountDevices(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.devices {
		if d.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDevice(_ context.Context, d entitlement.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return nil
}

func (s *Store) TouchDevice(_ context.Context, deviceID uuid.UUID, platform string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return entitlement.ErrRecordNotFound
	}
	d.Platform = platform
	d.LastActiveAt = at
	s.devices[deviceID] = d
	return nil
}

func (s *Store) DeleteDevice(_ context.Context, userID, deviceID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok || d.UserID != userID {
		return false, nil
	}
	delete(s.devices, deviceID)
	return true, nil
}

// ─── content ────────────────────────────────────────────────────────────────

func (s *Store) GetContent(_ context.Context, contentID uuid.UUID) (entitlement.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.content[contentID]
	if !ok {
		return entitlement.Content{}, entitlement.ErrRecordNotFound
	}
	return c, nil
}

func (s *Store) RecordView(_ context.Context, userID, contentID uuid.UUID, at time.Time) error {
	if err := s.fault("RecordView"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[viewKey{userID, contentID}] = at
	return nil
}

// ─── downloads ──────────────────────────────────────────────────────────────

func (s *Store) GetDownload(_ context.Context, downloadID uuid.UUID) (entitlement.Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downloads[downloadID]
	if !ok {
		return entitlement.Download{}, entitlement.ErrRecordNotFound
	}
	return d, nil
}

func (s *Store) ListDownloads(_ context.Context, userID uuid.UUID) ([]entitlement.Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []entitlement.Download{}
	for _, d := range s.downloads {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveDownload(_ context.Context, userID, deviceID, contentID uuid.UUID, now time.Time) (entitlement.Download, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.downloads {
		if d.UserID == userID && d.DeviceID == deviceID && d.ContentID == contentID && d.ActiveAt(now) {
			return d, nil
		}
	}
	return entitlement.Download{}, entitlement.ErrRecordNotFound
}

func (s *Store) CountActiveDownloads(_ context.Context, userID uuid.UUID, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, d := range s.downloads {
		if d.UserID == userID && d.ActiveAt(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertDownload(_ context.Context, d entitlement.Download) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[d.ID] = d
	return nil
}

func (s *Store) TransitionDownload(_ context.Context, downloadID uuid.UUID, from, to entitlement.DownloadStatus, at time.Time) (bool, error) {
	if !entitlement.CanTransition(from, to) {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.downloads[downloadID]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	d.UpdatedAt = at
	s.downloads[downloadID] = d
	return true, nil
}

func (s *Store) RevokeUserDownloads(_ context.Context, userID uuid.UUID, at time.Time) (int64, error) {
	if err := s.fault("RevokeUserDownloads"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusWhere(entitlement.DownloadRevoked, at, func(d entitlement.Download) bool {
		return d.UserID == userID
	}), nil
}

func (s *Store) ExpireDownloads(_ context.Context, now time.Time) (int64, error) {
	if err := s.fault("ExpireDownloads"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStatusWhere(entitlement.DownloadExpired, now, func(d entitlement.Download) bool {
		return d.ExpiresAt.Before(now)
	}), nil
}

func (s *Store) RevokeOrphanedDownloads(_ context.Context, now time.Time) (int64, error) {
	if err := s.fault("RevokeOrphanedDownloads"); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entitled := make(map[uuid.UUID]bool)
	for _, sub := range s.subs {
		if sub.ActiveAt(now) {
			entitled[sub.UserID] = true
		}
	}
	return s.setStatusWhere(entitlement.DownloadRevoked, now, func(d entitlement.Download) bool {
		return !entitled[d.UserID]
	}), nil
}

// setStatusWhere moves every non-terminal download matching pred to status.
// Callers hold s.mu.
func (s *Store) setStatusWhere(status entitlement.DownloadStatus, at time.Time, pred func(entitlement.Download) bool) int64 {
	var n int64
	for id, d := range s.downloads {
		if d.Status.Terminal() || !pred(d) {
			continue
		}
		d.Status = status
		d.UpdatedAt = at
		s.downloads[id] = d
		n++
	}
	return n
}

// ─── provider events ────────────────────────────────────────────────────────

func (s *Store) EventProcessed(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[eventID]
	return ok, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID string, at time.Time) error {
	if err := s.fault("MarkEventProcessed"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[eventID]; !ok {
		s.events[eventID] = at
	}
	return nil
}
