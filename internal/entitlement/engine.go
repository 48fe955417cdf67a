package entitlement

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/token"
)

// DefaultOfflineWindow is how long an offline grant stays valid.
const DefaultOfflineWindow = 30 * 24 * time.Hour

// Exemptions decides which users skip subscription gating for playback.
type Exemptions interface {
	SubscriptionExempt(u User) bool
}

// RoleExemptions exempts users whose role is in the set.
type RoleExemptions map[string]struct{}

// NewRoleExemptions builds a RoleExemptions from role names. Blank names are
// ignored and matching is case-insensitive.
func NewRoleExemptions(roles ...string) RoleExemptions {
	set := make(RoleExemptions, len(roles))
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

func (r RoleExemptions) SubscriptionExempt(u User) bool {
	_, ok := r[strings.ToLower(u.Role)]
	return ok
}

// Options configures a Service. Store, Tokens and Signer are required.
type Options struct {
	Store         Store
	Tokens        *token.Codec
	Signer        URLSigner
	Exemptions    Exemptions
	Clock         clock.Clock
	Logger        logrus.FieldLogger
	OfflineWindow time.Duration
}

// Service is the entitlement engine. It is safe for concurrent use; all
// mutable state lives in the Store.
type Service struct {
	store         Store
	tokens        *token.Codec
	signer        URLSigner
	exempt        Exemptions
	clock         clock.Clock
	log           logrus.FieldLogger
	offlineWindow time.Duration
}

// New validates opts and returns a Service. A missing dependency is reported
// as ErrConfiguration.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, deny(CodeConfiguration, "entitlement store is not configured")
	case opts.Tokens == nil:
		return nil, deny(CodeConfiguration, "offline token signing secret is not configured")
	case opts.Signer == nil:
		return nil, deny(CodeConfiguration, "media URL signer is not configured")
	}
	s := &Service{
		store:         opts.Store,
		tokens:        opts.Tokens,
		signer:        opts.Signer,
		exempt:        opts.Exemptions,
		clock:         opts.Clock,
		log:           opts.Logger,
		offlineWindow: opts.OfflineWindow,
	}
	if s.exempt == nil {
		s.exempt = NewRoleExemptions()
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.log == nil {
		l := logrus.New()
		l.SetOutput(nopWriter{})
		s.log = l
	}
	if s.offlineWindow <= 0 {
		s.offlineWindow = DefaultOfflineWindow
	}
	return s, nil
}

// OfflineWindow returns the lifetime given to new offline grants.
func (s *Service) OfflineWindow() time.Duration { return s.offlineWindow }

func notFound(err error) bool { return errors.Is(err, ErrRecordNotFound) }

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
