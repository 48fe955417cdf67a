// Package token issues and verifies offline download tokens.
//
// A token binds exactly four claims (user, device, episode, expiry) and is
// encoded as
//
//	base64url(JSON claims) "." base64url(HMAC-SHA256(secret, JSON claims))
//
// using unpadded base64url. It is a single-purpose bearer capability: it
// authorizes fetching the media promptly, while the download row authorizes
// keeping the offline copy.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yourflock/roost-entitlements/internal/clock"
)

// DefaultTTL is the lifetime of a freshly issued token.
const DefaultTTL = time.Hour

var (
	ErrMissingSecret  = errors.New("token: signing secret must not be empty")
	ErrMalformed      = errors.New("token: malformed")
	ErrBadSignature   = errors.New("token: signature mismatch")
	ErrExpired        = errors.New("token: expired")
	ErrDeviceMismatch = errors.New("token: issued for a different device")
)

// Claims is the signed payload. Field order fixes the canonical encoding.
type Claims struct {
	UserID    uuid.UUID `json:"userId"`
	DeviceID  uuid.UUID `json:"deviceId"`
	EpisodeID uuid.UUID `json:"episodeId"`
	Exp       int64     `json:"exp"`
}

// ExpiresAt returns the expiry as a time.
func (c Claims) ExpiresAt() time.Time { return time.Unix(c.Exp, 0) }

// Codec signs and verifies tokens with one secret. Construct it once at
// startup; it is safe for concurrent use.
type Codec struct {
	key   []byte
	ttl   time.Duration
	clock clock.Clock
}

// New returns a Codec for the given secret. A zero ttl means DefaultTTL and
// a nil clock means the real clock.
func New(secret []byte, ttl time.Duration, clk clock.Clock) (*Codec, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.Real()
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{key: key, ttl: ttl, clock: clk}, nil
}

// TTL returns the lifetime applied by Issue.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue mints a token for the triple, expiring ttl from now.
func (c *Codec) Issue(userID, deviceID, episodeID uuid.UUID) (string, Claims, error) {
	claims := Claims{
		UserID:    userID,
		DeviceID:  deviceID,
		EpisodeID: episodeID,
		Exp:       c.clock.Now().Add(c.ttl).Unix(),
	}
	tok, err := c.Encode(claims)
	if err != nil {
		return "", Claims{}, err
	}
	return tok, claims, nil
}

// Encode serialises and signs claims as given.
func (c *Codec) Encode(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("token: encode claims: %w", err)
	}
	sig := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks the signature and expiry and returns the claims.
func (c *Codec) Verify(tok string) (Claims, error) {
	payloadPart, sigPart, ok := strings.Cut(tok, ".")
	if !ok || payloadPart == "" || sigPart == "" || strings.Contains(sigPart, ".") {
		return Claims{}, ErrMalformed
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return Claims{}, ErrMalformed
	}

	if !hmac.Equal(sig, c.sign(payload)) {
		return Claims{}, ErrBadSignature
	}

	var claims Claims
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&claims); err != nil {
		return Claims{}, ErrMalformed
	}
	if c.clock.Now().Unix() > claims.Exp {
		return Claims{}, ErrExpired
	}
	return claims, nil
}

// VerifyForDevice is Verify plus the device binding: the token must have
// been issued for deviceID.
func (c *Codec) VerifyForDevice(tok string, deviceID uuid.UUID) (Claims, error) {
	claims, err := c.Verify(tok)
	if err != nil {
		return Claims{}, err
	}
	if claims.DeviceID != deviceID {
		return Claims{}, ErrDeviceMismatch
	}
	return claims, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(payload)
	return mac.Sum(nil)
}
