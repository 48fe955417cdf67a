package token_test

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/token"
)

const testSecret = "offline-token-secret-at-least-32-bytes!"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newCodec(t *testing.T) (*token.Codec, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	c, err := token.New([]byte(testSecret), 0, clk)
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	return c, clk
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := token.New(nil, time.Hour, nil); !errors.Is(err, token.ErrMissingSecret) {
		t.Fatalf("expected ErrMissingSecret, got %v", err)
	}
}

func TestNew_DefaultTTL(t *testing.T) {
	c, _ := newCodec(t)
	if c.TTL() != token.DefaultTTL {
		t.Errorf("TTL = %v, want %v", c.TTL(), token.DefaultTTL)
	}
}

func TestRoundTrip_BeforeExpiry(t *testing.T) {
	c, _ := newCodec(t)
	want := token.Claims{
		UserID:    uuid.New(),
		DeviceID:  uuid.New(),
		EpisodeID: uuid.New(),
		Exp:       epoch.Add(time.Hour).Unix(),
	}
	tok, err := c.Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := c.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Errorf("claims = %+v, want %+v", got, want)
	}
}

func TestVerify_FailsAfterExpiry(t *testing.T) {
	c, clk := newCodec(t)
	tok, claims, err := c.Issue(uuid.New(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !claims.ExpiresAt().Equal(epoch.Add(time.Hour)) {
		t.Errorf("expiry = %v, want %v", claims.ExpiresAt(), epoch.Add(time.Hour))
	}

	// Exactly at exp the token is still valid; one second later it is not.
	clk.Set(epoch.Add(time.Hour))
	if _, err := c.Verify(tok); err != nil {
		t.Fatalf("Verify at exp: %v", err)
	}
	clk.Set(epoch.Add(time.Hour + time.Second))
	if _, err := c.Verify(tok); !errors.Is(err, token.ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_WireFormat(t *testing.T) {
	c, _ := newCodec(t)
	tok, _, _ := c.Issue(uuid.New(), uuid.New(), uuid.New())
	parts := strings.Split(tok, ".")
	if len(parts) != 2 {
		t.Fatalf("expected payload.signature, got %q", tok)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("payload is not base64url: %v", err)
	}
	for _, key := range []string{`"userId"`, `"deviceId"`, `"episodeId"`, `"exp"`} {
		if !strings.Contains(string(payload), key) {
			t.Errorf("payload %s missing %s", payload, key)
		}
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("signature is not base64url: %v", err)
	}
	if len(sig) != 32 {
		t.Errorf("signature length = %d, want 32 (HMAC-SHA256)", len(sig))
	}
}

func TestVerify_DetectsEveryBitFlip(t *testing.T) {
	c, _ := newCodec(t)
	tok, _, _ := c.Issue(uuid.New(), uuid.New(), uuid.New())
	parts := strings.Split(tok, ".")

	for part := 0; part < 2; part++ {
		raw, _ := base64.RawURLEncoding.DecodeString(parts[part])
		for i := 0; i < len(raw)*8; i++ {
			flipped := append([]byte(nil), raw...)
			flipped[i/8] ^= 1 << (i % 8)
			mutated := []string{parts[0], parts[1]}
			mutated[part] = base64.RawURLEncoding.EncodeToString(flipped)
			if _, err := c.Verify(mutated[0] + "." + mutated[1]); err == nil {
				t.Fatalf("part %d bit %d flipped but Verify succeeded", part, i)
			}
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	c, clk := newCodec(t)
	other, _ := token.New([]byte("a-completely-different-signing-secret"), 0, clk)
	tok, _, _ := c.Issue(uuid.New(), uuid.New(), uuid.New())
	if _, err := other.Verify(tok); !errors.Is(err, token.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	c, _ := newCodec(t)
	cases := []string{
		"",
		"nodot",
		".sig",
		"payload.",
		"a.b.c",
		"!!!.???",
	}
	for _, tc := range cases {
		if _, err := c.Verify(tc); err == nil {
			t.Errorf("Verify(%q) succeeded", tc)
		}
	}
}

func TestVerifyForDevice_Binding(t *testing.T) {
	c, _ := newCodec(t)
	deviceA, deviceB := uuid.New(), uuid.New()
	tok, _, _ := c.Issue(uuid.New(), deviceA, uuid.New())

	if _, err := c.VerifyForDevice(tok, deviceA); err != nil {
		t.Fatalf("VerifyForDevice(A): %v", err)
	}
	if _, err := c.VerifyForDevice(tok, deviceB); !errors.Is(err, token.ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch for B, got %v", err)
	}
	if _, err := c.VerifyForDevice(tok, uuid.Nil); !errors.Is(err, token.ErrDeviceMismatch) {
		t.Fatalf("expected ErrDeviceMismatch for nil device, got %v", err)
	}
}
