package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yourflock/roost-entitlements/internal/auth"
	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/ratelimit"
	"github.com/yourflock/roost-entitlements/internal/storage"
	"github.com/yourflock/roost-entitlements/internal/store/memory"
	"github.com/yourflock/roost-entitlements/internal/testutil"
	"github.com/yourflock/roost-entitlements/internal/token"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const jwtSecret = "server-test-jwt-secret-0123456789abcdef"

type testEnv struct {
	handler http.Handler
	store   *memory.Store
	authn   *auth.Authenticator
	user    uuid.UUID
	bearer  string
}

type envOption func(*Options)

func newEnv(t *testing.T, plan entitlement.Plan, opts ...envOption) *testEnv {
	t.Helper()
	clk := clock.Fake(epoch)
	st := memory.New()
	codec, err := token.New([]byte("server-test-offline-secret-0123456789"), 0, clk)
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	signer, err := storage.New(storage.Config{PublicBaseURL: "https://cdn.test"}, clk)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	svc, err := entitlement.New(entitlement.Options{
		Store: st, Tokens: codec, Signer: signer, Clock: clk,
		Exemptions: entitlement.NewRoleExemptions("admin"),
	})
	if err != nil {
		t.Fatalf("entitlement.New: %v", err)
	}
	authn, err := auth.New(jwtSecret)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}

	o := Options{Engine: svc, Auth: authn}
	for _, fn := range opts {
		fn(&o)
	}

	env := &testEnv{handler: New(o).Router(), store: st, authn: authn}
	st.PutPlan(plan)
	env.user = env.addUser(t, "subscriber")
	env.bearer = env.tokenFor(t, env.user)
	st.PutSubscription(entitlement.Subscription{
		ID: uuid.New(), UserID: env.user, PlanID: plan.ID, Status: entitlement.SubscriptionActive,
		StartDate: epoch.Add(-time.Hour), EndDate: epoch.Add(30 * 24 * time.Hour), ExternalRef: "sub_http",
	})
	return env
}

func (e *testEnv) addUser(t *testing.T, role string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	e.store.PutUser(entitlement.User{ID: id, Role: role})
	return id
}

func (e *testEnv) tokenFor(t *testing.T, id uuid.UUID) string {
	t.Helper()
	tok, err := e.authn.GenerateAccessToken(id, time.Hour)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func (e *testEnv) addContent(published bool) uuid.UUID {
	id := uuid.New()
	e.store.PutContent(entitlement.Content{
		ID: id, Published: published,
		AdaptiveLocator:    "hls/" + id.String() + "/master.m3u8",
		ProgressiveLocator: "mp4/" + id.String() + ".mp4",
	})
	return id
}

func (e *testEnv) registerDevice(t *testing.T, identifier string) entitlement.Device {
	t.Helper()
	rr := testutil.PostJSON(t, e.handler, "/v1/devices", e.bearer,
		map[string]string{"platform": "android", "device_identifier": identifier})
	if rr.Code != http.StatusCreated && rr.Code != http.StatusOK {
		t.Fatalf("register device: %d %s", rr.Code, rr.Body.String())
	}
	var dev entitlement.Device
	testutil.DecodeJSON(t, rr, &dev)
	return dev
}

func offlinePlan() entitlement.Plan {
	return entitlement.Plan{ID: uuid.New(), Name: "Offline", DeviceLimit: 2, OfflineAllowed: true, MaxOfflineDownloads: 1}
}

// ─── tests ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newEnv(t, offlinePlan())
	testutil.AssertStatus(t, testutil.GetJSON(t, env.handler, "/health", ""), http.StatusOK)

	down := newEnv(t, offlinePlan(), func(o *Options) {
		o.Health = func(context.Context) error { return errors.New("db down") }
	})
	testutil.AssertStatus(t, testutil.GetJSON(t, down.handler, "/health", ""), http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newEnv(t, offlinePlan())
	testutil.GetJSON(t, env.handler, "/health", "")
	rr := testutil.GetJSON(t, env.handler, "/metrics", "")
	testutil.AssertStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Body.String(), "entitle_http_requests_total") {
		t.Error("metrics output missing request counter")
	}
}

func TestRequiresAuth(t *testing.T) {
	env := newEnv(t, offlinePlan())
	testutil.AssertError(t, testutil.GetJSON(t, env.handler, "/v1/devices", ""), http.StatusUnauthorized, "missing_token")
	testutil.AssertError(t, testutil.GetJSON(t, env.handler, "/v1/devices", "garbage"), http.StatusUnauthorized, "unauthorized")
}

func TestDeviceLifecycle(t *testing.T) {
	env := newEnv(t, offlinePlan())

	rr := testutil.PostJSON(t, env.handler, "/v1/devices", env.bearer,
		map[string]string{"platform": "ios", "device_identifier": "phone-1"})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var dev entitlement.Device
	testutil.DecodeJSON(t, rr, &dev)

	rr = testutil.PostJSON(t, env.handler, "/v1/devices", env.bearer,
		map[string]string{"platform": "ios", "device_identifier": "phone-1"})
	testutil.AssertStatus(t, rr, http.StatusOK)

	env.registerDevice(t, "tablet-1")
	rr = testutil.PostJSON(t, env.handler, "/v1/devices", env.bearer,
		map[string]string{"platform": "web", "device_identifier": "laptop-1"})
	testutil.AssertError(t, rr, http.StatusConflict, "device_limit_exceeded")

	rr = testutil.GetJSON(t, env.handler, "/v1/devices", env.bearer)
	var list struct {
		Devices []entitlement.Device `json:"devices"`
	}
	testutil.DecodeJSON(t, rr, &list)
	if len(list.Devices) != 2 {
		t.Errorf("listed %d devices, want 2", len(list.Devices))
	}

	rr = testutil.DoJSON(t, env.handler, http.MethodDelete, "/v1/devices/"+dev.ID.String(), env.bearer, nil)
	testutil.AssertStatus(t, rr, http.StatusNoContent)
	rr = testutil.DoJSON(t, env.handler, http.MethodDelete, "/v1/devices/"+dev.ID.String(), env.bearer, nil)
	testutil.AssertError(t, rr, http.StatusNotFound, "not_found")

	rr = testutil.DoJSON(t, env.handler, http.MethodDelete, "/v1/devices/not-a-uuid", env.bearer, nil)
	testutil.AssertError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestRegisterDevice_BadBody(t *testing.T) {
	env := newEnv(t, offlinePlan())
	rr := testutil.PostJSON(t, env.handler, "/v1/devices", env.bearer, "not an object")
	testutil.AssertError(t, rr, http.StatusBadRequest, "invalid_request")
	rr = testutil.PostJSON(t, env.handler, "/v1/devices", env.bearer, map[string]string{"platform": "ios"})
	testutil.AssertError(t, rr, http.StatusBadRequest, "invalid_request")
}

func TestDownloadFlow(t *testing.T) {
	env := newEnv(t, offlinePlan())
	dev := env.registerDevice(t, "phone-1")
	content := env.addContent(true)

	rr := testutil.PostJSON(t, env.handler, "/v1/downloads", env.bearer,
		map[string]string{"content_id": content.String(), "device_id": dev.ID.String()})
	testutil.AssertStatus(t, rr, http.StatusCreated)
	var grant entitlement.Grant
	testutil.DecodeJSON(t, rr, &grant)
	if grant.Token == "" || grant.Download.Status != entitlement.DownloadAuthorized {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	// Plan allows one concurrent grant.
	other := env.addContent(true)
	rr = testutil.PostJSON(t, env.handler, "/v1/downloads", env.bearer,
		map[string]string{"content_id": other.String(), "device_id": dev.ID.String()})
	testutil.AssertError(t, rr, http.StatusConflict, "download_limit_exceeded")

	rr = testutil.PostJSON(t, env.handler, "/v1/downloads/redeem", env.bearer,
		map[string]string{"token": grant.Token, "device_id": dev.ID.String()})
	testutil.AssertStatus(t, rr, http.StatusOK)
	var redeemed map[string]string
	testutil.DecodeJSON(t, rr, &redeemed)
	if want := "https://cdn.test/mp4/" + content.String() + ".mp4"; redeemed["url"] != want {
		t.Errorf("url = %q, want %q", redeemed["url"], want)
	}

	rr = testutil.PostJSON(t, env.handler, "/v1/downloads/redeem", env.bearer,
		map[string]string{"token": grant.Token + "x", "device_id": dev.ID.String()})
	testutil.AssertError(t, rr, http.StatusUnauthorized, "invalid_token")

	path := "/v1/downloads/" + grant.Download.ID.String() + "/complete"
	rr = testutil.PostJSON(t, env.handler, path, env.bearer, nil)
	testutil.AssertStatus(t, rr, http.StatusOK)
	rr = testutil.PostJSON(t, env.handler, path, env.bearer, nil)
	testutil.AssertError(t, rr, http.StatusConflict, "invalid_state")

	rr = testutil.GetJSON(t, env.handler, "/v1/downloads", env.bearer)
	var list struct {
		Downloads []entitlement.Download `json:"downloads"`
	}
	testutil.DecodeJSON(t, rr, &list)
	if len(list.Downloads) != 1 || list.Downloads[0].Status != entitlement.DownloadDownloaded {
		t.Errorf("downloads = %+v", list.Downloads)
	}
}

func TestAuthorizeDownload_Denials(t *testing.T) {
	plan := offlinePlan()
	plan.OfflineAllowed = false
	env := newEnv(t, plan)
	dev := env.registerDevice(t, "phone-1")
	content := env.addContent(true)

	rr := testutil.PostJSON(t, env.handler, "/v1/downloads", env.bearer,
		map[string]string{"content_id": content.String(), "device_id": dev.ID.String()})
	testutil.AssertError(t, rr, http.StatusForbidden, "offline_not_allowed")

	rr = testutil.PostJSON(t, env.handler, "/v1/downloads", env.bearer,
		map[string]string{"content_id": "nope", "device_id": dev.ID.String()})
	testutil.AssertError(t, rr, http.StatusBadRequest, "invalid_request")

	stranger := env.addUser(t, "subscriber")
	rr = testutil.PostJSON(t, env.handler, "/v1/downloads", env.tokenFor(t, stranger),
		map[string]string{"content_id": content.String(), "device_id": dev.ID.String()})
	testutil.AssertError(t, rr, http.StatusForbidden, "subscription_required")
}

func TestPlayback(t *testing.T) {
	env := newEnv(t, offlinePlan())
	content := env.addContent(true)

	rr := testutil.GetJSON(t, env.handler, "/v1/playback/"+content.String(), env.bearer)
	testutil.AssertStatus(t, rr, http.StatusOK)
	var stream entitlement.Stream
	testutil.DecodeJSON(t, rr, &stream)
	if stream.Type != entitlement.PlaybackAdaptive || !strings.HasSuffix(stream.URL, "/master.m3u8") {
		t.Errorf("stream = %+v", stream)
	}

	hidden := env.addContent(false)
	rr = testutil.GetJSON(t, env.handler, "/v1/playback/"+hidden.String(), env.bearer)
	testutil.AssertError(t, rr, http.StatusNotFound, "content_unavailable")

	lapsed := env.addUser(t, "subscriber")
	rr = testutil.GetJSON(t, env.handler, "/v1/playback/"+content.String(), env.tokenFor(t, lapsed))
	testutil.AssertError(t, rr, http.StatusForbidden, "subscription_required")

	admin := env.addUser(t, "admin")
	rr = testutil.GetJSON(t, env.handler, "/v1/playback/"+content.String(), env.tokenFor(t, admin))
	testutil.AssertStatus(t, rr, http.StatusOK)
}

// counterStore is an in-memory ratelimit.Store.
type counterStore struct {
	mu sync.Mutex
	n  map[string]int64
}

func (c *counterStore) Incr(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[key]++
	return c.n[key], nil
}
func (c *counterStore) Expire(context.Context, string, time.Duration) error { return nil }
func (c *counterStore) TTL(context.Context, string) (time.Duration, error) {
	return 30 * time.Second, nil
}

func TestRedeemRateLimited(t *testing.T) {
	limiter := ratelimit.New(&counterStore{n: map[string]int64{}})
	env := newEnv(t, offlinePlan(), func(o *Options) { o.Limiter = limiter })
	dev := env.registerDevice(t, "phone-1")

	body := map[string]string{"token": "bogus", "device_id": dev.ID.String()}
	for i := 0; i < ratelimit.RedeemRule.Rate; i++ {
		rr := testutil.PostJSON(t, env.handler, "/v1/downloads/redeem", env.bearer, body)
		if rr.Code == http.StatusTooManyRequests {
			t.Fatalf("limited after %d requests", i)
		}
	}
	rr := testutil.PostJSON(t, env.handler, "/v1/downloads/redeem", env.bearer, body)
	testutil.AssertError(t, rr, http.StatusTooManyRequests, "rate_limited")
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
}

// brokenEngine fails every call with an infrastructure error.
type brokenEngine struct{ Engine }

func (brokenEngine) ListDevices(context.Context, uuid.UUID) ([]entitlement.Device, error) {
	return nil, errors.New("connection refused")
}

func TestInfrastructureErrorIs500(t *testing.T) {
	authn, _ := auth.New(jwtSecret)
	h := New(Options{Engine: brokenEngine{}, Auth: authn}).Router()
	tok, _ := authn.GenerateAccessToken(uuid.New(), time.Hour)
	rr := testutil.GetJSON(t, h, "/v1/devices", tok)
	testutil.AssertError(t, rr, http.StatusInternalServerError, "server_error")
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Error("internal error text leaked to client")
	}
}

func TestWebhookMounted(t *testing.T) {
	env := newEnv(t, offlinePlan(), func(o *Options) {
		o.Webhook = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	})
	rr := testutil.PostJSON(t, env.handler, "/billing/webhook", "", map[string]string{})
	testutil.AssertStatus(t, rr, http.StatusAccepted)
}

func TestStatusFor(t *testing.T) {
	cases := map[entitlement.Code]int{
		entitlement.CodeSubscriptionRequired: http.StatusForbidden,
		entitlement.CodeDeviceNotFound:       http.StatusNotFound,
		entitlement.CodeInvalidToken:         http.StatusUnauthorized,
		entitlement.CodeExpired:              http.StatusGone,
		entitlement.Code("mystery"):          http.StatusBadRequest,
	}
	for code, want := range cases {
		if got := statusFor(code); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", code, got, want)
		}
	}
}
