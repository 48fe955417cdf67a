package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/entitlement"
	"github.com/yourflock/roost-entitlements/internal/metrics"
	"github.com/yourflock/roost-entitlements/internal/storage"
	"github.com/yourflock/roost-entitlements/internal/store/memory"
	"github.com/yourflock/roost-entitlements/internal/token"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func awaitRun(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run")
		return Result{}
	}
}

func TestScheduler_RunsOnEachTick(t *testing.T) {
	clk := clock.Fake(epoch)
	logger, _ := test.NewNullLogger()
	calls := 0
	job := Job{Name: "count", Interval: time.Hour, Run: func(context.Context) (int64, error) {
		calls++
		return 2, nil
	}}
	s := New(clk, logger, job)
	runs := make(chan Result, 4)
	s.OnRun = func(r Result) { runs <- r }

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	clk.Advance(59 * time.Minute)
	select {
	case <-runs:
		t.Fatal("job ran before its interval")
	case <-time.After(50 * time.Millisecond):
	}

	clk.Advance(time.Minute)
	if r := awaitRun(t, runs); r.Rows != 2 || r.Job != "count" {
		t.Errorf("unexpected result %+v", r)
	}
	clk.Advance(time.Hour)
	awaitRun(t, runs)

	cancel()
	s.Wait()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestScheduler_FailureDoesNotStopLoop(t *testing.T) {
	clk := clock.Fake(epoch)
	logger, hook := test.NewNullLogger()
	fail := true
	job := Job{Name: "flaky_job", Interval: time.Minute, Run: func(context.Context) (int64, error) {
		if fail {
			fail = false
			return 0, errors.New("db unavailable")
		}
		return 1, nil
	}}
	before := testutil.ToFloat64(metrics.SweepFailures.WithLabelValues("flaky_job"))

	s := New(clk, logger, job)
	runs := make(chan Result, 2)
	s.OnRun = func(r Result) { runs <- r }
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); s.Wait() }()
	s.Start(ctx)

	clk.Advance(time.Minute)
	if r := awaitRun(t, runs); r.Err == nil {
		t.Fatal("expected first run to fail")
	}
	clk.Advance(time.Minute)
	if r := awaitRun(t, runs); r.Err != nil || r.Rows != 1 {
		t.Fatalf("second run: %+v", r)
	}

	if got := testutil.ToFloat64(metrics.SweepFailures.WithLabelValues("flaky_job")) - before; got != 1 {
		t.Errorf("failure counter delta = %v, want 1", got)
	}
	var sawError bool
	for _, e := range hook.AllEntries() {
		if e.Message == "sweep job failed" {
			sawError = true
		}
	}
	if !sawError {
		t.Error("failure was not logged")
	}
}

func TestSweepJobs_ExpireAndRevoke(t *testing.T) {
	clk := clock.Fake(epoch)
	st := memory.New()
	codec, _ := token.New([]byte("scheduler-test-offline-secret-012345"), 0, clk)
	signer, _ := storage.New(storage.Config{PublicBaseURL: "https://cdn.test"}, clk)
	svc, err := entitlement.New(entitlement.Options{Store: st, Tokens: codec, Signer: signer, Clock: clk})
	if err != nil {
		t.Fatalf("entitlement.New: %v", err)
	}

	// active subscriber with one lapsed and one live grant
	active := uuid.New()
	plan := entitlement.Plan{ID: uuid.New(), DeviceLimit: 2, OfflineAllowed: true, MaxOfflineDownloads: 5}
	st.PutPlan(plan)
	st.PutUser(entitlement.User{ID: active})
	st.PutSubscription(entitlement.Subscription{
		ID: uuid.New(), UserID: active, PlanID: plan.ID, Status: entitlement.SubscriptionActive,
		StartDate: epoch.Add(-time.Hour), EndDate: epoch.Add(24 * time.Hour), ExternalRef: "sub_a",
	})
	lapsed := entitlement.Download{ID: uuid.New(), UserID: active, DeviceID: uuid.New(), ContentID: uuid.New(),
		Status: entitlement.DownloadDownloaded, CreatedAt: epoch.Add(-2 * time.Hour), ExpiresAt: epoch.Add(-time.Minute)}
	live := entitlement.Download{ID: uuid.New(), UserID: active, DeviceID: uuid.New(), ContentID: uuid.New(),
		Status: entitlement.DownloadAuthorized, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}
	st.PutDownload(lapsed)
	st.PutDownload(live)

	// lapsed subscriber whose grant must be revoked
	gone := uuid.New()
	st.PutUser(entitlement.User{ID: gone})
	orphan := entitlement.Download{ID: uuid.New(), UserID: gone, DeviceID: uuid.New(), ContentID: uuid.New(),
		Status: entitlement.DownloadAuthorized, CreatedAt: epoch, ExpiresAt: epoch.Add(time.Hour)}
	st.PutDownload(orphan)

	logger, _ := test.NewNullLogger()
	s := New(clk, logger, SweepJobs(svc, time.Hour)...)
	results, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(results) != 2 || results[0].Rows != 1 || results[1].Rows != 1 {
		t.Errorf("results = %+v", results)
	}

	ctx := context.Background()
	want := map[uuid.UUID]entitlement.DownloadStatus{
		lapsed.ID: entitlement.DownloadExpired,
		live.ID:   entitlement.DownloadAuthorized,
		orphan.ID: entitlement.DownloadRevoked,
	}
	for id, status := range want {
		d, err := st.GetDownload(ctx, id)
		if err != nil {
			t.Fatalf("GetDownload: %v", err)
		}
		if d.Status != status {
			t.Errorf("download %s status = %s, want %s", id, d.Status, status)
		}
	}
}
