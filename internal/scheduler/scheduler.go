// scheduler.go - periodic maintenance jobs for offline grants.
//
// Each job owns a ticker from the injected clock and runs on every tick:
//   - expire_downloads:  AUTHORIZED/DOWNLOADED grants past expires_at → EXPIRED
//   - revoke_inactive:   live grants of users without an active subscription → REVOKED
//
// A failed run is logged, counted and reported to Sentry; the loop keeps going.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourflock/roost-entitlements/internal/clock"
	"github.com/yourflock/roost-entitlements/internal/metrics"
	"github.com/yourflock/roost-entitlements/internal/telemetry"
)

// Job is one periodic task. Run returns the number of rows it changed.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int64, error)
}

// Result reports one job run.
type Result struct {
	Job  string
	Rows int64
	Err  error
	At   time.Time
}

// Sweeper is the subset of the entitlement service the sweep jobs call.
type Sweeper interface {
	ExpireDownloads(ctx context.Context) (int64, error)
	RevokeForInactiveSubscriptions(ctx context.Context) (int64, error)
}

// SweepJobs returns the two grant maintenance jobs at the given interval.
func SweepJobs(s Sweeper, interval time.Duration) []Job {
	return []Job{
		{Name: "expire_downloads", Interval: interval, Run: s.ExpireDownloads},
		{Name: "revoke_inactive", Interval: interval, Run: s.RevokeForInactiveSubscriptions},
	}
}

// Scheduler runs jobs on clock ticks.
type Scheduler struct {
	clock clock.Clock
	log   logrus.FieldLogger
	jobs  []Job
	// OnRun, when set, is called after every run. Tests use it to observe
	// completed runs.
	OnRun func(Result)

	wg sync.WaitGroup
}

// New creates a Scheduler for jobs.
func New(clk clock.Clock, log logrus.FieldLogger, jobs ...Job) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{clock: clk, log: log, jobs: jobs}
}

// Start launches one loop per job and returns. Tickers are created before
// Start returns. Loops stop when ctx is cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		ticker := s.clock.NewTicker(job.Interval)
		s.wg.Add(1)
		go func(job Job, ticker *clock.Ticker) {
			defer s.wg.Done()
			defer ticker.Stop()
			s.log.WithField("job", job.Name).WithField("interval", job.Interval.String()).Info("sweep job started")
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.runJob(ctx, job)
				}
			}
		}(job, ticker)
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() { s.wg.Wait() }

// RunOnce runs every job once in order and returns the first error.
func (s *Scheduler) RunOnce(ctx context.Context) ([]Result, error) {
	var (
		results  []Result
		firstErr error
	)
	for _, job := range s.jobs {
		r := s.runJob(ctx, job)
		results = append(results, r)
		if r.Err != nil && firstErr == nil {
			firstErr = r.Err
		}
	}
	return results, firstErr
}

func (s *Scheduler) runJob(ctx context.Context, job Job) Result {
	n, err := job.Run(ctx)
	res := Result{Job: job.Name, Rows: n, Err: err, At: s.clock.Now()}
	log := s.log.WithField("job", job.Name)
	if err != nil {
		log.WithError(err).Error("sweep job failed")
		metrics.SweepFailures.WithLabelValues(job.Name).Inc()
		telemetry.CaptureError(err, map[string]string{"operation": "sweep." + job.Name})
	} else {
		if n > 0 {
			log.WithField("rows", n).Info("sweep job changed grants")
		} else {
			log.Debug("sweep job found nothing to do")
		}
		metrics.SweepRows.WithLabelValues(job.Name).Add(float64(n))
	}
	if s.OnRun != nil {
		s.OnRun(res)
	}
	return res
}
