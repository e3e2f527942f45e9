package duty

import (
	"context"
	"log"
	"time"

	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
)

// Scheduler invokes the store's tick on a fixed interval. Tick failures are
// logged and retried on the next interval; a failed tick leaves all state
// unchanged.
type Scheduler struct {
	Store    *Store
	Interval time.Duration
	Logf     func(format string, args ...any)
}

func NewScheduler(store *Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{Store: store, Interval: interval, Logf: log.Printf}
}

// Run blocks until ctx is cancelled, ticking once per interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	start := time.Now()
	n, err := s.Store.Tick(ctx, time.Now().UTC())
	metrics.DutyTickLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.Logf("pdp duty tick: %v", err)
		return
	}
	if n > 0 {
		metrics.DutiesFulfilled.Add(float64(n))
		s.Logf("pdp duty tick: fulfilled %d duties", n)
	}
}
