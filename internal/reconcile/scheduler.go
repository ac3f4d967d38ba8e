package reconcile

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	ilog "your.org/session-hub/internal/log"
)

const passTimeout = 2 * time.Minute

// Scheduler runs ReconcileAll on a cron schedule.  Overlapping runs are
// skipped.
type Scheduler struct {
	svc  *Service
	cron *cron.Cron
}

// NewScheduler parses spec (standard cron or "@every 5m").
func NewScheduler(svc *Service, spec string) (*Scheduler, error) {
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	s := &Scheduler{svc: svc, cron: c}
	if _, err := c.AddFunc(spec, s.RunOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// RunOnce performs one bounded reconciliation pass.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()
	reports, err := s.svc.ReconcileAll(ctx)
	if err != nil {
		ilog.Errorf("scheduled reconcile: %v", err)
	}
	created := 0
	for _, r := range reports {
		created += len(r.Created)
	}
	ilog.Infof("scheduled reconcile done tenants=%d created=%d", len(reports), created)
}

// Start runs one pass in the background and then follows the schedule.
func (s *Scheduler) Start() {
	go s.RunOnce()
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
