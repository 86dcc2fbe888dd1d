// Package maintenance runs the engine's scheduled background sweeps: the
// rate-limit window rollover every minute and a daily audit-retention
// report.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/perfengine/internal/domain"
)

// Store is the subset of internal/store.Store the scheduled jobs need.
type Store interface {
	ResetAllAPIRequests(ctx context.Context) (int64, error)
	QueryAuditRecords(ctx context.Context, f domain.AuditFilters) ([]domain.AuditRecord, error)
}

// Scheduler owns the engine's two recurring jobs: the rate-limit window
// rollover (minute boundary) and a daily audit-retention sweep. Retention
// itself is an operator concern; this job only counts and logs aging
// records, it never deletes.
type Scheduler struct {
	cron            *cron.Cron
	store           Store
	retentionWindow time.Duration
	log             zerolog.Logger
}

// New builds a Scheduler. retentionWindow bounds what the daily sweep
// reports as "aged" audit records (e.g. 90 days); it does not delete
// anything.
func New(store Store, retentionWindow time.Duration, log zerolog.Logger) *Scheduler {
	if retentionWindow <= 0 {
		retentionWindow = 90 * 24 * time.Hour
	}
	return &Scheduler{
		cron:            cron.New(),
		store:           store,
		retentionWindow: retentionWindow,
		log:             log.With().Str("component", "maintenance").Logger(),
	}
}

// Start registers the jobs and launches the cron scheduler's own
// goroutine. Safe to call once; Stop reverses it.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.resetAPIRequestsWindow); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@daily", s.auditRetentionSweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop blocks until the in-flight job (if any) completes, per cron's own
// graceful-stop contract.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) resetAPIRequestsWindow() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n, err := s.store.ResetAllAPIRequests(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("api request window rollover failed")
		return
	}
	s.log.Debug().Int64("tenants_reset", n).Msg("api request window rolled over")
}

func (s *Scheduler) auditRetentionSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.retentionWindow)
	aged, err := s.store.QueryAuditRecords(ctx, domain.AuditFilters{Until: cutoff})
	if err != nil {
		s.log.Error().Err(err).Msg("audit retention sweep failed")
		return
	}
	if len(aged) > 0 {
		s.log.Info().Int("count", len(aged)).Time("cutoff", cutoff).
			Msg("audit records older than retention window (retention itself is an operator concern, not deleted)")
	}
}
