// Package scheduler runs periodic credit resets on a river job queue backed by PostgreSQL.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/router-for-me/CLIProxyAPICredits/internal/config"
	log "github.com/sirupsen/logrus"
)

// maxBatchesPerRun bounds how many batches one job drains before yielding to the next tick.
const maxBatchesPerRun = 50

// Resetter rolls over subscriptions whose billing period has ended.
type Resetter interface {
	ResetDuePeriods(ctx context.Context, limit int) (int, error)
}

// PeriodResetArgs is the job payload for a reset sweep.
type PeriodResetArgs struct {
	BatchSize int `json:"batch_size"`
}

// Kind implements river.JobArgs.
func (PeriodResetArgs) Kind() string { return "credit_period_reset" }

// PeriodResetWorker drains due subscriptions batch by batch.
type PeriodResetWorker struct {
	river.WorkerDefaults[PeriodResetArgs]
	resetter Resetter
}

// NewPeriodResetWorker constructs a PeriodResetWorker.
func NewPeriodResetWorker(resetter Resetter) *PeriodResetWorker {
	return &PeriodResetWorker{resetter: resetter}
}

// Work resets due subscriptions until a batch comes back short.
func (w *PeriodResetWorker) Work(ctx context.Context, job *river.Job[PeriodResetArgs]) error {
	batch := job.Args.BatchSize
	if batch <= 0 {
		batch = 100
	}
	total := 0
	for i := 0; i < maxBatchesPerRun; i++ {
		n, errReset := w.resetter.ResetDuePeriods(ctx, batch)
		total += n
		if errReset != nil {
			log.WithError(errReset).WithField("reset", total).Warn("scheduler: period reset incomplete")
			return fmt.Errorf("scheduler: reset due periods: %w", errReset)
		}
		if n < batch {
			break
		}
	}
	if total > 0 {
		log.WithField("reset", total).Info("scheduler: credit periods reset")
	}
	return nil
}

// Scheduler owns the river client that enqueues and works reset jobs.
type Scheduler struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
}

// New builds a scheduler over pool. Jobs are enqueued every cfg.Interval.
func New(pool *pgxpool.Pool, resetter Resetter, cfg config.SchedulerConfig) (*Scheduler, error) {
	if pool == nil {
		return nil, errors.New("scheduler: nil pool")
	}
	if resetter == nil {
		return nil, errors.New("scheduler: nil resetter")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	batch := cfg.BatchSize

	workers := river.NewWorkers()
	river.AddWorker(workers, NewPeriodResetWorker(resetter))

	client, errClient := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return PeriodResetArgs{BatchSize: batch}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if errClient != nil {
		return nil, fmt.Errorf("scheduler: new river client: %w", errClient)
	}
	return &Scheduler{pool: pool, client: client}, nil
}

// Migrate applies river's schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, errMigrator := rivermigrate.New(riverpgxv5.New(pool), nil)
	if errMigrator != nil {
		return fmt.Errorf("scheduler: new migrator: %w", errMigrator)
	}
	if _, errMigrate := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); errMigrate != nil {
		return fmt.Errorf("scheduler: migrate: %w", errMigrate)
	}
	return nil
}

// Start migrates the queue schema and starts working jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if errMigrate := Migrate(ctx, s.pool); errMigrate != nil {
		return errMigrate
	}
	if errStart := s.client.Start(ctx); errStart != nil {
		return fmt.Errorf("scheduler: start: %w", errStart)
	}
	log.Info("scheduler: credit reset scheduler started")
	return nil
}

// Stop waits for running jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if errStop := s.client.Stop(ctx); errStop != nil {
		return fmt.Errorf("scheduler: stop: %w", errStop)
	}
	return nil
}
