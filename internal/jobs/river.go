package jobs

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

type SessionHealthArgs struct{}

func (SessionHealthArgs) Kind() string { return "session_health" }

type SessionHealthWorker struct {
	river.WorkerDefaults[SessionHealthArgs]
	tasks Tasks
}

func NewSessionHealthWorker(tasks Tasks) *SessionHealthWorker {
	return &SessionHealthWorker{tasks: tasks}
}

func (w *SessionHealthWorker) Work(ctx context.Context, job *river.Job[SessionHealthArgs]) error {
	w.tasks.checkHealth(ctx)
	return nil
}

type UsageRetentionArgs struct{}

func (UsageRetentionArgs) Kind() string { return "usage_retention" }

// UsageRetentionWorker returns prune failures so river retries them.
type UsageRetentionWorker struct {
	river.WorkerDefaults[UsageRetentionArgs]
	tasks Tasks
}

func NewUsageRetentionWorker(tasks Tasks) *UsageRetentionWorker {
	return &UsageRetentionWorker{tasks: tasks}
}

func (w *UsageRetentionWorker) Work(ctx context.Context, job *river.Job[UsageRetentionArgs]) error {
	return w.tasks.pruneUsage(ctx)
}

// RiverRunner schedules both tasks as river periodic jobs.
type RiverRunner struct {
	client *river.Client[pgx.Tx]
	tasks  Tasks
}

// NewRiver applies river's migrations and builds a client with both
// workers and their periodic schedules.
func NewRiver(ctx context.Context, pool *pgxpool.Pool, tasks Tasks, every Intervals) (*RiverRunner, error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return nil, fmt.Errorf("creating river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("river migrate up: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewSessionHealthWorker(tasks))
	river.AddWorker(workers, NewUsageRetentionWorker(tasks))

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(every.Health),
				func() (river.JobArgs, *river.InsertOpts) { return SessionHealthArgs{}, nil },
				nil,
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(every.Retention),
				func() (river.JobArgs, *river.InsertOpts) { return UsageRetentionArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}
	tasks.Log.Info().Msg("river migrations applied")
	return &RiverRunner{client: client, tasks: tasks}, nil
}

func (r *RiverRunner) Start(ctx context.Context) error {
	if err := r.client.Start(ctx); err != nil {
		return fmt.Errorf("starting river client: %w", err)
	}
	return nil
}

func (r *RiverRunner) Stop(ctx context.Context) error {
	return r.client.Stop(ctx)
}
