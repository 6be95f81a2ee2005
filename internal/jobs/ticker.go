package jobs

import (
	"context"
	"sync"
	"time"
)

// TickerRunner runs both tasks on in-process tickers. It is used when no
// postgres database is available for river.
type TickerRunner struct {
	tasks Tasks
	every Intervals

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTicker(tasks Tasks, every Intervals) *TickerRunner {
	return &TickerRunner{tasks: tasks, every: every}
}

func (r *TickerRunner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.loop(ctx, r.every.Health, false, r.tasks.checkHealth)
	r.loop(ctx, r.every.Retention, true, func(ctx context.Context) {
		if err := r.tasks.pruneUsage(ctx); err != nil {
			r.tasks.Log.Error().Err(err).Msg("usage retention failed")
		}
	})
	return nil
}

func (r *TickerRunner) loop(ctx context.Context, every time.Duration, runOnStart bool, fn func(context.Context)) {
	if every <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if runOnStart {
			fn(ctx)
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn(ctx)
			}
		}
	}()
}

// Stop cancels the loops and waits for a running task to return.
func (r *TickerRunner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
