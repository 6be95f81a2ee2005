// Package jobs runs the periodic maintenance work of the gateway: the
// session health sweep and the usage retention prune. Both run either as
// river periodic jobs on postgres or on in-process tickers.
package jobs

import (
	"context"
	"fmt"
	"time"

	"wa_gateway/internal/whatsapp"

	"github.com/rs/zerolog"
)

type HealthChecker interface {
	HealthCheck(ctx context.Context) whatsapp.HealthReport
}

type UsagePruner interface {
	PruneDaily(ctx context.Context) (int64, error)
}

// Runner is a started job backend.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Intervals struct {
	Health    time.Duration
	Retention time.Duration
}

// Tasks holds the work shared by every backend.
type Tasks struct {
	Sessions HealthChecker
	Usage    UsagePruner
	Log      zerolog.Logger
}

func (t Tasks) checkHealth(ctx context.Context) {
	rep := t.Sessions.HealthCheck(ctx)
	ev := t.Log.Info()
	if rep.Stale > rep.Recovered {
		ev = t.Log.Warn()
	}
	ev.Int("checked", rep.Checked).Int("stale", rep.Stale).Int("recovered", rep.Recovered).Msg("session health sweep finished")
}

func (t Tasks) pruneUsage(ctx context.Context) error {
	n, err := t.Usage.PruneDaily(ctx)
	if err != nil {
		return fmt.Errorf("pruning daily usage: %w", err)
	}
	t.Log.Info().Int64("rows", n).Msg("daily usage pruned")
	return nil
}
