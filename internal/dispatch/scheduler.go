package dispatch

import (
	"context"
	"time"

	"github.com/threadhive/dispatch/pkg/logging"
)

type pipelineLister interface {
	ListEnabledPipelines(ctx context.Context) ([]int64, error)
}

type cycleRunner interface {
	RunCycle(ctx context.Context, pipelineID int64) (CycleSummary, error)
}

// CycleScheduler drives dispatch cycles on a fixed interval, one sweep over
// every enabled pipeline per tick.
type CycleScheduler struct {
	pipelines  pipelineLister
	dispatcher cycleRunner
	logger     *logging.Logger
	interval   time.Duration
}

func NewCycleScheduler(pipelines pipelineLister, dispatcher cycleRunner, logger *logging.Logger) *CycleScheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &CycleScheduler{
		pipelines:  pipelines,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   1 * time.Minute,
	}
}

func (s *CycleScheduler) WithInterval(d time.Duration) *CycleScheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *CycleScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one cycle per enabled pipeline. A failing pipeline never stops
// the sweep; its replies stay pending for the next tick.
func (s *CycleScheduler) sweep(ctx context.Context) {
	if s.pipelines == nil || s.dispatcher == nil {
		return
	}
	ids, err := s.pipelines.ListEnabledPipelines(ctx)
	if err != nil {
		s.logger.Error("pipeline listing failed", "error", err)
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		summary, err := s.dispatcher.RunCycle(ctx, id)
		if err != nil {
			s.logger.Error("cycle failed", "pipeline_id", id, "error", err)
			continue
		}
		if summary.Faults > 0 {
			s.logger.Warn("cycle completed with faults",
				"pipeline_id", id, "cycle_id", summary.CycleID.String(),
				"faults", summary.Faults, "last_error", summary.LastError)
		}
	}
}
