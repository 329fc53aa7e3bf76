package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Monitor periodically reports history size and live connections. Replay
// loads the whole history per join, so it warns once the log crosses
// threshold (0 disables the warning).
type Monitor struct {
	counter   HistoryCounter
	registry  *Registry
	threshold int
	log       *zap.Logger
	warned    bool
}

func NewMonitor(counter HistoryCounter, registry *Registry, threshold int, log *zap.Logger) *Monitor {
	return &Monitor{
		counter:   counter,
		registry:  registry,
		threshold: threshold,
		log:       log.Named("monitor"),
	}
}

// Check runs one sample. It is not safe for concurrent use; the scheduler
// runs it in singleton mode.
func (m *Monitor) Check(ctx context.Context) error {
	n, err := m.counter.Count(ctx)
	if err != nil {
		return err
	}

	m.log.Info("relay stats", zap.Int("history", n), zap.Int("clients", m.registry.Len()))

	if m.threshold > 0 && n >= m.threshold && !m.warned {
		m.warned = true
		m.log.Warn("history exceeds replay threshold; every join loads it in full",
			zap.Int("history", n), zap.Int("threshold", m.threshold))
	}
	return nil
}

// Run schedules Check every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			defer cancel()
			if err := m.Check(checkCtx); err != nil {
				m.log.Error("stats check failed", zap.Error(err))
			}
		}),
		gocron.WithName("relay-stats"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule stats job: %w", err)
	}

	s.Start()
	m.log.Info("monitor started", zap.Duration("interval", interval))

	<-ctx.Done()
	return s.Shutdown()
}
