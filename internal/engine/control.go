package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"alarm-trader/internal/logging"
)

// Replayer resends notifications that could not be delivered.
type Replayer interface {
	Replay(ctx context.Context) (int, error)
}

// ControlLoop runs housekeeping jobs on a schedule.
type ControlLoop struct {
	replayer       Replayer
	replayEvery    time.Duration
	heartbeatEvery time.Duration
	heartbeat      func(context.Context, zerolog.Logger)
	logger         zerolog.Logger
}

// NewControlLoop creates a ControlLoop. A nil replayer disables replays.
func NewControlLoop(replayer Replayer, replayEvery, heartbeatEvery time.Duration, heartbeat func(context.Context, zerolog.Logger), logger zerolog.Logger) *ControlLoop {
	if replayEvery <= 0 {
		replayEvery = 10 * time.Minute
	}
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Hour
	}
	return &ControlLoop{
		replayer:       replayer,
		replayEvery:    replayEvery,
		heartbeatEvery: heartbeatEvery,
		heartbeat:      heartbeat,
		logger:         logging.WithComponent(logger, "control"),
	}
}

// Run schedules the jobs and blocks until ctx ends.
func (c *ControlLoop) Run(ctx context.Context) error {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if c.replayer != nil {
		if _, err := s.Every(c.replayEvery).Do(c.replay, ctx); err != nil {
			return fmt.Errorf("scheduling notification replay: %w", err)
		}
	}
	if c.heartbeat != nil {
		if _, err := s.Every(c.heartbeatEvery).WaitForSchedule().Do(c.heartbeat, ctx, c.logger); err != nil {
			return fmt.Errorf("scheduling heartbeat: %w", err)
		}
	}

	s.StartAsync()
	c.logger.Info().Int("jobs", len(s.Jobs())).Msg("Control service is running")

	<-ctx.Done()
	s.Stop()
	return nil
}

func (c *ControlLoop) replay(ctx context.Context) {
	sent, err := c.replayer.Replay(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Notification replay failed")
		return
	}
	if sent > 0 {
		c.logger.Info().Int("sent", sent).Msg("Queued notifications delivered")
	}
}
