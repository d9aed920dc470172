package tasks

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/slipstream/dlsync/internal/scheduler"
)

// DefaultProcessingInterval is how often pending import jobs are picked up.
const DefaultProcessingInterval = 15 * time.Second

// JobProcessor processes pending post-processing jobs.
type JobProcessor interface {
	ProcessPending(ctx context.Context) (int, error)
}

// RegisterProcessingTask schedules the post-processing queue.
func RegisterProcessingTask(sched *scheduler.Scheduler, processor JobProcessor, interval time.Duration, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = DefaultProcessingInterval
	}
	log := logger.With().Str("task", "processing").Logger()

	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          "processing",
		Name:        "Import Processing",
		Description: "Moves finished downloads into the library",
		Interval:    interval,
		Func: func(ctx context.Context) error {
			n, err := processor.ProcessPending(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info().Int("jobs", n).Msg("Processed import jobs")
			}
			return nil
		},
	})
}
